package selfhosted

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/jrsteele09/go-auth-compat/auth"
	"github.com/jrsteele09/go-auth-compat/events"
	"github.com/jrsteele09/go-auth-compat/internal/fakebackend"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/jrsteele09/go-auth-compat/tokenstore"
	"github.com/jrsteele09/go-auth-compat/users"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCallback = "http://app.test/callback"
	testPassword = "correct-horse"
)

func startFake(t *testing.T, options ...fakebackend.SelfHostedOption) (*fakebackend.SelfHosted, *httptest.Server) {
	t.Helper()
	options = append([]fakebackend.SelfHostedOption{fakebackend.WithSelfHostedLogger(zerolog.Nop())}, options...)
	s := fakebackend.NewSelfHosted(options...)
	srv := s.Start()
	t.Cleanup(srv.Close)
	return s, srv
}

func newAdapter(t *testing.T, srv *httptest.Server, options ...Option) *Adapter {
	t.Helper()
	options = append([]Option{
		WithLogger(zerolog.Nop()),
		WithHTTPClient(srv.Client()),
		WithCallbackURL(testCallback),
		WithStateOptions(auth.WithTokenRefreshDetection(false, 0, 0)),
	}, options...)
	a := New(srv.URL, options...)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func signUp(t *testing.T, a *Adapter, email string) auth.AuthResponse {
	t.Helper()
	res, err := a.SignUp(context.Background(), auth.SignUpCredentials{
		Email:    email,
		Password: testPassword,
		Options:  auth.SignUpOptions{Data: map[string]any{users.MetaFullName: "Jane Doe", "plan": "pro"}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	return res
}

func errorCode(t *testing.T, err error) auth.ErrorCode {
	t.Helper()
	require.Error(t, err)
	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	return authErr.Code
}

func follow(t *testing.T, srv *httptest.Server, target string) *url.URL {
	t.Helper()
	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Get(target)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc
}

func TestAdapter_SignUpMapsProfileAndCachesSession(t *testing.T) {
	s, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()

	res := signUp(t, a, "jane@example.com")
	assert.Equal(t, "Jane Doe", res.User.UserMetadata[users.MetaFullName])
	assert.Equal(t, "pro", res.User.UserMetadata["plan"])
	assert.Equal(t, "email", res.User.AppMetadata["provider"])
	assert.NotNil(t, res.User.EmailConfirmedAt)

	claims, err := a.GetClaims(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.Claims["sub"])

	s.Counters.Reset()
	for range 3 {
		got, err := a.GetSession(ctx)
		require.NoError(t, err)
		require.NotNil(t, got.Session)
		assert.Equal(t, res.Session.RefreshToken, got.Session.RefreshToken)
	}
	assert.Zero(t, s.Counters.Calls("GET /api/auth/get-session"))
}

func TestAdapter_ConcurrentReadsShareOneFetch(t *testing.T) {
	s, srv := startFake(t)
	store := tokenstore.NewMemory()
	signUp(t, newAdapter(t, srv, WithTokenStore(store)), "jane@example.com")

	cold := newAdapter(t, srv, WithTokenStore(store))
	s.Counters.Reset()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := cold.GetSession(context.Background())
			if err != nil || res.Session == nil {
				t.Errorf("GetSession = %v, %v", res.Session, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, s.Counters.Calls("GET /api/auth/get-session"))
}

func TestAdapter_RequiredVerification(t *testing.T) {
	s, srv := startFake(t, fakebackend.WithRequiredVerification(true))
	a := newAdapter(t, srv)
	ctx := context.Background()

	res, err := a.SignUp(ctx, auth.SignUpCredentials{Email: "new@example.com", Password: testPassword})
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	require.NotNil(t, res.User)
	assert.Nil(t, res.User.EmailConfirmedAt)

	_, err = a.SignInWithPassword(ctx, auth.SignInWithPasswordCredentials{Email: "new@example.com", Password: testPassword})
	assert.Equal(t, auth.CodeEmailNotConfirmed, errorCode(t, err))

	tok, found := s.Store.LatestToken("new@example.com", fakebackend.PurposeVerification)
	require.True(t, found)
	verified, err := a.VerifyOtp(ctx, auth.VerifyOtpParams{TokenHash: tok.Token, Type: auth.OtpSignup})
	require.NoError(t, err)
	require.NotNil(t, verified.Session)
	assert.NotNil(t, verified.User.EmailConfirmedAt)
}

func TestAdapter_ErrorsAreNormalized(t *testing.T) {
	s, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()
	signUp(t, a, "jane@example.com")

	_, err := a.SignUp(ctx, auth.SignUpCredentials{Email: "jane@example.com", Password: testPassword})
	assert.Equal(t, auth.CodeUserAlreadyExists, errorCode(t, err))
	_, err = a.SignUp(ctx, auth.SignUpCredentials{Email: "short@example.com", Password: "1234567"})
	assert.Equal(t, auth.CodeWeakPassword, errorCode(t, err))
	_, err = a.SignInWithPassword(ctx, auth.SignInWithPasswordCredentials{Email: "jane@example.com", Password: "nope-nope"})
	assert.Equal(t, auth.CodeInvalidCredentials, errorCode(t, err))

	s.Counters.Reset()
	_, err = a.SignInAnonymously(ctx, auth.SignInAnonymouslyCredentials{})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))
	_, err = a.SetSession(ctx, auth.SetSessionParams{})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, a.SignOut(ctx, auth.SignOutOptions{Scope: auth.SignOutOthers})))
	assert.Zero(t, s.Counters.Total())
}

func TestAdapter_SignOutClearsStateAndEmits(t *testing.T) {
	s, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()

	seen := make(chan events.Event, 8)
	sub := a.OnAuthStateChange(func(_ context.Context, e events.Event, _ *sessions.Session) error {
		seen <- e
		return nil
	})
	defer sub.Unsubscribe()
	require.Equal(t, events.InitialSession, <-seen)

	signUp(t, a, "jane@example.com")
	_, err := a.RefreshSession(ctx)
	require.NoError(t, err)
	require.NoError(t, a.SignOut(ctx, auth.SignOutOptions{}))

	for _, want := range []events.Event{events.SignedIn, events.TokenRefreshed, events.SignedOut} {
		assert.Equal(t, want, <-seen)
	}
	res, err := a.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	assert.Equal(t, 1, s.Counters.Calls("POST /api/auth/sign-out"))

	_, err = a.GetJwtToken(ctx)
	assert.Equal(t, auth.CodeSessionNotFound, errorCode(t, err))
}

func TestAdapter_SocialSignInAndLink(t *testing.T) {
	s, srv := startFake(t)
	s.SetProviderProfile("github", fakebackend.ProviderProfile{Subject: "gh-7", Email: "octo@example.com", Name: "Octo Cat"})
	a := newAdapter(t, srv)
	ctx := context.Background()

	oauthRes, err := a.SignInWithOAuth(ctx, auth.SignInWithOAuthCredentials{Provider: "github"})
	require.NoError(t, err)
	back := follow(t, srv, oauthRes.URL)
	assert.Equal(t, "app.test", back.Host)

	res, err := a.ExchangeCodeForSession(ctx, back.Query().Get("code"))
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, "octo@example.com", res.User.Email)
	assert.Equal(t, "Octo Cat", res.User.UserMetadata[users.MetaFullName])

	linkRes, err := a.LinkIdentity(ctx, auth.LinkIdentityCredentials{Provider: "google"})
	require.NoError(t, err)
	follow(t, srv, linkRes.URL)

	ids, err := a.GetUserIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, ids.Identities, 2)
	assert.Equal(t, "github", ids.Identities[0].Provider)
	assert.Equal(t, "google", ids.Identities[1].Provider)

	require.NoError(t, a.UnlinkIdentity(ctx, ids.Identities[1]))
	err = a.UnlinkIdentity(ctx, ids.Identities[0])
	assert.Equal(t, auth.CodeValidationFailed, errorCode(t, err))

	_, err = a.ExchangeCodeForSession(ctx, back.Query().Get("code"))
	assert.Equal(t, auth.CodeOtpExpired, errorCode(t, err))
}

func TestAdapter_MagicLinkAndCode(t *testing.T) {
	s, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()

	_, err := a.SignInWithOtp(ctx, auth.SignInWithOtpCredentials{Email: "magic@example.com"})
	require.NoError(t, err)
	tok, found := s.Store.LatestToken("magic@example.com", fakebackend.PurposeMagicLink)
	require.True(t, found)
	res, err := a.VerifyOtp(ctx, auth.VerifyOtpParams{TokenHash: tok.Token, Type: auth.OtpMagicLink})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	require.NoError(t, a.SignOut(ctx, auth.SignOutOptions{}))

	_, err = a.SignInWithOtp(ctx, auth.SignInWithOtpCredentials{Email: "magic@example.com"})
	require.NoError(t, err)
	tok, _ = s.Store.LatestToken("magic@example.com", fakebackend.PurposeMagicLink)
	res, err = a.VerifyOtp(ctx, auth.VerifyOtpParams{Email: "magic@example.com", Token: tok.Code, Type: auth.OtpEmail})
	require.NoError(t, err)
	require.NotNil(t, res.Session)

	noCreate := false
	_, err = a.SignInWithOtp(ctx, auth.SignInWithOtpCredentials{Email: "ghost@example.com", Options: auth.OtpOptions{ShouldCreateUser: &noCreate}})
	assert.Equal(t, auth.CodeUserNotFound, errorCode(t, err))
}

func TestAdapter_PasswordRecoveryFlow(t *testing.T) {
	s, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()
	signUp(t, a, "jane@example.com")
	require.NoError(t, a.SignOut(ctx, auth.SignOutOptions{}))

	_, err := a.UpdateUser(ctx, auth.UserAttributes{Password: "another-pass"})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))

	require.NoError(t, a.ResetPasswordForEmail(ctx, "jane@example.com", auth.ResetPasswordOptions{}))
	tok, found := s.Store.LatestToken("jane@example.com", fakebackend.PurposeRecovery)
	require.True(t, found)

	seen := make(chan events.Event, 8)
	sub := a.OnAuthStateChange(func(_ context.Context, e events.Event, _ *sessions.Session) error {
		if e != events.InitialSession {
			seen <- e
		}
		return nil
	})
	defer sub.Unsubscribe()

	_, err = a.VerifyOtp(ctx, auth.VerifyOtpParams{TokenHash: tok.Token, Type: auth.OtpRecovery})
	require.NoError(t, err)
	assert.Equal(t, events.PasswordRecovery, <-seen)

	_, err = a.UpdateUser(ctx, auth.UserAttributes{Password: "another-pass"})
	require.NoError(t, err)
	assert.Equal(t, events.UserUpdated, <-seen)

	_, err = a.SignInWithPassword(ctx, auth.SignInWithPasswordCredentials{Email: "jane@example.com", Password: "another-pass"})
	require.NoError(t, err)
}

func TestAdapter_ChangePasswordAndProfile(t *testing.T) {
	_, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()
	signUp(t, a, "jane@example.com")

	_, err := a.ChangePassword(ctx, "wrong-current", "brand-new-pass", false)
	assert.Equal(t, auth.CodeInvalidCredentials, errorCode(t, err))
	_, err = a.ChangePassword(ctx, testPassword, "brand-new-pass", true)
	require.NoError(t, err)

	updated, err := a.UpdateUser(ctx, auth.UserAttributes{Data: map[string]any{users.MetaFullName: "Janet Doe", "theme": "dark"}})
	require.NoError(t, err)
	require.NotNil(t, updated.User)
	assert.Equal(t, "Janet Doe", updated.User.UserMetadata[users.MetaFullName])
	assert.Equal(t, "dark", updated.User.UserMetadata["theme"])

	fresh, err := a.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Janet Doe", fresh.User.UserMetadata[users.MetaName])

	jwt, err := a.GetJwtToken(ctx)
	require.NoError(t, err)
	claims, err := a.GetClaims(ctx, jwt)
	require.NoError(t, err)
	assert.Equal(t, fresh.User.ID, claims.Claims["sub"])
}

func TestAdapter_EmailChangeNeedsConfirmation(t *testing.T) {
	s, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()
	signUp(t, a, "jane@example.com")

	res, err := a.UpdateUser(ctx, auth.UserAttributes{Email: "janet@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", res.User.Email)

	_, err = a.Resend(ctx, auth.ResendParams{Type: auth.OtpEmailChange, Email: "janet@example.com"})
	require.NoError(t, err)
	tok, found := s.Store.LatestToken("janet@example.com", fakebackend.PurposeEmailChange)
	require.True(t, found)

	verified, err := a.VerifyOtp(ctx, auth.VerifyOtpParams{TokenHash: tok.Token, Type: auth.OtpEmailChange})
	require.NoError(t, err)
	assert.Equal(t, "janet@example.com", verified.User.Email)
}

func TestSplitProfile(t *testing.T) {
	name, image, extra := splitProfile(map[string]any{
		users.MetaName:      "Jane",
		users.MetaAvatarURL: "https://img.test/a.png",
		"plan":              "pro",
	})
	assert.Equal(t, "Jane", name)
	assert.Equal(t, "https://img.test/a.png", image)
	assert.Equal(t, map[string]any{"plan": "pro"}, extra)
}
