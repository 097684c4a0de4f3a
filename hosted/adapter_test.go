package hosted

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

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
	testRedirect = "http://app.test/callback"
	testPassword = "correct-horse"
)

func startFake(t *testing.T) (*fakebackend.Hosted, *httptest.Server) {
	t.Helper()
	h := fakebackend.NewHosted(fakebackend.WithHostedLogger(zerolog.Nop()))
	srv := h.Start()
	t.Cleanup(srv.Close)
	return h, srv
}

func newAdapter(t *testing.T, srv *httptest.Server, options ...Option) *Adapter {
	t.Helper()
	options = append([]Option{
		WithLogger(zerolog.Nop()),
		WithHTTPClient(srv.Client()),
		WithOAuthClient("test-client", "test-secret", testRedirect),
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
		Options:  auth.SignUpOptions{Data: map[string]any{users.MetaFullName: "Jane Doe"}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	return res
}

func authCode(t *testing.T, srv *httptest.Server, authURL string) string {
	t.Helper()
	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func errorCode(t *testing.T, err error) auth.ErrorCode {
	t.Helper()
	require.Error(t, err)
	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	return authErr.Code
}

func TestAdapter_SignInReturnsJWTAndCachesSession(t *testing.T) {
	h, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()

	signUp(t, a, "jane@example.com")
	h.Counters.Reset()

	res, err := a.SignInWithPassword(ctx, auth.SignInWithPasswordCredentials{Email: "jane@example.com", Password: testPassword})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Len(t, strings.Split(res.Session.AccessToken, "."), 3)
	assert.Equal(t, "bearer", res.Session.TokenType)
	assert.Equal(t, "Jane Doe", res.User.UserMetadata[users.MetaFullName])
	assert.Equal(t, "email", res.User.AppMetadata["provider"])
	assert.Equal(t, 1, h.Counters.Calls("GET /v1/sessions/current"))

	for range 3 {
		got, err := a.GetSession(ctx)
		require.NoError(t, err)
		require.NotNil(t, got.Session)
		assert.Equal(t, res.Session.AccessToken, got.Session.AccessToken)
	}
	assert.Equal(t, 1, h.Counters.Calls("GET /v1/sessions/current"))

	claims, err := a.GetClaims(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.Claims["sub"])
	assert.Equal(t, "HS256", claims.Header["alg"])
}

func TestAdapter_ConcurrentGetSessionSharesOneFetch(t *testing.T) {
	h, srv := startFake(t)
	store := tokenstore.NewMemory()
	first := newAdapter(t, srv, WithTokenStore(store))
	signUp(t, first, "jane@example.com")

	// A second instance over the same store starts with a cold cache.
	second := New(srv.URL, WithLogger(zerolog.Nop()), WithHTTPClient(srv.Client()), WithTokenStore(store),
		WithStateOptions(auth.WithTokenRefreshDetection(false, 0, 0)))
	h.Counters.Reset()

	var wg sync.WaitGroup
	results := make([]*sessions.Session, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := second.GetSession(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = res.Session
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.Counters.Calls("GET /v1/sessions/current"))
	for _, s := range results {
		require.NotNil(t, s)
		assert.Equal(t, results[0].AccessToken, s.AccessToken)
	}
}

func TestAdapter_SignOutWinsOverReadsInFlight(t *testing.T) {
	_, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()
	signUp(t, a, "jane@example.com")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.GetSession(ctx)
		}()
	}
	require.NoError(t, a.SignOut(ctx, auth.SignOutOptions{}))
	wg.Wait()

	res, err := a.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	assert.Nil(t, a.State().Cache().Get())

	_, err = a.GetUser(ctx)
	assert.Equal(t, auth.CodeSessionNotFound, errorCode(t, err))
}

func TestAdapter_EventsArriveInOrder(t *testing.T) {
	_, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()

	seen := make(chan events.Event, 10)
	sub := a.OnAuthStateChange(func(_ context.Context, e events.Event, _ *sessions.Session) error {
		seen <- e
		return nil
	})
	defer sub.Unsubscribe()
	select {
	case e := <-seen:
		require.Equal(t, events.InitialSession, e)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial session event")
	}

	signUp(t, a, "jane@example.com")
	_, err := a.UpdateUser(ctx, auth.UserAttributes{Data: map[string]any{"first_name": "Janet"}})
	require.NoError(t, err)
	_, err = a.RefreshSession(ctx)
	require.NoError(t, err)
	require.NoError(t, a.SignOut(ctx, auth.SignOutOptions{Scope: auth.SignOutLocal}))

	want := []events.Event{events.SignedIn, events.UserUpdated, events.TokenRefreshed, events.SignedOut}
	for _, w := range want {
		assert.Equal(t, w, <-seen)
	}
}

func TestAdapter_UnsupportedMethodsMakeNoCalls(t *testing.T) {
	h, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()

	_, err := a.SignInWithIdToken(ctx, auth.SignInWithIdTokenCredentials{Provider: "google", Token: "x"})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))
	_, err = a.SignInWithSSO(ctx, auth.SignInWithSSOParams{Domain: "example.com"})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))
	_, err = a.SignInWithWeb3(ctx, auth.SignInWithWeb3Credentials{Chain: "ethereum"})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))
	_, err = a.SignInAnonymously(ctx, auth.SignInAnonymouslyCredentials{})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))
	_, err = a.SetSession(ctx, auth.SetSessionParams{AccessToken: "a", RefreshToken: "b"})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, a.Reauthenticate(ctx)))
	_, err = a.SignInWithOtp(ctx, auth.SignInWithOtpCredentials{Phone: "+15550100"})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))
	_, err = a.VerifyOtp(ctx, auth.VerifyOtpParams{Phone: "+15550100", Token: "123456", Type: auth.OtpSMS})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))

	_, err = a.SignUp(ctx, auth.SignUpCredentials{Email: "not-an-email", Password: testPassword})
	assert.Equal(t, auth.CodeEmailAddressInvalid, errorCode(t, err))
	_, err = a.SignUp(ctx, auth.SignUpCredentials{Email: "jane@example.com", Password: "123"})
	assert.Equal(t, auth.CodeWeakPassword, errorCode(t, err))

	assert.Zero(t, h.Counters.Total())
}

func TestAdapter_BackendErrorsAreNormalized(t *testing.T) {
	_, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()
	signUp(t, a, "jane@example.com")

	_, err := a.SignUp(ctx, auth.SignUpCredentials{Email: "jane@example.com", Password: testPassword})
	assert.Equal(t, auth.CodeUserAlreadyExists, errorCode(t, err))

	_, err = a.SignInWithPassword(ctx, auth.SignInWithPasswordCredentials{Email: "jane@example.com", Password: "wrong-password"})
	assert.Equal(t, auth.CodeInvalidCredentials, errorCode(t, err))

	_, err = a.GetClaims(ctx, "not-a-jwt")
	assert.Equal(t, auth.CodeBadJWT, errorCode(t, err))
}

func TestAdapter_OAuthSignInWithDiscovery(t *testing.T) {
	h, srv := startFake(t)
	h.SetProviderProfile("github", fakebackend.ProviderProfile{Subject: "gh-42", Email: "octo@example.com", Name: "Octo Cat"})
	a := newAdapter(t, srv, WithIssuer(srv.URL))
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))

	oauthRes, err := a.SignInWithOAuth(ctx, auth.SignInWithOAuthCredentials{Provider: "github"})
	require.NoError(t, err)
	assert.Equal(t, "github", oauthRes.Provider)
	assert.Contains(t, oauthRes.URL, "code_challenge_method=S256")
	assert.Zero(t, h.Counters.Calls("GET /oauth/authorize"))

	code := authCode(t, srv, oauthRes.URL)
	res, err := a.ExchangeCodeForSession(ctx, code)
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, "octo@example.com", res.User.Email)
	assert.Equal(t, "github", res.User.AppMetadata["provider"])

	_, err = a.ExchangeCodeForSession(ctx, code)
	assert.Equal(t, auth.CodeValidationFailed, errorCode(t, err))
}

func TestAdapter_ExchangeRejectsUnknownCode(t *testing.T) {
	_, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()

	_, err := a.SignInWithOAuth(ctx, auth.SignInWithOAuthCredentials{Provider: "github"})
	require.NoError(t, err)
	_, err = a.ExchangeCodeForSession(ctx, "bogus")
	require.Error(t, err)
	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusBadRequest, authErr.Status)
}

func TestAdapter_LinkAndUnlinkIdentity(t *testing.T) {
	_, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()
	signed := signUp(t, a, "jane@example.com")

	linkRes, err := a.LinkIdentity(ctx, auth.LinkIdentityCredentials{Provider: "google"})
	require.NoError(t, err)
	assert.Contains(t, linkRes.URL, "intent=link")

	res, err := a.ExchangeCodeForSession(ctx, authCode(t, srv, linkRes.URL))
	require.NoError(t, err)
	assert.Equal(t, signed.User.ID, res.User.ID)

	ids, err := a.GetUserIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, ids.Identities, 1)
	assert.Equal(t, "google", ids.Identities[0].Provider)

	require.NoError(t, a.UnlinkIdentity(ctx, ids.Identities[0]))
	ids, err = a.GetUserIdentities(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids.Identities)

	err = a.UnlinkIdentity(ctx, users.Identity{IdentityID: "missing"})
	assert.Equal(t, auth.CodeIdentityNotFound, errorCode(t, err))
}

func TestAdapter_LinkIdentityRequiresSession(t *testing.T) {
	_, srv := startFake(t)
	a := newAdapter(t, srv)
	_, err := a.LinkIdentity(context.Background(), auth.LinkIdentityCredentials{Provider: "google"})
	assert.Equal(t, auth.CodeSessionNotFound, errorCode(t, err))
}

func TestAdapter_MagicLinkVerification(t *testing.T) {
	h, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()

	otp, err := a.SignInWithOtp(ctx, auth.SignInWithOtpCredentials{Email: "magic@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, otp.MessageID)

	tok, found := h.Store.LatestToken("magic@example.com", fakebackend.PurposeMagicLink)
	require.True(t, found)
	res, err := a.VerifyOtp(ctx, auth.VerifyOtpParams{Email: "magic@example.com", Token: tok.Code, Type: auth.OtpEmail})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, "magic@example.com", res.User.Email)
	assert.NotNil(t, res.User.EmailConfirmedAt)

	_, err = a.VerifyOtp(ctx, auth.VerifyOtpParams{TokenHash: tok.Token, Type: auth.OtpMagicLink})
	assert.Equal(t, auth.CodeOtpExpired, errorCode(t, err))

	noCreate := false
	_, err = a.SignInWithOtp(ctx, auth.SignInWithOtpCredentials{Email: "nobody@example.com", Options: auth.OtpOptions{ShouldCreateUser: &noCreate}})
	assert.Equal(t, auth.CodeUserNotFound, errorCode(t, err))
}

func TestAdapter_RecoveryEmitsPasswordRecovery(t *testing.T) {
	h, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()
	signUp(t, a, "jane@example.com")
	require.NoError(t, a.SignOut(ctx, auth.SignOutOptions{}))

	require.NoError(t, a.ResetPasswordForEmail(ctx, "jane@example.com", auth.ResetPasswordOptions{RedirectTo: testRedirect}))
	tok, found := h.Store.LatestToken("jane@example.com", fakebackend.PurposeRecovery)
	require.True(t, found)

	seen := make(chan events.Event, 4)
	sub := a.OnAuthStateChange(func(_ context.Context, e events.Event, _ *sessions.Session) error {
		if e != events.InitialSession {
			seen <- e
		}
		return nil
	})
	defer sub.Unsubscribe()

	_, err := a.VerifyOtp(ctx, auth.VerifyOtpParams{TokenHash: tok.Token, Type: auth.OtpRecovery})
	require.NoError(t, err)
	assert.Equal(t, events.PasswordRecovery, <-seen)

	_, err = a.UpdateUser(ctx, auth.UserAttributes{Password: "brand-new-pass"})
	require.NoError(t, err)
	assert.Equal(t, events.UserUpdated, <-seen)

	require.NoError(t, a.SignOut(ctx, auth.SignOutOptions{}))
	_, err = a.SignInWithPassword(ctx, auth.SignInWithPasswordCredentials{Email: "jane@example.com", Password: "brand-new-pass"})
	require.NoError(t, err)
}

func TestAdapter_ResendValidatesType(t *testing.T) {
	_, srv := startFake(t)
	a := newAdapter(t, srv)
	ctx := context.Background()

	_, err := a.Resend(ctx, auth.ResendParams{Type: auth.OtpMagicLink, Email: "jane@example.com"})
	assert.Equal(t, auth.CodeValidationFailed, errorCode(t, err))
	_, err = a.Resend(ctx, auth.ResendParams{Type: auth.OtpSMS, Phone: "+15550100"})
	assert.Equal(t, auth.CodeNotSupported, errorCode(t, err))
}

func TestAdapter_SessionRestoredFromBolt(t *testing.T) {
	h, srv := startFake(t)
	path := filepath.Join(t.TempDir(), "tokens.db")
	ctx := context.Background()

	store, err := tokenstore.OpenBolt(path)
	require.NoError(t, err)
	first := New(srv.URL, WithLogger(zerolog.Nop()), WithHTTPClient(srv.Client()), WithTokenStore(store),
		WithStateOptions(auth.WithTokenRefreshDetection(false, 0, 0)))
	signed := signUp(t, first, "jane@example.com")
	require.NoError(t, first.Close())

	store, err = tokenstore.OpenBolt(path)
	require.NoError(t, err)
	second := newAdapter(t, srv, WithTokenStore(store))
	h.Counters.Reset()
	require.NoError(t, second.Initialize(ctx))
	assert.Equal(t, 1, h.Counters.Calls("GET /v1/sessions/current"))

	res, err := second.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, signed.User.ID, res.Session.User.ID)
}

func TestAdapter_RevokedTokenIsForgotten(t *testing.T) {
	h, srv := startFake(t)
	store := tokenstore.NewMemory()
	a := newAdapter(t, srv, WithTokenStore(store))
	ctx := context.Background()
	signed := signUp(t, a, "jane@example.com")

	h.Store.RevokeUserSessions(signed.User.ID, "")
	a.State().Invalidate()

	res, err := a.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	_, err = store.Get(ctx, tokenstore.KeySessionToken)
	assert.Error(t, err)
}
