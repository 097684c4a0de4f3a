// Package selfhosted adapts a session based auth library, mounted on the application's own server,
// to the auth.Client interface. The adapter runs the library in bearer mode: session tokens come
// back in the set-auth-token header and JWTs in set-auth-jwt.
package selfhosted

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/jrsteele09/go-auth-compat/auth"
	"github.com/jrsteele09/go-auth-compat/events"
	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/jrsteele09/go-auth-compat/tokenstore"
	"github.com/jrsteele09/go-auth-compat/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ auth.Client = (*Adapter)(nil)

// OTP kinds understood by the email OTP plugin.
const (
	otpSignIn         = "sign-in"
	otpForgetPassword = "forget-password"
)

// recoveryGrant is a verified recovery token or code waiting for UpdateUser to set the password.
type recoveryGrant struct {
	token string
	email string
	otp   string
}

// Adapter implements auth.Client on top of the library's HTTP routes.
type Adapter struct {
	api          *Client
	httpClient   *http.Client
	state        *auth.StateManager
	store        tokenstore.Store
	logger       zerolog.Logger
	basePath     string
	callbackURL  string
	stateOptions []auth.StateOption

	mu       sync.Mutex
	recovery *recoveryGrant
}

// Option defines a function type to modify the Adapter instance.
type Option func(*Adapter)

func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = client
	}
}

func WithTokenStore(store tokenstore.Store) Option {
	return func(a *Adapter) {
		a.store = store
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithBasePath overrides the mount path of the library, /api/auth by default.
func WithBasePath(path string) Option {
	return func(a *Adapter) {
		a.basePath = path
	}
}

// WithCallbackURL sets where social sign ins and emailed links return to when the caller gives no
// redirect.
func WithCallbackURL(callbackURL string) Option {
	return func(a *Adapter) {
		a.callbackURL = callbackURL
	}
}

// WithStateOptions passes options through to the state manager.
func WithStateOptions(options ...auth.StateOption) Option {
	return func(a *Adapter) {
		a.stateOptions = append(a.stateOptions, options...)
	}
}

// New creates an adapter for the library served from baseURL.
func New(baseURL string, options ...Option) *Adapter {
	a := &Adapter{
		httpClient: http.DefaultClient,
		logger:     log.Logger.With().Str("component", "selfhosted-adapter").Logger(),
	}
	for _, opt := range options {
		opt(a)
	}
	if a.store == nil {
		a.store = tokenstore.NewMemory()
	}
	a.api = NewClient(baseURL, a.basePath, a.httpClient)
	stateOptions := append([]auth.StateOption{auth.WithLogger(a.logger)}, a.stateOptions...)
	a.state = auth.NewStateManager(a.fetchSession, stateOptions...)
	return a
}

// State exposes the state manager.
func (a *Adapter) State() *auth.StateManager {
	return a.state
}

func (a *Adapter) fetchSession(ctx context.Context) (*sessions.Session, error) {
	token, err := a.sessionToken(ctx)
	if err != nil || token == "" {
		return nil, err
	}
	res, err := a.api.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if res == nil {
		a.forgetSessionToken(ctx)
		return nil, nil
	}
	if res.JWT == "" {
		if jwt, err := a.api.Token(ctx, token); err == nil {
			res.JWT = jwt
		} else {
			a.logger.Debug().Err(err).Msg("no JWT for session, using the session token")
		}
	}
	return toSession(res, a.state.Now())
}

func (a *Adapter) sessionToken(ctx context.Context) (string, error) {
	token, err := a.store.Get(ctx, tokenstore.KeySessionToken)
	if errors.Is(err, ierrors.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "[Adapter.sessionToken] read token store")
	}
	return token, nil
}

func (a *Adapter) forgetSessionToken(ctx context.Context) {
	if err := a.store.Delete(ctx, tokenstore.KeySessionToken); err != nil {
		a.logger.Warn().Err(err).Msg("failed to delete session token")
	}
}

func (a *Adapter) requireToken(ctx context.Context) (string, error) {
	token, err := a.sessionToken(ctx)
	if err != nil {
		return "", auth.Failure(err)
	}
	if token == "" {
		return "", auth.SessionMissing()
	}
	return token, nil
}

// establish stores the new session token and commits the session the library reports for it.
func (a *Adapter) establish(ctx context.Context, res *TokenResult, event events.Event) (auth.AuthResponse, error) {
	if res.Token == "" {
		return auth.AuthResponse{User: toUser(res.User)}, nil
	}
	if err := a.store.Set(ctx, tokenstore.KeySessionToken, res.Token); err != nil {
		return auth.AuthResponse{}, auth.Failure(errors.Wrap(err, "[Adapter.establish] persist session token"))
	}
	s := a.state.Establish(ctx, event, nil)
	if s == nil {
		return auth.AuthResponse{}, auth.SessionMissing()
	}
	return auth.AuthResponse{User: s.User, Session: s}, nil
}

func (a *Adapter) redirect(to string) string {
	if to != "" {
		return to
	}
	return a.callbackURL
}

// Initialize restores a persisted session into the cache.
func (a *Adapter) Initialize(ctx context.Context) error {
	if _, err := a.state.GetSession(ctx); err != nil {
		return auth.Failure(err)
	}
	return nil
}

func (a *Adapter) SignUp(ctx context.Context, creds auth.SignUpCredentials) (auth.AuthResponse, error) {
	if verr := auth.ValidateSignUp(creds); verr != nil {
		return auth.AuthResponse{}, verr
	}
	name, image, extra := splitProfile(creds.Options.Data)
	res, err := a.api.SignUpEmail(ctx, SignUpRequest{
		Email:       creds.Email,
		Password:    creds.Password,
		Name:        name,
		Image:       image,
		CallbackURL: creds.Options.EmailRedirectTo,
		Extra:       extra,
	})
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(err)
	}
	return a.establish(ctx, res, events.SignedIn)
}

func (a *Adapter) SignInWithPassword(ctx context.Context, creds auth.SignInWithPasswordCredentials) (auth.AuthResponse, error) {
	if verr := auth.ValidateSignIn(creds); verr != nil {
		return auth.AuthResponse{}, verr
	}
	res, err := a.api.SignInEmail(ctx, creds.Email, creds.Password)
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(err)
	}
	return a.establish(ctx, res, events.SignedIn)
}

// SignInWithOAuth asks the library for the provider URL. The provider redirects back to RedirectTo
// with a code for ExchangeCodeForSession.
func (a *Adapter) SignInWithOAuth(ctx context.Context, creds auth.SignInWithOAuthCredentials) (auth.OAuthResponse, error) {
	if verr := auth.ValidateProvider(creds.Provider); verr != nil {
		return auth.OAuthResponse{}, verr
	}
	if verr := auth.ValidateRedirectURI(creds.Options.RedirectTo); verr != nil {
		return auth.OAuthResponse{}, verr
	}
	u, err := a.api.SignInSocial(ctx, creds.Provider, a.redirect(creds.Options.RedirectTo))
	if err != nil {
		return auth.OAuthResponse{}, auth.Failure(err)
	}
	return auth.OAuthResponse{Provider: creds.Provider, URL: u}, nil
}

// SignInWithOtp sends a magic link. The email also carries a code that VerifyOtp accepts.
func (a *Adapter) SignInWithOtp(ctx context.Context, creds auth.SignInWithOtpCredentials) (auth.OtpResponse, error) {
	if creds.Email == "" && creds.Phone != "" {
		return auth.OtpResponse{}, auth.Unsupported("Phone OTP sign in", "an email magic link")
	}
	if verr := auth.ValidateEmail(creds.Email); verr != nil {
		return auth.OtpResponse{}, verr
	}
	if verr := auth.ValidateRedirectURI(creds.Options.EmailRedirectTo); verr != nil {
		return auth.OtpResponse{}, verr
	}
	name, _, _ := splitProfile(creds.Options.Data)
	err := a.api.SignInMagicLink(ctx, MagicLinkRequest{
		Email:         creds.Email,
		Name:          name,
		CallbackURL:   a.redirect(creds.Options.EmailRedirectTo),
		DisableSignUp: creds.Options.ShouldCreateUser != nil && !*creds.Options.ShouldCreateUser,
	})
	if err != nil {
		return auth.OtpResponse{}, auth.Failure(err)
	}
	return auth.OtpResponse{}, nil
}

func (a *Adapter) SignInWithIdToken(context.Context, auth.SignInWithIdTokenCredentials) (auth.AuthResponse, error) {
	return auth.AuthResponse{}, auth.Unsupported("ID token sign in", "SignInWithOAuth")
}

func (a *Adapter) SignInWithSSO(context.Context, auth.SignInWithSSOParams) (auth.SSOResponse, error) {
	return auth.SSOResponse{}, auth.Unsupported("SSO sign in", "SignInWithOAuth")
}

func (a *Adapter) SignInWithWeb3(context.Context, auth.SignInWithWeb3Credentials) (auth.AuthResponse, error) {
	return auth.AuthResponse{}, auth.Unsupported("Web3 wallet sign in", "SignInWithPassword or SignInWithOAuth")
}

func (a *Adapter) SignInAnonymously(context.Context, auth.SignInAnonymouslyCredentials) (auth.AuthResponse, error) {
	return auth.AuthResponse{}, auth.Unsupported("Anonymous sign in", "SignUp with an email address")
}

// SignOut ends the current session. The library only revokes the session it is called with, so the
// global and local scopes behave the same and "others" is refused.
func (a *Adapter) SignOut(ctx context.Context, opts auth.SignOutOptions) error {
	if opts.Scope == auth.SignOutOthers {
		return auth.Unsupported("Signing out other sessions", "ChangePassword with revokeOtherSessions")
	}
	done := a.state.BeginSignOut()
	token, err := a.sessionToken(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("reading session token during sign out")
	}
	a.forgetSessionToken(ctx)
	a.clearRecovery()
	if token != "" {
		if err := a.api.SignOut(ctx, token); err != nil {
			a.logger.Warn().Err(err).Msg("backend sign out failed, signed out locally")
		}
	}
	done()
	a.state.Commit(ctx, events.SignedOut, nil)
	return nil
}

// VerifyOtp redeems emailed links and codes. A recovery token is not redeemed here; it is kept for
// the UpdateUser call that sets the new password.
func (a *Adapter) VerifyOtp(ctx context.Context, params auth.VerifyOtpParams) (auth.AuthResponse, error) {
	if params.Phone != "" || params.Type == auth.OtpSMS || params.Type == auth.OtpPhoneChange {
		return auth.AuthResponse{}, auth.Unsupported("Phone OTP verification", "email verification")
	}
	byHash := params.TokenHash != ""
	if !byHash && (params.Email == "" || params.Token == "") {
		return auth.AuthResponse{}, auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "token_hash, or email and token, are required")
	}

	if params.Type == auth.OtpRecovery {
		grant := &recoveryGrant{token: params.TokenHash}
		if !byHash {
			grant = &recoveryGrant{email: params.Email, otp: params.Token}
		}
		a.mu.Lock()
		a.recovery = grant
		a.mu.Unlock()
		s, err := a.state.GetSession(ctx)
		if err != nil {
			return auth.AuthResponse{}, auth.Failure(err)
		}
		a.state.Notify(ctx, events.PasswordRecovery, s, true)
		res := auth.AuthResponse{Session: s}
		if s != nil {
			res.User = s.User
		}
		return res, nil
	}

	var (
		res   *TokenResult
		err   error
		event = events.SignedIn
	)
	switch {
	case byHash && (params.Type == auth.OtpSignup || params.Type == auth.OtpInvite || params.Type == auth.OtpEmailChange):
		res, err = a.api.VerifyEmail(ctx, params.TokenHash)
		if params.Type == auth.OtpEmailChange {
			event = events.UserUpdated
		}
	case byHash:
		res, err = a.api.VerifyMagicLink(ctx, params.TokenHash)
	default:
		res, err = a.api.SignInEmailOTP(ctx, params.Email, params.Token)
	}
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(err)
	}
	return a.establish(ctx, res, event)
}

func (a *Adapter) GetSession(ctx context.Context) (auth.SessionResponse, error) {
	s, err := a.state.GetSession(ctx)
	if err != nil {
		return auth.SessionResponse{}, auth.Failure(err)
	}
	return auth.SessionResponse{Session: s}, nil
}

// RefreshSession re-reads the session, which makes the library extend it and mint a new JWT.
func (a *Adapter) RefreshSession(ctx context.Context) (auth.AuthResponse, error) {
	if _, err := a.requireToken(ctx); err != nil {
		return auth.AuthResponse{}, err
	}
	s := a.state.Establish(ctx, events.TokenRefreshed, nil)
	if s == nil {
		return auth.AuthResponse{}, auth.SessionMissing()
	}
	return auth.AuthResponse{User: s.User, Session: s}, nil
}

func (a *Adapter) SetSession(context.Context, auth.SetSessionParams) (auth.AuthResponse, error) {
	return auth.AuthResponse{}, auth.Unsupported("Setting a session from raw tokens", "SignInWithPassword or ExchangeCodeForSession")
}

// GetUser reads the user from the library rather than the cache.
func (a *Adapter) GetUser(ctx context.Context) (auth.UserResponse, error) {
	token, err := a.requireToken(ctx)
	if err != nil {
		return auth.UserResponse{}, err
	}
	res, err := a.api.GetSession(ctx, token)
	if err != nil {
		return auth.UserResponse{}, auth.Failure(err)
	}
	if res == nil {
		return auth.UserResponse{}, auth.SessionMissing()
	}
	return auth.UserResponse{User: toUser(res.User)}, nil
}

func (a *Adapter) GetClaims(ctx context.Context, jwt string) (auth.ClaimsResponse, error) {
	if jwt == "" {
		s, err := a.state.GetSession(ctx)
		if err != nil {
			return auth.ClaimsResponse{}, auth.Failure(err)
		}
		if s == nil {
			return auth.ClaimsResponse{}, auth.SessionMissing()
		}
		jwt = s.AccessToken
	}
	return auth.DecodeJWT(jwt)
}

// GetJwtToken mints a fresh JWT through the library's token route.
func (a *Adapter) GetJwtToken(ctx context.Context) (string, error) {
	token, err := a.requireToken(ctx)
	if err != nil {
		return "", err
	}
	jwt, err := a.api.Token(ctx, token)
	if err != nil {
		return "", auth.Failure(err)
	}
	return jwt, nil
}

// UpdateUser applies profile fields, starts an email change, and sets a password after a verified
// recovery. Without a pending recovery the library needs the current password, so use
// ChangePassword or ResetPasswordForEmail instead.
func (a *Adapter) UpdateUser(ctx context.Context, attrs auth.UserAttributes) (auth.UserResponse, error) {
	if attrs.Phone != "" {
		return auth.UserResponse{}, auth.Unsupported("Updating the phone number", "email based accounts")
	}
	if attrs.IsEmpty() {
		return auth.UserResponse{}, auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "no user attributes to update")
	}
	if attrs.Email != "" {
		if verr := auth.ValidateEmail(attrs.Email); verr != nil {
			return auth.UserResponse{}, verr
		}
	}
	if attrs.Password != "" {
		if verr := auth.ValidatePassword(attrs.Password); verr != nil {
			return auth.UserResponse{}, verr
		}
	}
	a.mu.Lock()
	grant := a.recovery
	a.mu.Unlock()
	if attrs.Password != "" && grant == nil {
		return auth.UserResponse{}, auth.Unsupported("Setting a password without the current one", "ChangePassword or ResetPasswordForEmail")
	}

	if attrs.Password != "" && attrs.Email == "" && len(attrs.Data) == 0 {
		if err := a.resetPassword(ctx, grant, attrs.Password); err != nil {
			return auth.UserResponse{}, err
		}
		return a.afterUpdate(ctx)
	}

	token, err := a.requireToken(ctx)
	if err != nil {
		return auth.UserResponse{}, err
	}
	if len(attrs.Data) > 0 {
		name, image, extra := splitProfile(attrs.Data)
		fields := extra
		if name != "" {
			fields["name"] = name
		}
		if image != "" {
			fields["image"] = image
		}
		if err := a.api.UpdateUser(ctx, token, fields); err != nil {
			return auth.UserResponse{}, auth.Failure(err)
		}
	}
	if attrs.Email != "" {
		if err := a.api.ChangeEmail(ctx, token, attrs.Email, a.callbackURL); err != nil {
			return auth.UserResponse{}, auth.Failure(err)
		}
	}
	if attrs.Password != "" {
		if err := a.resetPassword(ctx, grant, attrs.Password); err != nil {
			return auth.UserResponse{}, err
		}
	}
	return a.afterUpdate(ctx)
}

// resetPassword redeems the recovery grant. The library ends every session of the user, so the
// local one goes too.
func (a *Adapter) resetPassword(ctx context.Context, grant *recoveryGrant, password string) error {
	err := a.api.ResetPassword(ctx, ResetPasswordRequest{NewPassword: password, Token: grant.token, Email: grant.email, OTP: grant.otp})
	if err != nil {
		return auth.Failure(err)
	}
	a.clearRecovery()
	return nil
}

// afterUpdate commits USER_UPDATED and returns the user of the re-read session, if one survived.
func (a *Adapter) afterUpdate(ctx context.Context) (auth.UserResponse, error) {
	s := a.state.Establish(ctx, events.UserUpdated, nil)
	if s == nil {
		a.forgetSessionToken(ctx)
		return auth.UserResponse{}, nil
	}
	return auth.UserResponse{User: s.User}, nil
}

func (a *Adapter) clearRecovery() {
	a.mu.Lock()
	a.recovery = nil
	a.mu.Unlock()
}

// ChangePassword sets a new password given the current one. revokeOthers ends the user's other
// sessions.
func (a *Adapter) ChangePassword(ctx context.Context, current, next string, revokeOthers bool) (auth.UserResponse, error) {
	if verr := auth.ValidatePassword(next); verr != nil {
		return auth.UserResponse{}, verr
	}
	token, err := a.requireToken(ctx)
	if err != nil {
		return auth.UserResponse{}, err
	}
	if _, err := a.api.ChangePassword(ctx, token, current, next, revokeOthers); err != nil {
		return auth.UserResponse{}, auth.Failure(err)
	}
	return a.afterUpdate(ctx)
}

func (a *Adapter) GetUserIdentities(ctx context.Context) (auth.IdentitiesResponse, error) {
	token, err := a.requireToken(ctx)
	if err != nil {
		return auth.IdentitiesResponse{}, err
	}
	accounts, err := a.api.ListAccounts(ctx, token)
	if err != nil {
		return auth.IdentitiesResponse{}, auth.Failure(err)
	}
	out := make([]users.Identity, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, toIdentity(acc))
	}
	return auth.IdentitiesResponse{Identities: out}, nil
}

// LinkIdentity returns the provider URL. The library links the account when the provider redirects
// back, so the next GetUserIdentities shows it.
func (a *Adapter) LinkIdentity(ctx context.Context, creds auth.LinkIdentityCredentials) (auth.OAuthResponse, error) {
	if verr := auth.ValidateProvider(creds.Provider); verr != nil {
		return auth.OAuthResponse{}, verr
	}
	if verr := auth.ValidateRedirectURI(creds.Options.RedirectTo); verr != nil {
		return auth.OAuthResponse{}, verr
	}
	token, err := a.requireToken(ctx)
	if err != nil {
		return auth.OAuthResponse{}, err
	}
	u, err := a.api.LinkSocial(ctx, token, creds.Provider, a.redirect(creds.Options.RedirectTo))
	if err != nil {
		return auth.OAuthResponse{}, auth.Failure(err)
	}
	return auth.OAuthResponse{Provider: creds.Provider, URL: u}, nil
}

func (a *Adapter) UnlinkIdentity(ctx context.Context, identity users.Identity) error {
	if identity.Provider == "" {
		return auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "identity provider is required")
	}
	token, err := a.requireToken(ctx)
	if err != nil {
		return err
	}
	accountID := identity.IdentityID
	if accountID == "" {
		accountID = identity.ID
	}
	if err := a.api.UnlinkAccount(ctx, token, identity.Provider, accountID); err != nil {
		return auth.Failure(err)
	}
	a.state.Establish(ctx, events.UserUpdated, nil)
	return nil
}

func (a *Adapter) ResetPasswordForEmail(ctx context.Context, email string, opts auth.ResetPasswordOptions) error {
	if verr := auth.ValidateEmail(email); verr != nil {
		return verr
	}
	if verr := auth.ValidateRedirectURI(opts.RedirectTo); verr != nil {
		return verr
	}
	return auth.Failure(a.api.RequestPasswordReset(ctx, email, a.redirect(opts.RedirectTo)))
}

func (a *Adapter) Reauthenticate(context.Context) error {
	return auth.Unsupported("Reauthentication", "SignInWithPassword")
}

// Resend re-sends a sign up confirmation, or the pending email change confirmation of the signed in
// user.
func (a *Adapter) Resend(ctx context.Context, params auth.ResendParams) (auth.OtpResponse, error) {
	switch params.Type {
	case auth.OtpSMS, auth.OtpPhoneChange:
		return auth.OtpResponse{}, auth.Unsupported("Resending SMS codes", "email verification")
	case auth.OtpSignup, auth.OtpEmailChange:
	default:
		return auth.OtpResponse{}, auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "resend type must be signup or email_change")
	}
	email := params.Email
	if params.Type == auth.OtpEmailChange {
		s, err := a.state.GetSession(ctx)
		if err != nil {
			return auth.OtpResponse{}, auth.Failure(err)
		}
		if s == nil {
			return auth.OtpResponse{}, auth.SessionMissing()
		}
		email = s.User.Email
	}
	if verr := auth.ValidateEmail(email); verr != nil {
		return auth.OtpResponse{}, verr
	}
	if err := a.api.SendVerificationEmail(ctx, email, a.redirect(params.Options.EmailRedirectTo)); err != nil {
		return auth.OtpResponse{}, auth.Failure(err)
	}
	return auth.OtpResponse{}, nil
}

// ExchangeCodeForSession redeems the one time token a social sign in redirects back with.
func (a *Adapter) ExchangeCodeForSession(ctx context.Context, code string) (auth.AuthResponse, error) {
	if code == "" {
		return auth.AuthResponse{}, auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "authorization code is required")
	}
	res, err := a.api.VerifyOneTimeToken(ctx, code)
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(err)
	}
	return a.establish(ctx, res, events.SignedIn)
}

func (a *Adapter) OnAuthStateChange(cb events.Callback) *events.Subscription {
	return a.state.OnAuthStateChange(cb)
}

// StartAutoRefresh does nothing; the library extends sessions as they are used.
func (a *Adapter) StartAutoRefresh(context.Context) error { return nil }

// StopAutoRefresh does nothing.
func (a *Adapter) StopAutoRefresh(context.Context) error { return nil }

func (a *Adapter) Close() error {
	a.state.Close()
	return auth.Failure(errors.Wrap(a.store.Close(), "[Adapter.Close] close token store"))
}

// splitProfile pulls the library's name and image fields out of custom metadata. The remaining
// fields are returned as a new map.
func splitProfile(data map[string]any) (name, image string, extra map[string]any) {
	extra = make(map[string]any, len(data))
	for k, v := range data {
		extra[k] = v
	}
	for _, key := range []string{users.MetaFullName, users.MetaName} {
		if v, ok := extra[key].(string); ok && name == "" {
			name = strings.TrimSpace(v)
		}
		delete(extra, key)
	}
	for _, key := range []string{users.MetaAvatarURL, users.MetaPicture} {
		if v, ok := extra[key].(string); ok && image == "" {
			image = v
		}
		delete(extra, key)
	}
	return name, image, extra
}
