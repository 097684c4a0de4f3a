// Package hosted adapts a hosted identity provider's REST API and OAuth server to the auth.Client
// interface.
package hosted

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-compat/auth"
	"github.com/jrsteele09/go-auth-compat/events"
	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/jrsteele09/go-auth-compat/tokenstore"
	"github.com/jrsteele09/go-auth-compat/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var _ auth.Client = (*Adapter)(nil)

const intentLink = "link"

// pendingFlow is what SignInWithOAuth and LinkIdentity leave behind for ExchangeCodeForSession.
type pendingFlow struct {
	Verifier    string `json:"verifier"`
	RedirectURL string `json:"redirect_url"`
	Intent      string `json:"intent,omitempty"`
}

// Adapter implements auth.Client on top of the hosted API.
type Adapter struct {
	api        *Client
	httpClient *http.Client
	state      *auth.StateManager
	store      tokenstore.Store
	logger     zerolog.Logger

	projectID    string
	clientID     string
	clientSecret string
	redirectURL  string
	issuer       string
	stateOptions []auth.StateOption

	mu       sync.RWMutex
	endpoint oauth2.Endpoint
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

func WithProjectID(projectID string) Option {
	return func(a *Adapter) {
		a.projectID = projectID
	}
}

// WithOAuthClient sets the OAuth client credentials and the default redirect URL.
func WithOAuthClient(clientID, clientSecret, redirectURL string) Option {
	return func(a *Adapter) {
		a.clientID = clientID
		a.clientSecret = clientSecret
		a.redirectURL = redirectURL
	}
}

// WithIssuer makes Initialize discover the OAuth endpoints from the issuer's OpenID configuration.
func WithIssuer(issuer string) Option {
	return func(a *Adapter) {
		a.issuer = issuer
	}
}

// WithStateOptions passes options through to the state manager.
func WithStateOptions(options ...auth.StateOption) Option {
	return func(a *Adapter) {
		a.stateOptions = append(a.stateOptions, options...)
	}
}

// New creates an adapter for the hosted API at baseURL. The OAuth endpoints default to
// baseURL/oauth/authorize and baseURL/oauth/token.
func New(baseURL string, options ...Option) *Adapter {
	baseURL = strings.TrimRight(baseURL, "/")
	a := &Adapter{
		httpClient: http.DefaultClient,
		logger:     log.Logger.With().Str("component", "hosted-adapter").Logger(),
		endpoint: oauth2.Endpoint{
			AuthURL:   baseURL + "/oauth/authorize",
			TokenURL:  baseURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	for _, opt := range options {
		opt(a)
	}
	if a.store == nil {
		a.store = tokenstore.NewMemory()
	}
	a.api = NewClient(baseURL, a.projectID, a.httpClient)
	stateOptions := append([]auth.StateOption{auth.WithLogger(a.logger)}, a.stateOptions...)
	a.state = auth.NewStateManager(a.fetchSession, stateOptions...)
	return a
}

// State exposes the state manager.
func (a *Adapter) State() *auth.StateManager {
	return a.state
}

// fetchSession resolves the stored session token. A token the API no longer knows is forgotten.
func (a *Adapter) fetchSession(ctx context.Context) (*sessions.Session, error) {
	token, err := a.sessionToken(ctx)
	if err != nil || token == "" {
		return nil, err
	}
	res, err := a.api.CurrentSession(ctx, token)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusNotFound) {
			a.forgetSessionToken(ctx)
			return nil, nil
		}
		return nil, err
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

// requireToken returns the stored session token or a session_not_found error.
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

// establish persists the result's session token and commits the fresh session under event.
func (a *Adapter) establish(ctx context.Context, res *AuthResult, event events.Event) (auth.AuthResponse, error) {
	s, err := toSession(res, a.state.Now())
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(err)
	}
	if s == nil {
		return auth.AuthResponse{User: toUser(&res.User)}, nil
	}
	if err := a.store.Set(ctx, tokenstore.KeySessionToken, res.SessionToken); err != nil {
		return auth.AuthResponse{}, auth.Failure(errors.Wrap(err, "[Adapter.establish] persist session token"))
	}
	s = a.state.Establish(ctx, event, s)
	return auth.AuthResponse{User: s.User, Session: s}, nil
}

// Initialize discovers the OAuth endpoints when an issuer is configured and restores a persisted
// session into the cache.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.issuer != "" {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, a.httpClient), a.issuer)
		if err != nil {
			return auth.Failure(errors.Wrap(err, "[Adapter.Initialize] discover issuer"))
		}
		endpoint := provider.Endpoint()
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
		a.mu.Lock()
		a.endpoint = endpoint
		a.mu.Unlock()
	}
	if _, err := a.state.GetSession(ctx); err != nil {
		return auth.Failure(err)
	}
	return nil
}

func (a *Adapter) SignUp(ctx context.Context, creds auth.SignUpCredentials) (auth.AuthResponse, error) {
	if verr := auth.ValidateSignUp(creds); verr != nil {
		return auth.AuthResponse{}, verr
	}
	req := CreateUserRequest{
		Email:             creds.Email,
		Password:          creds.Password,
		Name:              nameFromData(creds.Options.Data),
		UntrustedMetadata: creds.Options.Data,
	}
	res, err := a.api.CreateUser(ctx, req)
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(err)
	}
	return a.establish(ctx, res, events.SignedIn)
}

func (a *Adapter) SignInWithPassword(ctx context.Context, creds auth.SignInWithPasswordCredentials) (auth.AuthResponse, error) {
	if verr := auth.ValidateSignIn(creds); verr != nil {
		return auth.AuthResponse{}, verr
	}
	res, err := a.api.Authenticate(ctx, creds.Email, creds.Password)
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(err)
	}
	return a.establish(ctx, res, events.SignedIn)
}

func (a *Adapter) oauthConfig(redirectURL string, scopes []string) *oauth2.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if redirectURL == "" {
		redirectURL = a.redirectURL
	}
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		Endpoint:     a.endpoint,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// authorizeURL starts a PKCE flow and remembers its verifier for ExchangeCodeForSession.
func (a *Adapter) authorizeURL(ctx context.Context, provider string, opts auth.OAuthOptions, intent string) (auth.OAuthResponse, error) {
	if verr := auth.ValidateProvider(provider); verr != nil {
		return auth.OAuthResponse{}, verr
	}
	if verr := auth.ValidateRedirectURI(opts.RedirectTo); verr != nil {
		return auth.OAuthResponse{}, verr
	}
	if a.clientID == "" {
		return auth.OAuthResponse{}, auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "OAuth client is not configured")
	}

	cfg := a.oauthConfig(opts.RedirectTo, strings.Fields(opts.Scopes))
	state := uuid.New().String()
	verifier := oauth2.GenerateVerifier()
	flow, err := json.Marshal(pendingFlow{Verifier: verifier, RedirectURL: cfg.RedirectURL, Intent: intent})
	if err != nil {
		return auth.OAuthResponse{}, auth.Failure(err)
	}
	if err := a.store.Set(ctx, tokenstore.VerifierKey(state), string(flow)); err != nil {
		return auth.OAuthResponse{}, auth.Failure(errors.Wrap(err, "[Adapter.authorizeURL] persist verifier"))
	}
	if err := a.store.Set(ctx, tokenstore.KeyPendingOAuth, state); err != nil {
		return auth.OAuthResponse{}, auth.Failure(errors.Wrap(err, "[Adapter.authorizeURL] persist state"))
	}

	params := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("provider", provider),
	}
	if intent != "" {
		params = append(params, oauth2.SetAuthURLParam("intent", intent))
	}
	for k, v := range opts.QueryParams {
		params = append(params, oauth2.SetAuthURLParam(k, v))
	}
	return auth.OAuthResponse{Provider: provider, URL: cfg.AuthCodeURL(state, params...)}, nil
}

func (a *Adapter) SignInWithOAuth(ctx context.Context, creds auth.SignInWithOAuthCredentials) (auth.OAuthResponse, error) {
	return a.authorizeURL(ctx, creds.Provider, creds.Options, "")
}

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
	requestID, err := a.api.SendMagicLink(ctx, MagicLinkRequest{
		Email:             creds.Email,
		CreateUser:        creds.Options.ShouldCreateUser == nil || *creds.Options.ShouldCreateUser,
		LoginRedirectURL:  creds.Options.EmailRedirectTo,
		UntrustedMetadata: creds.Options.Data,
	})
	if err != nil {
		return auth.OtpResponse{}, auth.Failure(err)
	}
	return auth.OtpResponse{MessageID: requestID}, nil
}

func (a *Adapter) SignInWithIdToken(context.Context, auth.SignInWithIdTokenCredentials) (auth.AuthResponse, error) {
	return auth.AuthResponse{}, auth.Unsupported("ID token sign in", "SignInWithOAuth")
}

func (a *Adapter) SignInWithSSO(context.Context, auth.SignInWithSSOParams) (auth.SSOResponse, error) {
	return auth.SSOResponse{}, auth.Unsupported("SSO sign in", "SignInWithOAuth with the identity provider")
}

func (a *Adapter) SignInWithWeb3(context.Context, auth.SignInWithWeb3Credentials) (auth.AuthResponse, error) {
	return auth.AuthResponse{}, auth.Unsupported("Web3 wallet sign in", "SignInWithPassword or SignInWithOAuth")
}

func (a *Adapter) SignInAnonymously(context.Context, auth.SignInAnonymouslyCredentials) (auth.AuthResponse, error) {
	return auth.AuthResponse{}, auth.Unsupported("Anonymous sign in", "SignUp with an email address")
}

// SignOut clears local state before calling the API. The local sign out stands even when the API
// call fails. The "others" scope only ends the user's other sessions and leaves this one alone.
func (a *Adapter) SignOut(ctx context.Context, opts auth.SignOutOptions) error {
	scope := opts.Scope
	if scope == "" {
		scope = auth.SignOutGlobal
	}
	if scope == auth.SignOutOthers {
		token, err := a.requireToken(ctx)
		if err != nil {
			return err
		}
		return auth.Failure(a.api.RevokeSession(ctx, token, string(scope)))
	}

	done := a.state.BeginSignOut()
	token, err := a.sessionToken(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("reading session token during sign out")
	}
	a.forgetSessionToken(ctx)
	if token != "" {
		if err := a.api.RevokeSession(ctx, token, string(scope)); err != nil {
			a.logger.Warn().Err(err).Msg("backend sign out failed, signed out locally")
		}
	}
	done()
	a.state.Commit(ctx, events.SignedOut, nil)
	return nil
}

func (a *Adapter) VerifyOtp(ctx context.Context, params auth.VerifyOtpParams) (auth.AuthResponse, error) {
	if params.Phone != "" || params.Type == auth.OtpSMS || params.Type == auth.OtpPhoneChange {
		return auth.AuthResponse{}, auth.Unsupported("Phone OTP verification", "email verification")
	}
	req := VerifyRequest{Type: string(params.Type)}
	switch {
	case params.TokenHash != "":
		req.Token = params.TokenHash
	case params.Email != "" && params.Token != "":
		req.Email, req.Code = params.Email, params.Token
	default:
		return auth.AuthResponse{}, auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "token_hash, or email and token, are required")
	}
	res, err := a.api.VerifyMagicLink(ctx, req)
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(err)
	}
	return a.establish(ctx, res, verifiedEvent(params.Type))
}

func verifiedEvent(t auth.OtpType) events.Event {
	switch t {
	case auth.OtpRecovery:
		return events.PasswordRecovery
	case auth.OtpEmailChange:
		return events.UserUpdated
	default:
		return events.SignedIn
	}
}

func (a *Adapter) GetSession(ctx context.Context) (auth.SessionResponse, error) {
	s, err := a.state.GetSession(ctx)
	if err != nil {
		return auth.SessionResponse{}, auth.Failure(err)
	}
	return auth.SessionResponse{Session: s}, nil
}

// RefreshSession extends the backend session and emits TOKEN_REFRESHED.
func (a *Adapter) RefreshSession(ctx context.Context) (auth.AuthResponse, error) {
	token, err := a.requireToken(ctx)
	if err != nil {
		return auth.AuthResponse{}, err
	}
	res, err := a.api.RefreshSession(ctx, token)
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(err)
	}
	return a.establish(ctx, res, events.TokenRefreshed)
}

func (a *Adapter) SetSession(context.Context, auth.SetSessionParams) (auth.AuthResponse, error) {
	return auth.AuthResponse{}, auth.Unsupported("Setting a session from raw tokens", "SignInWithPassword or ExchangeCodeForSession")
}

func (a *Adapter) GetUser(ctx context.Context) (auth.UserResponse, error) {
	token, err := a.requireToken(ctx)
	if err != nil {
		return auth.UserResponse{}, err
	}
	u, err := a.api.GetUser(ctx, token)
	if err != nil {
		return auth.UserResponse{}, auth.Failure(err)
	}
	return auth.UserResponse{User: toUser(u)}, nil
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

// GetJwtToken returns the session JWT for use as a database client's bearer token.
func (a *Adapter) GetJwtToken(ctx context.Context) (string, error) {
	s, err := a.state.GetSession(ctx)
	if err != nil {
		return "", auth.Failure(err)
	}
	if s == nil {
		return "", auth.SessionMissing()
	}
	return s.AccessToken, nil
}

// UpdateUser changes profile fields and the password directly. A new email address only takes
// effect once the confirmation sent to it is verified.
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
	token, err := a.requireToken(ctx)
	if err != nil {
		return auth.UserResponse{}, err
	}
	req := UpdateUserRequest{Email: attrs.Email, Password: attrs.Password, UntrustedMetadata: attrs.Data}
	if name := nameFromData(attrs.Data); name != (Name{}) {
		req.Name = &name
	}
	u, err := a.api.UpdateUser(ctx, token, req)
	if err != nil {
		return auth.UserResponse{}, auth.Failure(err)
	}
	a.state.Establish(ctx, events.UserUpdated, nil)
	return auth.UserResponse{User: toUser(u)}, nil
}

func (a *Adapter) GetUserIdentities(ctx context.Context) (auth.IdentitiesResponse, error) {
	token, err := a.requireToken(ctx)
	if err != nil {
		return auth.IdentitiesResponse{}, err
	}
	s, err := a.state.GetSession(ctx)
	if err != nil {
		return auth.IdentitiesResponse{}, auth.Failure(err)
	}
	if s == nil {
		return auth.IdentitiesResponse{}, auth.SessionMissing()
	}
	providers, err := a.api.ListIdentities(ctx, token)
	if err != nil {
		return auth.IdentitiesResponse{}, auth.Failure(err)
	}
	out := make([]users.Identity, 0, len(providers))
	for _, p := range providers {
		out = append(out, toIdentity(p, s.User.ID))
	}
	return auth.IdentitiesResponse{Identities: out}, nil
}

// LinkIdentity builds an authorization URL that attaches the provider account to the signed in
// user once its code is exchanged.
func (a *Adapter) LinkIdentity(ctx context.Context, creds auth.LinkIdentityCredentials) (auth.OAuthResponse, error) {
	if _, err := a.requireToken(ctx); err != nil {
		return auth.OAuthResponse{}, err
	}
	return a.authorizeURL(ctx, creds.Provider, creds.Options, intentLink)
}

func (a *Adapter) UnlinkIdentity(ctx context.Context, identity users.Identity) error {
	id := identity.IdentityID
	if id == "" {
		id = identity.ID
	}
	if id == "" {
		return auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "identity id is required")
	}
	token, err := a.requireToken(ctx)
	if err != nil {
		return err
	}
	if err := a.api.DeleteIdentity(ctx, token, id); err != nil {
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
	return auth.Failure(a.api.StartPasswordReset(ctx, email, opts.RedirectTo))
}

func (a *Adapter) Reauthenticate(context.Context) error {
	return auth.Unsupported("Reauthentication", "SignInWithPassword")
}

func (a *Adapter) Resend(ctx context.Context, params auth.ResendParams) (auth.OtpResponse, error) {
	switch params.Type {
	case auth.OtpSMS, auth.OtpPhoneChange:
		return auth.OtpResponse{}, auth.Unsupported("Resending SMS codes", "email verification")
	case auth.OtpSignup, auth.OtpEmailChange:
	default:
		return auth.OtpResponse{}, auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "resend type must be signup or email_change")
	}
	if verr := auth.ValidateEmail(params.Email); verr != nil {
		return auth.OtpResponse{}, verr
	}
	messageID, err := a.api.ResendVerification(ctx, params.Email, string(params.Type))
	if err != nil {
		return auth.OtpResponse{}, auth.Failure(err)
	}
	return auth.OtpResponse{MessageID: messageID}, nil
}

// sessionHeaderTransport adds the session token to the token request of a link flow.
type sessionHeaderTransport struct {
	base  http.RoundTripper
	token string
}

func (t sessionHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(SessionTokenHeader, t.token)
	return t.base.RoundTrip(req)
}

// ExchangeCodeForSession completes the pending PKCE flow. The token response's refresh token is the
// new session token.
func (a *Adapter) ExchangeCodeForSession(ctx context.Context, code string) (auth.AuthResponse, error) {
	if code == "" {
		return auth.AuthResponse{}, auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "authorization code is required")
	}
	flow, state, err := a.pendingFlow(ctx)
	if err != nil {
		return auth.AuthResponse{}, err
	}

	client := a.httpClient
	event := events.SignedIn
	if flow.Intent == intentLink {
		token, err := a.requireToken(ctx)
		if err != nil {
			return auth.AuthResponse{}, err
		}
		base := client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client = &http.Client{Transport: sessionHeaderTransport{base: base, token: token}, Timeout: client.Timeout}
		event = events.UserUpdated
	}

	cfg := a.oauthConfig(flow.RedirectURL, nil)
	tok, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, client), code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		return auth.AuthResponse{}, auth.Failure(oauthError(err))
	}
	_ = a.store.Delete(ctx, tokenstore.VerifierKey(state))
	_ = a.store.Delete(ctx, tokenstore.KeyPendingOAuth)
	if tok.RefreshToken == "" {
		return auth.AuthResponse{}, auth.Failure(errors.Wrap(ierrors.ErrUnexpectedResponse, "token response has no session token"))
	}
	if err := a.store.Set(ctx, tokenstore.KeySessionToken, tok.RefreshToken); err != nil {
		return auth.AuthResponse{}, auth.Failure(errors.Wrap(err, "[Adapter.ExchangeCodeForSession] persist session token"))
	}

	s := a.state.Establish(ctx, event, nil)
	if s == nil {
		return auth.AuthResponse{}, auth.SessionMissing()
	}
	return auth.AuthResponse{User: s.User, Session: s}, nil
}

func (a *Adapter) pendingFlow(ctx context.Context) (pendingFlow, string, error) {
	missing := auth.NewError(auth.CodeValidationFailed, http.StatusBadRequest, "no OAuth sign in is awaiting a code exchange")
	state, err := a.store.Get(ctx, tokenstore.KeyPendingOAuth)
	if err != nil {
		return pendingFlow{}, "", missing
	}
	raw, err := a.store.Get(ctx, tokenstore.VerifierKey(state))
	if err != nil {
		return pendingFlow{}, "", missing
	}
	var flow pendingFlow
	if err := json.Unmarshal([]byte(raw), &flow); err != nil || flow.Verifier == "" {
		return pendingFlow{}, "", missing
	}
	return flow, state, nil
}

// oauthError turns a token endpoint rejection into an APIError.
func oauthError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	apiErr := &APIError{Code: re.ErrorCode, Message: re.ErrorDescription}
	if re.Response != nil {
		apiErr.Status = re.Response.StatusCode
	}
	if apiErr.Message == "" {
		apiErr.Message = re.Error()
	}
	return apiErr
}

func (a *Adapter) OnAuthStateChange(cb events.Callback) *events.Subscription {
	return a.state.OnAuthStateChange(cb)
}

// StartAutoRefresh does nothing; the hosted API extends sessions itself.
func (a *Adapter) StartAutoRefresh(context.Context) error { return nil }

// StopAutoRefresh does nothing.
func (a *Adapter) StopAutoRefresh(context.Context) error { return nil }

func (a *Adapter) Close() error {
	a.state.Close()
	return auth.Failure(errors.Wrap(a.store.Close(), "[Adapter.Close] close token store"))
}

// nameFromData picks first and last names out of custom metadata.
func nameFromData(data map[string]any) Name {
	var n Name
	n.FirstName, _ = data["first_name"].(string)
	n.LastName, _ = data["last_name"].(string)
	if n.FirstName == "" && n.LastName == "" {
		if full, ok := data[users.MetaFullName].(string); ok {
			n.FirstName, n.LastName, _ = strings.Cut(full, " ")
		}
	}
	return n
}
