package fakebackend

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-compat/internal/utils"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionTokenHeader carries the opaque session token on hosted API calls.
const SessionTokenHeader = "X-Session-Token"

// ProviderProfile is what the simulated upstream OAuth provider reports about the signing in user.
type ProviderProfile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

type authCode struct {
	clientID    string
	redirectURI string
	challenge   string
	provider    string
	intent      string
	nonce       string
	expiresAt   time.Time
}

// Hosted is an in-memory stand in for a hosted identity provider's REST API and OAuth server.
type Hosted struct {
	Store    *Store
	Minter   *Minter
	Counters *Counters

	clientID     string
	clientSecret string
	requireEmail bool
	nowFunc      func() time.Time
	logger       zerolog.Logger
	mux          *http.ServeMux

	mu        sync.Mutex
	providers map[string]ProviderProfile
	codes     map[string]*authCode
}

// HostedOption defines a function type to modify the Hosted fake.
type HostedOption func(*Hosted)

func WithHostedClock(nowFunc func() time.Time) HostedOption {
	return func(h *Hosted) {
		h.nowFunc = nowFunc
	}
}

func WithHostedLogger(logger zerolog.Logger) HostedOption {
	return func(h *Hosted) {
		h.logger = logger
	}
}

// WithOAuthClient sets the only OAuth client the fake accepts.
func WithOAuthClient(clientID, clientSecret string) HostedOption {
	return func(h *Hosted) {
		h.clientID = clientID
		h.clientSecret = clientSecret
	}
}

// WithEmailVerification makes sign up withhold the session until the email is verified.
func WithEmailVerification(required bool) HostedOption {
	return func(h *Hosted) {
		h.requireEmail = required
	}
}

// NewHosted builds the fake. Routes are counted by their pattern, e.g. "POST /v1/sessions".
func NewHosted(options ...HostedOption) *Hosted {
	h := &Hosted{
		Counters:     newCounters(),
		clientID:     "test-client",
		clientSecret: "test-secret",
		nowFunc:      time.Now,
		logger:       log.Logger.With().Str("component", "fake-hosted").Logger(),
		mux:          http.NewServeMux(),
		providers:    map[string]ProviderProfile{},
		codes:        map[string]*authCode{},
	}
	for _, opt := range options {
		opt(h)
	}
	h.Store = NewStore(h.nowFunc)
	h.Minter = NewMinter("hosted-fake-secret", "", h.nowFunc)

	h.handle("POST /v1/users", h.createUser)
	h.handle("POST /v1/sessions", h.createSession)
	h.handle("GET /v1/sessions/current", h.currentSession)
	h.handle("DELETE /v1/sessions/current", h.revokeSession)
	h.handle("POST /v1/sessions/current/refresh", h.refreshSession)
	h.handle("GET /v1/users/me", h.getMe)
	h.handle("PATCH /v1/users/me", h.updateMe)
	h.handle("GET /v1/users/me/identities", h.listIdentities)
	h.handle("DELETE /v1/users/me/identities/{id}", h.deleteIdentity)
	h.handle("POST /v1/magic_links", h.sendMagicLink)
	h.handle("POST /v1/magic_links/verify", h.verifyMagicLink)
	h.handle("POST /v1/password_resets", h.startPasswordReset)
	h.handle("POST /v1/verifications/resend", h.resendVerification)
	h.handle("GET /oauth/authorize", h.authorize)
	h.handle("POST /oauth/token", h.exchangeToken)
	h.handle("GET /.well-known/openid-configuration", h.discovery)
	return h
}

func (h *Hosted) handle(pattern string, fn http.HandlerFunc) {
	h.mux.HandleFunc(pattern, ChainMiddleware(fn,
		loggingMiddleware(h.logger),
		recoverMiddleware(h.logger),
		h.Counters.countingMiddleware(pattern)))
}

func (h *Hosted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// SetIssuer records the public base URL. Call it before the fake handles requests.
func (h *Hosted) SetIssuer(issuer string) {
	h.Minter.SetIssuer(strings.TrimSuffix(issuer, "/"))
}

// Start serves the fake on a local test server whose URL is also the issuer.
func (h *Hosted) Start() *httptest.Server {
	srv := httptest.NewUnstartedServer(h)
	h.SetIssuer("http://" + srv.Listener.Addr().String())
	srv.Start()
	return srv
}

// SetProviderProfile sets who the simulated upstream provider signs in as.
func (h *Hosted) SetProviderProfile(provider string, profile ProviderProfile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.providers[provider] = profile
}

func (h *Hosted) providerProfile(provider string) ProviderProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.providers[provider]; ok {
		return p
	}
	return ProviderProfile{Subject: provider + "-subject", Email: provider + "-user@example.com", Name: "OAuth User"}
}

type hostedAPIError struct {
	Error hostedErrorBody `json:"error"`
}

type hostedErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func hostedFail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, hostedAPIError{Error: hostedErrorBody{Code: code, Message: message}})
}

type hostedEmail struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}

type hostedName struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type hostedProvider struct {
	RegistrationID    string    `json:"registration_id"`
	ProviderType      string    `json:"provider_type"`
	ProviderSubject   string    `json:"provider_subject"`
	Email             string    `json:"email,omitempty"`
	ProfilePictureURL string    `json:"profile_picture_url,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type hostedUser struct {
	UserID            string           `json:"user_id"`
	Emails            []hostedEmail    `json:"emails"`
	Name              hostedName       `json:"name"`
	Providers         []hostedProvider `json:"providers"`
	HasPassword       bool             `json:"password_set"`
	TrustedMetadata   map[string]any   `json:"trusted_metadata"`
	UntrustedMetadata map[string]any   `json:"untrusted_metadata"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	LastSignInAt      *time.Time       `json:"last_sign_in_at,omitempty"`
}

type hostedFactor struct {
	Type     string `json:"type"`
	Provider string `json:"provider,omitempty"`
}

type hostedSession struct {
	SessionID             string         `json:"session_id"`
	UserID                string         `json:"user_id"`
	StartedAt             time.Time      `json:"started_at"`
	LastAccessedAt        time.Time      `json:"last_accessed_at"`
	ExpiresAt             time.Time      `json:"expires_at"`
	AuthenticationFactors []hostedFactor `json:"authentication_factors"`
}

type hostedAuthResponse struct {
	StatusCode   int            `json:"status_code"`
	RequestID    string         `json:"request_id"`
	UserID       string         `json:"user_id"`
	User         hostedUser     `json:"user"`
	Session      *hostedSession `json:"session"`
	SessionToken string         `json:"session_token,omitempty"`
	SessionJWT   string         `json:"session_jwt,omitempty"`
}

func renderHostedUser(acc *Account) hostedUser {
	u := hostedUser{
		UserID:            acc.ID,
		Emails:            []hostedEmail{{Email: acc.Email, Verified: acc.EmailVerified}},
		Name:              hostedName{FirstName: acc.FirstName, LastName: acc.LastName},
		Providers:         []hostedProvider{},
		HasPassword:       acc.HasPassword(),
		TrustedMetadata:   map[string]any{},
		UntrustedMetadata: utils.CopyMap(acc.Metadata),
		CreatedAt:         acc.CreatedAt,
		UpdatedAt:         acc.UpdatedAt,
	}
	if !acc.LastSignInAt.IsZero() {
		u.LastSignInAt = utils.TimePtr(acc.LastSignInAt)
	}
	for _, id := range acc.Identities {
		u.Providers = append(u.Providers, hostedProvider{
			RegistrationID:    id.ID,
			ProviderType:      id.Provider,
			ProviderSubject:   id.Subject,
			Email:             id.Email,
			ProfilePictureURL: id.Picture,
			CreatedAt:         id.CreatedAt,
			UpdatedAt:         id.UpdatedAt,
		})
	}
	if u.UntrustedMetadata == nil {
		u.UntrustedMetadata = map[string]any{}
	}
	return u
}

func renderHostedSession(rec *SessionRecord) *hostedSession {
	return &hostedSession{
		SessionID:             rec.ID,
		UserID:                rec.UserID,
		StartedAt:             rec.CreatedAt,
		LastAccessedAt:        rec.LastSeenAt,
		ExpiresAt:             rec.ExpiresAt,
		AuthenticationFactors: []hostedFactor{{Type: rec.Method, Provider: rec.Provider}},
	}
}

func (h *Hosted) authResponse(w http.ResponseWriter, status int, acc *Account, rec *SessionRecord) {
	resp := hostedAuthResponse{
		StatusCode: status,
		RequestID:  uuid.New().String(),
		UserID:     acc.ID,
		User:       renderHostedUser(acc),
	}
	if rec != nil {
		jwt, _, err := h.Minter.Mint(acc, rec)
		if err != nil {
			hostedFail(w, http.StatusInternalServerError, "internal_server_error", err.Error())
			return
		}
		resp.Session = renderHostedSession(rec)
		resp.SessionToken = rec.Token
		resp.SessionJWT = jwt
	}
	writeJSON(w, status, resp)
}

func (h *Hosted) authenticate(w http.ResponseWriter, r *http.Request) (*SessionRecord, *Account, bool) {
	token := r.Header.Get(SessionTokenHeader)
	if token == "" {
		hostedFail(w, http.StatusUnauthorized, "session_not_found", "Session token is missing.")
		return nil, nil, false
	}
	rec, acc, err := h.Store.SessionByToken(token)
	if err != nil {
		hostedFail(w, http.StatusUnauthorized, "session_not_found", "Session could not be found.")
		return nil, nil, false
	}
	return rec, acc, true
}

type createUserRequest struct {
	Email             string         `json:"email"`
	Password          string         `json:"password"`
	Name              hostedName     `json:"name"`
	UntrustedMetadata map[string]any `json:"untrusted_metadata"`
}

func (h *Hosted) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeBody(r, &req); err != nil {
		hostedFail(w, http.StatusBadRequest, "invalid_request", "Request body could not be parsed.")
		return
	}
	if !strings.Contains(req.Email, "@") {
		hostedFail(w, http.StatusBadRequest, "invalid_email", "Email format is invalid.")
		return
	}
	if len(req.Password) < 6 {
		hostedFail(w, http.StatusBadRequest, "weak_password", "Password does not meet the strength requirements.")
		return
	}
	acc, err := h.Store.CreateAccount(NewAccount{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.Name.FirstName,
		LastName:  req.Name.LastName,
		Metadata:  req.UntrustedMetadata,
		Verified:  !h.requireEmail,
	})
	if errors.Is(err, ErrAccountExists) {
		hostedFail(w, http.StatusConflict, "duplicate_email", "A user with this email already exists.")
		return
	}
	if err != nil {
		hostedFail(w, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}
	if h.requireEmail {
		h.Store.IssueToken(PurposeVerification, acc.Email, acc.ID)
		h.authResponse(w, http.StatusCreated, acc, nil)
		return
	}
	rec, err := h.Store.CreateSession(acc.ID, "password", "")
	if err != nil {
		hostedFail(w, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}
	acc, _ = h.Store.AccountByID(acc.ID)
	h.authResponse(w, http.StatusCreated, acc, rec)
}

type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Hosted) createSession(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeBody(r, &req); err != nil {
		hostedFail(w, http.StatusBadRequest, "invalid_request", "Request body could not be parsed.")
		return
	}
	acc, err := h.Store.Authenticate(req.Email, req.Password)
	if err != nil {
		hostedFail(w, http.StatusUnauthorized, "unauthorized_credentials", "Invalid email or password.")
		return
	}
	if !acc.EmailVerified {
		hostedFail(w, http.StatusForbidden, "email_not_verified", "Email has not been verified.")
		return
	}
	h.startSession(w, acc, "password", "")
}

func (h *Hosted) startSession(w http.ResponseWriter, acc *Account, method, provider string) {
	rec, err := h.Store.CreateSession(acc.ID, method, provider)
	if err != nil {
		hostedFail(w, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}
	acc, err = h.Store.AccountByID(acc.ID)
	if err != nil {
		hostedFail(w, http.StatusNotFound, "user_not_found", "User could not be found.")
		return
	}
	h.authResponse(w, http.StatusOK, acc, rec)
}

func (h *Hosted) currentSession(w http.ResponseWriter, r *http.Request) {
	rec, acc, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	h.authResponse(w, http.StatusOK, acc, rec)
}

func (h *Hosted) revokeSession(w http.ResponseWriter, r *http.Request) {
	rec, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	switch r.URL.Query().Get("scope") {
	case "local":
		_ = h.Store.RevokeSession(rec.Token)
	case "others":
		h.Store.RevokeUserSessions(rec.UserID, rec.Token)
	default:
		h.Store.RevokeUserSessions(rec.UserID, "")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status_code": http.StatusOK, "request_id": uuid.New().String()})
}

func (h *Hosted) refreshSession(w http.ResponseWriter, r *http.Request) {
	rec, acc, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	rec, err := h.Store.ExtendSession(rec.Token)
	if err != nil {
		hostedFail(w, http.StatusUnauthorized, "session_not_found", "Session could not be found.")
		return
	}
	h.authResponse(w, http.StatusOK, acc, rec)
}

type hostedUserResponse struct {
	StatusCode int        `json:"status_code"`
	User       hostedUser `json:"user"`
}

func (h *Hosted) getMe(w http.ResponseWriter, r *http.Request) {
	_, acc, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, hostedUserResponse{StatusCode: http.StatusOK, User: renderHostedUser(acc)})
}

type updateMeRequest struct {
	Email             string         `json:"email,omitempty"`
	Password          string         `json:"password,omitempty"`
	Name              *hostedName    `json:"name,omitempty"`
	UntrustedMetadata map[string]any `json:"untrusted_metadata,omitempty"`
}

func (h *Hosted) updateMe(w http.ResponseWriter, r *http.Request) {
	_, acc, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req updateMeRequest
	if err := decodeBody(r, &req); err != nil {
		hostedFail(w, http.StatusBadRequest, "invalid_request", "Request body could not be parsed.")
		return
	}
	if req.Password != "" {
		if len(req.Password) < 6 {
			hostedFail(w, http.StatusBadRequest, "weak_password", "Password does not meet the strength requirements.")
			return
		}
		if _, err := h.Store.SetPassword(acc.ID, req.Password); err != nil {
			hostedFail(w, http.StatusInternalServerError, "internal_server_error", err.Error())
			return
		}
	}
	if req.Email != "" && normalizeEmail(req.Email) != acc.Email {
		if _, err := h.Store.AccountByEmail(req.Email); err == nil {
			hostedFail(w, http.StatusConflict, "duplicate_email", "A user with this email already exists.")
			return
		}
	}
	updated, err := h.Store.UpdateAccount(acc.ID, func(a *Account) error {
		if req.Name != nil {
			a.FirstName, a.LastName = req.Name.FirstName, req.Name.LastName
		}
		for k, v := range req.UntrustedMetadata {
			a.Metadata[k] = v
		}
		if req.Email != "" && normalizeEmail(req.Email) != a.Email {
			a.PendingEmail = normalizeEmail(req.Email)
		}
		return nil
	})
	if err != nil {
		hostedFail(w, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}
	if updated.PendingEmail != "" && req.Email != "" {
		h.Store.IssueToken(PurposeEmailChange, updated.PendingEmail, updated.ID)
	}
	writeJSON(w, http.StatusOK, hostedUserResponse{StatusCode: http.StatusOK, User: renderHostedUser(updated)})
}

func (h *Hosted) listIdentities(w http.ResponseWriter, r *http.Request) {
	_, acc, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status_code": http.StatusOK,
		"providers":   renderHostedUser(acc).Providers,
	})
}

func (h *Hosted) deleteIdentity(w http.ResponseWriter, r *http.Request) {
	_, acc, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	_, err := h.Store.UnlinkIdentity(acc.ID, r.PathValue("id"))
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		hostedFail(w, http.StatusNotFound, "oauth_registration_not_found", "Identity could not be found.")
	case errors.Is(err, ErrLastIdentity):
		hostedFail(w, http.StatusBadRequest, "last_identity", "Cannot unlink the only sign in method.")
	case err != nil:
		hostedFail(w, http.StatusInternalServerError, "internal_server_error", err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status_code": http.StatusOK})
	}
}

type magicLinkRequest struct {
	Email             string         `json:"email"`
	CreateUser        bool           `json:"create_user"`
	LoginRedirectURL  string         `json:"login_magic_link_url,omitempty"`
	UntrustedMetadata map[string]any `json:"untrusted_metadata,omitempty"`
}

func (h *Hosted) sendMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := decodeBody(r, &req); err != nil {
		hostedFail(w, http.StatusBadRequest, "invalid_request", "Request body could not be parsed.")
		return
	}
	if !strings.Contains(req.Email, "@") {
		hostedFail(w, http.StatusBadRequest, "invalid_email", "Email format is invalid.")
		return
	}
	acc, err := h.Store.AccountByEmail(req.Email)
	if errors.Is(err, ErrAccountNotFound) {
		if !req.CreateUser {
			hostedFail(w, http.StatusNotFound, "user_not_found", "User could not be found.")
			return
		}
		acc, err = h.Store.CreateAccount(NewAccount{Email: req.Email, Metadata: req.UntrustedMetadata})
	}
	if err != nil {
		hostedFail(w, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}
	h.Store.IssueToken(PurposeMagicLink, acc.Email, acc.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status_code": http.StatusOK,
		"request_id":  uuid.New().String(),
		"user_id":     acc.ID,
	})
}

type verifyRequest struct {
	Token string `json:"token,omitempty"`
	Email string `json:"email,omitempty"`
	Code  string `json:"code,omitempty"`
	Type  string `json:"type,omitempty"`
}

func verifyPurposes(kind string) []string {
	switch kind {
	case "recovery":
		return []string{PurposeRecovery}
	case "email_change":
		return []string{PurposeEmailChange}
	case "signup", "invite":
		return []string{PurposeVerification}
	default:
		return []string{PurposeMagicLink, PurposeVerification}
	}
}

func (h *Hosted) verifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		hostedFail(w, http.StatusBadRequest, "invalid_request", "Request body could not be parsed.")
		return
	}
	var (
		t   *OneTimeToken
		err error
	)
	if req.Token != "" {
		t, err = h.Store.ConsumeToken(req.Token, verifyPurposes(req.Type)...)
	} else {
		t, err = h.Store.ConsumeCode(req.Email, req.Code, verifyPurposes(req.Type)...)
	}
	if err != nil {
		hostedFail(w, http.StatusUnauthorized, "magic_link_not_found", "Magic link was already used or has expired.")
		return
	}
	acc, err := h.Store.UpdateAccount(t.UserID, func(a *Account) error {
		if t.Purpose == PurposeEmailChange {
			a.Email = a.PendingEmail
			a.PendingEmail = ""
		}
		a.EmailVerified = true
		return nil
	})
	if err != nil {
		hostedFail(w, http.StatusNotFound, "user_not_found", "User could not be found.")
		return
	}
	h.startSession(w, acc, "magic_link", "")
}

type passwordResetRequest struct {
	Email       string `json:"email"`
	RedirectURL string `json:"reset_password_redirect_url,omitempty"`
}

func (h *Hosted) startPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeBody(r, &req); err != nil {
		hostedFail(w, http.StatusBadRequest, "invalid_request", "Request body could not be parsed.")
		return
	}
	// Unknown addresses get the same answer so accounts cannot be enumerated.
	if acc, err := h.Store.AccountByEmail(req.Email); err == nil {
		h.Store.IssueToken(PurposeRecovery, acc.Email, acc.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status_code": http.StatusOK, "request_id": uuid.New().String()})
}

type resendRequest struct {
	Email string `json:"email"`
	Type  string `json:"type"`
}

func (h *Hosted) resendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeBody(r, &req); err != nil {
		hostedFail(w, http.StatusBadRequest, "invalid_request", "Request body could not be parsed.")
		return
	}
	var (
		acc     *Account
		err     error
		purpose = PurposeVerification
	)
	if req.Type == "email_change" {
		acc, err = h.Store.AccountByPendingEmail(req.Email)
		purpose = PurposeEmailChange
	} else {
		acc, err = h.Store.AccountByEmail(req.Email)
	}
	if err != nil {
		hostedFail(w, http.StatusNotFound, "user_not_found", "User could not be found.")
		return
	}
	email := acc.Email
	if purpose == PurposeEmailChange {
		email = acc.PendingEmail
	}
	t := h.Store.IssueToken(purpose, email, acc.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status_code": http.StatusOK,
		"request_id":  uuid.New().String(),
		"message_id":  t.Token[:12],
	})
}

// authorize auto approves the request as the configured provider profile and redirects back with a
// code.
func (h *Hosted) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != h.clientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" {
		http.Error(w, "unsupported response type", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		http.Error(w, "PKCE S256 is required", http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	provider := q.Get("provider")
	if provider == "" {
		provider = "hosted"
	}

	code := randomToken()
	h.mu.Lock()
	h.codes[code] = &authCode{
		clientID:    h.clientID,
		redirectURI: q.Get("redirect_uri"),
		challenge:   q.Get("code_challenge"),
		provider:    provider,
		intent:      q.Get("intent"),
		nonce:       q.Get("nonce"),
		expiresAt:   h.nowFunc().Add(5 * time.Minute),
	}
	h.mu.Unlock()

	back := redirect.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	redirect.RawQuery = back.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func oauthFail(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (h *Hosted) exchangeToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthFail(w, http.StatusBadRequest, "invalid_request", "form could not be parsed")
		return
	}
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != h.clientID || clientSecret != h.clientSecret {
		oauthFail(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		oauthFail(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	h.mu.Lock()
	code, found := h.codes[r.PostForm.Get("code")]
	delete(h.codes, r.PostForm.Get("code"))
	h.mu.Unlock()
	switch {
	case !found || h.nowFunc().After(code.expiresAt):
		oauthFail(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or expired")
		return
	case code.redirectURI != r.PostForm.Get("redirect_uri"):
		oauthFail(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match")
		return
	case pkceChallenge(r.PostForm.Get("code_verifier")) != code.challenge:
		oauthFail(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match the challenge")
		return
	}

	acc, err := h.resolveOAuthAccount(r, code)
	if err != nil {
		oauthFail(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}
	rec, err := h.Store.CreateSession(acc.ID, "oauth", code.provider)
	if err != nil {
		oauthFail(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	acc, _ = h.Store.AccountByID(acc.ID)
	jwt, exp, err := h.Minter.Mint(acc, rec)
	if err != nil {
		oauthFail(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	idToken, err := h.Minter.MintIDToken(acc, clientID, code.nonce)
	if err != nil {
		oauthFail(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  jwt,
		"token_type":    "Bearer",
		"expires_in":    int64(exp.Sub(h.nowFunc()).Seconds()),
		"refresh_token": rec.Token,
		"id_token":      idToken,
	})
}

// resolveOAuthAccount links the provider identity to the signed in user for link requests, and
// otherwise finds or creates the account it belongs to.
func (h *Hosted) resolveOAuthAccount(r *http.Request, code *authCode) (*Account, error) {
	profile := h.providerProfile(code.provider)
	identity := LinkedIdentity{Provider: code.provider, Subject: profile.Subject, Email: profile.Email, Picture: profile.Picture}

	if code.intent == "link" {
		_, acc, err := h.Store.SessionByToken(r.Header.Get(SessionTokenHeader))
		if err != nil {
			return nil, errors.New("linking requires a signed in session")
		}
		if owner, err := h.Store.FindByIdentity(code.provider, profile.Subject); err == nil && owner.ID != acc.ID {
			return nil, errors.New("identity is already linked to another user")
		}
		return h.Store.LinkIdentity(acc.ID, identity)
	}

	if acc, err := h.Store.FindByIdentity(code.provider, profile.Subject); err == nil {
		return acc, nil
	}
	acc, err := h.Store.AccountByEmail(profile.Email)
	if errors.Is(err, ErrAccountNotFound) {
		first, last, _ := strings.Cut(profile.Name, " ")
		acc, err = h.Store.CreateAccount(NewAccount{Email: profile.Email, FirstName: first, LastName: last, Image: profile.Picture, Verified: true})
	}
	if err != nil {
		return nil, err
	}
	return h.Store.LinkIdentity(acc.ID, identity)
}

func (h *Hosted) discovery(w http.ResponseWriter, _ *http.Request) {
	issuer := h.Minter.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"userinfo_endpoint":                     issuer + "/v1/users/me",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"HS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}
