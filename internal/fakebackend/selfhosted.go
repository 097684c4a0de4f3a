package fakebackend

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Headers the self-hosted library uses to hand tokens to bearer clients.
const (
	HeaderAuthToken = "set-auth-token"
	HeaderAuthJWT   = "set-auth-jwt"
)

// SelfHostedBasePath is where the library mounts its routes.
const SelfHostedBasePath = "/api/auth"

type socialState struct {
	provider    string
	callbackURL string
	linkUserID  string
}

// SelfHosted is an in-memory stand in for a session based auth library mounted at /api/auth.
type SelfHosted struct {
	Store    *Store
	Minter   *Minter
	Counters *Counters

	requireEmail bool
	nowFunc      func() time.Time
	logger       zerolog.Logger
	mux          *http.ServeMux

	mu        sync.Mutex
	baseURL   string
	providers map[string]ProviderProfile
	states    map[string]*socialState
}

// SelfHostedOption defines a function type to modify the SelfHosted fake.
type SelfHostedOption func(*SelfHosted)

func WithSelfHostedClock(nowFunc func() time.Time) SelfHostedOption {
	return func(s *SelfHosted) {
		s.nowFunc = nowFunc
	}
}

func WithSelfHostedLogger(logger zerolog.Logger) SelfHostedOption {
	return func(s *SelfHosted) {
		s.logger = logger
	}
}

// WithRequiredVerification withholds sessions from unverified accounts.
func WithRequiredVerification(required bool) SelfHostedOption {
	return func(s *SelfHosted) {
		s.requireEmail = required
	}
}

// NewSelfHosted builds the fake. Routes are counted by pattern, e.g. "POST /api/auth/sign-in/email".
func NewSelfHosted(options ...SelfHostedOption) *SelfHosted {
	s := &SelfHosted{
		Counters:  newCounters(),
		nowFunc:   time.Now,
		logger:    log.Logger.With().Str("component", "fake-selfhosted").Logger(),
		mux:       http.NewServeMux(),
		providers: map[string]ProviderProfile{},
		states:    map[string]*socialState{},
	}
	for _, opt := range options {
		opt(s)
	}
	s.Store = NewStore(s.nowFunc)
	s.Minter = NewMinter("selfhosted-fake-secret", "", s.nowFunc)

	s.handle("POST", "/sign-up/email", s.signUpEmail)
	s.handle("POST", "/sign-in/email", s.signInEmail)
	s.handle("GET", "/get-session", s.getSession)
	s.handle("POST", "/sign-out", s.signOut)
	s.handle("GET", "/token", s.token)
	s.handle("POST", "/update-user", s.updateUser)
	s.handle("POST", "/change-email", s.changeEmail)
	s.handle("POST", "/change-password", s.changePassword)
	s.handle("POST", "/sign-in/social", s.signInSocial)
	s.handle("POST", "/link-social", s.linkSocial)
	s.handle("GET", "/callback/{provider}", s.socialCallback)
	s.handle("GET", "/list-accounts", s.listAccounts)
	s.handle("POST", "/unlink-account", s.unlinkAccount)
	s.handle("POST", "/sign-in/magic-link", s.sendMagicLink)
	s.handle("GET", "/magic-link/verify", s.verifyMagicLink)
	s.handle("POST", "/email-otp/send-verification-otp", s.sendOTP)
	s.handle("POST", "/sign-in/email-otp", s.signInOTP)
	s.handle("POST", "/request-password-reset", s.requestPasswordReset)
	s.handle("POST", "/reset-password", s.resetPassword)
	s.handle("POST", "/send-verification-email", s.sendVerificationEmail)
	s.handle("GET", "/verify-email", s.verifyEmail)
	s.handle("POST", "/one-time-token/verify", s.verifyOneTimeToken)
	return s
}

func (s *SelfHosted) handle(method, path string, fn http.HandlerFunc) {
	pattern := method + " " + SelfHostedBasePath + path
	s.mux.HandleFunc(pattern, ChainMiddleware(fn,
		loggingMiddleware(s.logger),
		recoverMiddleware(s.logger),
		s.Counters.countingMiddleware(pattern)))
}

func (s *SelfHosted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SetBaseURL records the public origin. Call it before the fake handles requests.
func (s *SelfHosted) SetBaseURL(baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = strings.TrimSuffix(baseURL, "/")
	s.Minter.SetIssuer(s.baseURL)
}

// Start serves the fake on a local test server.
func (s *SelfHosted) Start() *httptest.Server {
	srv := httptest.NewUnstartedServer(s)
	s.SetBaseURL("http://" + srv.Listener.Addr().String())
	srv.Start()
	return srv
}

// SetProviderProfile sets who the simulated social provider signs in as.
func (s *SelfHosted) SetProviderProfile(provider string, profile ProviderProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[provider] = profile
}

func (s *SelfHosted) providerProfile(provider string) ProviderProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[provider]; ok {
		return p
	}
	return ProviderProfile{Subject: provider + "-subject", Email: provider + "-user@example.com", Name: "Social User"}
}

type envelope struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: "ok", Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Status: "error", Error: &envelopeError{Code: code, Message: message}})
}

func internalFail(w http.ResponseWriter, err error) {
	respondError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
}

func renderSelfHostedUser(acc *Account) map[string]any {
	u := map[string]any{}
	for k, v := range acc.Metadata {
		u[k] = v
	}
	u["id"] = acc.ID
	u["email"] = acc.Email
	u["emailVerified"] = acc.EmailVerified
	u["name"] = acc.Name
	u["image"] = nil
	if acc.Image != "" {
		u["image"] = acc.Image
	}
	u["createdAt"] = acc.CreatedAt
	u["updatedAt"] = acc.UpdatedAt
	return u
}

func renderSelfHostedSession(rec *SessionRecord) map[string]any {
	return map[string]any{
		"id":        rec.ID,
		"token":     rec.Token,
		"userId":    rec.UserID,
		"expiresAt": rec.ExpiresAt,
		"createdAt": rec.CreatedAt,
		"updatedAt": rec.LastSeenAt,
	}
}

func bearer(r *http.Request) string {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *SelfHosted) authenticate(w http.ResponseWriter, r *http.Request) (*SessionRecord, *Account, bool) {
	rec, acc, err := s.Store.SessionByToken(bearer(r))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return nil, nil, false
	}
	return rec, acc, true
}

// signIn starts a session and returns it as the token body plus the set-auth-token header.
func (s *SelfHosted) signIn(w http.ResponseWriter, acc *Account, method, provider string) {
	rec, err := s.Store.CreateSession(acc.ID, method, provider)
	if err != nil {
		internalFail(w, err)
		return
	}
	acc, err = s.Store.AccountByID(acc.ID)
	if err != nil {
		internalFail(w, err)
		return
	}
	w.Header().Set(HeaderAuthToken, rec.Token)
	respondOK(w, map[string]any{"redirect": false, "token": rec.Token, "user": renderSelfHostedUser(acc)})
}

var knownSignUpFields = map[string]struct{}{
	"email": {}, "password": {}, "name": {}, "image": {}, "callbackURL": {}, "rememberMe": {},
}

func extraFields(body map[string]any) map[string]any {
	extra := map[string]any{}
	for k, v := range body {
		if _, known := knownSignUpFields[k]; !known {
			extra[k] = v
		}
	}
	return extra
}

func str(body map[string]any, key string) string {
	v, _ := body[key].(string)
	return v
}

func (s *SelfHosted) signUpEmail(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	email, password := str(body, "email"), str(body, "password")
	if !strings.Contains(email, "@") {
		respondError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email")
		return
	}
	if len(password) < 8 {
		respondError(w, http.StatusBadRequest, "PASSWORD_TOO_SHORT", "Password too short")
		return
	}
	acc, err := s.Store.CreateAccount(NewAccount{
		Email:    email,
		Password: password,
		Name:     str(body, "name"),
		Image:    str(body, "image"),
		Metadata: extraFields(body),
		Verified: !s.requireEmail,
	})
	if errors.Is(err, ErrAccountExists) {
		respondError(w, http.StatusUnprocessableEntity, "USER_ALREADY_EXISTS", "User already exists. Use another email.")
		return
	}
	if err != nil {
		internalFail(w, err)
		return
	}
	if s.requireEmail {
		s.Store.IssueToken(PurposeVerification, acc.Email, acc.ID)
		respondOK(w, map[string]any{"token": nil, "user": renderSelfHostedUser(acc)})
		return
	}
	s.signIn(w, acc, "password", "")
}

func (s *SelfHosted) signInEmail(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	acc, err := s.Store.Authenticate(req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "INVALID_EMAIL_OR_PASSWORD", "Invalid email or password")
		return
	}
	if s.requireEmail && !acc.EmailVerified {
		respondError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Email not verified")
		return
	}
	s.signIn(w, acc, "password", "")
}

// getSession answers with null data rather than an error when there is no session.
func (s *SelfHosted) getSession(w http.ResponseWriter, r *http.Request) {
	rec, acc, err := s.Store.SessionByToken(bearer(r))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "data": nil})
		return
	}
	jwt, _, err := s.Minter.Mint(acc, rec)
	if err != nil {
		internalFail(w, err)
		return
	}
	w.Header().Set(HeaderAuthJWT, jwt)
	respondOK(w, map[string]any{"session": renderSelfHostedSession(rec), "user": renderSelfHostedUser(acc)})
}

func (s *SelfHosted) signOut(w http.ResponseWriter, r *http.Request) {
	if token := bearer(r); token != "" {
		_ = s.Store.RevokeSession(token)
	}
	respondOK(w, map[string]any{"success": true})
}

func (s *SelfHosted) token(w http.ResponseWriter, r *http.Request) {
	rec, acc, authed := s.authenticate(w, r)
	if !authed {
		return
	}
	jwt, _, err := s.Minter.Mint(acc, rec)
	if err != nil {
		internalFail(w, err)
		return
	}
	w.Header().Set(HeaderAuthJWT, jwt)
	respondOK(w, map[string]any{"token": jwt})
}

func (s *SelfHosted) updateUser(w http.ResponseWriter, r *http.Request) {
	_, acc, authed := s.authenticate(w, r)
	if !authed {
		return
	}
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	if _, has := body["email"]; has {
		respondError(w, http.StatusBadRequest, "EMAIL_CAN_NOT_BE_UPDATED", "Email can not be updated")
		return
	}
	_, err := s.Store.UpdateAccount(acc.ID, func(a *Account) error {
		if name, has := body["name"].(string); has {
			a.Name = name
		}
		if image, has := body["image"].(string); has {
			a.Image = image
		}
		for k, v := range extraFields(body) {
			a.Metadata[k] = v
		}
		return nil
	})
	if err != nil {
		internalFail(w, err)
		return
	}
	respondOK(w, map[string]any{"status": true})
}

type changeEmailRequest struct {
	NewEmail    string `json:"newEmail"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

func (s *SelfHosted) changeEmail(w http.ResponseWriter, r *http.Request) {
	_, acc, authed := s.authenticate(w, r)
	if !authed {
		return
	}
	var req changeEmailRequest
	if err := decodeBody(r, &req); err != nil || !strings.Contains(req.NewEmail, "@") {
		respondError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email")
		return
	}
	if _, err := s.Store.AccountByEmail(req.NewEmail); err == nil {
		respondError(w, http.StatusUnprocessableEntity, "USER_ALREADY_EXISTS", "User already exists. Use another email.")
		return
	}
	updated, err := s.Store.UpdateAccount(acc.ID, func(a *Account) error {
		a.PendingEmail = normalizeEmail(req.NewEmail)
		return nil
	})
	if err != nil {
		internalFail(w, err)
		return
	}
	s.Store.IssueToken(PurposeEmailChange, updated.PendingEmail, updated.ID)
	respondOK(w, map[string]any{"status": true})
}

type changePasswordRequest struct {
	CurrentPassword     string `json:"currentPassword"`
	NewPassword         string `json:"newPassword"`
	RevokeOtherSessions bool   `json:"revokeOtherSessions"`
}

func (s *SelfHosted) changePassword(w http.ResponseWriter, r *http.Request) {
	rec, acc, authed := s.authenticate(w, r)
	if !authed {
		return
	}
	var req changePasswordRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		respondError(w, http.StatusBadRequest, "PASSWORD_TOO_SHORT", "Password too short")
		return
	}
	if err := s.Store.CheckPassword(acc.ID, req.CurrentPassword); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PASSWORD", "Invalid password")
		return
	}
	updated, err := s.Store.SetPassword(acc.ID, req.NewPassword)
	if err != nil {
		internalFail(w, err)
		return
	}
	if req.RevokeOtherSessions {
		s.Store.RevokeUserSessions(acc.ID, rec.Token)
	}
	respondOK(w, map[string]any{"token": nil, "user": renderSelfHostedUser(updated)})
}

type socialRequest struct {
	Provider      string `json:"provider"`
	CallbackURL   string `json:"callbackURL"`
	DisableSignUp bool   `json:"disableSignUp,omitempty"`
}

func (s *SelfHosted) startSocial(w http.ResponseWriter, r *http.Request, linkUserID string) {
	var req socialRequest
	if err := decodeBody(r, &req); err != nil || req.Provider == "" {
		respondError(w, http.StatusBadRequest, "PROVIDER_NOT_FOUND", "Provider not found")
		return
	}
	state := randomToken()
	s.mu.Lock()
	s.states[state] = &socialState{provider: req.Provider, callbackURL: req.CallbackURL, linkUserID: linkUserID}
	base := s.baseURL
	s.mu.Unlock()
	u := base + SelfHostedBasePath + "/callback/" + url.PathEscape(req.Provider) + "?state=" + url.QueryEscape(state)
	respondOK(w, map[string]any{"url": u, "redirect": true})
}

func (s *SelfHosted) signInSocial(w http.ResponseWriter, r *http.Request) {
	s.startSocial(w, r, "")
}

func (s *SelfHosted) linkSocial(w http.ResponseWriter, r *http.Request) {
	_, acc, authed := s.authenticate(w, r)
	if !authed {
		return
	}
	s.startSocial(w, r, acc.ID)
}

// socialCallback plays the provider's redirect back. Sign ins come back with a one time token in
// the code parameter; link requests just return to the callback URL.
func (s *SelfHosted) socialCallback(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st, found := s.states[r.URL.Query().Get("state")]
	delete(s.states, r.URL.Query().Get("state"))
	s.mu.Unlock()
	if !found || st.provider != r.PathValue("provider") {
		respondError(w, http.StatusBadRequest, "INVALID_STATE", "Invalid OAuth state")
		return
	}
	profile := s.providerProfile(st.provider)
	identity := LinkedIdentity{Provider: st.provider, Subject: profile.Subject, Email: profile.Email, Picture: profile.Picture}

	target, err := url.Parse(st.callbackURL)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_CALLBACK_URL", "Invalid callback URL")
		return
	}
	if st.linkUserID != "" {
		if _, err := s.Store.LinkIdentity(st.linkUserID, identity); err != nil {
			internalFail(w, err)
			return
		}
		http.Redirect(w, r, target.String(), http.StatusFound)
		return
	}

	acc, err := s.Store.FindByIdentity(st.provider, profile.Subject)
	if errors.Is(err, ErrAccountNotFound) {
		acc, err = s.Store.AccountByEmail(profile.Email)
		if errors.Is(err, ErrAccountNotFound) {
			acc, err = s.Store.CreateAccount(NewAccount{Email: profile.Email, Name: profile.Name, Image: profile.Picture, Verified: true})
		}
		if err == nil {
			acc, err = s.Store.LinkIdentity(acc.ID, identity)
		}
	}
	if err != nil {
		internalFail(w, err)
		return
	}
	t := s.Store.IssueToken(PurposeLogin, acc.Email, acc.ID)
	q := target.Query()
	q.Set("code", t.Token)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *SelfHosted) listAccounts(w http.ResponseWriter, r *http.Request) {
	_, acc, authed := s.authenticate(w, r)
	if !authed {
		return
	}
	accounts := []map[string]any{}
	if acc.HasPassword() {
		accounts = append(accounts, map[string]any{
			"id":         "credential-" + acc.ID,
			"providerId": "credential",
			"accountId":  acc.ID,
			"userId":     acc.ID,
			"createdAt":  acc.CreatedAt,
			"updatedAt":  acc.UpdatedAt,
			"scopes":     []string{},
		})
	}
	for _, id := range acc.Identities {
		accounts = append(accounts, map[string]any{
			"id":         id.ID,
			"providerId": id.Provider,
			"accountId":  id.Subject,
			"userId":     acc.ID,
			"createdAt":  id.CreatedAt,
			"updatedAt":  id.UpdatedAt,
			"scopes":     []string{"openid", "email", "profile"},
		})
	}
	respondOK(w, accounts)
}

type unlinkRequest struct {
	ProviderID string `json:"providerId"`
	AccountID  string `json:"accountId,omitempty"`
}

func (s *SelfHosted) unlinkAccount(w http.ResponseWriter, r *http.Request) {
	_, acc, authed := s.authenticate(w, r)
	if !authed {
		return
	}
	var req unlinkRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	id := req.AccountID
	if id == "" {
		for _, linked := range acc.Identities {
			if linked.Provider == req.ProviderID {
				id = linked.ID
				break
			}
		}
	}
	_, err := s.Store.UnlinkIdentity(acc.ID, id)
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		respondError(w, http.StatusBadRequest, "ACCOUNT_NOT_FOUND", "Account not found")
	case errors.Is(err, ErrLastIdentity):
		respondError(w, http.StatusBadRequest, "LAST_IDENTITY", "You can't unlink your last account")
	case err != nil:
		internalFail(w, err)
	default:
		respondOK(w, map[string]any{"status": true})
	}
}

type magicLinkSignInRequest struct {
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	CallbackURL   string `json:"callbackURL,omitempty"`
	DisableSignUp bool   `json:"disableSignUp,omitempty"`
}

// findOrCreate resolves a passwordless sign in address.
func (s *SelfHosted) findOrCreate(email, name string, disableSignUp bool) (*Account, error) {
	acc, err := s.Store.AccountByEmail(email)
	if errors.Is(err, ErrAccountNotFound) && !disableSignUp {
		return s.Store.CreateAccount(NewAccount{Email: email, Name: name})
	}
	return acc, err
}

func (s *SelfHosted) sendMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkSignInRequest
	if err := decodeBody(r, &req); err != nil || !strings.Contains(req.Email, "@") {
		respondError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email")
		return
	}
	acc, err := s.findOrCreate(req.Email, req.Name, req.DisableSignUp)
	if errors.Is(err, ErrAccountNotFound) {
		respondError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}
	if err != nil {
		internalFail(w, err)
		return
	}
	s.Store.IssueToken(PurposeMagicLink, acc.Email, acc.ID)
	respondOK(w, map[string]any{"status": true})
}

func (s *SelfHosted) redeem(w http.ResponseWriter, t *OneTimeToken, err error) {
	if err != nil {
		respondError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token expired or already used")
		return
	}
	acc, err := s.Store.UpdateAccount(t.UserID, func(a *Account) error {
		a.EmailVerified = true
		return nil
	})
	if err != nil {
		respondError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}
	s.signIn(w, acc, "magic_link", "")
}

func (s *SelfHosted) verifyMagicLink(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.ConsumeToken(r.URL.Query().Get("token"), PurposeMagicLink)
	s.redeem(w, t, err)
}

type otpRequest struct {
	Email string `json:"email"`
	Type  string `json:"type,omitempty"`
	OTP   string `json:"otp,omitempty"`
}

func (s *SelfHosted) sendOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeBody(r, &req); err != nil || !strings.Contains(req.Email, "@") {
		respondError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email")
		return
	}
	purpose := PurposeSignInCode
	switch req.Type {
	case "email-verification":
		purpose = PurposeVerification
	case "forget-password":
		purpose = PurposeRecovery
	}
	acc, err := s.findOrCreate(req.Email, "", purpose != PurposeSignInCode)
	if err != nil {
		// Unknown addresses are not revealed.
		respondOK(w, map[string]any{"success": true})
		return
	}
	s.Store.IssueToken(purpose, acc.Email, acc.ID)
	respondOK(w, map[string]any{"success": true})
}

func (s *SelfHosted) signInOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	t, err := s.Store.ConsumeCode(req.Email, req.OTP, PurposeSignInCode, PurposeMagicLink, PurposeVerification)
	s.redeem(w, t, err)
}

type resetRequest struct {
	Email       string `json:"email"`
	RedirectTo  string `json:"redirectTo,omitempty"`
	NewPassword string `json:"newPassword,omitempty"`
	Token       string `json:"token,omitempty"`
	OTP         string `json:"otp,omitempty"`
}

func (s *SelfHosted) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	if acc, err := s.Store.AccountByEmail(req.Email); err == nil {
		s.Store.IssueToken(PurposeRecovery, acc.Email, acc.ID)
	}
	respondOK(w, map[string]any{"status": true})
}

// resetPassword accepts the emailed token, or an address plus a forget-password code.
func (s *SelfHosted) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		respondError(w, http.StatusBadRequest, "PASSWORD_TOO_SHORT", "Password too short")
		return
	}
	var (
		t   *OneTimeToken
		err error
	)
	if req.Token != "" {
		t, err = s.Store.ConsumeToken(req.Token, PurposeRecovery)
	} else {
		t, err = s.Store.ConsumeCode(req.Email, req.OTP, PurposeRecovery)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "TOKEN_EXPIRED", "Token expired or already used")
		return
	}
	if _, err := s.Store.SetPassword(t.UserID, req.NewPassword); err != nil {
		internalFail(w, err)
		return
	}
	s.Store.RevokeUserSessions(t.UserID, "")
	respondOK(w, map[string]any{"status": true})
}

func (s *SelfHosted) sendVerificationEmail(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	acc, err := s.Store.AccountByEmail(req.Email)
	if err != nil {
		respondError(w, http.StatusBadRequest, "USER_NOT_FOUND", "User not found")
		return
	}
	if acc.PendingEmail != "" {
		s.Store.IssueToken(PurposeEmailChange, acc.PendingEmail, acc.ID)
	} else if !acc.EmailVerified {
		s.Store.IssueToken(PurposeVerification, acc.Email, acc.ID)
	}
	respondOK(w, map[string]any{"status": true})
}

// verifyEmail confirms an address, applies a pending email change and signs the user in.
func (s *SelfHosted) verifyEmail(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.ConsumeToken(r.URL.Query().Get("token"), PurposeVerification, PurposeEmailChange)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token expired or already used")
		return
	}
	acc, err := s.Store.UpdateAccount(t.UserID, func(a *Account) error {
		if t.Purpose == PurposeEmailChange {
			a.Email = a.PendingEmail
			a.PendingEmail = ""
		}
		a.EmailVerified = true
		return nil
	})
	if err != nil {
		respondError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}
	rec, err := s.Store.CreateSession(acc.ID, "email_verification", "")
	if err != nil {
		internalFail(w, err)
		return
	}
	w.Header().Set(HeaderAuthToken, rec.Token)
	respondOK(w, map[string]any{"status": true, "token": rec.Token, "user": renderSelfHostedUser(acc)})
}

type oneTimeTokenRequest struct {
	Token string `json:"token"`
}

func (s *SelfHosted) verifyOneTimeToken(w http.ResponseWriter, r *http.Request) {
	var req oneTimeTokenRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}
	t, err := s.Store.ConsumeToken(req.Token, PurposeLogin)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token expired or already used")
		return
	}
	acc, err := s.Store.AccountByID(t.UserID)
	if err != nil {
		respondError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}
	rec, err := s.Store.CreateSession(acc.ID, "oauth", "")
	if err != nil {
		internalFail(w, err)
		return
	}
	w.Header().Set(HeaderAuthToken, rec.Token)
	respondOK(w, map[string]any{"session": renderSelfHostedSession(rec), "user": renderSelfHostedUser(acc)})
}
