package selfhosted

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Headers the library uses to hand tokens to bearer clients.
const (
	HeaderAuthToken = "set-auth-token"
	HeaderAuthJWT   = "set-auth-jwt"
)

// DefaultBasePath is where the library mounts its routes.
const DefaultBasePath = "/api/auth"

const (
	statusOK    = "ok"
	statusError = "error"
)

// APIError is an error envelope, or a non-2xx answer without one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth library: %d %s", e.Status, e.Code)
	}
	return e.Message
}

func (e *APIError) StatusCode() int   { return e.Status }
func (e *APIError) ErrorCode() string { return e.Code }

// User is the library's flat user record. Additional fields configured on the server land in Extra.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	Image         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Extra         map[string]any
}

var userFields = map[string]struct{}{
	"id": {}, "email": {}, "emailVerified": {}, "name": {}, "image": {}, "createdAt": {}, "updatedAt": {},
}

func parseUser(r gjson.Result) *User {
	if !r.IsObject() {
		return nil
	}
	u := &User{
		ID:            r.Get("id").String(),
		Email:         r.Get("email").String(),
		EmailVerified: r.Get("emailVerified").Bool(),
		Name:          r.Get("name").String(),
		Image:         r.Get("image").String(),
		CreatedAt:     r.Get("createdAt").Time(),
		UpdatedAt:     r.Get("updatedAt").Time(),
		Extra:         map[string]any{},
	}
	r.ForEach(func(key, value gjson.Result) bool {
		if _, known := userFields[key.String()]; !known {
			u.Extra[key.String()] = value.Value()
		}
		return true
	})
	return u
}

type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionResult is a resolved session. JWT is the value of the set-auth-jwt header, when sent.
type SessionResult struct {
	Session Session
	User    *User
	JWT     string
}

// TokenResult is returned by calls that sign a user in. Token is empty when the user must verify
// their email first.
type TokenResult struct {
	Token string
	User  *User
}

// Account is a sign in method linked to a user. Password accounts use the "credential" provider.
type Account struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"providerId"`
	AccountID  string    `json:"accountId"`
	UserID     string    `json:"userId"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type SignUpRequest struct {
	Email       string
	Password    string
	Name        string
	Image       string
	CallbackURL string
	// Extra holds additional user fields. They never override the named fields.
	Extra map[string]any
}

type MagicLinkRequest struct {
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	CallbackURL   string `json:"callbackURL,omitempty"`
	DisableSignUp bool   `json:"disableSignUp,omitempty"`
}

// ResetPasswordRequest redeems either an emailed token or an address plus code.
type ResetPasswordRequest struct {
	NewPassword string `json:"newPassword"`
	Token       string `json:"token,omitempty"`
	Email       string `json:"email,omitempty"`
	OTP         string `json:"otp,omitempty"`
}

// Client talks to the library's HTTP routes in bearer mode.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the library mounted at baseURL + basePath.
func NewClient(baseURL, basePath string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if basePath == "" {
		basePath = DefaultBasePath
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/" + strings.Trim(basePath, "/"),
		httpClient: httpClient,
	}
}

type response struct {
	data   gjson.Result
	header http.Header
}

func (c *Client) do(ctx context.Context, method, path, token string, body any) (*response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "[Client.do] marshal request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.do] build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "[Client.do] %s %s", method, path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.do] read response")
	}

	doc := gjson.ParseBytes(raw)
	status := doc.Get("status").String()
	if status == statusError || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{
			Status:  resp.StatusCode,
			Code:    doc.Get("error.code").String(),
			Message: doc.Get("error.message").String(),
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	if len(raw) > 0 && status != statusOK {
		return nil, errors.Errorf("[Client.do] %s %s: unexpected response envelope", method, path)
	}
	return &response{data: doc.Get("data"), header: resp.Header}, nil
}

func decodeData(r gjson.Result, out any) error {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	return errors.Wrap(json.Unmarshal([]byte(r.Raw), out), "[decodeData] decode data")
}

// tokenResult prefers the set-auth-token header over the token in the body.
func tokenResult(resp *response) *TokenResult {
	token := resp.header.Get(HeaderAuthToken)
	if token == "" {
		token = resp.data.Get("token").String()
	}
	return &TokenResult{Token: token, User: parseUser(resp.data.Get("user"))}
}

func (c *Client) SignUpEmail(ctx context.Context, req SignUpRequest) (*TokenResult, error) {
	body := map[string]any{}
	for k, v := range req.Extra {
		body[k] = v
	}
	body["email"] = req.Email
	body["password"] = req.Password
	body["name"] = req.Name
	if req.Image != "" {
		body["image"] = req.Image
	}
	if req.CallbackURL != "" {
		body["callbackURL"] = req.CallbackURL
	}
	resp, err := c.do(ctx, http.MethodPost, "/sign-up/email", "", body)
	if err != nil {
		return nil, err
	}
	return tokenResult(resp), nil
}

func (c *Client) SignInEmail(ctx context.Context, email, password string) (*TokenResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/sign-in/email", "", map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	return tokenResult(resp), nil
}

// GetSession resolves a session token. It returns nil, nil when the token is unknown or expired.
func (c *Client) GetSession(ctx context.Context, token string) (*SessionResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/get-session", token, nil)
	if err != nil {
		return nil, err
	}
	if resp.data.Type == gjson.Null || !resp.data.Exists() {
		return nil, nil
	}
	out := &SessionResult{User: parseUser(resp.data.Get("user")), JWT: resp.header.Get(HeaderAuthJWT)}
	if err := decodeData(resp.data.Get("session"), &out.Session); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SignOut(ctx context.Context, token string) error {
	_, err := c.do(ctx, http.MethodPost, "/sign-out", token, map[string]any{})
	return err
}

// Token mints a JWT for the session.
func (c *Client) Token(ctx context.Context, token string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/token", token, nil)
	if err != nil {
		return "", err
	}
	if jwt := resp.header.Get(HeaderAuthJWT); jwt != "" {
		return jwt, nil
	}
	return resp.data.Get("token").String(), nil
}

// UpdateUser sets name, image and additional fields. The library refuses email changes here.
func (c *Client) UpdateUser(ctx context.Context, token string, fields map[string]any) error {
	_, err := c.do(ctx, http.MethodPost, "/update-user", token, fields)
	return err
}

// ChangeEmail sends a confirmation to newEmail. The address changes once it is verified.
func (c *Client) ChangeEmail(ctx context.Context, token, newEmail, callbackURL string) error {
	body := map[string]string{"newEmail": newEmail}
	if callbackURL != "" {
		body["callbackURL"] = callbackURL
	}
	_, err := c.do(ctx, http.MethodPost, "/change-email", token, body)
	return err
}

func (c *Client) ChangePassword(ctx context.Context, token, current, next string, revokeOthers bool) (*User, error) {
	body := map[string]any{"currentPassword": current, "newPassword": next, "revokeOtherSessions": revokeOthers}
	resp, err := c.do(ctx, http.MethodPost, "/change-password", token, body)
	if err != nil {
		return nil, err
	}
	return parseUser(resp.data.Get("user")), nil
}

// SignInSocial returns the provider authorization URL.
func (c *Client) SignInSocial(ctx context.Context, provider, callbackURL string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/sign-in/social", "", map[string]string{"provider": provider, "callbackURL": callbackURL})
	if err != nil {
		return "", err
	}
	return resp.data.Get("url").String(), nil
}

// LinkSocial returns the authorization URL that links provider to the signed in user.
func (c *Client) LinkSocial(ctx context.Context, token, provider, callbackURL string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/link-social", token, map[string]string{"provider": provider, "callbackURL": callbackURL})
	if err != nil {
		return "", err
	}
	return resp.data.Get("url").String(), nil
}

func (c *Client) ListAccounts(ctx context.Context, token string) ([]Account, error) {
	resp, err := c.do(ctx, http.MethodGet, "/list-accounts", token, nil)
	if err != nil {
		return nil, err
	}
	var out []Account
	if err := decodeData(resp.data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UnlinkAccount(ctx context.Context, token, providerID, accountID string) error {
	body := map[string]string{"providerId": providerID}
	if accountID != "" {
		body["accountId"] = accountID
	}
	_, err := c.do(ctx, http.MethodPost, "/unlink-account", token, body)
	return err
}

func (c *Client) SignInMagicLink(ctx context.Context, req MagicLinkRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/sign-in/magic-link", "", req)
	return err
}

func (c *Client) VerifyMagicLink(ctx context.Context, token string) (*TokenResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/magic-link/verify?token="+url.QueryEscape(token), "", nil)
	if err != nil {
		return nil, err
	}
	return tokenResult(resp), nil
}

// SendVerificationOTP emails a code. kind is "sign-in", "email-verification" or "forget-password".
func (c *Client) SendVerificationOTP(ctx context.Context, email, kind string) error {
	_, err := c.do(ctx, http.MethodPost, "/email-otp/send-verification-otp", "", map[string]string{"email": email, "type": kind})
	return err
}

func (c *Client) SignInEmailOTP(ctx context.Context, email, otp string) (*TokenResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/sign-in/email-otp", "", map[string]string{"email": email, "otp": otp})
	if err != nil {
		return nil, err
	}
	return tokenResult(resp), nil
}

func (c *Client) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	body := map[string]string{"email": email}
	if redirectTo != "" {
		body["redirectTo"] = redirectTo
	}
	_, err := c.do(ctx, http.MethodPost, "/request-password-reset", "", body)
	return err
}

// ResetPassword sets a new password and ends every session of the user.
func (c *Client) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/reset-password", "", req)
	return err
}

func (c *Client) SendVerificationEmail(ctx context.Context, email, callbackURL string) error {
	body := map[string]string{"email": email}
	if callbackURL != "" {
		body["callbackURL"] = callbackURL
	}
	_, err := c.do(ctx, http.MethodPost, "/send-verification-email", "", body)
	return err
}

// VerifyEmail confirms an address or an email change and signs the user in.
func (c *Client) VerifyEmail(ctx context.Context, token string) (*TokenResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/verify-email?token="+url.QueryEscape(token), "", nil)
	if err != nil {
		return nil, err
	}
	return tokenResult(resp), nil
}

// VerifyOneTimeToken redeems the code a social sign in redirects back with.
func (c *Client) VerifyOneTimeToken(ctx context.Context, token string) (*TokenResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/one-time-token/verify", "", map[string]string{"token": token})
	if err != nil {
		return nil, err
	}
	out := tokenResult(resp)
	if out.Token == "" {
		out.Token = resp.data.Get("session.token").String()
	}
	return out, nil
}
