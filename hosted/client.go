package hosted

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
)

// SessionTokenHeader authenticates calls made on behalf of a signed in user.
const SessionTokenHeader = "X-Session-Token"

// APIError is a non-2xx answer from the hosted API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hosted api: %d %s", e.Status, e.Code)
	}
	return e.Message
}

func (e *APIError) StatusCode() int   { return e.Status }
func (e *APIError) ErrorCode() string { return e.Code }

type Email struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}

type Name struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Provider is an OAuth registration attached to a user.
type Provider struct {
	RegistrationID    string    `json:"registration_id"`
	ProviderType      string    `json:"provider_type"`
	ProviderSubject   string    `json:"provider_subject"`
	Email             string    `json:"email,omitempty"`
	ProfilePictureURL string    `json:"profile_picture_url,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type User struct {
	UserID            string         `json:"user_id"`
	Emails            []Email        `json:"emails"`
	Name              Name           `json:"name"`
	Providers         []Provider     `json:"providers"`
	PasswordSet       bool           `json:"password_set"`
	TrustedMetadata   map[string]any `json:"trusted_metadata"`
	UntrustedMetadata map[string]any `json:"untrusted_metadata"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	LastSignInAt      *time.Time     `json:"last_sign_in_at,omitempty"`
}

// PrimaryEmail returns the first verified address, or the first address.
func (u *User) PrimaryEmail() (Email, bool) {
	for _, e := range u.Emails {
		if e.Verified {
			return e, true
		}
	}
	if len(u.Emails) > 0 {
		return u.Emails[0], true
	}
	return Email{}, false
}

type AuthenticationFactor struct {
	Type     string `json:"type"`
	Provider string `json:"provider,omitempty"`
}

type Session struct {
	SessionID             string                 `json:"session_id"`
	UserID                string                 `json:"user_id"`
	StartedAt             time.Time              `json:"started_at"`
	LastAccessedAt        time.Time              `json:"last_accessed_at"`
	ExpiresAt             time.Time              `json:"expires_at"`
	AuthenticationFactors []AuthenticationFactor `json:"authentication_factors"`
}

// AuthResult is returned by every call that can start or resume a session. Session is nil when the
// user still has to verify their email.
type AuthResult struct {
	StatusCode   int      `json:"status_code"`
	RequestID    string   `json:"request_id"`
	UserID       string   `json:"user_id"`
	User         User     `json:"user"`
	Session      *Session `json:"session"`
	SessionToken string   `json:"session_token"`
	SessionJWT   string   `json:"session_jwt"`
}

type CreateUserRequest struct {
	Email             string         `json:"email"`
	Password          string         `json:"password"`
	Name              Name           `json:"name"`
	UntrustedMetadata map[string]any `json:"untrusted_metadata,omitempty"`
}

type UpdateUserRequest struct {
	Email             string         `json:"email,omitempty"`
	Password          string         `json:"password,omitempty"`
	Name              *Name          `json:"name,omitempty"`
	UntrustedMetadata map[string]any `json:"untrusted_metadata,omitempty"`
}

type MagicLinkRequest struct {
	Email             string         `json:"email"`
	CreateUser        bool           `json:"create_user"`
	LoginRedirectURL  string         `json:"login_magic_link_url,omitempty"`
	UntrustedMetadata map[string]any `json:"untrusted_metadata,omitempty"`
}

// VerifyRequest redeems either a token or an email plus code.
type VerifyRequest struct {
	Token string `json:"token,omitempty"`
	Email string `json:"email,omitempty"`
	Code  string `json:"code,omitempty"`
	Type  string `json:"type,omitempty"`
}

type requestResult struct {
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id"`
	UserID     string `json:"user_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// Client is a thin HTTP client for the hosted REST API.
type Client struct {
	baseURL    string
	projectID  string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL, projectID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		projectID:  projectID,
		httpClient: httpClient,
	}
}

func (c *Client) do(ctx context.Context, method, path, sessionToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "[Client.do] marshal request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "[Client.do] build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.projectID != "" {
		req.Header.Set("X-Project-ID", c.projectID)
	}
	if sessionToken != "" {
		req.Header.Set(SessionTokenHeader, sessionToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "[Client.do] %s %s", method, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "[Client.do] read response")
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "[Client.do] decode %s %s", method, path)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	var body struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || (body.Error.Code == "" && body.Error.Message == "") {
		return &APIError{Status: status, Message: http.StatusText(status)}
	}
	body.Error.Status = status
	return &body.Error
}

func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/v1/users", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Authenticate starts a password session.
func (c *Client) Authenticate(ctx context.Context, email, password string) (*AuthResult, error) {
	var out AuthResult
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentSession resolves a session token and mints a fresh session JWT.
func (c *Client) CurrentSession(ctx context.Context, sessionToken string) (*AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/current", sessionToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeSession ends sessions. scope is "global", "local" or "others".
func (c *Client) RevokeSession(ctx context.Context, sessionToken, scope string) error {
	path := "/v1/sessions/current"
	if scope != "" {
		path += "?scope=" + url.QueryEscape(scope)
	}
	return c.do(ctx, http.MethodDelete, path, sessionToken, nil, nil)
}

func (c *Client) RefreshSession(ctx context.Context, sessionToken string) (*AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/current/refresh", sessionToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetUser(ctx context.Context, sessionToken string) (*User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users/me", sessionToken, nil, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (c *Client) UpdateUser(ctx context.Context, sessionToken string, req UpdateUserRequest) (*User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPatch, "/v1/users/me", sessionToken, req, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (c *Client) ListIdentities(ctx context.Context, sessionToken string) ([]Provider, error) {
	var out struct {
		Providers []Provider `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users/me/identities", sessionToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

func (c *Client) DeleteIdentity(ctx context.Context, sessionToken, registrationID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/users/me/identities/"+url.PathEscape(registrationID), sessionToken, nil, nil)
}

// SendMagicLink emails a sign in link and code. It returns the request id.
func (c *Client) SendMagicLink(ctx context.Context, req MagicLinkRequest) (string, error) {
	var out requestResult
	if err := c.do(ctx, http.MethodPost, "/v1/magic_links", "", req, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// VerifyMagicLink redeems a magic link, verification, recovery or email change token.
func (c *Client) VerifyMagicLink(ctx context.Context, req VerifyRequest) (*AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/v1/magic_links/verify", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartPasswordReset(ctx context.Context, email, redirectURL string) error {
	body := map[string]string{"email": email}
	if redirectURL != "" {
		body["reset_password_redirect_url"] = redirectURL
	}
	return c.do(ctx, http.MethodPost, "/v1/password_resets", "", body, nil)
}

// ResendVerification re-sends a sign up or email change confirmation and returns the message id.
func (c *Client) ResendVerification(ctx context.Context, email, kind string) (string, error) {
	var out requestResult
	body := map[string]string{"email": email, "type": kind}
	if err := c.do(ctx, http.MethodPost, "/v1/verifications/resend", "", body, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}
