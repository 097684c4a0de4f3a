package auth

import (
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/jrsteele09/go-auth-compat/users"
)

// SignUpCredentials registers a new email/password user.
type SignUpCredentials struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Phone    string        `json:"phone,omitempty"`
	Options  SignUpOptions `json:"options"`
}

type SignUpOptions struct {
	Data            map[string]any `json:"data,omitempty"` // Custom user metadata
	EmailRedirectTo string         `json:"email_redirect_to,omitempty"`
	CaptchaToken    string         `json:"captcha_token,omitempty"`
}

type SignInWithPasswordCredentials struct {
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

type SignInWithOAuthCredentials struct {
	Provider string       `json:"provider"`
	Options  OAuthOptions `json:"options"`
}

type OAuthOptions struct {
	RedirectTo          string            `json:"redirect_to,omitempty"`
	Scopes              string            `json:"scopes,omitempty"` // Space separated
	QueryParams         map[string]string `json:"query_params,omitempty"`
	SkipBrowserRedirect bool              `json:"skip_browser_redirect,omitempty"`
}

// SignInWithOtpCredentials requests a magic link or one time code.
type SignInWithOtpCredentials struct {
	Email   string     `json:"email,omitempty"`
	Phone   string     `json:"phone,omitempty"`
	Options OtpOptions `json:"options"`
}

type OtpOptions struct {
	EmailRedirectTo  string         `json:"email_redirect_to,omitempty"`
	ShouldCreateUser *bool          `json:"should_create_user,omitempty"` // nil means true
	Data             map[string]any `json:"data,omitempty"`
	CaptchaToken     string         `json:"captcha_token,omitempty"`
}

type SignInWithIdTokenCredentials struct {
	Provider    string `json:"provider"`
	Token       string `json:"token"`
	AccessToken string `json:"access_token,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

type SignInWithSSOParams struct {
	ProviderID string `json:"provider_id,omitempty"`
	Domain     string `json:"domain,omitempty"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

type SignInWithWeb3Credentials struct {
	Chain     string `json:"chain"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type SignInAnonymouslyCredentials struct {
	Data         map[string]any `json:"data,omitempty"`
	CaptchaToken string         `json:"captcha_token,omitempty"`
}

// SignOutScope selects which sessions a sign out ends.
type SignOutScope string

const (
	SignOutGlobal SignOutScope = "global"
	SignOutLocal  SignOutScope = "local"
	SignOutOthers SignOutScope = "others"
)

type SignOutOptions struct {
	Scope SignOutScope `json:"scope,omitempty"` // Empty means global
}

// OtpType is the verification flow a token belongs to.
type OtpType string

const (
	OtpSignup      OtpType = "signup"
	OtpInvite      OtpType = "invite"
	OtpMagicLink   OtpType = "magiclink"
	OtpRecovery    OtpType = "recovery"
	OtpEmailChange OtpType = "email_change"
	OtpEmail       OtpType = "email"
	OtpSMS         OtpType = "sms"
	OtpPhoneChange OtpType = "phone_change"
)

// VerifyOtpParams identifies the token either by email plus code, phone plus code, or token hash.
type VerifyOtpParams struct {
	Email      string  `json:"email,omitempty"`
	Phone      string  `json:"phone,omitempty"`
	Token      string  `json:"token,omitempty"`
	TokenHash  string  `json:"token_hash,omitempty"`
	Type       OtpType `json:"type"`
	RedirectTo string  `json:"redirect_to,omitempty"`
}

type SetSessionParams struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// UserAttributes are the fields UpdateUser may change. Empty fields are left untouched.
type UserAttributes struct {
	Email    string         `json:"email,omitempty"`
	Password string         `json:"password,omitempty"`
	Phone    string         `json:"phone,omitempty"`
	Nonce    string         `json:"nonce,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// IsEmpty reports whether no attribute is set.
func (a UserAttributes) IsEmpty() bool {
	return a.Email == "" && a.Password == "" && a.Phone == "" && a.Nonce == "" && len(a.Data) == 0
}

type LinkIdentityCredentials struct {
	Provider string       `json:"provider"`
	Options  OAuthOptions `json:"options"`
}

type ResetPasswordOptions struct {
	RedirectTo   string `json:"redirect_to,omitempty"`
	CaptchaToken string `json:"captcha_token,omitempty"`
}

type ResendParams struct {
	Type    OtpType       `json:"type"` // signup, email_change, sms or phone_change
	Email   string        `json:"email,omitempty"`
	Phone   string        `json:"phone,omitempty"`
	Options ResendOptions `json:"options"`
}

type ResendOptions struct {
	EmailRedirectTo string `json:"email_redirect_to,omitempty"`
	CaptchaToken    string `json:"captcha_token,omitempty"`
}

// AuthResponse carries the user and session after an authenticating call. Both are nil on error;
// Session may be nil on success when the backend requires email confirmation first.
type AuthResponse struct {
	User    *users.User       `json:"user"`
	Session *sessions.Session `json:"session"`
}

type OAuthResponse struct {
	Provider string `json:"provider"`
	URL      string `json:"url"`
}

type OtpResponse struct {
	User      *users.User       `json:"user"`
	Session   *sessions.Session `json:"session"`
	MessageID string            `json:"message_id,omitempty"`
}

type SSOResponse struct {
	URL string `json:"url"`
}

type SessionResponse struct {
	Session *sessions.Session `json:"session"`
}

type UserResponse struct {
	User *users.User `json:"user"`
}

type ClaimsResponse struct {
	Claims    map[string]any `json:"claims"`
	Header    map[string]any `json:"header"`
	Signature string         `json:"signature"`
}

type IdentitiesResponse struct {
	Identities []users.Identity `json:"identities"`
}
