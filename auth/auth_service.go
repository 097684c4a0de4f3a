package auth

import (
	"context"

	"github.com/jrsteele09/go-auth-compat/events"
	"github.com/jrsteele09/go-auth-compat/users"
)

// Client is the Supabase style auth surface implemented by every backend adapter.
//
// Every non-nil error returned is an *Error. Response pointers are nil when an error is returned.
// Operations that change the session update the cache and notify subscribers before returning.
type Client interface {
	Initialize(ctx context.Context) error

	SignUp(ctx context.Context, creds SignUpCredentials) (AuthResponse, error)
	SignInWithPassword(ctx context.Context, creds SignInWithPasswordCredentials) (AuthResponse, error)
	SignInWithOAuth(ctx context.Context, creds SignInWithOAuthCredentials) (OAuthResponse, error)
	SignInWithOtp(ctx context.Context, creds SignInWithOtpCredentials) (OtpResponse, error)
	SignInWithIdToken(ctx context.Context, creds SignInWithIdTokenCredentials) (AuthResponse, error)
	SignInWithSSO(ctx context.Context, params SignInWithSSOParams) (SSOResponse, error)
	SignInWithWeb3(ctx context.Context, creds SignInWithWeb3Credentials) (AuthResponse, error)
	SignInAnonymously(ctx context.Context, creds SignInAnonymouslyCredentials) (AuthResponse, error)
	SignOut(ctx context.Context, opts SignOutOptions) error
	VerifyOtp(ctx context.Context, params VerifyOtpParams) (AuthResponse, error)

	GetSession(ctx context.Context) (SessionResponse, error)
	RefreshSession(ctx context.Context) (AuthResponse, error)
	SetSession(ctx context.Context, params SetSessionParams) (AuthResponse, error)

	GetUser(ctx context.Context) (UserResponse, error)
	// GetClaims decodes jwt, or the current session's access token when jwt is empty.
	GetClaims(ctx context.Context, jwt string) (ClaimsResponse, error)
	// GetJwtToken returns a token suitable for a database client's Authorization header.
	GetJwtToken(ctx context.Context) (string, error)
	UpdateUser(ctx context.Context, attrs UserAttributes) (UserResponse, error)

	GetUserIdentities(ctx context.Context) (IdentitiesResponse, error)
	LinkIdentity(ctx context.Context, creds LinkIdentityCredentials) (OAuthResponse, error)
	UnlinkIdentity(ctx context.Context, identity users.Identity) error

	ResetPasswordForEmail(ctx context.Context, email string, opts ResetPasswordOptions) error
	Reauthenticate(ctx context.Context) error
	Resend(ctx context.Context, params ResendParams) (OtpResponse, error)
	ExchangeCodeForSession(ctx context.Context, code string) (AuthResponse, error)

	OnAuthStateChange(cb events.Callback) *events.Subscription
	// StartAutoRefresh and StopAutoRefresh do nothing; the backends refresh tokens themselves.
	StartAutoRefresh(ctx context.Context) error
	StopAutoRefresh(ctx context.Context) error

	// Close stops background work and releases the token store.
	Close() error
}
