package sessions

import (
	"time"

	"github.com/jrsteele09/go-auth-compat/users"
)

// TokenTypeBearer is the only token type issued by the adapters.
const TokenTypeBearer = "bearer"

// Session is an authenticated principal's current credential set.
// A Session is replaced wholesale on every refresh and must not be mutated once cached.
type Session struct {
	AccessToken          string      `json:"access_token"`                     // Bearer credential presented on each request
	RefreshToken         string      `json:"refresh_token"`                    // May be empty when the backend has none
	ExpiresIn            int64       `json:"expires_in"`                       // Seconds remaining when the session was created
	ExpiresAt            int64       `json:"expires_at"`                       // Absolute expiry, epoch seconds
	TokenType            string      `json:"token_type"`                       // Always "bearer"
	User                 *users.User `json:"user"`                             // Principal the token was issued for
	ProviderToken        string      `json:"provider_token,omitempty"`         // Upstream OAuth access token, if any
	ProviderRefreshToken string      `json:"provider_refresh_token,omitempty"` // Upstream OAuth refresh token, if any
}

// New builds a session, deriving the relative expiry from now. Both expiry fields are floored at zero.
func New(accessToken, refreshToken string, expiresAt int64, user *users.User, now time.Time) *Session {
	if expiresAt < 0 {
		expiresAt = 0
	}
	expiresIn := expiresAt - now.Unix()
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
		ExpiresAt:    expiresAt,
		TokenType:    TokenTypeBearer,
		User:         user.Normalize(),
	}
}

// Valid reports whether the session carries an access token.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != ""
}

// SecondsToExpiry returns the seconds left until ExpiresAt, negative once expired.
func (s *Session) SecondsToExpiry(now time.Time) int64 {
	return s.ExpiresAt - now.Unix()
}

// Expired reports whether the session's own expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.SecondsToExpiry(now) <= 0
}
