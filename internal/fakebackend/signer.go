package fakebackend

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// DefaultJWTLifetime is how long minted access tokens live.
const DefaultJWTLifetime = 5 * time.Minute

// Minter signs short lived HS256 access tokens for sessions.
type Minter struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
	nowFunc  func() time.Time
}

// NewMinter creates a minter with the given secret and issuer.
func NewMinter(secret, issuer string, nowFunc func() time.Time) *Minter {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Minter{
		secret:   []byte(secret),
		issuer:   issuer,
		lifetime: DefaultJWTLifetime,
		nowFunc:  nowFunc,
	}
}

// SetIssuer sets the iss claim. Call it before the server handles requests.
func (m *Minter) SetIssuer(issuer string) {
	m.issuer = issuer
}

// Issuer returns the iss claim value.
func (m *Minter) Issuer() string {
	return m.issuer
}

// SetLifetime changes the lifetime of tokens minted from now on.
func (m *Minter) SetLifetime(d time.Duration) {
	m.lifetime = d
}

// Mint signs a token whose subject is the account id.
func (m *Minter) Mint(acc *Account, rec *SessionRecord) (string, time.Time, error) {
	now := m.nowFunc()
	exp := now.Add(m.lifetime)
	claims := jwt.MapClaims{
		"iss":        m.issuer,
		"sub":        acc.ID,
		"aud":        "authenticated",
		"role":       "authenticated",
		"email":      acc.Email,
		"session_id": rec.ID,
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "failed to sign token with HMAC")
	}
	return signed, exp, nil
}

// MintIDToken signs an OpenID Connect id token for the OAuth client.
func (m *Minter) MintIDToken(acc *Account, clientID, nonce string) (string, error) {
	now := m.nowFunc()
	claims := jwt.MapClaims{
		"iss":            m.issuer,
		"sub":            acc.ID,
		"aud":            clientID,
		"email":          acc.Email,
		"email_verified": acc.EmailVerified,
		"iat":            now.Unix(),
		"exp":            now.Add(m.lifetime).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign id token with HMAC")
	}
	return signed, nil
}
