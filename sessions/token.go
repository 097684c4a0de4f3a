package sessions

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/pkg/errors"
)

const (
	// ClockSkewBuffer is subtracted from the token expiry so the cache never serves a session the
	// backend is about to reject.
	ClockSkewBuffer = 30 * time.Second
	// MinTTL is the smallest TTL a token derived entry gets.
	MinTTL = time.Second
	// DefaultTTL is used when a token cannot be decoded or carries no exp claim.
	DefaultTTL = 60 * time.Second
)

// DecodeClaims reads the payload of a three segment token without verifying its signature.
// Verification is the backend's job; the client only sizes cache entries and reports claims.
func DecodeClaims(token string) (jwt.MapClaims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ierrors.ErrMalformedToken
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(ierrors.ErrMalformedToken, err.Error())
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.Wrap(ierrors.ErrMalformedToken, "error extracting claims")
	}
	return claims, nil
}

// TokenExpiry returns the exp claim of a token.
func TokenExpiry(token string) (time.Time, error) {
	claims, err := DecodeClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, errors.Wrap(ierrors.ErrMalformedToken, err.Error())
	}
	if exp == nil {
		return time.Time{}, ierrors.ErrMissingExpiry
	}
	return exp.Time, nil
}

// TokenTTL computes how long a session wrapping token may be cached.
func TokenTTL(token string, now time.Time) time.Duration {
	exp, err := TokenExpiry(token)
	if err != nil {
		return DefaultTTL
	}
	ttl := exp.Sub(now) - ClockSkewBuffer
	if ttl < MinTTL {
		return MinTTL
	}
	return ttl
}

// TTL is TokenTTL for the session's access token.
func (s *Session) TTL(now time.Time) time.Duration {
	if s == nil {
		return DefaultTTL
	}
	return TokenTTL(s.AccessToken, now)
}

// CheckSubject verifies the session's user matches the token's sub claim. Opaque tokens, and
// tokens without a sub claim, pass.
func CheckSubject(s *Session) error {
	if s == nil || s.User == nil {
		return nil
	}
	claims, err := DecodeClaims(s.AccessToken)
	if err != nil {
		return nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil
	}
	if sub != s.User.ID {
		return errors.Wrapf(ierrors.ErrSubjectClash, "sub %q user %q", sub, s.User.ID)
	}
	return nil
}
