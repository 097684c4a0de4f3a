package auth

import (
	"github.com/golang-jwt/jwt/v5"
	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/pkg/errors"
)

// DecodeJWT splits a token into its header, claims and signature without verifying it.
func DecodeJWT(token string) (ClaimsResponse, error) {
	parsed, parts, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ClaimsResponse{}, NormalizeError(errors.Wrap(ierrors.ErrMalformedToken, err.Error()))
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || len(parts) != 3 {
		return ClaimsResponse{}, NormalizeError(ierrors.ErrMalformedToken)
	}
	return ClaimsResponse{
		Claims:    claims,
		Header:    parsed.Header,
		Signature: parts[2],
	}, nil
}
