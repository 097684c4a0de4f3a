package auth_test

import (
	"testing"

	"github.com/jrsteele09/go-auth-compat/auth"
	"github.com/stretchr/testify/require"
)

func TestValidateEmail(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.Nil(t, auth.ValidateEmail("test@example.com"))
	})

	t.Run("missing", func(t *testing.T) {
		err := auth.ValidateEmail("  ")
		require.NotNil(t, err)
		require.Equal(t, auth.CodeValidationFailed, err.Code)
	})

	for _, email := range []string{"plainaddress", "a@b", "Test <test@example.com>", "@example.com"} {
		t.Run("invalid "+email, func(t *testing.T) {
			err := auth.ValidateEmail(email)
			require.NotNil(t, err)
			require.Equal(t, auth.CodeEmailAddressInvalid, err.Code)
			require.Equal(t, 400, err.Status)
		})
	}
}

func TestValidatePassword(t *testing.T) {
	require.Nil(t, auth.ValidatePassword("password123"))

	err := auth.ValidatePassword("")
	require.Equal(t, auth.CodeValidationFailed, err.Code)

	err = auth.ValidatePassword("12345")
	require.Equal(t, auth.CodeWeakPassword, err.Code)
	require.Equal(t, 422, err.Status)
}

func TestValidateSignUp(t *testing.T) {
	require.Nil(t, auth.ValidateSignUp(auth.SignUpCredentials{Email: "test@example.com", Password: "password123"}))

	err := auth.ValidateSignUp(auth.SignUpCredentials{Phone: "+15550100", Password: "password123"})
	require.Equal(t, auth.CodeNotSupported, err.Code)

	err = auth.ValidateSignUp(auth.SignUpCredentials{Email: "nope", Password: "password123"})
	require.Equal(t, auth.CodeEmailAddressInvalid, err.Code)
}

func TestValidateSignIn(t *testing.T) {
	require.Nil(t, auth.ValidateSignIn(auth.SignInWithPasswordCredentials{Email: "test@example.com", Password: "x"}))

	err := auth.ValidateSignIn(auth.SignInWithPasswordCredentials{Email: "test@example.com"})
	require.Equal(t, auth.CodeValidationFailed, err.Code)
}

func TestValidateRedirectURI(t *testing.T) {
	require.Nil(t, auth.ValidateRedirectURI(""))
	require.Nil(t, auth.ValidateRedirectURI("https://app.example.com/callback"))
	require.NotNil(t, auth.ValidateRedirectURI("app://callback"))
	require.NotNil(t, auth.ValidateRedirectURI("https://app.example.com/#frag"))
}
