package auth

import (
	"net/http"
	"net/mail"
	"strings"
)

// MinPasswordLength is the shortest password accepted before a backend call is made.
const MinPasswordLength = 6

// ValidateEmail checks the address shape locally.
func ValidateEmail(email string) *Error {
	email = strings.TrimSpace(email)
	if email == "" {
		return NewError(CodeValidationFailed, http.StatusBadRequest, "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return NewError(CodeEmailAddressInvalid, http.StatusBadRequest, "Unable to validate email address: invalid format")
	}
	return nil
}

// ValidatePassword checks presence and minimum length.
func ValidatePassword(password string) *Error {
	if password == "" {
		return NewError(CodeValidationFailed, http.StatusBadRequest, "password is required")
	}
	if len(password) < MinPasswordLength {
		return NewError(CodeWeakPassword, http.StatusUnprocessableEntity, "Password should be at least 6 characters")
	}
	return nil
}

// ValidateSignUp validates sign up input. Phone sign up is not offered by either backend.
func ValidateSignUp(creds SignUpCredentials) *Error {
	if creds.Email == "" && creds.Phone != "" {
		return Unsupported("Phone sign up", "email sign up")
	}
	if err := ValidateEmail(creds.Email); err != nil {
		return err
	}
	return ValidatePassword(creds.Password)
}

// ValidateSignIn validates password sign in input.
func ValidateSignIn(creds SignInWithPasswordCredentials) *Error {
	if creds.Email == "" && creds.Phone != "" {
		return Unsupported("Phone sign in", "email and password sign in")
	}
	if err := ValidateEmail(creds.Email); err != nil {
		return err
	}
	if creds.Password == "" {
		return NewError(CodeValidationFailed, http.StatusBadRequest, "password is required")
	}
	return nil
}

// ValidateRedirectURI accepts an empty value or an absolute http(s) URL without a fragment.
func ValidateRedirectURI(uri string) *Error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil
	}
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return NewError(CodeValidationFailed, http.StatusBadRequest, "redirect URL must use http or https scheme")
	}
	if strings.Contains(uri, "#") {
		return NewError(CodeValidationFailed, http.StatusBadRequest, "redirect URL must not contain fragments")
	}
	return nil
}

// ValidateProvider requires a non-empty OAuth provider name.
func ValidateProvider(provider string) *Error {
	if strings.TrimSpace(provider) == "" {
		return NewError(CodeValidationFailed, http.StatusBadRequest, "provider is required")
	}
	return nil
}
