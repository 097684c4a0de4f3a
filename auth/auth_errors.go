package auth

import (
	"context"
	"net/http"
	"strings"

	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/pkg/errors"
)

// ErrorCode is a stable machine readable error code.
type ErrorCode string

const (
	CodeInvalidCredentials   ErrorCode = "invalid_credentials"
	CodeUserAlreadyExists    ErrorCode = "user_already_exists"
	CodeUserNotFound         ErrorCode = "user_not_found"
	CodeBadJWT               ErrorCode = "bad_jwt"
	CodeOverRequestRateLimit ErrorCode = "over_request_rate_limit"
	CodeEmailAddressInvalid  ErrorCode = "email_address_invalid"
	CodeSessionNotFound      ErrorCode = "session_not_found"
	CodeWeakPassword         ErrorCode = "weak_password"
	CodeValidationFailed     ErrorCode = "validation_failed"
	CodeEmailNotConfirmed    ErrorCode = "email_not_confirmed"
	CodeOtpExpired           ErrorCode = "otp_expired"
	CodeIdentityNotFound     ErrorCode = "identity_not_found"
	CodeNotSupported         ErrorCode = "not_supported"
	CodeUnexpectedFailure    ErrorCode = "unexpected_failure"
)

// Error is the single error type returned by every Client method.
type Error struct {
	Message string    `json:"message"`
	Status  int       `json:"status"`
	Code    ErrorCode `json:"code"`
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates an Error without an underlying cause.
func NewError(code ErrorCode, status int, message string) *Error {
	return &Error{Message: message, Status: status, Code: code}
}

// Unsupported reports a capability the backend does not offer.
func Unsupported(capability, alternative string) *Error {
	msg := capability + " is not supported by this auth backend"
	if alternative != "" {
		msg += ". Use " + alternative + " instead"
	}
	return &Error{Message: msg, Status: http.StatusBadRequest, Code: CodeNotSupported, cause: ierrors.ErrUnsupported}
}

// SessionMissing reports an operation that needs a signed in user.
func SessionMissing() *Error {
	return &Error{Message: "Auth session missing", Status: http.StatusUnauthorized, Code: CodeSessionNotFound, cause: ierrors.ErrNoSession}
}

// Failure normalizes err for returning from a Client method. A nil err gives a nil error rather than
// a typed nil.
func Failure(err error) error {
	if e := NormalizeError(err); e != nil {
		return e
	}
	return nil
}

// StatusCoder is implemented by backend errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// ErrorCoder is implemented by backend errors that carry a machine code.
type ErrorCoder interface {
	ErrorCode() string
}

// backendCodes maps machine codes emitted by the supported backends.
var backendCodes = map[string]ErrorCode{
	"invalid_credentials":          CodeInvalidCredentials,
	"invalid_email_or_password":    CodeInvalidCredentials,
	"invalid_password":             CodeInvalidCredentials,
	"credential_account_not_found": CodeInvalidCredentials,
	"unauthorized_credentials":     CodeInvalidCredentials,
	"user_already_exists":          CodeUserAlreadyExists,
	"email_exists":                 CodeUserAlreadyExists,
	"duplicate_record":             CodeUserAlreadyExists,
	"duplicate_email":              CodeUserAlreadyExists,
	"user_not_found":               CodeUserNotFound,
	"resource_not_found":           CodeUserNotFound,
	"bad_jwt":                      CodeBadJWT,
	"invalid_token":                CodeBadJWT,
	"rate_limit_exceeded":          CodeOverRequestRateLimit,
	"too_many_requests":            CodeOverRequestRateLimit,
	"over_request_rate_limit":      CodeOverRequestRateLimit,
	"invalid_email":                CodeEmailAddressInvalid,
	"email_address_invalid":        CodeEmailAddressInvalid,
	"session_not_found":            CodeSessionNotFound,
	"session_expired":              CodeSessionNotFound,
	"unauthorized":                 CodeSessionNotFound,
	"password_too_short":           CodeWeakPassword,
	"weak_password":                CodeWeakPassword,
	"validation_failed":            CodeValidationFailed,
	"email_not_verified":           CodeEmailNotConfirmed,
	"email_not_confirmed":          CodeEmailNotConfirmed,
	"otp_expired":                  CodeOtpExpired,
	"token_expired":                CodeOtpExpired,
	"magic_link_expired":           CodeOtpExpired,
	"magic_link_not_found":         CodeOtpExpired,
	"identity_not_found":           CodeIdentityNotFound,
	"account_not_found":            CodeIdentityNotFound,
	"oauth_registration_not_found": CodeIdentityNotFound,
	"last_identity":                CodeValidationFailed,
}

var statusCodes = map[int]ErrorCode{
	http.StatusBadRequest:          CodeInvalidCredentials,
	http.StatusUnauthorized:        CodeInvalidCredentials,
	http.StatusNotFound:            CodeUserNotFound,
	http.StatusConflict:            CodeUserAlreadyExists,
	http.StatusUnprocessableEntity: CodeUserAlreadyExists,
	http.StatusTooManyRequests:     CodeOverRequestRateLimit,
}

type messageRule struct {
	fragments []string
	code      ErrorCode
	status    int
}

// messageRules are checked in order against the lower cased message.
var messageRules = []messageRule{
	{[]string{"already exists", "already registered", "already in use", "already taken"}, CodeUserAlreadyExists, http.StatusUnprocessableEntity},
	{[]string{"invalid email or password", "invalid credentials", "invalid password", "incorrect password", "invalid login"}, CodeInvalidCredentials, http.StatusBadRequest},
	{[]string{"user not found", "no user", "unknown user"}, CodeUserNotFound, http.StatusNotFound},
	{[]string{"rate limit", "too many requests"}, CodeOverRequestRateLimit, http.StatusTooManyRequests},
	{[]string{"invalid email", "email is invalid", "email address is invalid"}, CodeEmailAddressInvalid, http.StatusBadRequest},
	{[]string{"session not found", "no session", "session expired", "session missing"}, CodeSessionNotFound, http.StatusUnauthorized},
	{[]string{"jwt", "malformed token", "invalid token"}, CodeBadJWT, http.StatusUnauthorized},
	{[]string{"password too short", "password is too short", "weak password"}, CodeWeakPassword, http.StatusUnprocessableEntity},
	{[]string{"not verified", "not confirmed"}, CodeEmailNotConfirmed, http.StatusBadRequest},
	{[]string{"expired"}, CodeOtpExpired, http.StatusForbidden},
}

// NormalizeError converts any backend or internal failure into an *Error. A nil err stays nil.
// The code is taken from, in order: an existing *Error, a known backend machine code, the HTTP
// status, the message text. Anything else is an unexpected_failure.
func NormalizeError(err error) *Error {
	if err == nil {
		return nil
	}
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}

	out := &Error{Message: err.Error(), cause: err}
	var sc StatusCoder
	if errors.As(err, &sc) {
		out.Status = sc.StatusCode()
	}

	var ec ErrorCoder
	if errors.As(err, &ec) {
		if code, ok := backendCodes[strings.ToLower(ec.ErrorCode())]; ok {
			out.Code = code
			if out.Status == 0 {
				out.Status = defaultStatus(code)
			}
			return out
		}
	}

	if code, ok := statusCodes[out.Status]; ok {
		out.Code = code
		return out
	}

	switch {
	case errors.Is(err, ierrors.ErrMalformedToken), errors.Is(err, ierrors.ErrSubjectClash):
		out.Code = CodeBadJWT
		out.Status = orDefault(out.Status, http.StatusUnauthorized)
		return out
	case errors.Is(err, ierrors.ErrNoSession), errors.Is(err, ierrors.ErrSessionExpired):
		out.Code = CodeSessionNotFound
		out.Status = orDefault(out.Status, http.StatusUnauthorized)
		return out
	case errors.Is(err, ierrors.ErrUnsupported):
		out.Code = CodeNotSupported
		out.Status = orDefault(out.Status, http.StatusBadRequest)
		return out
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Code = CodeUnexpectedFailure
		out.Status = orDefault(out.Status, http.StatusInternalServerError)
		return out
	}

	msg := strings.ToLower(out.Message)
	for _, rule := range messageRules {
		for _, fragment := range rule.fragments {
			if strings.Contains(msg, fragment) {
				out.Code = rule.code
				out.Status = orDefault(out.Status, rule.status)
				return out
			}
		}
	}

	out.Code = CodeUnexpectedFailure
	out.Status = orDefault(out.Status, http.StatusInternalServerError)
	return out
}

var defaultStatuses = map[ErrorCode]int{
	CodeInvalidCredentials:   http.StatusBadRequest,
	CodeUserAlreadyExists:    http.StatusUnprocessableEntity,
	CodeUserNotFound:         http.StatusNotFound,
	CodeBadJWT:               http.StatusUnauthorized,
	CodeOverRequestRateLimit: http.StatusTooManyRequests,
	CodeEmailAddressInvalid:  http.StatusBadRequest,
	CodeSessionNotFound:      http.StatusUnauthorized,
	CodeWeakPassword:         http.StatusUnprocessableEntity,
	CodeValidationFailed:     http.StatusBadRequest,
	CodeEmailNotConfirmed:    http.StatusBadRequest,
	CodeOtpExpired:           http.StatusForbidden,
	CodeIdentityNotFound:     http.StatusNotFound,
	CodeNotSupported:         http.StatusBadRequest,
}

func defaultStatus(code ErrorCode) int {
	if status, ok := defaultStatuses[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func orDefault(status, fallback int) int {
	if status != 0 {
		return status
	}
	return fallback
}
