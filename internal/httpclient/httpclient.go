// Package httpclient builds the retrying HTTP client the adapters use to reach identity backends.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	DefaultRetryMax = 2
	DefaultTimeout  = 15 * time.Second
)

// Options configures New.
type Options struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	Transport    http.RoundTripper
	Logger       zerolog.Logger
}

// New returns a standard *http.Client that retries connection failures and 5xx responses of
// idempotent requests. Other requests are retried only when the connection was never established.
// Rate limit responses are returned to the caller untouched, and the last response of an exhausted
// retry sequence is passed through so callers can read its status and body.
func New(opts Options) *http.Client {
	cl := retryablehttp.NewClient()
	cl.RetryMax = opts.RetryMax
	if opts.RetryMax < 0 {
		cl.RetryMax = 0
	}
	if opts.RetryWaitMin > 0 {
		cl.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		cl.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Transport != nil {
		cl.HTTPClient.Transport = opts.Transport
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cl.HTTPClient.Timeout = timeout
	cl.Logger = leveledLogger{logger: opts.Logger}
	cl.CheckRetry = checkRetry
	cl.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return cl.StandardClient()
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		if !notSent(err) && !idempotent(failedMethod(err)) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	if resp.Request != nil && !idempotent(resp.Request.Method) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// notSent reports whether err happened while dialing, before any byte reached the server.
func notSent(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func failedMethod(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return strings.ToUpper(urlErr.Op)
	}
	return ""
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (l leveledLogger) Error(msg string, keysAndValues ...any) {
	l.event(l.logger.Error(), msg, keysAndValues)
}

func (l leveledLogger) Info(msg string, keysAndValues ...any) {
	l.event(l.logger.Debug(), msg, keysAndValues)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.event(l.logger.Trace(), msg, keysAndValues)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.event(l.logger.Warn(), msg, keysAndValues)
}

func (l leveledLogger) event(e *zerolog.Event, msg string, keysAndValues []any) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		switch v := keysAndValues[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
