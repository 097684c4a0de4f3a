// Command authshim runs an auth client against the configured backend and logs every auth state
// change. With -fake it serves an in-process backend instead of dialing AUTH_BASE_URL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-compat/auth"
	"github.com/jrsteele09/go-auth-compat/client"
	"github.com/jrsteele09/go-auth-compat/events"
	"github.com/jrsteele09/go-auth-compat/internal/config"
	"github.com/jrsteele09/go-auth-compat/internal/fakebackend"
	"github.com/jrsteele09/go-auth-compat/internal/logging"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type flags struct {
	fake        string
	email       string
	password    string
	signUp      bool
	metricsAddr string
}

func main() {
	var f flags
	flag.StringVar(&f.fake, "fake", "", "serve an in-process backend: hosted or selfhosted")
	flag.StringVar(&f.email, "email", "", "sign in with this email on start")
	flag.StringVar(&f.password, "password", "", "password for -email")
	flag.BoolVar(&f.signUp, "signup", false, "create the -email account before signing in")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flag.Parse()

	for {
		if err := run(f); err != nil {
			log.Fatal().Err(err).Msg("authshim stopped with error")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("authshim stopped")
}

func run(f flags) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	if f.fake != "" {
		stop, err := startFake(f.fake)
		if err != nil {
			return err
		}
		defer stop()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.GetEnv(), cfg.GetLogLevel())
	displayAppname(cfg.GetAppName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := client.New(ctx, cfg, client.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		return fmt.Errorf("client.New: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("closing auth client")
		}
	}()

	sub := c.OnAuthStateChange(logEvent)
	defer sub.Unsubscribe()

	var metricsServer *http.Server
	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: f.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go listenAndServe(metricsServer)
	}

	if f.email != "" {
		if err := signIn(ctx, c, f); err != nil {
			return err
		}
	}

	<-waitForStopSignal()
	if metricsServer != nil {
		return shutdown(metricsServer)
	}
	return nil
}

func signIn(ctx context.Context, c auth.Client, f flags) error {
	if f.signUp {
		if _, err := c.SignUp(ctx, auth.SignUpCredentials{Email: f.email, Password: f.password}); err != nil {
			return fmt.Errorf("sign up: %w", err)
		}
		return nil
	}
	if _, err := c.SignInWithPassword(ctx, auth.SignInWithPasswordCredentials{Email: f.email, Password: f.password}); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	return nil
}

func logEvent(_ context.Context, event events.Event, session *sessions.Session) error {
	entry := log.Info().Str("event", string(event))
	if session != nil && session.User != nil {
		entry = entry.Str("user_id", session.User.ID).
			Str("email", session.User.Email).
			Time("expires_at", time.Unix(session.ExpiresAt, 0))
	}
	entry.Msg("auth state changed")
	return nil
}

// startFake serves the chosen in-process backend and points the environment at it.
func startFake(backend string) (func(), error) {
	var url string
	var stop func()
	switch backend {
	case config.BackendHosted:
		srv := fakebackend.NewHosted().Start()
		url, stop = srv.URL, srv.Close
	case config.BackendSelfHosted:
		srv := fakebackend.NewSelfHosted().Start()
		url, stop = srv.URL, srv.Close
	default:
		return nil, fmt.Errorf("-fake must be %q or %q, got %q", config.BackendHosted, config.BackendSelfHosted, backend)
	}
	if err := os.Setenv("AUTH_BACKEND", backend); err != nil {
		stop()
		return nil, err
	}
	if err := os.Setenv("AUTH_BASE_URL", url); err != nil {
		stop()
		return nil, err
	}
	log.Info().Str("backend", backend).Str("url", url).Msg("fake backend listening")
	return stop, nil
}

func listenAndServe(server *http.Server) {
	log.Info().Str("addr", server.Addr).Msg("metrics listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
