package events

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-compat/sessions"
)

// Event names an auth state transition.
type Event string

const (
	InitialSession       Event = "INITIAL_SESSION"
	SignedIn             Event = "SIGNED_IN"
	SignedOut            Event = "SIGNED_OUT"
	TokenRefreshed       Event = "TOKEN_REFRESHED"
	UserUpdated          Event = "USER_UPDATED"
	PasswordRecovery     Event = "PASSWORD_RECOVERY"
	MFAChallengeVerified Event = "MFA_CHALLENGE_VERIFIED"
)

// Valid reports whether e is one of the known events.
func (e Event) Valid() bool {
	switch e {
	case InitialSession, SignedIn, SignedOut, TokenRefreshed, UserUpdated, PasswordRecovery, MFAChallengeVerified:
		return true
	}
	return false
}

// CarriesSession reports whether listeners should expect a session with the event.
func (e Event) CarriesSession() bool {
	return e != SignedOut
}

// Callback receives auth state changes. A returned error is logged and otherwise ignored.
type Callback func(ctx context.Context, event Event, session *sessions.Session) error

// Subscription is one consumer's interest in auth state changes.
type Subscription struct {
	ID       string
	callback Callback
	once     sync.Once
	remove   func()
}

// Unsubscribe removes the subscription. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.remove != nil {
			s.remove()
		}
	})
}
