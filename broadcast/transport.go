package broadcast

import (
	"context"
	"encoding/json"

	"github.com/jrsteele09/go-auth-compat/events"
	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/jrsteele09/go-auth-compat/sessions"
)

// Transport is a publish/subscribe medium shared by every execution context of one origin.
type Transport interface {
	// Available reports whether the current runtime can broadcast at all.
	Available() bool
	// Open attaches to the named channel.
	Open(ctx context.Context, name string) (Channel, error)
}

// Channel is one attachment to a named broadcast channel.
type Channel interface {
	// Post publishes payload to the other attachments of the channel.
	Post(ctx context.Context, payload []byte) error
	// Receive blocks until a payload arrives, the channel closes or ctx ends.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Message is the wire form of a cross-tab auth event.
type Message struct {
	Event     events.Event      `json:"event"`
	Session   *sessions.Session `json:"session"`
	Timestamp int64             `json:"timestamp"` // Unix milliseconds
	Origin    string            `json:"origin"`    // Sending bridge id
}

func (m Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Unavailable models a runtime without a broadcast capability, such as server side execution.
type Unavailable struct{}

var _ Transport = Unavailable{}

func (Unavailable) Available() bool { return false }

func (Unavailable) Open(context.Context, string) (Channel, error) {
	return nil, ierrors.ErrTransportUnavailable
}

func available(t Transport) bool {
	return t != nil && t.Available()
}
