package broadcast

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/coder/websocket"
	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/pkg/errors"
)

// WebSocketTransport attaches to a Relay over a websocket. Every instance connected to the same
// relay and channel name behaves like a tab of the same origin.
type WebSocketTransport struct {
	relayURL   string
	httpClient *http.Client
	origin     string
}

var _ Transport = (*WebSocketTransport)(nil)

// WebSocketOption defines a function type to modify the WebSocketTransport instance.
type WebSocketOption func(*WebSocketTransport)

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(client *http.Client) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.httpClient = client
	}
}

// WithOrigin sets the Origin header presented to the relay.
func WithOrigin(origin string) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.origin = origin
	}
}

// NewWebSocketTransport creates a transport for the relay at relayURL (ws:// or wss://).
func NewWebSocketTransport(relayURL string, options ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{relayURL: relayURL}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Available reports whether a relay URL was configured.
func (t *WebSocketTransport) Available() bool {
	return t != nil && t.relayURL != ""
}

func (t *WebSocketTransport) Open(ctx context.Context, name string) (Channel, error) {
	if !t.Available() {
		return nil, ierrors.ErrTransportUnavailable
	}
	u, err := url.Parse(t.relayURL)
	if err != nil {
		return nil, errors.Wrap(err, "[WebSocketTransport.Open] relay url")
	}
	q := u.Query()
	q.Set("channel", name)
	u.RawQuery = q.Encode()

	opts := &websocket.DialOptions{HTTPClient: t.httpClient}
	if t.origin != "" {
		opts.HTTPHeader = http.Header{"Origin": []string{t.origin}}
	}
	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, errors.Wrap(err, "[WebSocketTransport.Open] dial")
	}
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

func (c *wsChannel) Post(ctx context.Context, payload []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return errors.Wrap(err, "[wsChannel.Post] write")
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if c.closed.Load() {
			return nil, ierrors.ErrChannelClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.CloseStatus(err) != -1 {
			return nil, ierrors.ErrChannelClosed
		}
		return nil, errors.Wrap(err, "[wsChannel.Receive] read")
	}
	return data, nil
}

// Close performs the closing handshake, falling back to dropping the connection if the
// handshake cannot complete.
func (c *wsChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		_ = c.conn.CloseNow()
	}
	return nil
}
