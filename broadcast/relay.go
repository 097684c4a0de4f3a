package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const relayWriteTimeout = 5 * time.Second

// Relay is an http.Handler that fans websocket messages out to every other peer connected
// with the same channel query parameter.
type Relay struct {
	originPatterns []string
	logger         zerolog.Logger

	mu    sync.RWMutex
	peers map[string]map[*relayPeer]struct{}
}

type relayPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// RelayOption defines a function type to modify the Relay instance.
type RelayOption func(*Relay)

// WithOriginPatterns sets the host patterns allowed to connect across origins.
func WithOriginPatterns(patterns ...string) RelayOption {
	return func(r *Relay) {
		r.originPatterns = patterns
	}
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger zerolog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// NewRelay creates a relay with no peers.
func NewRelay(options ...RelayOption) *Relay {
	r := &Relay{
		logger: log.Logger.With().Str("component", "relay").Logger(),
		peers:  make(map[string]map[*relayPeer]struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Peers returns the number of connections attached to channel.
func (r *Relay) Peers(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers[channel])
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	channel := req.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel query parameter required", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: r.originPatterns})
	if err != nil {
		r.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	peer := &relayPeer{conn: conn}
	r.attach(channel, peer)
	defer r.detach(channel, peer)
	defer conn.CloseNow()

	ctx := req.Context()
	r.logger.Debug().Str("channel", channel).Str("remote", req.RemoteAddr).Msg("peer connected")
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				r.logger.Debug().Err(err).Str("channel", channel).Msg("peer read failed")
			}
			return
		}
		r.forward(ctx, channel, peer, typ, data)
	}
}

func (r *Relay) forward(ctx context.Context, channel string, from *relayPeer, typ websocket.MessageType, data []byte) {
	r.mu.RLock()
	targets := make([]*relayPeer, 0, len(r.peers[channel]))
	for p := range r.peers[channel] {
		if p != from {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range targets {
		if err := p.write(ctx, typ, data); err != nil {
			r.logger.Warn().Err(err).Str("channel", channel).Msg("relay write failed")
		}
	}
}

func (p *relayPeer) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
	defer cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Write(ctx, typ, data)
}

func (r *Relay) attach(channel string, p *relayPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[channel] == nil {
		r.peers[channel] = make(map[*relayPeer]struct{})
	}
	r.peers[channel][p] = struct{}{}
}

func (r *Relay) detach(channel string, p *relayPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers[channel], p)
	if len(r.peers[channel]) == 0 {
		delete(r.peers, channel)
	}
}
