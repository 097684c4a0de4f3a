package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
)

const memoryInboxSize = 64

// MemoryHub connects adapter instances living in the same process, the way tabs of one origin
// share a BroadcastChannel. A payload is never delivered back to the attachment that posted it.
type MemoryHub struct {
	mu       sync.RWMutex
	channels map[string]map[*memoryChannel]struct{}
	dropped  atomic.Int64
}

var _ Transport = (*MemoryHub)(nil)

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{channels: make(map[string]map[*memoryChannel]struct{})}
}

func (h *MemoryHub) Available() bool { return true }

func (h *MemoryHub) Open(_ context.Context, name string) (Channel, error) {
	c := &memoryChannel{
		hub:    h,
		name:   name,
		inbox:  make(chan []byte, memoryInboxSize),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[name] == nil {
		h.channels[name] = make(map[*memoryChannel]struct{})
	}
	h.channels[name][c] = struct{}{}
	return c, nil
}

// Attached returns the number of open attachments to name.
func (h *MemoryHub) Attached(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[name])
}

// Dropped returns the number of deliveries skipped because a peer's inbox was full.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *MemoryHub) peers(from *memoryChannel) []*memoryChannel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]*memoryChannel, 0, len(h.channels[from.name]))
	for c := range h.channels[from.name] {
		if c != from {
			peers = append(peers, c)
		}
	}
	return peers
}

func (h *MemoryHub) detach(c *memoryChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels[c.name], c)
	if len(h.channels[c.name]) == 0 {
		delete(h.channels, c.name)
	}
}

type memoryChannel struct {
	hub    *MemoryHub
	name   string
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

// Post never waits on a slow peer: a full inbox drops that peer's copy and Post reports
// ErrPeerBacklogged after delivering to the others.
func (c *memoryChannel) Post(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ierrors.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	var dropped bool
	for _, peer := range c.hub.peers(c) {
		data := append([]byte(nil), payload...)
		select {
		case peer.inbox <- data:
		case <-peer.closed:
		default:
			c.hub.dropped.Add(1)
			dropped = true
		}
	}
	if dropped {
		return ierrors.ErrPeerBacklogged
	}
	return nil
}

func (c *memoryChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, ierrors.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryChannel) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.hub.detach(c)
	})
	return nil
}
