package broadcast

import (
	"context"

	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisTransport broadcasts over Redis pub/sub so instances in different processes sharing one
// Redis act as tabs of the same origin.
type RedisTransport struct {
	client *redis.Client
	prefix string
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport wraps an existing client. Channel names are prefixed with prefix.
func NewRedisTransport(client *redis.Client, prefix string) *RedisTransport {
	return &RedisTransport{client: client, prefix: prefix}
}

// Available reports whether a client was configured.
func (t *RedisTransport) Available() bool {
	return t != nil && t.client != nil
}

func (t *RedisTransport) Open(ctx context.Context, name string) (Channel, error) {
	if !t.Available() {
		return nil, ierrors.ErrTransportUnavailable
	}
	channel := t.prefix + name
	sub := t.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so posts made right after Open are not missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "[RedisTransport.Open] subscribe")
	}
	return &redisChannel{
		client:   t.client,
		sub:      sub,
		channel:  channel,
		messages: sub.Channel(),
	}, nil
}

type redisChannel struct {
	client   *redis.Client
	sub      *redis.PubSub
	channel  string
	messages <-chan *redis.Message
}

func (c *redisChannel) Post(ctx context.Context, payload []byte) error {
	if err := c.client.Publish(ctx, c.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "[redisChannel.Post] publish")
	}
	return nil
}

func (c *redisChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.messages:
		if !ok {
			return nil, ierrors.ErrChannelClosed
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *redisChannel) Close() error {
	return c.sub.Close()
}
