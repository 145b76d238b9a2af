package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Bus, backed by Redis (or Valkey) pub/sub.
type Redis struct {
	client redis.UniversalClient
	owns   bool
}

// RedisConfig configures the Redis bus.
type RedisConfig struct {
	// Addr is the Redis server address (default: "localhost:6379").
	Addr string

	// Addrs is a list of addresses for cluster mode.
	Addrs []string

	// Password for authentication.
	Password string

	// DB is the database number (ignored in cluster mode).
	DB int

	// Client allows providing a pre-configured Redis client. If set,
	// the other fields are ignored and the caller keeps ownership of
	// the client.
	Client redis.UniversalClient
}

// NewRedis creates a Redis-backed bus.
func NewRedis(cfg *RedisConfig) *Redis {
	if cfg == nil {
		cfg = &RedisConfig{}
	}
	if cfg.Client != nil {
		return &Redis{client: cfg.Client}
	}

	var client redis.UniversalClient
	if len(cfg.Addrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
		})
	} else {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return &Redis{client: client, owns: true}
}

// NewRedisWithClient wraps an existing Redis client. The caller keeps
// ownership of the client.
func NewRedisWithClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (b *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *Redis) Subscribe(ctx context.Context, channels ...string) (Conn, error) {
	ps := b.client.Subscribe(ctx, channels...)
	if len(channels) > 0 {
		// Consume the subscription confirmation so the connection is
		// known to be receiving before the caller publishes anything
		// that expects it to.
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, err
		}
	}
	c := &redisConn{ps: ps, msgs: make(chan Message, connBuffer)}
	go c.pump()
	return c, nil
}

func (b *Redis) NumSub(ctx context.Context, channel string) (int64, error) {
	counts, err := b.client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, err
	}
	return counts[channel], nil
}

func (b *Redis) Close() error {
	if b.owns {
		return b.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client.
func (b *Redis) Client() redis.UniversalClient {
	return b.client
}

type redisConn struct {
	ps   *redis.PubSub
	msgs chan Message
}

// pump converts the go-redis stream until the PubSub closes. Delivery
// is best effort: messages for consumers that stopped draining are
// dropped rather than blocking the pump.
func (c *redisConn) pump() {
	for msg := range c.ps.Channel() {
		select {
		case c.msgs <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		default:
		}
	}
	close(c.msgs)
}

func (c *redisConn) Subscribe(ctx context.Context, channels ...string) error {
	return c.ps.Subscribe(ctx, channels...)
}

func (c *redisConn) Unsubscribe(ctx context.Context, channels ...string) error {
	return c.ps.Unsubscribe(ctx, channels...)
}

func (c *redisConn) Messages() <-chan Message {
	return c.msgs
}

func (c *redisConn) Close() error {
	return c.ps.Close()
}

// Verify interface implementation
var (
	_ Bus  = (*Redis)(nil)
	_ Conn = (*redisConn)(nil)
)
