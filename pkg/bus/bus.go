// Package bus abstracts the publish/subscribe substrate the cluster runs
// on. The contract is deliberately no stronger than Redis pub/sub: exact
// channel-name matching, best-effort delivery to whoever is subscribed at
// publish time, and no exclusion of the publisher's own connections.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned for operations on a closed bus or connection.
var ErrClosed = errors.New("bus: closed")

// Message is one payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Conn is a single subscriber connection with its own channel set. A Conn
// is only ever in subscribe mode; commands other than subscription changes
// go through the Bus.
type Conn interface {
	// Subscribe adds channels to this connection. Subscribing to an
	// already-subscribed channel is a no-op. The subscription may take
	// effect asynchronously; only the channels given to Bus.Subscribe
	// are confirmed by the time that call returns.
	Subscribe(ctx context.Context, channels ...string) error

	// Unsubscribe removes channels from this connection. Unsubscribing
	// from a channel not subscribed is a no-op.
	Unsubscribe(ctx context.Context, channels ...string) error

	// Messages streams payloads published to this connection's
	// channels. The channel closes when the connection closes.
	Messages() <-chan Message

	// Close releases the connection.
	Close() error
}

// Bus is an established pub/sub client. Each Subscribe call opens an
// independent subscriber connection, so callers can hold long-lived shared
// connections and short-lived dedicated ones side by side.
type Bus interface {
	// Publish sends a payload to every connection subscribed to the
	// channel, including the publisher's own.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a new subscriber connection, optionally
	// pre-subscribed to the given channels. Those initial channels are
	// effective by the time the call returns.
	Subscribe(ctx context.Context, channels ...string) (Conn, error)

	// NumSub reports how many connections are currently subscribed to
	// the channel.
	NumSub(ctx context.Context, channel string) (int64, error)

	// Close releases resources owned by the bus client.
	Close() error
}
