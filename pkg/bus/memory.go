package bus

import (
	"context"
	"sync"
)

// connBuffer is the per-connection inbound buffer. A connection whose
// consumer falls this far behind starts losing messages, matching the
// best-effort contract.
const connBuffer = 128

// Memory is an in-process Bus with Redis pub/sub semantics. Every
// subscribed connection of the process receives each publish, the
// publisher included. Useful for tests and single-node deployments.
type Memory struct {
	mu     sync.RWMutex
	conns  map[*memoryConn]struct{}
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{conns: make(map[*memoryConn]struct{})}
}

func (b *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for c := range b.conns {
		if !c.subscribed(channel) {
			continue
		}
		// Non-blocking: a full buffer drops the message for that
		// connection only.
		select {
		case c.msgs <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, channels ...string) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	c := &memoryConn{
		bus:      b,
		channels: make(map[string]struct{}, len(channels)),
		msgs:     make(chan Message, connBuffer),
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	b.conns[c] = struct{}{}
	return c, nil
}

func (b *Memory) NumSub(ctx context.Context, channel string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}
	var n int64
	for c := range b.conns {
		if c.subscribed(channel) {
			n++
		}
	}
	return n, nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for c := range b.conns {
		c.once.Do(func() { close(c.msgs) })
		delete(b.conns, c)
	}
	return nil
}

type memoryConn struct {
	bus  *Memory
	once sync.Once

	mu       sync.Mutex
	channels map[string]struct{}

	msgs chan Message
}

func (c *memoryConn) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *memoryConn) registered() bool {
	c.bus.mu.RLock()
	defer c.bus.mu.RUnlock()
	_, ok := c.bus.conns[c]
	return ok
}

func (c *memoryConn) Subscribe(ctx context.Context, channels ...string) error {
	if !c.registered() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return nil
}

func (c *memoryConn) Unsubscribe(ctx context.Context, channels ...string) error {
	if !c.registered() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	return nil
}

func (c *memoryConn) Messages() <-chan Message {
	return c.msgs
}

func (c *memoryConn) Close() error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	if _, ok := c.bus.conns[c]; ok {
		delete(c.bus.conns, c)
		c.once.Do(func() { close(c.msgs) })
	}
	return nil
}

// Verify interface implementation
var (
	_ Bus  = (*Memory)(nil)
	_ Conn = (*memoryConn)(nil)
)
