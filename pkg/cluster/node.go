// Package cluster turns independent processes into one logical broadcast
// group over a publish/subscribe bus.
//
// Each process runs one Node, which owns the process identity and the
// shared bus connections. Per namespace, the Node wraps a local membership
// store (pkg/adapter) into a cluster Adapter:
//
//	node, _ := cluster.NewNode(&cluster.Config{Addr: "localhost:6379"})
//	rooms := adapter.NewRooms(deliver)
//	adp, _ := node.Adapter(ctx, "/", rooms)
//
//	adp.Join(ctx, sessionID, "lobby")
//	adp.Broadcast(ctx, &adapter.Packet{Event: "hi"}, adapter.BroadcastOptions{
//		Rooms: []string{"lobby"},
//	})
//	ids, _ := adp.Clients(ctx) // session ids across the whole cluster
//
// The bus contract is best effort. Broadcasts a node publishes come back
// on its own subscriptions and are dropped by origin id; everything else
// is tolerated rather than coordinated: there is no central state, no
// retries, and the cluster-wide client listing accepts partial answers
// when nodes are slow.
package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/fgodino/socket.io-redis/pkg/adapter"
	"github.com/fgodino/socket.io-redis/pkg/bus"
)

// Config configures a Node.
type Config struct {
	// Bus is the pub/sub client to ride on. If nil, a Redis bus is
	// built from the connection fields below and owned by the Node.
	Bus bus.Bus

	// Addr is the Redis server address (default: "localhost:6379").
	Addr string

	// Addrs is a list of addresses for cluster mode.
	Addrs []string

	// Password for authentication.
	Password string

	// DB is the database number (ignored in cluster mode).
	DB int

	// KeyPrefix is prepended to channel names (default: "socket.io").
	KeyPrefix string

	// RequestTimeout bounds the cluster-wide Clients query (default: 5s).
	RequestTimeout time.Duration

	// NodeID uniquely identifies this node. Random when empty.
	NodeID string

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Node is the process-scoped half of the cluster: one identity and one set
// of shared bus connections, used by every namespace adapter of the
// process.
type Node struct {
	id        string
	keyPrefix string
	timeout   time.Duration

	bus     bus.Bus
	ownsBus bool

	sub bus.Conn // namespace + room broadcasts
	req bus.Conn // client-listing requests

	mu       sync.RWMutex
	adapters map[string]*Adapter
	closed   bool

	errMu  sync.RWMutex
	errFns []func(error)

	log *slog.Logger
	wg  sync.WaitGroup
}

// NewNode creates the process's cluster handle and starts its receive
// loops.
func NewNode(cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	id := cfg.NodeID
	if id == "" {
		id = gonanoid.Must(6)
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "socket.io"
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	b := cfg.Bus
	ownsBus := false
	if b == nil {
		b = bus.NewRedis(&bus.RedisConfig{
			Addr:     cfg.Addr,
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ownsBus = true
	}

	ctx := context.Background()
	sub, err := b.Subscribe(ctx)
	if err != nil {
		if ownsBus {
			b.Close()
		}
		return nil, err
	}
	req, err := b.Subscribe(ctx)
	if err != nil {
		sub.Close()
		if ownsBus {
			b.Close()
		}
		return nil, err
	}

	n := &Node{
		id:        id,
		keyPrefix: keyPrefix,
		timeout:   timeout,
		bus:       b,
		ownsBus:   ownsBus,
		sub:       sub,
		req:       req,
		adapters:  make(map[string]*Adapter),
		log:       log,
	}

	n.wg.Add(2)
	go n.listenBroadcasts()
	go n.listenRequests()

	log.Info("cluster node started", "node_id", id, "prefix", keyPrefix)
	return n, nil
}

// ID returns the node's identity, the origin id stamped on every broadcast
// this process publishes.
func (n *Node) ID() string { return n.id }

// Adapter registers a namespace and returns its cluster adapter. The
// namespace channel and the namespace's request channel are subscribed on
// the shared connections. Empty nsp means the root namespace "/". One
// adapter per namespace.
func (n *Node) Adapter(ctx context.Context, nsp string, local adapter.Adapter) (*Adapter, error) {
	if nsp == "" {
		nsp = "/"
	}
	chans := channels{prefix: n.keyPrefix, nsp: nsp}
	a := &Adapter{
		node:           n,
		nsp:            nsp,
		local:          local,
		chans:          chans,
		channel:        chans.broadcast(),
		requestChannel: chans.request(),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := n.adapters[nsp]; ok {
		n.mu.Unlock()
		return nil, ErrNamespaceTaken
	}
	// Register before subscribing so the receive loops can route the
	// first message that arrives.
	n.adapters[nsp] = a
	n.mu.Unlock()

	if err := n.sub.Subscribe(ctx, a.channel); err != nil {
		n.dropAdapter(nsp)
		return nil, err
	}
	if err := n.req.Subscribe(ctx, a.requestChannel); err != nil {
		n.sub.Unsubscribe(ctx, a.channel)
		n.dropAdapter(nsp)
		return nil, err
	}

	n.log.Info("namespace registered", "node_id", n.id, "nsp", nsp)
	return a, nil
}

// OnError registers an observer for asynchronous faults that have no
// caller to return to: receive-loop decode errors, responder failures, bus
// errors during background work. Faults are logged regardless.
func (n *Node) OnError(fn func(error)) {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	n.errFns = append(n.errFns, fn)
}

// Close stops the receive loops and releases the shared connections. The
// bus itself is closed only when the Node created it.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	// Closing the shared connections ends their message streams, which
	// stops both loops.
	err := n.sub.Close()
	if e := n.req.Close(); err == nil {
		err = e
	}
	n.wg.Wait()

	if n.ownsBus {
		if e := n.bus.Close(); err == nil {
			err = e
		}
	}
	n.log.Info("cluster node stopped", "node_id", n.id)
	return err
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

func (n *Node) dropAdapter(nsp string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.adapters, nsp)
}

// broadcastAdapter routes a received channel to the namespace whose
// channel prefixes it. Room channels extend their namespace channel, so
// one prefix check covers both.
func (n *Node) broadcastAdapter(channel string) *Adapter {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.adapters {
		if channelMatches(channel, a.channel) {
			return a
		}
	}
	return nil
}

func (n *Node) requestAdapter(channel string) *Adapter {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.adapters {
		if a.requestChannel == channel {
			return a
		}
	}
	return nil
}

func (n *Node) listenBroadcasts() {
	defer n.wg.Done()
	for msg := range n.sub.Messages() {
		if a := n.broadcastAdapter(msg.Channel); a != nil {
			a.onBroadcast(msg)
		}
	}
}

func (n *Node) listenRequests() {
	defer n.wg.Done()
	for msg := range n.req.Messages() {
		if a := n.requestAdapter(msg.Channel); a != nil {
			a.onRequest(msg)
		}
	}
}

func (n *Node) emitError(err error) {
	n.log.Error("cluster error", "node_id", n.id, "error", err)

	n.errMu.RLock()
	fns := make([]func(error), len(n.errFns))
	copy(fns, n.errFns)
	n.errMu.RUnlock()

	for _, fn := range fns {
		fn(err)
	}
}
