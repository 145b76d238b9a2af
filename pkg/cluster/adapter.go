package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/fgodino/socket.io-redis/pkg/adapter"
	"github.com/fgodino/socket.io-redis/pkg/bus"
)

// Adapter is the distributed layer for one namespace. It composes a local
// membership store: membership changes drive room-channel subscriptions,
// broadcasts go to local sessions first and then out over the bus, and
// Clients gathers session ids from every node of the namespace.
type Adapter struct {
	node  *Node
	nsp   string
	local adapter.Adapter

	chans          channels
	channel        string // namespace channel, a prefix of every room channel
	requestChannel string

	// mu serializes membership transitions with the bus commands they
	// trigger, so subscribes and unsubscribes go out in mutation order.
	mu sync.Mutex
}

// Nsp returns the namespace this adapter serves.
func (a *Adapter) Nsp() string { return a.nsp }

// Local returns the wrapped membership store.
func (a *Adapter) Local() adapter.Adapter { return a.local }

// Join adds the session to the room. The room's first local member
// subscribes this node to the room channel; the subscribe outcome is the
// returned error. Joining an already-joined room changes nothing.
func (a *Adapter) Join(ctx context.Context, sessionID, room string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.local.Add(sessionID, room) {
		return nil
	}
	if err := a.node.sub.Subscribe(ctx, a.chans.room(room)); err != nil {
		err = fmt.Errorf("subscribe room %q: %w", room, err)
		a.node.emitError(err)
		return err
	}
	return nil
}

// Leave removes the session from the room. When the last local member
// leaves, the room channel subscription is dropped; otherwise no bus I/O
// happens. Leaving a room not joined is a successful no-op.
func (a *Adapter) Leave(ctx context.Context, sessionID, room string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.leaveLocked(ctx, sessionID, room)
}

func (a *Adapter) leaveLocked(ctx context.Context, sessionID, room string) error {
	if !a.local.Remove(sessionID, room) {
		return nil
	}
	if err := a.node.sub.Unsubscribe(ctx, a.chans.room(room)); err != nil {
		err = fmt.Errorf("unsubscribe room %q: %w", room, err)
		a.node.emitError(err)
		return err
	}
	return nil
}

// LeaveAll removes the session from every room it is in, then drops its
// room-set record. Every leave is attempted; the first error is returned.
func (a *Adapter) LeaveAll(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var first error
	for _, room := range a.local.SocketRooms(sessionID) {
		if err := a.leaveLocked(ctx, sessionID, room); err != nil && first == nil {
			first = err
		}
	}
	a.local.RemoveAll(sessionID)
	return first
}

// Broadcast delivers the packet to matching local sessions, then publishes
// it for the rest of the cluster. Local delivery happens first and never
// depends on the bus. With target rooms the envelope goes out once per
// room channel, so nodes without members of a room see none of its
// traffic; without rooms it goes out once on the namespace channel.
// Every publish is attempted; the first error is returned.
func (a *Adapter) Broadcast(ctx context.Context, pkt *adapter.Packet, opts adapter.BroadcastOptions) error {
	if a.node.isClosed() {
		return ErrClosed
	}
	a.local.Broadcast(pkt, opts)

	data, err := encodeEnvelope(a.node.id, pkt, opts)
	if err != nil {
		a.node.emitError(err)
		return err
	}

	if len(opts.Rooms) == 0 {
		if err := a.node.bus.Publish(ctx, a.channel, data); err != nil {
			err = fmt.Errorf("publish namespace %q: %w", a.nsp, err)
			a.node.emitError(err)
			return err
		}
		return nil
	}

	var first error
	for _, room := range opts.Rooms {
		if err := a.node.bus.Publish(ctx, a.chans.room(room), data); err != nil {
			err = fmt.Errorf("publish room %q: %w", room, err)
			a.node.emitError(err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// onBroadcast replays one received envelope into local delivery. Envelopes
// this node published come back on its own subscriptions and are dropped
// by origin id, as are packets for other namespaces. Replayed packets are
// never published again.
func (a *Adapter) onBroadcast(msg bus.Message) {
	env, err := decodeEnvelope(msg.Payload)
	if err != nil {
		a.node.emitError(err)
		return
	}
	if env.UID == a.node.id {
		return
	}
	if env.Packet.Nsp != a.nsp {
		return
	}
	a.local.Broadcast(env.Packet, env.Opts)
}

// Clients lists the session ids, cluster-wide, that are in any of the
// given rooms; with no rooms, every session of the namespace. Ids are not
// deduplicated across nodes. The query waits for as many answers as the
// request channel has subscribers; if the request timeout passes first,
// the partial list collected so far is returned without error.
func (a *Adapter) Clients(ctx context.Context, rooms ...string) ([]string, error) {
	if a.node.isClosed() {
		return nil, ErrClosed
	}

	expected, err := a.node.bus.NumSub(ctx, a.requestChannel)
	if err != nil {
		err = fmt.Errorf("count responders: %w", err)
		a.node.emitError(err)
		return nil, err
	}
	if expected == 0 {
		return []string{}, nil
	}

	transactionID := gonanoid.Must(6)

	// Responses arrive on a dedicated connection, released on every
	// path out of this call.
	conn, err := a.node.bus.Subscribe(ctx, a.chans.response(transactionID))
	if err != nil {
		err = fmt.Errorf("subscribe responses: %w", err)
		a.node.emitError(err)
		return nil, err
	}
	defer conn.Close()

	payload, err := json.Marshal(clientsRequest{TransactionID: transactionID, Rooms: rooms})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := a.node.bus.Publish(ctx, a.requestChannel, payload); err != nil {
		err = fmt.Errorf("publish request: %w", err)
		a.node.emitError(err)
		return nil, err
	}

	timer := time.NewTimer(a.node.timeout)
	defer timer.Stop()

	var clients []string
	var responded int64
	for {
		select {
		case msg, ok := <-conn.Messages():
			if !ok {
				err := fmt.Errorf("clients query: %w", bus.ErrClosed)
				a.node.emitError(err)
				return nil, err
			}
			var resp clientsResponse
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				a.node.emitError(fmt.Errorf("decode response: %w", err))
				continue
			}
			clients = append(clients, resp.Clients...)
			responded++
			if responded >= expected {
				return clients, nil
			}
		case <-timer.C:
			a.node.log.Warn("clients query timed out",
				"node_id", a.node.id,
				"nsp", a.nsp,
				"responded", responded,
				"expected", expected,
			)
			return clients, nil
		case <-ctx.Done():
			return clients, ctx.Err()
		}
	}
}

// ServerCount reports how many nodes currently serve this namespace,
// approximated by the request channel's subscriber count.
func (a *Adapter) ServerCount(ctx context.Context) (int64, error) {
	return a.node.bus.NumSub(ctx, a.requestChannel)
}

// onRequest answers one client-listing query from local membership and
// publishes the answer on the query's response channel. Failures go to
// the error stream; the node simply does not answer, which the
// requester's timeout covers.
func (a *Adapter) onRequest(msg bus.Message) {
	var req clientsRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		a.node.emitError(fmt.Errorf("decode request: %w", err))
		return
	}
	if req.TransactionID == "" {
		a.node.emitError(errors.New("request missing transaction id"))
		return
	}

	clients := a.local.Clients(req.Rooms...)
	if clients == nil {
		clients = []string{}
	}
	payload, err := json.Marshal(clientsResponse{Clients: clients})
	if err != nil {
		a.node.emitError(fmt.Errorf("encode response: %w", err))
		return
	}
	if err := a.node.bus.Publish(context.Background(), a.chans.response(req.TransactionID), payload); err != nil {
		a.node.emitError(fmt.Errorf("publish response: %w", err))
	}
}
