// Package adapter provides local room membership bookkeeping for a single
// process: which sessions are in which rooms, and delivery of broadcast
// packets to the matching sessions. The distributed layer in pkg/cluster
// composes an Adapter rather than replacing it, so the same bookkeeping
// works standalone in a single-node deployment.
package adapter

// Packet is one event delivered to sessions. The payload is opaque to the
// adapter; applications encode Data however they like.
type Packet struct {
	// Nsp is the namespace the packet belongs to. Empty means the root
	// namespace "/".
	Nsp string `json:"nsp,omitempty" msgpack:"nsp,omitempty"`

	// Event names the event for the receiving session.
	Event string `json:"event" msgpack:"event"`

	// Data is the event payload.
	Data []byte `json:"data,omitempty" msgpack:"data,omitempty"`
}

// BroadcastOptions selects which sessions receive a broadcast.
type BroadcastOptions struct {
	// Rooms restricts delivery to members of these rooms. Empty means
	// every session in the namespace.
	Rooms []string `json:"rooms,omitempty" msgpack:"rooms,omitempty"`

	// Except lists session ids skipped during delivery.
	Except []string `json:"except,omitempty" msgpack:"except,omitempty"`
}

// DeliverFunc hands a packet to one session. Implementations must not
// block for long; they run on the broadcasting goroutine.
type DeliverFunc func(sessionID string, pkt *Packet)

// Adapter is the local membership store consumed by the distributed layer.
type Adapter interface {
	// Add puts a session into a room. It reports whether the room came
	// into existence locally (the session is its first local member).
	// Adding a session to a room it is already in is a no-op.
	Add(sessionID, room string) bool

	// Remove takes a session out of a room. It reports whether the room
	// became empty and was dropped locally. Removing a session from a
	// room it is not in is a no-op.
	Remove(sessionID, room string) bool

	// RemoveAll takes a session out of every room and drops its
	// room-set record.
	RemoveAll(sessionID string)

	// SocketRooms returns the rooms a session currently belongs to.
	SocketRooms(sessionID string) []string

	// Broadcast delivers a packet to every local session selected by
	// opts.
	Broadcast(pkt *Packet, opts BroadcastOptions)

	// Clients returns the local session ids in any of the given rooms.
	// With no rooms it returns every locally known session. Ids are
	// reported once each regardless of how many rooms match.
	Clients(rooms ...string) []string
}
