package adapter

import "sync"

// Rooms is the in-memory Adapter. It keeps the room->sessions and
// session->rooms maps in lockstep so membership lookups are O(1) in either
// direction.
type Rooms struct {
	mu      sync.RWMutex
	deliver DeliverFunc
	rooms   map[string]map[string]struct{} // room -> session ids
	sids    map[string]map[string]struct{} // session id -> rooms
}

// NewRooms creates an in-memory adapter. deliver may be nil, in which case
// broadcasts update nothing but are still legal (useful for bookkeeping-only
// consumers).
func NewRooms(deliver DeliverFunc) *Rooms {
	return &Rooms{
		deliver: deliver,
		rooms:   make(map[string]map[string]struct{}),
		sids:    make(map[string]map[string]struct{}),
	}
}

func (r *Rooms) Add(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sids[sessionID] == nil {
		r.sids[sessionID] = make(map[string]struct{})
	}
	r.sids[sessionID][room] = struct{}{}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[sessionID] = struct{}{}
	return !ok
}

func (r *Rooms) Remove(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(sessionID, room)
}

func (r *Rooms) removeLocked(sessionID, room string) bool {
	if sessions, ok := r.sids[sessionID]; ok {
		delete(sessions, room)
	}

	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[sessionID]; !ok {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
		return true
	}
	return false
}

func (r *Rooms) RemoveAll(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.sids[sessionID] {
		r.removeLocked(sessionID, room)
	}
	delete(r.sids, sessionID)
}

func (r *Rooms) SocketRooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions, ok := r.sids[sessionID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(sessions))
	for room := range sessions {
		rooms = append(rooms, room)
	}
	return rooms
}

func (r *Rooms) Broadcast(pkt *Packet, opts BroadcastOptions) {
	targets := r.matchingIDs(opts.Rooms, opts.Except)
	if r.deliver == nil {
		return
	}
	// Deliver outside the lock so a slow sink cannot stall membership
	// updates.
	for _, id := range targets {
		r.deliver(id, pkt)
	}
}

func (r *Rooms) Clients(rooms ...string) []string {
	return r.matchingIDs(rooms, nil)
}

// matchingIDs snapshots the session ids selected by rooms minus except,
// each id at most once.
func (r *Rooms) matchingIDs(rooms, except []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var excluded map[string]struct{}
	if len(except) > 0 {
		excluded = make(map[string]struct{}, len(except))
		for _, id := range except {
			excluded[id] = struct{}{}
		}
	}

	var ids []string
	if len(rooms) == 0 {
		ids = make([]string, 0, len(r.sids))
		for id := range r.sids {
			if _, skip := excluded[id]; skip {
				continue
			}
			ids = append(ids, id)
		}
		return ids
	}

	seen := make(map[string]struct{})
	for _, room := range rooms {
		for id := range r.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			if _, skip := excluded[id]; skip {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Verify interface implementation
var _ Adapter = (*Rooms)(nil)
