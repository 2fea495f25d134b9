// Package room tracks which live connections belong to which classroom room
// and fans broadcasts out to them. The registry is the single process-wide
// room membership table; handlers never touch the underlying maps directly.
package room

import "sync"

// KeyPrefix namespaces room keys so a room key can never collide with other
// identifier spaces.
const KeyPrefix = "classroom:"

// Key returns the room key for a classroom name.
func Key(classroomName string) string {
	return KeyPrefix + classroomName
}

// Conn is the slice of a live connection the registry needs: a stable session
// id and a concurrency-safe send.
type Conn interface {
	SessionID() string
	Send(data []byte) error
}

// Registry is a thread-safe mapping of room key -> set of live connections.
// It is built on gateway startup, mutated on every join/leave, and fully
// discarded on process restart.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn // room key -> session id -> conn
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]Conn)}
}

// Join adds a connection to a room, creating the room on first join.
// Re-joining with the same session id replaces the previous entry.
func (r *Registry) Join(key string, c Conn) {
	r.mu.Lock()
	members, ok := r.rooms[key]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[key] = members
	}
	members[c.SessionID()] = c
	r.mu.Unlock()
}

// Leave removes a session from a room, deleting the room once empty. It
// reports whether the session was actually a member.
func (r *Registry) Leave(key, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key]
	if !ok {
		return false
	}
	if _, ok := members[sessionID]; !ok {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, key)
	}
	return true
}

// Broadcast sends data to every connection currently in the room and returns
// how many connections were written to. The member set is snapshotted under
// the read lock and writes happen outside it, so one slow connection cannot
// block joins, leaves, or other rooms' broadcasts. Per-connection write
// errors are ignored; dead connections are reaped by their read loop.
func (r *Registry) Broadcast(key string, data []byte) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.rooms[key]))
	for _, c := range r.rooms[key] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Send(data)
	}
	return len(conns)
}

// Count returns the number of connections currently in the room.
func (r *Registry) Count(key string) int {
	r.mu.RLock()
	n := len(r.rooms[key])
	r.mu.RUnlock()
	return n
}

// Rooms returns the number of rooms with at least one connection.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	n := len(r.rooms)
	r.mu.RUnlock()
	return n
}
