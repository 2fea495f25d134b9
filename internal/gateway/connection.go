package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// State is the lifecycle phase of a single connection. Closed is terminal and
// reachable from every other state.
type State int32

const (
	StateConnecting  State = iota // upgraded, waiting for the join frame
	StateAuthorizing              // join received, enrollment check in flight
	StateJoined                   // member of a room, may send
	StateClosed                   // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection represents a single WebSocket client connection with its session
// binding and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string   // session ID (UUID)
	Conn      net.Conn // underlying TCP connection
	CreatedAt time.Time

	// Session binding, set during join before the state moves to Joined and
	// never mutated afterwards.
	ParticipantID   string
	ParticipantName string
	Classroom       string // classroom name bound at join
	RoomKey         string

	state      atomic.Int32
	lastActive atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex   // serializes writes to this connection
}

// NewConnection wraps an upgraded network connection in the Connecting state.
func NewConnection(id string, conn net.Conn) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	c.state.Store(int32(StateConnecting))
	c.Touch()
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Touch records activity on the connection for the heartbeat monitor.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last frame read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WritePong answers a client ping with a pong frame (opcode 0xA).
func (c *Connection) WritePong() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// SessionID implements room.Conn.
func (c *Connection) SessionID() string {
	return c.ID
}

// Send implements room.Conn.
func (c *Connection) Send(data []byte) error {
	return c.WriteMessage(data)
}
