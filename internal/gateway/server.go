// Package gateway accepts long-lived WebSocket connections, authorizes each
// one against the enrollment relation at join time, and relays chat traffic
// between clients, the message store, and the durable broker bridge.
//
// Each connection runs its own read goroutine, so one slow or stalled client
// never blocks the progress of other connections or rooms. The per-connection
// state machine is Connecting -> Authorizing -> Joined -> Closed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/classhub/classchat/internal/broker"
	"github.com/classhub/classchat/internal/directory"
	"github.com/classhub/classchat/internal/message"
	"github.com/classhub/classchat/internal/metrics"
	"github.com/classhub/classchat/internal/protocol"
	"github.com/classhub/classchat/internal/room"
)

// Config holds tunable parameters for the gateway server.
type Config struct {
	ListenAddr       string        // address to listen on, e.g. ":8080"
	MaxConnections   int           // hard cap on total connections
	HandshakeTimeout time.Duration // max wait for the join frame after upgrade
	WriteTimeout     time.Duration // timeout for WebSocket write operations
	HistoryLimit     int           // messages pushed to a freshly joined client
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":8080",
		MaxConnections:   10000,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		HistoryLimit:     message.DefaultHistoryLimit,
	}
}

// Gate is the authorization surface the gateway re-checks on every privileged
// operation.
type Gate interface {
	IsEnrolledByClassroomName(ctx context.Context, participantID, classroomName string) bool
	ClassroomsFor(ctx context.Context, participantID string) []directory.Classroom
}

// MessageStore persists and lists chat messages.
type MessageStore interface {
	Create(ctx context.Context, text, authorID, classroomID string) (*message.Message, error)
	ListByClassroomName(ctx context.Context, classroomName string, limit int) ([]message.Message, error)
}

// Directory resolves participant display data.
type Directory interface {
	ParticipantByID(ctx context.Context, id string) (*directory.Participant, error)
}

// Broker is the durable publish/subscribe bridge. It is optional: a nil
// broker puts the gateway in broadcast-only mode.
type Broker interface {
	Publish(topic string, payload []byte) error
	Consume(topic, durable string, handler func(payload []byte) error) error
}

// Presence mirrors live sessions for operational visibility. Optional and
// best-effort.
type Presence interface {
	Create(ctx context.Context, sessionID, participantID, classroom string) error
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// Limiter throttles message sends and connection attempts. Optional; a nil
// limiter allows everything.
type Limiter interface {
	AllowMessage(ctx context.Context, sessionID string) bool
	AllowConnect(ctx context.Context, addr string) bool
}

// Deps bundles the gateway's collaborators. Gate, Store, and Directory are
// required; the rest may be nil.
type Deps struct {
	Gate      Gate
	Store     MessageStore
	Directory Directory
	Broker    Broker
	Presence  Presence
	Limiter   Limiter
}

// Server is the realtime chat gateway built on gobwas/ws. It upgrades HTTP
// connections to WebSocket, runs the join handshake, and fans messages out
// through the room registry.
type Server struct {
	config Config
	deps   Deps
	rooms  *room.Registry

	mu       sync.RWMutex
	conns    map[string]*Connection
	consumed map[string]bool // rooms with an active broker consumer

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration and collaborators.
func NewServer(config Config, deps Deps) *Server {
	return &Server{
		config:   config,
		deps:     deps,
		rooms:    room.NewRegistry(),
		conns:    make(map[string]*Connection),
		consumed: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint plus the
// health and metrics endpoints. Exposed separately from Start so tests can
// mount it on their own listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins accepting WebSocket connections and blocks on the HTTP
// listener. The heartbeat monitor runs in the background until Shutdown.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("gateway: server listening on %s (max_conns=%d, history=%d)",
		s.config.ListenAddr, s.config.MaxConnections, s.config.HistoryLimit)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and starts
// the connection's read loop. The connection stays in Connecting until its
// join frame arrives.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.connCount() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.deps.Limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		allowed := s.deps.Limiter.AllowConnect(ctx, host)
		cancel()
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	c := NewConnection(uuid.New().String(), conn)

	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
	metrics.ConnectionsActive.Set(float64(s.connCount()))

	log.Printf("gateway: new connection session=%s (total=%d)", c.ID, s.connCount())

	go s.readLoop(c)
}

// readLoop owns a connection from upgrade to close. The first frame must be
// the join handshake; afterwards it processes the client's events in order.
func (s *Server) readLoop(c *Connection) {
	defer s.removeConnection(c)

	// Bound the wait for the handshake frame.
	_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))

	var join protocol.JoinMsg
	for {
		data, err := s.readFrame(c)
		if err != nil {
			return
		}
		if data == nil {
			continue // control frame before the handshake
		}
		msgType, msg, err := protocol.ParseClientMessage(data)
		if err != nil || msgType != protocol.TypeJoin {
			s.sendError(c, "join with participantId and classroomName is required")
			return
		}
		join = msg.(protocol.JoinMsg)
		break
	}

	if err := s.handleJoin(c, join); err != nil {
		return
	}

	_ = c.Conn.SetReadDeadline(time.Time{})

	for {
		data, err := s.readFrame(c)
		if err != nil {
			return
		}
		if data == nil {
			continue
		}
		s.handleMessage(c, data)
	}
}

// readFrame reads the next WebSocket frame. Control frames are handled in
// place and reported as (nil, nil); close frames and transport errors end the
// connection.
func (s *Server) readFrame(c *Connection) ([]byte, error) {
	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		return nil, err
	}

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		// Drain the control payload so the next read starts on a frame boundary.
		if header.Length > 0 {
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return nil, err
			}
		}
		switch header.OpCode {
		case ws.OpClose:
			return nil, io.EOF
		case ws.OpPing:
			if err := c.WritePong(); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// handleJoin runs the Authorizing phase: credential checks, the enrollment
// gate, room join, and the history push. A non-nil return means the
// connection was rejected and must close with no session state left behind.
func (s *Server) handleJoin(c *Connection, join protocol.JoinMsg) error {
	c.setState(StateAuthorizing)

	if join.ParticipantID == "" {
		return s.reject(c, "participantId is required")
	}
	if join.ClassroomName == "" {
		return s.reject(c, "classroomName is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !s.deps.Gate.IsEnrolledByClassroomName(ctx, join.ParticipantID, join.ClassroomName) {
		return s.reject(c, "not authorized for this room")
	}

	c.ParticipantID = join.ParticipantID
	c.Classroom = join.ClassroomName
	c.RoomKey = room.Key(join.ClassroomName)

	// Display name for logging and fan-out context; best effort.
	if p, err := s.deps.Directory.ParticipantByID(ctx, join.ParticipantID); err != nil {
		log.Printf("gateway: participant lookup %s: %v", join.ParticipantID, err)
	} else if p != nil {
		c.ParticipantName = p.Name
	}

	s.rooms.Join(c.RoomKey, c)
	c.setState(StateJoined)
	metrics.RoomsActive.Set(float64(s.rooms.Rooms()))

	if s.deps.Presence != nil {
		if err := s.deps.Presence.Create(ctx, c.ID, c.ParticipantID, c.Classroom); err != nil {
			log.Printf("gateway: presence create session=%s: %v", c.ID, err)
		}
	}

	// History goes to this connection only, never broadcast.
	if history, err := s.deps.Store.ListByClassroomName(ctx, join.ClassroomName, s.config.HistoryLimit); err != nil {
		log.Printf("gateway: history room=%s: %v", join.ClassroomName, err)
	} else {
		payload, err := protocol.NewServerMessage(protocol.TypePreviousMessages, protocol.PreviousMessagesMsg{
			Messages: history,
		})
		if err != nil {
			log.Printf("gateway: encode previous_messages session=%s: %v", c.ID, err)
		} else if err := s.send(c, payload); err != nil {
			log.Printf("gateway: send previous_messages session=%s: %v", c.ID, err)
		}
	}

	s.ensureRoomConsumer(join.ClassroomName)

	log.Printf("gateway: joined session=%s participant=%s (%s) room=%s (members=%d)",
		c.ID, c.ParticipantID, c.ParticipantName, join.ClassroomName, s.rooms.Count(c.RoomKey))
	return nil
}

// reject reports a join failure to the client and aborts the connection
// before any session state is created.
func (s *Server) reject(c *Connection, reason string) error {
	s.sendError(c, reason)
	log.Printf("gateway: rejected session=%s: %s", c.ID, reason)
	return fmt.Errorf("gateway: join rejected: %s", reason)
}

// handleMessage routes a parsed client event. Parse errors and unsupported
// types result in an error event to the sender; the session stays Joined.
func (s *Server) handleMessage(c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("gateway: parse error session=%s: %v", c.ID, err)
		s.sendError(c, "invalid message format")
		return
	}

	switch m := msg.(type) {
	case protocol.PingMsg:
		s.sendPong(c)
	case protocol.SendMessageMsg:
		s.handleSend(c, m.Text)
	case protocol.JoinMsg:
		s.sendError(c, "already joined")
	default:
		log.Printf("gateway: unsupported message type=%q session=%s", msgType, c.ID)
		s.sendError(c, "unsupported message type")
	}
}

// handleSend processes one send_message event: re-authorize, persist,
// broadcast to the room (sender included), and hand the message to the
// durable bridge. Failures are reported to the sender only and never close
// the session.
func (s *Server) handleSend(c *Connection, text string) {
	if c.State() != StateJoined {
		s.sendError(c, "join a room before sending messages")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.deps.Limiter != nil && !s.deps.Limiter.AllowMessage(ctx, c.ID) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		s.sendError(c, "too many messages, slow down")
		return
	}

	// Re-resolve the sender's classrooms; enrollment may have changed since
	// join.
	var classroomID string
	for _, cr := range s.deps.Gate.ClassroomsFor(ctx, c.ParticipantID) {
		if cr.Name == c.Classroom {
			classroomID = cr.ID
			break
		}
	}
	if classroomID == "" {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(c, "room not found")
		return
	}

	msg, err := s.deps.Store.Create(ctx, text, c.ParticipantID, classroomID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		log.Printf("gateway: create message session=%s room=%s: %v", c.ID, c.Classroom, err)
		switch {
		case errors.Is(err, message.ErrUnauthorized):
			s.sendError(c, "not authorized to send messages in this room")
		case errors.Is(err, message.ErrStorage):
			s.sendError(c, "could not store message")
		default:
			s.sendError(c, err.Error())
		}
		return
	}

	payload, err := protocol.NewServerMessage(protocol.TypeNewMessage, msg)
	if err != nil {
		log.Printf("gateway: encode new_message session=%s: %v", c.ID, err)
		return
	}

	start := time.Now()
	fanout := s.rooms.Broadcast(c.RoomKey, payload)
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	// The durable publish runs apart from the broadcast: a stalled or down
	// broker costs durability, never in-memory delivery.
	if s.deps.Broker != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			log.Printf("gateway: encode broker payload id=%s: %v", msg.ID, err)
		} else {
			topic := broker.Topic(c.Classroom)
			go func() {
				if err := s.deps.Broker.Publish(topic, raw); err != nil {
					metrics.BrokerPublishErrors.Inc()
					log.Printf("gateway: broker publish topic=%s: %v", topic, err)
				}
			}()
		}
	}

	if s.deps.Presence != nil {
		if err := s.deps.Presence.Touch(ctx, c.ID); err != nil {
			log.Printf("gateway: presence touch session=%s: %v", c.ID, err)
		}
	}

	log.Printf("gateway: message id=%s room=%s from=%s fanout=%d", msg.ID, c.Classroom, c.ParticipantID, fanout)
}

// ensureRoomConsumer attaches the durable consumer for a room's topic once
// per process. Redelivered payloads are logged, not re-broadcast: the
// in-memory fan-out already delivered them on this process. This is the seam
// where a multi-process deployment would plug in cross-process fan-out.
func (s *Server) ensureRoomConsumer(classroomName string) {
	if s.deps.Broker == nil {
		return
	}

	s.mu.Lock()
	if s.consumed[classroomName] {
		s.mu.Unlock()
		return
	}
	s.consumed[classroomName] = true
	s.mu.Unlock()

	topic := broker.Topic(classroomName)
	err := s.deps.Broker.Consume(topic, "gateway-"+classroomName, func(payload []byte) error {
		log.Printf("gateway: broker delivery room=%s bytes=%d", classroomName, len(payload))
		return nil
	})
	if err != nil {
		log.Printf("gateway: broker consume room=%s: %v (continuing without durable bridge)", classroomName, err)
		// Clear the mark so the next join retries the subscription.
		s.mu.Lock()
		delete(s.consumed, classroomName)
		s.mu.Unlock()
	}
}

// removeConnection tears a connection down exactly once: drops it from the
// connection table and its room, deletes the presence mirror, and closes the
// socket. No leave broadcast is sent to the room.
func (s *Server) removeConnection(c *Connection) {
	s.mu.Lock()
	_, tracked := s.conns[c.ID]
	delete(s.conns, c.ID)
	s.mu.Unlock()
	if !tracked {
		return
	}

	c.setState(StateClosed)
	_ = c.Close()

	if c.RoomKey != "" {
		s.rooms.Leave(c.RoomKey, c.ID)
		metrics.RoomsActive.Set(float64(s.rooms.Rooms()))
	}

	if s.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.deps.Presence.Delete(ctx, c.ID); err != nil {
			log.Printf("gateway: presence delete session=%s: %v", c.ID, err)
		}
	}

	metrics.ConnectionsActive.Set(float64(s.connCount()))
	log.Printf("gateway: connection closed session=%s (total=%d)", c.ID, s.connCount())
}

// send writes a frame to one connection under the configured write timeout.
func (s *Server) send(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return c.WriteMessage(data)
}

// sendError sends a structured error event to the originating connection
// only. Errors during construction or transmission are logged, not
// propagated.
func (s *Server) sendError(c *Connection, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Message: reason})
	if err != nil {
		log.Printf("gateway: failed to build error message session=%s: %v", c.ID, err)
		return
	}
	if err := s.send(c, data); err != nil {
		log.Printf("gateway: failed to send error message session=%s: %v", c.ID, err)
	}
}

// sendPong answers an application-level ping.
func (s *Server) sendPong(c *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("gateway: failed to build pong message session=%s: %v", c.ID, err)
		return
	}
	if err := s.send(c, data); err != nil {
		log.Printf("gateway: failed to send pong message session=%s: %v", c.ID, err)
	}
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.connCount(),
		Rooms:       s.rooms.Rooms(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// connCount returns the number of tracked connections.
func (s *Server) connCount() int {
	s.mu.RLock()
	n := len(s.conns)
	s.mu.RUnlock()
	return n
}

// connections returns a snapshot of all tracked connections, safe to iterate
// without holding the lock.
func (s *Server) connections() []*Connection {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	return conns
}

// Rooms exposes the room registry for inspection (tests, admin tooling).
func (s *Server) Rooms() *room.Registry {
	return s.rooms
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, signals
// the heartbeat to exit, and closes all active connections. Each read loop
// then performs its own cleanup.
func (s *Server) Shutdown() error {
	log.Println("gateway: shutting down server...")

	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("gateway: http shutdown error: %v", err)
		}
	}

	for _, c := range s.connections() {
		_ = c.Close()
	}

	log.Printf("gateway: server stopped, all connections closed")
	return nil
}
