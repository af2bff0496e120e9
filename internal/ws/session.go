// Package ws exposes transaction timelines over live connections. One
// connection may follow many transactions; every frame a client sees
// has already passed the viewer's visibility policy.
package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"closeline/api/internal/event"
	"closeline/api/internal/rbac"
	"closeline/api/internal/stream"
	"closeline/api/internal/util"
)

// Backend is the slice of the application the connection layer needs:
// token verification, per-transaction role lookup and timeline replay.
type Backend interface {
	ViewerFromToken(ctx context.Context, token string) (userID, userName string, err error)
	ParticipantRole(ctx context.Context, transactionID, userID string) (rbac.Role, error)
	EventsSince(ctx context.Context, transactionID string, since int64) ([]event.Event, error)
}

type Options struct {
	QueueSize      int
	Heartbeat      time.Duration
	OriginPatterns []string
}

type Server struct {
	hub            *stream.Hub
	backend        Backend
	queueSize      int
	heartbeat      time.Duration
	originPatterns []string
}

func NewServer(hub *stream.Hub, backend Backend, opts Options) *Server {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &Server{
		hub:            hub,
		backend:        backend,
		queueSize:      queueSize,
		heartbeat:      heartbeat,
		originPatterns: opts.OriginPatterns,
	}
}

// command is what clients send. Auth must come before any subscribe
// unless a bearer token was presented at upgrade time.
type command struct {
	Type          string `json:"type"`
	Token         string `json:"token,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Since         int64  `json:"since,omitempty"`
}

type controlFrame struct {
	Type          string `json:"type"`
	TransactionID string `json:"transactionId,omitempty"`
	Sequence      int64  `json:"sequence,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// replayRequest tells the writer to fill the client's timeline from the
// persisted log. Routed through the writer so the socket has exactly
// one writing goroutine.
type replayRequest struct {
	transactionID string
	from          int64
}

type session struct {
	id    string
	sock  *websocket.Conn
	queue chan event.Event
	ctrl  chan any

	mu       sync.Mutex
	userID   string
	userName string
	authed   bool
	roles    map[string]rbac.Role
	// pending holds the catch-up floor per transaction, set before the
	// hub can deliver anything so the writer always replays first.
	pending map[string]int64

	// lastSent is owned by the writer goroutine.
	lastSent map[string]int64
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.originPatterns) > 0 {
		opts.OriginPatterns = s.originPatterns
	}
	sock, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &session{
		id:       util.NewID("conn"),
		sock:     sock,
		queue:    make(chan event.Event, s.queueSize),
		ctrl:     make(chan any, 16),
		roles:    make(map[string]rbac.Role),
		pending:  make(map[string]int64),
		lastSent: make(map[string]int64),
	}
	defer s.hub.DropConn(sess.id)

	// Bearer token at upgrade time skips the auth command.
	if token := upgradeToken(r); token != "" {
		if userID, userName, err := s.backend.ViewerFromToken(ctx, token); err == nil {
			sess.mu.Lock()
			sess.userID = userID
			sess.userName = userName
			sess.authed = true
			sess.mu.Unlock()
		}
	}

	sess.ctrl <- controlFrame{Type: "ready"}

	readErr := make(chan error, 1)
	go s.readLoop(ctx, sess, readErr)

	s.writeLoop(ctx, sess, readErr)
}

func upgradeToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (s *Server) readLoop(ctx context.Context, sess *session, readErr chan<- error) {
	for {
		var cmd command
		if err := wsjson.Read(ctx, sess.sock, &cmd); err != nil {
			readErr <- err
			return
		}
		s.handleCommand(ctx, sess, cmd)
	}
}

func (s *Server) handleCommand(ctx context.Context, sess *session, cmd command) {
	switch cmd.Type {
	case "auth":
		userID, userName, err := s.backend.ViewerFromToken(ctx, cmd.Token)
		if err != nil {
			sess.send(ctx, controlFrame{Type: "error", Code: "UNAUTHENTICATED", Message: "invalid token"})
			return
		}
		sess.mu.Lock()
		sess.userID = userID
		sess.userName = userName
		sess.authed = true
		sess.mu.Unlock()
		sess.send(ctx, controlFrame{Type: "authenticated", UserID: userID})

	case "subscribe":
		sess.mu.Lock()
		authed, userID := sess.authed, sess.userID
		sess.mu.Unlock()
		if !authed {
			sess.send(ctx, controlFrame{Type: "error", Code: "UNAUTHENTICATED", Message: "authenticate before subscribing"})
			return
		}
		if cmd.TransactionID == "" {
			sess.send(ctx, controlFrame{Type: "error", Code: "VALIDATION_ERROR", Message: "transactionId is required"})
			return
		}

		role, err := s.backend.ParticipantRole(ctx, cmd.TransactionID, userID)
		if err != nil {
			sess.send(ctx, controlFrame{Type: "error", Code: "PERMISSION_DENIED", Message: "not a participant", TransactionID: cmd.TransactionID})
			return
		}

		since := cmd.Since
		if since < 0 {
			since = 0
		}
		sess.mu.Lock()
		sess.roles[cmd.TransactionID] = role
		sess.pending[cmd.TransactionID] = since
		sess.mu.Unlock()

		seq, err := s.hub.Subscribe(ctx, sess.id, cmd.TransactionID, stream.Identity{UserID: userID, Role: role}, sess.queue)
		if err != nil {
			sess.send(ctx, controlFrame{Type: "error", Code: "SERVER_ERROR", Message: "subscribe failed", TransactionID: cmd.TransactionID})
			return
		}

		sess.send(ctx, controlFrame{Type: "subscribed", TransactionID: cmd.TransactionID, Sequence: seq})
		sess.send(ctx, replayRequest{transactionID: cmd.TransactionID, from: since})

	case "unsubscribe":
		if cmd.TransactionID == "" {
			sess.send(ctx, controlFrame{Type: "error", Code: "VALIDATION_ERROR", Message: "transactionId is required"})
			return
		}
		s.hub.Unsubscribe(sess.id, cmd.TransactionID)
		sess.mu.Lock()
		delete(sess.roles, cmd.TransactionID)
		delete(sess.pending, cmd.TransactionID)
		sess.mu.Unlock()
		sess.send(ctx, controlFrame{Type: "unsubscribed", TransactionID: cmd.TransactionID})

	case "ping":
		sess.send(ctx, controlFrame{Type: "pong"})

	default:
		sess.send(ctx, controlFrame{Type: "error", Code: "VALIDATION_ERROR", Message: "unknown command"})
	}
}

// send queues a frame for the writer without blocking forever on a
// stalled connection.
func (sess *session) send(ctx context.Context, frame any) {
	select {
	case sess.ctrl <- frame:
	case <-ctx.Done():
	}
}

func (s *Server) writeLoop(ctx context.Context, sess *session, readErr <-chan error) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = sess.sock.Close(websocket.StatusNormalClosure, "closed")
			return

		case <-readErr:
			_ = sess.sock.Close(websocket.StatusNormalClosure, "closed")
			return

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := sess.sock.Ping(pingCtx)
			cancel()
			if err != nil {
				_ = sess.sock.Close(websocket.StatusNormalClosure, "ping_failed")
				return
			}

		case frame := <-sess.ctrl:
			if req, ok := frame.(replayRequest); ok {
				sess.mu.Lock()
				delete(sess.pending, req.transactionID)
				sess.mu.Unlock()
				if !s.replay(ctx, sess, req.transactionID, req.from) {
					return
				}
				continue
			}
			if !s.write(ctx, sess, frame) {
				return
			}

		case evt := <-sess.queue:
			if !s.deliver(ctx, sess, evt) {
				return
			}
		}
	}
}

// deliver writes one live event, repairing any sequence gap from the
// persisted timeline first. Duplicates are dropped by sequence number.
func (s *Server) deliver(ctx context.Context, sess *session, evt event.Event) bool {
	transactionID := evt.TransactionID
	if !s.consumePending(ctx, sess, transactionID) {
		return false
	}
	last, tracked := sess.lastSent[transactionID]
	if tracked && evt.Sequence <= last {
		return true
	}
	if tracked && evt.Sequence > last+1 {
		if !s.replay(ctx, sess, transactionID, last) {
			return false
		}
		if sess.lastSent[transactionID] >= evt.Sequence {
			return true
		}
	}
	if !s.write(ctx, sess, evt) {
		return false
	}
	sess.lastSent[transactionID] = evt.Sequence
	return true
}

// consumePending runs the initial catch-up for a transaction if the
// hub delivered a live event before the writer saw the replay request.
func (s *Server) consumePending(ctx context.Context, sess *session, transactionID string) bool {
	sess.mu.Lock()
	from, ok := sess.pending[transactionID]
	if ok {
		delete(sess.pending, transactionID)
	}
	sess.mu.Unlock()
	if !ok {
		return true
	}
	return s.replay(ctx, sess, transactionID, from)
}

// replay streams persisted events after `from`, redacted for the
// viewer, skipping anything already delivered.
func (s *Server) replay(ctx context.Context, sess *session, transactionID string, from int64) bool {
	if last, ok := sess.lastSent[transactionID]; ok && last > from {
		from = last
	}

	sess.mu.Lock()
	role, subscribed := sess.roles[transactionID]
	userID := sess.userID
	sess.mu.Unlock()
	if !subscribed {
		return true
	}

	events, err := s.backend.EventsSince(ctx, transactionID, from)
	if err != nil {
		log.Printf("ws: replay transaction=%s from=%d: %v", transactionID, from, err)
		return s.write(ctx, sess, controlFrame{Type: "error", Code: "SERVER_ERROR", Message: "replay failed", TransactionID: transactionID})
	}
	for _, evt := range events {
		if last, ok := sess.lastSent[transactionID]; ok && evt.Sequence <= last {
			continue
		}
		if !s.write(ctx, sess, evt.RedactFor(role, userID)) {
			return false
		}
		sess.lastSent[transactionID] = evt.Sequence
	}
	return true
}

func (s *Server) write(ctx context.Context, sess *session, frame any) bool {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := wsjson.Write(writeCtx, sess.sock, frame)
	cancel()
	if err != nil {
		_ = sess.sock.Close(websocket.StatusNormalClosure, "write_failed")
		return false
	}
	return true
}
