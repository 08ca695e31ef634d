// Package dashboard provides a real-time WebSocket view of the sync engine.
//
// The server broadcasts cycle progress, per-project results, and operator
// notifications to connected WebSocket clients. It implements both the
// engine's cycle listener and the notification sink, so wiring it in is one
// constructor call.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/calder-io/imsync/internal/engine"
	"github.com/calder-io/imsync/internal/notify"
)

// MessageType tags a dashboard broadcast.
type MessageType string

const (
	MessageTypeCycleStarted   MessageType = "cycle_started"
	MessageTypeProjectSynced  MessageType = "project_synced"
	MessageTypeCycleCompleted MessageType = "cycle_completed"
	MessageTypeNotification   MessageType = "notification"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ProjectSyncedData summarizes one project's sync for clients.
type ProjectSyncedData struct {
	ProjectID     string `json:"project_id"`
	IssuesStaged  int    `json:"issues_staged"`
	EventsStaged  int    `json:"events_staged"`
	IssuesApplied int    `json:"issues_applied"`
	Mutations     int    `json:"mutations"`
	RateLimited   bool   `json:"rate_limited,omitempty"`
	Error         string `json:"error,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

// CycleCompletedData summarizes one full cycle.
type CycleCompletedData struct {
	Projects   int   `json:"projects"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
}

// NotificationData carries an operator notification.
type NotificationData struct {
	Code    string `json:"code"`
	Project string `json:"project"`
	IMS     string `json:"ims,omitempty"`
	Message string `json:"message"`
}

// Server manages WebSocket connections and broadcasts sync progress.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server listening on addr. A nil logger gets
// a stderr default.
func NewServer(addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins serving the WebSocket endpoint and health check.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("dashboard server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	s.wg.Wait()
	return nil
}

// CycleStarted implements engine.Listener.
func (s *Server) CycleStarted(at time.Time) {
	s.send(MessageTypeCycleStarted, at, nil)
}

// ProjectSynced implements engine.Listener.
func (s *Server) ProjectSynced(res engine.ProjectResult) {
	data := ProjectSyncedData{
		ProjectID:     res.ProjectID,
		IssuesStaged:  res.Incoming.IssuesStaged,
		EventsStaged:  res.Incoming.EventsStaged,
		IssuesApplied: res.Incoming.IssuesApplied,
		Mutations:     res.Outgoing.Mutations,
		RateLimited:   res.Incoming.RateLimited,
		DurationMS:    res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	s.send(MessageTypeProjectSynced, time.Now(), data)
}

// CycleCompleted implements engine.Listener.
func (s *Server) CycleCompleted(res engine.CycleResult) {
	failed := 0
	for _, p := range res.Projects {
		if p.Err != nil {
			failed++
		}
	}
	s.send(MessageTypeCycleCompleted, time.Now(), CycleCompletedData{
		Projects:   len(res.Projects),
		Failed:     failed,
		DurationMS: res.Duration.Milliseconds(),
	})
}

// Notify implements notify.Sink.
func (s *Server) Notify(err *notify.Error) {
	s.send(MessageTypeNotification, time.Now(), NotificationData{
		Code:    err.Code,
		Project: err.Project,
		IMS:     err.IMS,
		Message: err.Message,
	})
}

func (s *Server) send(typ MessageType, at time.Time, data any) {
	msg := Message{Type: typ, Timestamp: at}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.Printf("failed to encode %s payload: %v", typ, err)
			return
		}
		msg.Data = raw
	}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("broadcast channel full, dropping %s", typ)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("client connected (total: %d)", count)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects; client
// messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.clientsMu.RLock()
	count := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": count,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>imsync Dashboard</title>
</head>
<body>
    <h1>imsync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive live sync progress.</p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
