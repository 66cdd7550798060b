package present

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
	"go.uber.org/zap"
)

// Snapshotter provides the list state sent to a client on connect.
type Snapshotter interface {
	Conversations() []*model.Conversation
	ActiveID() string
}

// StatusSource reports the relay connection state.
type StatusSource interface {
	Current() status.State
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server exposes the hub over HTTP: /ws for clients, /metrics and /healthz.
type Server struct {
	addr     string
	hub      *Hub
	snapshot Snapshotter
	status   StatusSource
	metrics  *metrics.Metrics
	logger   *zap.Logger

	srv      *http.Server
	listener net.Listener
}

// NewServer creates the presentation server. Nothing listens until Start.
func NewServer(addr string, hub *Hub, snapshot Snapshotter, st StatusSource, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:     addr,
		hub:      hub,
		snapshot: snapshot,
		status:   st,
		metrics:  m,
		logger:   logger,
	}
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info("presentation server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("presentation server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and disconnects clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.listener == nil {
		return nil
	}
	s.logger.Info("presentation server stopping")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := s.hub.Register(conn)

	if s.snapshot != nil {
		convs := s.snapshot.Conversations()
		view := snapshotView{ActiveID: s.snapshot.ActiveID(), Conversations: make([]*conversationView, len(convs))}
		for i, c := range convs {
			view.Conversations[i] = conversationFrame(c)
		}
		if err := s.hub.SendTo(client, Frame{Type: FrameSnapshot, Data: view}); err != nil {
			s.logger.Error("failed to send snapshot", zap.Error(err))
		}
	}

	go s.readLoop(client)
}

// readLoop discards client input until the connection closes.
func (s *Server) readLoop(c *Client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.Unregister(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"clients": s.hub.Count()}
	if s.status != nil {
		body["status"] = string(s.status.Current())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
