package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultIdleTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	pingPeriod          = 30 * time.Second
	maxCommandBytes     = 64 * 1024
)

type ServerConfig struct {
	Addr         string
	Sink         CommandSink
	Hub          *Hub
	Status       func() any    // optionnel : état servi en JSON sur /status
	IdleTimeout  time.Duration // sans message ni pong, la connexion est fermée
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (c *ServerConfig) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "control_server")
	}
}

// Server expose un scheduler sur websocket (/ws) : chaque message texte reçu est
// une Command JSON, chaque notification du Hub est renvoyée en JSON.
type Server struct {
	config   ServerConfig
	upgrader websocket.Upgrader
	http     *http.Server
	listener net.Listener

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(config ServerConfig) (*Server, error) {
	config.setDefaults()
	if config.Sink == nil {
		return nil, errors.New("Sink is mandatory for the control server")
	}
	if config.Hub == nil {
		return nil, errors.New("Hub is mandatory for the control server")
	}
	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			// Le client est le plugin hôte, sur la même machine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Handler sert /ws, /healthz et, si config.Status est fourni, /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if s.config.Status != nil {
		mux.HandleFunc("GET /status", s.handleStatus)
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.config.Status()); err != nil {
		s.config.Logger.Warn("Failed to write status", "error", err)
	}
}

// Start écoute sur config.Addr et sert en arrière-plan.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control server listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.config.Logger.Info("Control server listening", "address", ln.Addr().String())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Error("Control server stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop arrête le serveur HTTP et ferme les connexions websocket ouvertes.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	err := s.http.Shutdown(ctx)
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.config.Logger.With("remote_addr", conn.RemoteAddr().String())
	logger.Info("Control client connected")

	conn.SetReadLimit(maxCommandBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	})

	notifications, unsubscribe := s.config.Hub.Subscribe(0)
	replies := make(chan Notification, 16)
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go s.writeLoop(conn, notifications, replies, stop, writerDone, logger)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Control connection read error", "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.reject(replies, cmd, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		if err := cmd.Validate(); err != nil {
			s.reject(replies, cmd, err)
			continue
		}
		if err := s.config.Sink.Submit(cmd); err != nil {
			s.reject(replies, cmd, err)
			continue
		}
		logger.Debug("Control command submitted", "op", cmd.Op, "correlation_id", cmd.CorrelationID)
	}

	unsubscribe()
	close(stop)
	<-writerDone
	logger.Info("Control client disconnected")
}

func (s *Server) reject(replies chan<- Notification, cmd Command, err error) {
	s.config.Logger.Warn("Rejecting control command", "op", cmd.Op, "error", err)
	select {
	case replies <- Notification{Kind: KindRejected, Time: time.Now(), CorrelationID: cmd.CorrelationID, PeerID: cmd.PeerID, Reason: err.Error()}:
	default:
	}
}

// writeLoop est le seul écrivain de la connexion.
func (s *Server) writeLoop(conn *websocket.Conn, notifications <-chan Notification, replies <-chan Notification,
	stop <-chan struct{}, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(n Notification) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if err := conn.WriteJSON(n); err != nil {
			logger.Warn("Control connection write error", "error", err)
			_ = conn.Close() // débloque la lecture
			return false
		}
		return true
	}

	for {
		select {
		case <-stop:
			return
		case n, ok := <-notifications:
			if !ok {
				// Évincé par le Hub : le client doit se reconnecter.
				logger.Warn("Control client evicted, notifications were lost")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "notifications lost"),
					time.Now().Add(s.config.WriteTimeout))
				_ = conn.Close()
				return
			}
			if !write(n) {
				return
			}
		case n := <-replies:
			if !write(n) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
