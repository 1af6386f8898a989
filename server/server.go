package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"studiorelay/attachments"
	"studiorelay/auth"
	"studiorelay/db"
	"studiorelay/logger"
	"studiorelay/presence"
	"studiorelay/protocol"
	"studiorelay/store"

	"golang.org/x/time/rate"
)

// Conn is one live duplex connection. The relay only needs to address it,
// push events to it and close it.
type Conn interface {
	ID() string
	Send(event string, data any) error
	Close() error
}

type State int

const (
	StateConnected State = iota
	StateRegistered
	StateDisconnected
)

func (st State) String() string {
	switch st {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	EventRPS       float64
	EventBurst     int
	RequireAuth    bool
	AllowedOrigins []string
}

type Session struct {
	Conn     Conn
	Identity *auth.Identity
	limiter  *rate.Limiter

	mu     sync.Mutex
	userID string
	state  State
}

func (sess *Session) UserID() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.userID
}

func (sess *Session) State() State {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

type Server struct {
	db          *db.DB
	store       *store.MessageStore
	presence    *presence.Directory
	issuer      *auth.Issuer
	attachments *attachments.Store
	config      *ServerConfig

	sessions map[string]*Session
	mu       sync.RWMutex

	httpMu     sync.Mutex
	httpServer *http.Server
}

func New(database *db.DB, files *attachments.Store, issuer *auth.Issuer, config *ServerConfig) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.ReadTimeout {
		config.PingInterval = config.ReadTimeout / 2
	}
	if config.EventRPS <= 0 {
		config.EventRPS = 20
	}
	if config.EventBurst <= 0 {
		config.EventBurst = 40
	}

	return &Server{
		db:          database,
		store:       store.New(database),
		presence:    presence.New(),
		issuer:      issuer,
		attachments: files,
		config:      config,
		sessions:    make(map[string]*Session),
	}
}

// Store exposes the message history shared by the relay and the REST handlers.
func (s *Server) Store() *store.MessageStore {
	return s.store
}

func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.config.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.httpMu.Lock()
	s.httpServer = srv
	s.httpMu.Unlock()

	logger.Log.Infof("Studio relay started on port %d", s.config.Port)

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the HTTP listener. Live relay connections are ended by Shutdown.
func (s *Server) Stop(ctx context.Context) error {
	s.httpMu.Lock()
	srv := s.httpServer
	s.httpMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) addSession(session *Session) {
	s.mu.Lock()
	s.sessions[session.Conn.ID()] = session
	n := len(s.sessions)
	s.mu.Unlock()
	liveConnections.Set(float64(n))
}

func (s *Server) removeSession(connID string) (*Session, bool) {
	s.mu.Lock()
	session, ok := s.sessions[connID]
	delete(s.sessions, connID)
	n := len(s.sessions)
	s.mu.Unlock()
	liveConnections.Set(float64(n))
	return session, ok
}

// getSession returns the session for connID unless it has been disconnected.
func (s *Server) getSession(connID string) (*Session, bool) {
	s.mu.RLock()
	session, ok := s.sessions[connID]
	s.mu.RUnlock()
	if !ok || session.State() == StateDisconnected {
		return nil, false
	}
	return session, true
}

// getUserConn resolves the live connection currently registered for userID.
func (s *Server) getUserConn(userID string) (Conn, bool) {
	connID, ok := s.presence.Lookup(userID)
	if !ok {
		return nil, false
	}
	session, ok := s.getSession(connID)
	if !ok {
		return nil, false
	}
	return session.Conn, true
}

// IsOnline reports whether userID has a live presence entry.
func (s *Server) IsOnline(userID string) bool {
	_, ok := s.getUserConn(userID)
	return ok
}

func (s *Server) send(conn Conn, event string, data any) {
	if err := conn.Send(event, data); err != nil {
		logger.Log.Warnf("Error writing %s to connection %s: %v", event, conn.ID(), err)
	}
}

func (s *Server) sendOK(conn Conn, op, id string) {
	s.send(conn, protocol.EventOK, protocol.OK{Op: op, ID: id})
}

func (s *Server) sendBye(conn Conn, reason string, completionTime time.Time) {
	bye := protocol.Bye{Reason: reason}
	if !completionTime.IsZero() {
		bye.Until = completionTime.UTC().Format(time.RFC3339)
	}
	s.send(conn, protocol.EventBye, bye)
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	activeConnections := len(s.sessions)
	s.mu.RUnlock()

	users := s.presence.Users()
	return "connections=" + strconv.Itoa(activeConnections) + ",users=" + strings.Join(users, ";")
}
