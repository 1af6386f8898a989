package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"studiorelay/apperr"
	"studiorelay/auth"
	"studiorelay/logger"
	"studiorelay/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxFrameBytes = 64 << 10

// wsConn adapts a gorilla websocket to Conn. Writes are serialized because
// the relay pushes to a connection from other connections' goroutines.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{id: uuid.NewString(), ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(event string, data any) error {
	frame, err := protocol.FormatPacket(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(s.config.AllowedOrigins))
	for _, o := range s.config.AllowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || allowed["*"] {
				return true
			}
			return allowed[origin]
		},
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if id, ok := auth.FromContext(r.Context()); ok {
		identity = &id
	}
	if identity == nil && s.config.RequireAuth {
		writeError(w, apperr.Unauthenticated("bearer token required"))
		return
	}

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warnf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	conn := newWSConn(ws, s.config.WriteTimeout)
	logger.Log.Infof("New client connected from %s as %s", r.RemoteAddr, conn.ID())
	s.handleConnection(conn, identity)
}

func (s *Server) handleConnection(conn *wsConn, identity *auth.Identity) {
	session := s.OnConnect(conn, identity)
	defer func() {
		s.OnDisconnect(conn)
		conn.Close()
	}()

	ws := conn.ws
	ws.SetReadLimit(maxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(conn, done)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Log.Infof("Connection %s timed out", conn.ID())
				s.sendBye(conn, "timeout", time.Time{})
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Log.Warnf("Error reading from %s: %v", conn.ID(), err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		pkt, err := protocol.ParsePacket(frame)
		if err != nil {
			s.sendError(conn, "", apperr.Validation("invalid packet format"))
			continue
		}

		s.handlePacket(session, pkt)

		if session.State() == StateDisconnected {
			return
		}
	}
}

func (s *Server) keepalive(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				logger.Log.Debugf("Ping to %s failed: %v", conn.ID(), err)
				return
			}
		}
	}
}
