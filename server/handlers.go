package server

import (
	"errors"
	"strings"
	"time"

	"studiorelay/apperr"
	"studiorelay/auth"
	"studiorelay/logger"
	"studiorelay/models"
	"studiorelay/protocol"

	"golang.org/x/time/rate"
)

// ErrConnectionClosed is returned for events on a connection that is unknown
// or already disconnected. Such events are dropped without a reply.
var ErrConnectionClosed = errors.New("connection closed")

// OnConnect starts tracking conn in the Connected state. identity is the
// verified bearer of the connection, or nil for anonymous connections.
func (s *Server) OnConnect(conn Conn, identity *auth.Identity) *Session {
	session := &Session{
		Conn:     conn,
		Identity: identity,
		limiter:  rate.NewLimiter(rate.Limit(s.config.EventRPS), s.config.EventBurst),
		state:    StateConnected,
	}
	s.addSession(session)

	if identity != nil {
		logger.Log.Infof("Connection %s opened for %s", conn.ID(), identity.UserID)
	} else {
		logger.Log.Infof("Connection %s opened", conn.ID())
	}
	return session
}

func (s *Server) handlePacket(session *Session, pkt *protocol.Packet) {
	if session.State() == StateDisconnected {
		return
	}

	inboundEvents.WithLabelValues(eventLabel(pkt.Event)).Inc()
	conn := session.Conn

	if !session.limiter.Allow() {
		rateLimited.Inc()
		s.sendError(conn, pkt.Event, apperr.ErrRateLimited)
		return
	}

	var err error
	switch pkt.Event {
	case protocol.EventPing:
		s.send(conn, protocol.EventPong, nil)
	case protocol.EventRegisterUser:
		var userID string
		if userID, err = protocol.ParseRegister(pkt.Data); err != nil {
			err = apperr.Validation("userId is required")
			break
		}
		err = s.OnRegister(conn, userID)
	case protocol.EventSendMessage:
		var req *protocol.SendMessage
		if req, err = protocol.ParseSendMessage(pkt.Data); err != nil {
			err = apperr.Validation("invalid sendMessage payload")
			break
		}
		_, err = s.OnChatMessage(conn, req)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		var sig *protocol.Signal
		if sig, err = protocol.ParseSignal(pkt.Event, pkt.Data); err != nil {
			err = apperr.Validation("signal target is required")
			break
		}
		s.OnSignal(conn, sig)
	case protocol.EventAddReaction:
		var req *protocol.AddReaction
		if req, err = protocol.ParseAddReaction(pkt.Data); err != nil {
			err = apperr.Validation("invalid addReaction payload")
			break
		}
		_, err = s.OnReaction(conn, req)
	case protocol.EventDisconnect:
		s.sendBye(conn, "", time.Time{})
		s.OnDisconnect(conn)
	default:
		err = apperr.Validation("unknown event")
	}

	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		s.sendError(conn, pkt.Event, err)
	}
}

func (s *Server) sendError(conn Conn, op string, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal || code == apperr.CodePersistence {
		logger.Log.Errorf("%s failed on connection %s: %v", op, conn.ID(), err)
	} else {
		logger.Log.Debugf("%s rejected on connection %s: %v", op, conn.ID(), err)
	}
	s.send(conn, protocol.EventFail, protocol.Fail{
		Op:      op,
		Code:    string(code),
		Message: apperr.MessageOf(err),
	})
}

// OnRegister binds userID to conn in the presence directory. A later
// registration of the same user from another connection replaces this one.
func (s *Server) OnRegister(conn Conn, userID string) error {
	session, ok := s.getSession(conn.ID())
	if !ok {
		return ErrConnectionClosed
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperr.Validation("userId is required")
	}
	if session.Identity != nil && session.Identity.UserID != userID {
		return apperr.ErrIdentityMismatch
	}

	if err := s.bindUser(session, userID); err != nil {
		return err
	}

	if err := s.db.UpdateLastOnline(userID, time.Now().UTC()); err != nil {
		logger.Log.Warnf("Failed to update last_online for %s: %v", userID, err)
	}

	logger.Log.Infof("Client %s registered on connection %s", userID, conn.ID())
	s.sendOK(conn, protocol.EventRegisterUser, "")
	return nil
}

// bindUser moves session to Registered and inserts its presence entry under
// session.mu, the lock OnDisconnect takes to end the session.
func (s *Server) bindUser(session *Session, userID string) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state == StateDisconnected {
		return ErrConnectionClosed
	}
	session.userID = userID
	session.state = StateRegistered
	s.presence.Register(userID, session.Conn.ID())
	registeredUsers.Set(float64(s.presence.Len()))
	return nil
}

// OnChatMessage persists the message and pushes it to the receiver's live
// connection. An offline receiver is not an error; the message stays in history.
func (s *Server) OnChatMessage(conn Conn, req *protocol.SendMessage) (*models.Message, error) {
	session, ok := s.getSession(conn.ID())
	if !ok {
		return nil, ErrConnectionClosed
	}
	if err := checkIdentity(session.Identity, req.SenderID); err != nil {
		return nil, err
	}

	msg, err := s.store.Append(req.SenderID, req.ReceiverID, req.Message, req.Attachment)
	if err != nil {
		return nil, err
	}

	s.sendOK(conn, protocol.EventSendMessage, msg.ID)
	s.deliverMessage(msg)
	return msg, nil
}

func (s *Server) deliverMessage(msg *models.Message) {
	target, ok := s.getUserConn(msg.ReceiverID)
	if !ok {
		presenceMisses.Inc()
		logger.Log.Debugf("Receiver %s offline, message %s kept in history", msg.ReceiverID, msg.ID)
		return
	}
	s.send(target, protocol.EventReceiveMessage, msg)
	messagesDelivered.Inc()
}

// OnSignal forwards an offer, answer or ICE candidate to the target
// connection tagged with the sender's connection id. The target must hold a
// presence entry; anything else is dropped silently.
func (s *Server) OnSignal(conn Conn, sig *protocol.Signal) {
	if _, ok := s.getSession(conn.ID()); !ok {
		return
	}
	target, ok := s.getSession(sig.To)
	if !ok {
		signalsDropped.Inc()
		logger.Log.Debugf("Dropped %s from %s: target %s is gone", sig.Kind, conn.ID(), sig.To)
		return
	}
	if _, ok := s.presence.UserOf(sig.To); !ok {
		signalsDropped.Inc()
		logger.Log.Debugf("Dropped %s from %s: target %s is not registered", sig.Kind, conn.ID(), sig.To)
		return
	}
	s.send(target.Conn, sig.Kind, sig.Relayed(conn.ID()))
	signalsRelayed.Inc()
}

// OnReaction records the reaction and pushes the updated message to both
// participants that are online.
func (s *Server) OnReaction(conn Conn, req *protocol.AddReaction) (*models.Message, error) {
	session, ok := s.getSession(conn.ID())
	if !ok {
		return nil, ErrConnectionClosed
	}
	if err := checkIdentity(session.Identity, req.ReactorID); err != nil {
		return nil, err
	}

	msg, err := s.store.AddReaction(req.MessageID, req.Emoji, req.ReactorID)
	if err != nil {
		return nil, err
	}

	s.sendOK(conn, protocol.EventAddReaction, msg.ID)
	s.broadcastReaction(msg)
	return msg, nil
}

func (s *Server) broadcastReaction(msg *models.Message) {
	for _, userID := range participants(msg) {
		if target, ok := s.getUserConn(userID); ok {
			s.send(target, protocol.EventMessageReaction, msg)
		}
	}
}

// OnDisconnect ends the connection. It is safe to call more than once; only
// the first call has any effect.
func (s *Server) OnDisconnect(conn Conn) {
	session, ok := s.removeSession(conn.ID())
	if !ok {
		return
	}

	session.mu.Lock()
	if session.state == StateDisconnected {
		session.mu.Unlock()
		return
	}
	session.state = StateDisconnected
	session.mu.Unlock()

	userID, ok := s.presence.Remove(conn.ID())
	registeredUsers.Set(float64(s.presence.Len()))
	if !ok {
		logger.Log.Infof("Connection %s closed", conn.ID())
		return
	}

	if err := s.db.UpdateLastOffline(userID, time.Now().UTC()); err != nil {
		logger.Log.Warnf("Failed to update last_offline for %s: %v", userID, err)
	}
	logger.Log.Infof("Client %s disconnected from %s", userID, conn.ID())
}

// Shutdown sends bye to every connected client and closes the connections.
// reason is one of "maintenance", "restart" or "timeout"; completionTime may be zero.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		s.sendBye(sess.Conn, reason, completionTime)
		s.OnDisconnect(sess.Conn)
		sess.Conn.Close()
	}
	logger.Log.Infof("Shutdown (%s): closed %d connections", reason, len(sessions))
}

func checkIdentity(identity *auth.Identity, claimed string) error {
	claimed = strings.TrimSpace(claimed)
	if identity == nil || claimed == "" {
		return nil
	}
	if claimed != identity.UserID {
		return apperr.ErrIdentityMismatch
	}
	return nil
}

func participants(msg *models.Message) []string {
	if msg.SenderID == msg.ReceiverID {
		return []string{msg.SenderID}
	}
	return []string{msg.SenderID, msg.ReceiverID}
}

// eventLabel bounds the metric label set to the known event names.
func eventLabel(event string) string {
	switch event {
	case protocol.EventRegisterUser, protocol.EventSendMessage, protocol.EventOffer,
		protocol.EventAnswer, protocol.EventICECandidate, protocol.EventAddReaction,
		protocol.EventPing, protocol.EventDisconnect:
		return event
	default:
		return "unknown"
	}
}
