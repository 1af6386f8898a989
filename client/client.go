// Package client is a small relay client used by integration tests and tools.
package client

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"studiorelay/models"
	"studiorelay/protocol"

	"github.com/gorilla/websocket"
)

// Event types the server pushes.
const (
	TypeReceiveMessage  = protocol.EventReceiveMessage
	TypeMessageReaction = protocol.EventMessageReaction
	TypeOffer           = protocol.EventOffer
	TypeAnswer          = protocol.EventAnswer
	TypeICECandidate    = protocol.EventICECandidate
	TypeOk              = protocol.EventOK
	TypeFail            = protocol.EventFail
	TypePong            = protocol.EventPong
	TypeBye             = protocol.EventBye
)

// Signal is a relayed offer, answer or candidate as received by the peer.
type Signal struct {
	Kind    string
	From    string
	Payload json.RawMessage
}

type Client struct {
	conn      *websocket.Conn
	sendMu    sync.Mutex
	mu        sync.Mutex
	handlers  map[string][]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

func NewClient() *Client {
	return &Client{
		handlers: make(map[string][]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
}

// Connect dials the relay endpoint. token may be empty for anonymous connections.
func (c *Client) Connect(endpoint, token string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		return err
	}
	c.conn = conn
	c.connected.Store(true)

	go c.readLoop()
	return nil
}

// Disconnect announces the disconnect and closes the socket.
func (c *Client) Disconnect() error {
	if !c.connected.Load() {
		return nil
	}
	c.Send(protocol.EventDisconnect, nil)
	return c.close()
}

func (c *Client) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer c.close()
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		pkt, err := protocol.ParsePacket(frame)
		if err != nil {
			continue
		}
		c.notifyHandlers(pkt.Event, pkt.Data)
	}
}

func (c *Client) notifyHandlers(event string, data json.RawMessage) {
	c.mu.Lock()
	handlers := append([]func(json.RawMessage){}, c.handlers[event]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// OnEvent registers a handler for a server event. Handlers run on the read
// goroutine in arrival order.
func (c *Client) OnEvent(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *Client) OnMessage(handler func(models.Message)) {
	c.OnEvent(TypeReceiveMessage, func(data json.RawMessage) {
		var msg models.Message
		if json.Unmarshal(data, &msg) == nil {
			handler(msg)
		}
	})
}

func (c *Client) OnReaction(handler func(models.Message)) {
	c.OnEvent(TypeMessageReaction, func(data json.RawMessage) {
		var msg models.Message
		if json.Unmarshal(data, &msg) == nil {
			handler(msg)
		}
	})
}

// OnSignal subscribes to offers, answers and ICE candidates.
func (c *Client) OnSignal(handler func(Signal)) {
	for kind, key := range map[string]string{TypeOffer: "offer", TypeAnswer: "answer", TypeICECandidate: "candidate"} {
		kind, key := kind, key
		c.OnEvent(kind, func(data json.RawMessage) {
			var fields map[string]json.RawMessage
			if json.Unmarshal(data, &fields) != nil {
				return
			}
			var from string
			json.Unmarshal(fields["from"], &from)
			handler(Signal{Kind: kind, From: from, Payload: fields[key]})
		})
	}
}

func (c *Client) OnOK(handler func(protocol.OK)) {
	c.OnEvent(TypeOk, func(data json.RawMessage) {
		var ok protocol.OK
		if json.Unmarshal(data, &ok) == nil {
			handler(ok)
		}
	})
}

func (c *Client) OnFail(handler func(protocol.Fail)) {
	c.OnEvent(TypeFail, func(data json.RawMessage) {
		var fail protocol.Fail
		if json.Unmarshal(data, &fail) == nil {
			handler(fail)
		}
	})
}

func (c *Client) Send(event string, data any) error {
	frame, err := protocol.FormatPacket(event, data)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) Register(userID string) error {
	return c.Send(protocol.EventRegisterUser, userID)
}

func (c *Client) SendMessage(senderID, receiverID, text string, attachment *models.Attachment) error {
	return c.Send(protocol.EventSendMessage, protocol.SendMessage{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    text,
		Attachment: attachment,
	})
}

func (c *Client) AddReaction(messageID, emoji, reactorID string) error {
	return c.Send(protocol.EventAddReaction, protocol.AddReaction{
		MessageID: messageID,
		Emoji:     emoji,
		ReactorID: reactorID,
	})
}

func (c *Client) Offer(to string, offer any) error {
	return c.Send(protocol.EventOffer, map[string]any{"offer": offer, "to": to})
}

func (c *Client) Answer(to string, answer any) error {
	return c.Send(protocol.EventAnswer, map[string]any{"answer": answer, "to": to})
}

func (c *Client) ICECandidate(to string, candidate any) error {
	return c.Send(protocol.EventICECandidate, map[string]any{"candidate": candidate, "to": to})
}

func (c *Client) Ping() error {
	return c.Send(protocol.EventPing, nil)
}
