package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"studiorelay/models"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrMissingField  = errors.New("missing required field")
)

// Inbound events.
const (
	EventRegisterUser = "register-user"
	EventSendMessage  = "sendMessage"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventAddReaction  = "addReaction"
	EventPing         = "ping"
	EventDisconnect   = "disconnect"
)

// Outbound events. offer, answer and ice-candidate keep their inbound names.
const (
	EventReceiveMessage  = "receiveMessage"
	EventMessageReaction = "messageReaction"
	EventOK              = "ok"
	EventFail            = "fail"
	EventPong            = "pong"
	EventBye             = "bye"
)

// Packet is the envelope every frame is wrapped in.
type Packet struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type SendMessage struct {
	SenderID   string             `json:"senderId"`
	ReceiverID string             `json:"receiverId"`
	Message    string             `json:"message"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
}

type AddReaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	ReactorID string `json:"reactorId"`
}

// Signal is an inbound offer, answer or ice-candidate. Payload is the opaque
// session description or candidate and is never decoded.
type Signal struct {
	Kind    string
	To      string
	Payload json.RawMessage
}

type OK struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`
}

type Fail struct {
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Bye announces that the server is closing the connection. Until carries the
// expected end of maintenance in RFC 3339, when known.
type Bye struct {
	Reason string `json:"reason,omitempty"`
	Until  string `json:"until,omitempty"`
}

// signalKey maps a signaling event to the field holding its payload.
var signalKey = map[string]string{
	EventOffer:        "offer",
	EventAnswer:       "answer",
	EventICECandidate: "candidate",
}

func IsSignal(event string) bool {
	_, ok := signalKey[event]
	return ok
}

func ParsePacket(frame []byte) (*Packet, error) {
	var pkt Packet
	if err := json.Unmarshal(frame, &pkt); err != nil {
		return nil, ErrInvalidPacket
	}
	pkt.Event = strings.TrimSpace(pkt.Event)
	if pkt.Event == "" {
		return nil, ErrInvalidPacket
	}
	return &pkt, nil
}

func FormatPacket(event string, data any) ([]byte, error) {
	pkt := Packet{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		pkt.Data = raw
	}
	return json.Marshal(pkt)
}

// ParseRegister accepts either a bare user id string or {"userId": "..."}.
func ParseRegister(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", ErrMissingField
	}

	var userID string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &userID); err != nil {
			return "", ErrInvalidPacket
		}
	} else {
		var obj struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", ErrInvalidPacket
		}
		userID = obj.UserID
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingField
	}
	return userID, nil
}

func ParseSendMessage(data json.RawMessage) (*SendMessage, error) {
	var msg SendMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrInvalidPacket
	}
	return &msg, nil
}

func ParseAddReaction(data json.RawMessage) (*AddReaction, error) {
	var r AddReaction
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, ErrInvalidPacket
	}
	return &r, nil
}

// ParseSignal extracts the target connection and the raw payload of a
// signaling event without interpreting the payload.
func ParseSignal(event string, data json.RawMessage) (*Signal, error) {
	key, ok := signalKey[event]
	if !ok {
		return nil, ErrInvalidPacket
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, ErrInvalidPacket
	}

	var to string
	if raw, ok := fields["to"]; ok {
		if err := json.Unmarshal(raw, &to); err != nil {
			return nil, ErrInvalidPacket
		}
	}
	if to == "" {
		return nil, ErrMissingField
	}

	return &Signal{Kind: event, To: to, Payload: fields[key]}, nil
}

// Relayed builds the outbound body for a signal: the payload under its
// original key plus the sender's connection id.
func (s *Signal) Relayed(from string) map[string]any {
	payload := s.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return map[string]any{
		signalKey[s.Kind]: payload,
		"from":            from,
	}
}
