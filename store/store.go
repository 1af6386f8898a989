package store

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"studiorelay/apperr"
	"studiorelay/db"
	"studiorelay/logger"
	"studiorelay/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxMessageLength is the longest accepted text body, in runes.
const MaxMessageLength = 4000

// MessageStore is the durable chat history. Messages are immutable except
// for their reaction list, which only grows.
type MessageStore struct {
	db *db.DB

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

// New opens the store over database. Timestamps continue after the newest
// stored message even if the wall clock is behind it.
func New(database *db.DB) *MessageStore {
	s := &MessageStore{db: database, now: time.Now}
	latest, err := database.LatestMessageTime()
	if err != nil {
		logger.Log.Warnf("Failed to read latest message time: %v", err)
	}
	s.last = latest
	return s
}

// stamp returns a timestamp strictly after every one handed out before.
func (s *MessageStore) stamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// Append validates and persists a new message.
func (s *MessageStore) Append(senderID, receiverID, text string, attachment *models.Attachment) (*models.Message, error) {
	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)

	if senderID == "" {
		return nil, apperr.ErrSenderRequired
	}
	if receiverID == "" {
		return nil, apperr.ErrReceiverRequired
	}
	if attachment != nil && attachment.Path == "" {
		attachment = nil
	}
	if strings.TrimSpace(text) == "" && attachment == nil {
		return nil, apperr.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return nil, apperr.ErrMessageTooLong
	}

	if err := s.requireUser(senderID, apperr.ErrUnknownSender); err != nil {
		return nil, err
	}
	if err := s.requireUser(receiverID, apperr.ErrUnknownReceiver); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Attachment: attachment,
		Timestamp:  s.stamp(),
		Reactions:  []models.Reaction{},
	}
	if err := s.db.SaveMessage(msg); err != nil {
		return nil, apperr.Persistence(err)
	}
	return msg, nil
}

func (s *MessageStore) requireUser(id string, missing error) error {
	exists, err := s.db.UserExists(id)
	if err != nil {
		return apperr.Internal(err)
	}
	if !exists {
		return missing
	}
	return nil
}

// ListConversation returns every message exchanged between a and b, oldest first.
func (s *MessageStore) ListConversation(a, b string) ([]models.Message, error) {
	return s.ListConversationPage(a, b, 0, 0)
}

// ListConversationPage is ListConversation with offset/limit paging. A
// non-positive limit means no limit.
func (s *MessageStore) ListConversationPage(a, b string, offset, limit int) ([]models.Message, error) {
	if a == "" || b == "" {
		return nil, apperr.Validation("both participants are required")
	}
	if offset < 0 {
		offset = 0
	}
	messages, err := s.db.GetMessages(a, b, offset, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return messages, nil
}

// Get returns a single message with its reactions.
func (s *MessageStore) Get(messageID string) (*models.Message, error) {
	msg, err := s.db.GetMessage(messageID)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.ErrMessageNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return msg, nil
}

// AddReaction appends a reaction and returns the updated message. The same
// reactor may react repeatedly, including with the same emoji.
func (s *MessageStore) AddReaction(messageID, emoji, reactorID string) (*models.Message, error) {
	emoji = strings.TrimSpace(emoji)
	reactorID = strings.TrimSpace(reactorID)
	if emoji == "" {
		return nil, apperr.ErrEmojiRequired
	}
	if reactorID == "" {
		return nil, apperr.ErrReactorRequired
	}

	err := s.db.AddReaction(messageID, models.Reaction{
		Emoji:     emoji,
		ReactorID: reactorID,
		CreatedAt: s.now().UTC(),
	})
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.ErrMessageNotFound
	}
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return s.Get(messageID)
}
