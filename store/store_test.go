package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"studiorelay/apperr"
	"studiorelay/db"
	"studiorelay/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*MessageStore, *db.DB) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database), database
}

func newUser(t *testing.T, database *db.DB, id string) {
	t.Helper()
	require.NoError(t, database.CreateUser(&models.User{ID: id, Name: id, Email: id + "@example.com"}, "pw"))
}

func TestAppendAndListConversation(t *testing.T) {
	s, database := setupStore(t)
	newUser(t, database, "alice")
	newUser(t, database, "bob")

	const n = 25
	for i := 0; i < n; i++ {
		from, to := "alice", "bob"
		if i%3 == 0 {
			from, to = "bob", "alice"
		}
		_, err := s.Append(from, to, "hello", nil)
		require.NoError(t, err)
	}

	messages, err := s.ListConversation("alice", "bob")
	require.NoError(t, err)
	require.Len(t, messages, n)
	for i := 1; i < len(messages); i++ {
		assert.False(t, messages[i].Timestamp.Before(messages[i-1].Timestamp), "timestamps must not decrease")
	}

	reversed, err := s.ListConversation("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, messages, reversed)
}

func TestStampIsStrictlyIncreasing(t *testing.T) {
	s, _ := setupStore(t)
	frozen := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	first := s.stamp()
	second := s.stamp()
	assert.True(t, second.After(first))
	assert.Equal(t, time.Microsecond, second.Sub(first))
}

func TestStampContinuesAfterRestart(t *testing.T) {
	s, database := setupStore(t)
	newUser(t, database, "alice")
	newUser(t, database, "bob")
	later := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return later }
	before, err := s.Append("alice", "bob", "see you at nine", nil)
	require.NoError(t, err)

	// the wall clock stepped back across the restart
	reopened := New(database)
	reopened.now = func() time.Time { return later.Add(-time.Hour) }
	after, err := reopened.Append("bob", "alice", "running late", nil)
	require.NoError(t, err)
	assert.True(t, after.Timestamp.After(before.Timestamp))

	messages, err := reopened.ListConversation("alice", "bob")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, before.ID, messages[0].ID)
	assert.Equal(t, after.ID, messages[1].ID)
}

func TestAppendValidation(t *testing.T) {
	s, database := setupStore(t)
	newUser(t, database, "alice")
	newUser(t, database, "bob")

	cases := []struct {
		name       string
		sender     string
		receiver   string
		text       string
		attachment *models.Attachment
		want       error
	}{
		{"missing sender", "", "bob", "hi", nil, apperr.ErrSenderRequired},
		{"missing receiver", "alice", "", "hi", nil, apperr.ErrReceiverRequired},
		{"no text or attachment", "alice", "bob", "   ", nil, apperr.ErrEmptyMessage},
		{"attachment without path", "alice", "bob", "", &models.Attachment{Name: "x"}, apperr.ErrEmptyMessage},
		{"unknown receiver", "alice", "carol", "hi", nil, apperr.ErrUnknownReceiver},
		{"unknown sender", "mallory", "bob", "hi", nil, apperr.ErrUnknownSender},
		{"too long", "alice", "bob", strings.Repeat("x", MaxMessageLength+1), nil, apperr.ErrMessageTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Append(tc.sender, tc.receiver, tc.text, tc.attachment)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
		})
	}

	count, err := database.CountMessages()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAppendAttachmentOnly(t *testing.T) {
	s, database := setupStore(t)
	newUser(t, database, "alice")
	newUser(t, database, "bob")

	msg, err := s.Append("alice", "bob", "", &models.Attachment{Name: "flash.jpg", Path: "/uploads/f.jpg", MediaType: "image/jpeg"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	require.NotNil(t, msg.Attachment)

	stored, err := s.Get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "/uploads/f.jpg", stored.Attachment.Path)
}

func TestAddReaction(t *testing.T) {
	s, database := setupStore(t)
	newUser(t, database, "alice")
	newUser(t, database, "bob")

	msg, err := s.Append("alice", "bob", "new flash sheet", nil)
	require.NoError(t, err)

	updated, err := s.AddReaction(msg.ID, "❤️", "bob")
	require.NoError(t, err)
	require.Len(t, updated.Reactions, 1)
	assert.Equal(t, "bob", updated.Reactions[0].ReactorID)

	updated, err = s.AddReaction(msg.ID, "❤️", "bob")
	require.NoError(t, err)
	assert.Len(t, updated.Reactions, 2, "duplicate reactions are kept")

	_, err = s.AddReaction(msg.ID, " ", "bob")
	assert.ErrorIs(t, err, apperr.ErrEmojiRequired)
}

func TestAddReactionUnknownMessage(t *testing.T) {
	s, database := setupStore(t)
	newUser(t, database, "alice")
	newUser(t, database, "bob")
	msg, err := s.Append("alice", "bob", "hi", nil)
	require.NoError(t, err)

	_, err = s.AddReaction("does-not-exist", "👍", "bob")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	stored, err := s.Get(msg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Reactions)
	count, err := database.CountMessages()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetUnknown(t *testing.T) {
	s, _ := setupStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)
}
