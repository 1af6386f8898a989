package db

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"studiorelay/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func createUser(t *testing.T, database *DB, email string) *models.User {
	t.Helper()
	u := &models.User{Name: email, Email: email}
	require.NoError(t, database.CreateUser(u, "password123"))
	return u
}

func TestCreateAndAuthenticateUser(t *testing.T) {
	database := setupTestDB(t)

	u := &models.User{Name: "Alice", Email: " Alice@Example.com ", Phone: "555-0100"}
	require.NoError(t, database.CreateUser(u, "password123"))
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, models.RoleUser, u.Role)
	assert.NotEqual(t, "password123", u.Password)

	got, err := database.AuthenticateUser("alice@example.com", "password123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.ID, got.ID)

	got, err = database.AuthenticateUser("alice@example.com", "wrong")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = database.AuthenticateUser("nobody@example.com", "password123")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = database.CreateUser(&models.User{Name: "Dup", Email: "alice@example.com"}, "x")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUserLookupAndProfile(t *testing.T) {
	database := setupTestDB(t)
	u := createUser(t, database, "bob@example.com")

	exists, err := database.UserExists(u.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = database.UserExists("missing")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, database.UpdateProfile(u.ID, "Bobby", ""))
	got, err := database.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bobby", got.Name)
	assert.Equal(t, "", got.Phone)

	assert.ErrorIs(t, database.UpdateProfile("missing", "x", "y"), ErrNoRows)

	_, err = database.GetUser("missing")
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestMessagesOrderedBothDirections(t *testing.T) {
	database := setupTestDB(t)
	alice := createUser(t, database, "alice@example.com")
	bob := createUser(t, database, "bob@example.com")
	carol := createUser(t, database, "carol@example.com")

	base := time.Now().UTC()
	save := func(id, from, to string, offset time.Duration) {
		require.NoError(t, database.SaveMessage(&models.Message{
			ID: id, SenderID: from, ReceiverID: to, Text: id, Timestamp: base.Add(offset),
		}))
	}
	save("m2", bob.ID, alice.ID, 2*time.Millisecond)
	save("m1", alice.ID, bob.ID, time.Millisecond)
	save("m3", alice.ID, bob.ID, 3*time.Millisecond)
	save("other", alice.ID, carol.ID, 0)

	messages, err := database.GetMessages(alice.ID, bob.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "m2", messages[1].ID)
	assert.Equal(t, "m3", messages[2].ID)
	assert.NotNil(t, messages[0].Reactions)

	page, err := database.GetMessages(bob.ID, alice.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m2", page[0].ID)
}

func TestLatestMessageTime(t *testing.T) {
	database := setupTestDB(t)
	alice := createUser(t, database, "alice@example.com")
	bob := createUser(t, database, "bob@example.com")

	latest, err := database.LatestMessageTime()
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{time.Hour, 0, 10 * time.Minute} {
		require.NoError(t, database.SaveMessage(&models.Message{
			ID: fmt.Sprintf("m%d", i), SenderID: alice.ID, ReceiverID: bob.ID, Text: "x", Timestamp: base.Add(offset),
		}))
	}

	latest, err = database.LatestMessageTime()
	require.NoError(t, err)
	assert.True(t, latest.Equal(base.Add(time.Hour)))
}

func TestMessageAttachmentRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	alice := createUser(t, database, "alice@example.com")
	bob := createUser(t, database, "bob@example.com")

	msg := &models.Message{
		ID: "with-file", SenderID: alice.ID, ReceiverID: bob.ID, Timestamp: time.Now(),
		Attachment: &models.Attachment{Name: "sketch.png", Path: "/uploads/abc.png", MediaType: "image/png", Size: 42},
	}
	require.NoError(t, database.SaveMessage(msg))

	got, err := database.GetMessage("with-file")
	require.NoError(t, err)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, "sketch.png", got.Attachment.Name)
	assert.Equal(t, "/uploads/abc.png", got.Attachment.Path)
	assert.Equal(t, int64(42), got.Attachment.Size)
	assert.Empty(t, got.Text)
}

func TestAddReaction(t *testing.T) {
	database := setupTestDB(t)
	alice := createUser(t, database, "alice@example.com")
	bob := createUser(t, database, "bob@example.com")
	require.NoError(t, database.SaveMessage(&models.Message{
		ID: "m1", SenderID: alice.ID, ReceiverID: bob.ID, Text: "hi", Timestamp: time.Now(),
	}))

	now := time.Now()
	require.NoError(t, database.AddReaction("m1", models.Reaction{Emoji: "🔥", ReactorID: bob.ID, CreatedAt: now}))
	require.NoError(t, database.AddReaction("m1", models.Reaction{Emoji: "🔥", ReactorID: bob.ID, CreatedAt: now}))

	got, err := database.GetMessage("m1")
	require.NoError(t, err)
	require.Len(t, got.Reactions, 2)
	assert.Equal(t, "🔥", got.Reactions[0].Emoji)
	assert.Equal(t, bob.ID, got.Reactions[1].ReactorID)

	err = database.AddReaction("missing", models.Reaction{Emoji: "👍", ReactorID: bob.ID, CreatedAt: now})
	assert.ErrorIs(t, err, ErrNoRows)

	conversation, err := database.GetMessages(alice.ID, bob.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, conversation, 1)
	assert.Len(t, conversation[0].Reactions, 2)
}

func TestOfflineMessageCounts(t *testing.T) {
	database := setupTestDB(t)
	alice := createUser(t, database, "alice@example.com")
	bob := createUser(t, database, "bob@example.com")

	wentOffline := time.Now().UTC().Add(-time.Hour)
	cameBack := time.Now().UTC()
	require.NoError(t, database.UpdateLastOffline(bob.ID, wentOffline))
	require.NoError(t, database.UpdateLastOnline(bob.ID, cameBack))

	require.NoError(t, database.SaveMessage(&models.Message{
		ID: "before", SenderID: alice.ID, ReceiverID: bob.ID, Text: "x", Timestamp: wentOffline.Add(-time.Minute),
	}))
	require.NoError(t, database.SaveMessage(&models.Message{
		ID: "during", SenderID: alice.ID, ReceiverID: bob.ID, Text: "y", Timestamp: wentOffline.Add(time.Minute),
	}))

	counts, err := database.GetOfflineMessageCounts(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{alice.ID: 1}, counts)

	_, err = database.GetOfflineMessageCounts("missing")
	assert.ErrorIs(t, err, ErrNoRows)
}
