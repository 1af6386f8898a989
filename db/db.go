package db

import (
	"database/sql"
	"strings"
	"time"

	"studiorelay/models"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows    = errors.New("no rows found")
	ErrDuplicate = errors.New("duplicate key")
)

// Timestamps are stored as fixed-width UTC text so that lexical order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			password TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			sender TEXT NOT NULL REFERENCES users(id),
			receiver TEXT NOT NULL REFERENCES users(id),
			text TEXT NOT NULL DEFAULT '',
			attachment_name TEXT,
			attachment_path TEXT,
			attachment_type TEXT,
			attachment_size INTEGER,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL REFERENCES messages(id),
			emoji TEXT NOT NULL,
			reactor TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, receiver, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return errors.Wrap(err, "db.init")
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return errors.Wrap(err, "db.migrate")
	}

	return nil
}

// migrate performs auto-migration for new columns
func (db *DB) migrate() error {
	now := formatTime(time.Now())

	for _, column := range []string{"last_online", "last_offline"} {
		if db.columnExists("users", column) {
			continue
		}
		// SQLite doesn't support parameters in ALTER TABLE, use string concatenation
		alterQuery := "ALTER TABLE users ADD COLUMN " + column + " TEXT DEFAULT '" + now + "'"
		if _, err := db.conn.Exec(alterQuery); err != nil {
			return err
		}
		if _, err := db.conn.Exec("UPDATE users SET "+column+" = ? WHERE "+column+" IS NULL", now); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by hand or by older builds
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// User methods

// CreateUser hashes password and inserts u, filling ID and CreatedAt.
func (db *DB) CreateUser(u *models.User, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "db.CreateUser.hash")
	}

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.Password = string(hashed)
	now := time.Now().UTC()
	u.CreatedAt, u.LastOnline, u.LastOffline = now, now, now

	_, err = db.conn.Exec(
		`INSERT INTO users (id, email, name, phone, role, password, created_at, last_online, last_offline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.Phone, u.Role, u.Password, formatTime(now), formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "db.CreateUser.insert")
	}
	return nil
}

const userColumns = `id, email, name, phone, role, password, created_at,
	COALESCE(last_online, ''), COALESCE(last_offline, '')`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var created, online, offline string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.Role, &u.Password, &created, &online, &offline); err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	if online != "" {
		u.LastOnline = parseTime(online)
	}
	if offline != "" {
		u.LastOffline = parseTime(offline)
	}
	return &u, nil
}

func (db *DB) GetUser(id string) (*models.User, error) {
	u, err := scanUser(db.conn.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetUser")
	}
	return u, nil
}

// AuthenticateUser returns the user when the password matches, nil otherwise.
func (db *DB) AuthenticateUser(email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := scanUser(db.conn.QueryRow("SELECT "+userColumns+" FROM users WHERE email = ?", email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.AuthenticateUser")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return nil, nil
	}
	return u, nil
}

func (db *DB) UserExists(id string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "db.UserExists")
	}
	return count > 0, nil
}

// UpdateProfile changes the editable profile fields. Empty values are left untouched.
func (db *DB) UpdateProfile(id, name, phone string) error {
	result, err := db.conn.Exec(
		`UPDATE users SET name = COALESCE(NULLIF(?, ''), name), phone = COALESCE(NULLIF(?, ''), phone) WHERE id = ?`,
		name, phone, id,
	)
	if err != nil {
		return errors.Wrap(err, "db.UpdateProfile")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "db.UpdateProfile")
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

// UpdateLastOnline updates user's last online timestamp
func (db *DB) UpdateLastOnline(id string, t time.Time) error {
	_, err := db.conn.Exec("UPDATE users SET last_online = ? WHERE id = ?", formatTime(t), id)
	return errors.Wrap(err, "db.UpdateLastOnline")
}

// UpdateLastOffline updates user's last offline timestamp
func (db *DB) UpdateLastOffline(id string, t time.Time) error {
	_, err := db.conn.Exec("UPDATE users SET last_offline = ? WHERE id = ?", formatTime(t), id)
	return errors.Wrap(err, "db.UpdateLastOffline")
}

// Message methods

func (db *DB) SaveMessage(m *models.Message) error {
	var name, path, mediaType sql.NullString
	var size sql.NullInt64
	if a := m.Attachment; a != nil {
		name = sql.NullString{String: a.Name, Valid: true}
		path = sql.NullString{String: a.Path, Valid: true}
		mediaType = sql.NullString{String: a.MediaType, Valid: true}
		size = sql.NullInt64{Int64: a.Size, Valid: true}
	}

	_, err := db.conn.Exec(
		`INSERT INTO messages (id, sender, receiver, text, attachment_name, attachment_path, attachment_type, attachment_size, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.ReceiverID, m.Text, name, path, mediaType, size, formatTime(m.Timestamp),
	)
	return errors.Wrap(err, "db.SaveMessage")
}

const messageColumns = `id, sender, receiver, text, attachment_name, attachment_path, attachment_type, attachment_size, timestamp`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var name, path, mediaType sql.NullString
	var size sql.NullInt64
	var ts string
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &name, &path, &mediaType, &size, &ts); err != nil {
		return nil, err
	}
	m.Timestamp = parseTime(ts)
	if path.Valid {
		m.Attachment = &models.Attachment{
			Name:      name.String,
			Path:      path.String,
			MediaType: mediaType.String,
			Size:      size.Int64,
		}
	}
	m.Reactions = []models.Reaction{}
	return &m, nil
}

// GetMessage returns the message with its reactions.
func (db *DB) GetMessage(id string) (*models.Message, error) {
	m, err := scanMessage(db.conn.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetMessage")
	}

	rows, err := db.conn.Query(
		"SELECT message_id, emoji, reactor, created_at FROM reactions WHERE message_id = ? ORDER BY id ASC", id,
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.GetMessage.reactions")
	}
	defer rows.Close()

	if err := attachReactions(rows, map[string]*models.Message{m.ID: m}); err != nil {
		return nil, errors.Wrap(err, "db.GetMessage.reactions")
	}
	return m, nil
}

// GetMessages returns the conversation between a and b in both directions,
// oldest first. A non-positive limit returns everything from offset.
func (db *DB) GetMessages(a, b string, offset, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY timestamp ASC, seq ASC
		LIMIT ? OFFSET ?
	`

	rows, err := db.conn.Query(query, a, b, b, a, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "db.GetMessages")
	}
	defer rows.Close()

	messages := []*models.Message{}
	byID := make(map[string]*models.Message)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db.GetMessages.scan")
		}
		messages = append(messages, m)
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db.GetMessages")
	}

	if len(messages) > 0 {
		reactionRows, err := db.conn.Query(`
			SELECT r.message_id, r.emoji, r.reactor, r.created_at
			FROM reactions r JOIN messages m ON m.id = r.message_id
			WHERE (m.sender = ? AND m.receiver = ?) OR (m.sender = ? AND m.receiver = ?)
			ORDER BY r.id ASC`, a, b, b, a)
		if err != nil {
			return nil, errors.Wrap(err, "db.GetMessages.reactions")
		}
		defer reactionRows.Close()
		if err := attachReactions(reactionRows, byID); err != nil {
			return nil, errors.Wrap(err, "db.GetMessages.reactions")
		}
	}

	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[i] = *m
	}
	return out, nil
}

func attachReactions(rows *sql.Rows, byID map[string]*models.Message) error {
	for rows.Next() {
		var messageID, created string
		var r models.Reaction
		if err := rows.Scan(&messageID, &r.Emoji, &r.ReactorID, &created); err != nil {
			return err
		}
		r.CreatedAt = parseTime(created)
		// reactions on messages outside the requested page are skipped
		if m, ok := byID[messageID]; ok {
			m.Reactions = append(m.Reactions, r)
		}
	}
	return rows.Err()
}

// AddReaction appends r to the message's reaction list.
func (db *DB) AddReaction(messageID string, r models.Reaction) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return errors.Wrap(err, "db.AddReaction.begin")
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM messages WHERE id = ?", messageID).Scan(&count); err != nil {
		return errors.Wrap(err, "db.AddReaction.lookup")
	}
	if count == 0 {
		return ErrNoRows
	}

	_, err = tx.Exec(
		"INSERT INTO reactions (message_id, emoji, reactor, created_at) VALUES (?, ?, ?, ?)",
		messageID, r.Emoji, r.ReactorID, formatTime(r.CreatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "db.AddReaction.insert")
	}

	return errors.Wrap(tx.Commit(), "db.AddReaction.commit")
}

// CountMessages returns the total number of stored messages.
func (db *DB) CountMessages() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, errors.Wrap(err, "db.CountMessages")
}

// LatestMessageTime returns the newest stored message timestamp, or the zero
// time when there are no messages. The fixed-width layout keeps MAX ordered.
func (db *DB) LatestMessageTime() (time.Time, error) {
	var latest sql.NullString
	if err := db.conn.QueryRow("SELECT MAX(timestamp) FROM messages").Scan(&latest); err != nil {
		return time.Time{}, errors.Wrap(err, "db.LatestMessageTime")
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return parseTime(latest.String), nil
}

// GetOfflineMessageCounts returns count of messages received between user's last offline and last online time, grouped by sender
func (db *DB) GetOfflineMessageCounts(recipient string) (map[string]int, error) {
	var lastOfflineStr, lastOnlineStr string
	err := db.conn.QueryRow(
		"SELECT COALESCE(last_offline, ''), COALESCE(last_online, '') FROM users WHERE id = ?",
		recipient,
	).Scan(&lastOfflineStr, &lastOnlineStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetOfflineMessageCounts")
	}

	if lastOfflineStr == "" {
		lastOfflineStr = formatTime(time.Unix(0, 0))
	}
	if lastOnlineStr == "" {
		lastOnlineStr = formatTime(time.Date(2099, 12, 31, 23, 59, 59, 0, time.UTC))
	}

	query := `
		SELECT sender, COUNT(*)
		FROM messages
		WHERE receiver = ? AND timestamp > ? AND timestamp <= ?
		GROUP BY sender
	`
	rows, err := db.conn.Query(query, recipient, lastOfflineStr, lastOnlineStr)
	if err != nil {
		return nil, errors.Wrap(err, "db.GetOfflineMessageCounts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var count int
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, err
		}
		counts[sender] = count
	}

	return counts, rows.Err()
}
