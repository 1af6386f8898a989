package models

import "time"

const (
	RoleUser   = "user"
	RoleArtist = "artist"
	RoleAdmin  = "admin"
)

type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone,omitempty"`
	Role        string    `json:"role"`
	Password    string    `json:"-"` // hashed
	CreatedAt   time.Time `json:"createdAt"`
	LastOnline  time.Time `json:"lastOnline"`
	LastOffline time.Time `json:"lastOffline"`
}

// LastSeen is the most recent presence change.
func (u *User) LastSeen() time.Time {
	if u.LastOnline.After(u.LastOffline) {
		return u.LastOnline
	}
	return u.LastOffline
}

type Attachment struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size,omitempty"`
}

type Reaction struct {
	Emoji     string    `json:"emoji"`
	ReactorID string    `json:"reactorId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Text       string      `json:"message,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Reactions  []Reaction  `json:"reactions"`
}
