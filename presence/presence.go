// Package presence tracks which live connection currently represents each user.
// The directory is in-memory only and starts empty on every process start.
package presence

import (
	"sort"
	"sync"
)

// Directory maps user ids to connection ids. At most one connection id is
// kept per user; registering again overwrites the previous one.
type Directory struct {
	mu     sync.RWMutex
	byUser map[string]string
	byConn map[string]string
}

func New() *Directory {
	return &Directory{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// Register inserts or overwrites the mapping for userID.
func (d *Directory) Register(userID, connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.byUser[userID]; ok && old != connID {
		delete(d.byConn, old)
	}
	// a connection represents a single user
	if prevUser, ok := d.byConn[connID]; ok && prevUser != userID {
		delete(d.byUser, prevUser)
	}
	d.byUser[userID] = connID
	d.byConn[connID] = userID
}

// Lookup returns the live connection for userID. ok is false when the user is
// not connected.
func (d *Directory) Lookup(userID string) (connID string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	connID, ok = d.byUser[userID]
	return connID, ok
}

// UserOf returns the user currently registered on connID.
func (d *Directory) UserOf(connID string) (userID string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	userID, ok = d.byConn[connID]
	return userID, ok
}

// Remove deletes the entry whose connection id equals connID and returns the
// user it belonged to. Entries already overwritten by a newer connection are
// left alone.
func (d *Directory) Remove(connID string) (userID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	userID, ok = d.byConn[connID]
	if !ok {
		return "", false
	}
	delete(d.byConn, connID)
	if d.byUser[userID] == connID {
		delete(d.byUser, userID)
	}
	return userID, true
}

// Len returns the number of connected users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUser)
}

// Users returns the connected user ids in sorted order.
func (d *Directory) Users() []string {
	d.mu.RLock()
	users := make([]string, 0, len(d.byUser))
	for userID := range d.byUser {
		users = append(users, userID)
	}
	d.mu.RUnlock()

	sort.Strings(users)
	return users
}
