package auth

import (
	"errors"
	"strings"
	"sync"
)

// UserRecord is the read-only view of a user that the proxy needs.
//
// Secret is either a plain shared secret or a bcrypt hash ("$2a$...",
// "$2b$...", "$2y$...").
type UserRecord struct {
	Username string
	Active   bool
	Secret   string
}

// UserDirectory looks up users by name. Implementations must be safe for
// concurrent use; the proxy never writes through it.
type UserDirectory interface {
	LookupUser(username string) (UserRecord, bool)
}

// DirectoryFunc adapts a plain function to UserDirectory.
type DirectoryFunc func(username string) (UserRecord, bool)

func (f DirectoryFunc) LookupUser(username string) (UserRecord, bool) {
	return f(username)
}

// StaticDirectory is an in-memory UserDirectory.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]UserRecord
}

func NewStaticDirectory(users ...UserRecord) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]UserRecord, len(users))}
	for _, u := range users {
		d.users[u.Username] = u
	}
	return d
}

func (d *StaticDirectory) LookupUser(username string) (UserRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	return u, ok
}

// Put adds or replaces a user.
func (d *StaticDirectory) Put(u UserRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.Username] = u
}

func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// ParseUser parses "username:secret" into an active UserRecord. The secret
// may itself contain colons.
func ParseUser(s string) (UserRecord, error) {
	name, secret, ok := strings.Cut(s, ":")
	if !ok {
		return UserRecord{}, errors.New("expected username:secret")
	}
	if name == "" {
		return UserRecord{}, errors.New("empty username")
	}
	if secret == "" {
		return UserRecord{}, errors.New("empty secret")
	}
	return UserRecord{Username: name, Active: true, Secret: secret}, nil
}
