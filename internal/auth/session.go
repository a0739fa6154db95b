package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Session is the metadata stored for an issued session token.
type Session struct {
	Username  string
	ClientIP  string
	CreatedAt time.Time
}

type sessionStore struct {
	ttl time.Duration
	now func() time.Time

	m sync.Map // token -> Session
}

const sessionTokenBytes = 32

func newSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *sessionStore) create(username, clientIP string) (string, error) {
	for {
		id, err := newSessionToken()
		if err != nil {
			return "", err
		}
		sess := Session{Username: username, ClientIP: clientIP, CreatedAt: s.now()}
		if _, loaded := s.m.LoadOrStore(id, sess); !loaded {
			return id, nil
		}
	}
}

func (s *sessionStore) get(id string) (Session, bool) {
	v, ok := s.m.Load(id)
	if !ok {
		return Session{}, false
	}
	sess := v.(Session)
	if s.ttl > 0 && s.now().Sub(sess.CreatedAt) >= s.ttl {
		s.m.CompareAndDelete(id, sess)
		return Session{}, false
	}
	return sess, true
}

func (s *sessionStore) remove(id string) {
	s.m.Delete(id)
}

func (s *sessionStore) len() int {
	n := 0
	s.m.Range(func(k, _ any) bool {
		if _, ok := s.get(k.(string)); ok {
			n++
		}
		return true
	})
	return n
}
