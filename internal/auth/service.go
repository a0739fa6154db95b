// Package auth validates proxy credentials, tracks per-client request rates
// and issues session tokens. A single Service is shared by every connection
// handler of every proxy instance, so all methods are safe for concurrent use.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultRateLimit  = 60
	DefaultRateWindow = 60 * time.Second
)

type Config struct {
	// RateLimit is the number of requests a client may make per RateWindow.
	// Zero means DefaultRateLimit; negative disables rate limiting.
	RateLimit  int
	RateWindow time.Duration

	// SessionTTL bounds session lifetime. Zero keeps sessions until removed.
	SessionTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Service struct {
	users    UserDirectory
	limiter  *RateLimiter
	sessions *sessionStore
}

// New returns a Service that looks users up in users. A nil directory
// rejects every credential.
func New(users UserDirectory, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}

	return &Service{
		users:    users,
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.RateWindow, cfg.Now),
		sessions: &sessionStore{ttl: cfg.SessionTTL, now: cfg.Now},
	}
}

// Validate reports whether username exists, is active and password matches
// its secret.
func (s *Service) Validate(username, password string) bool {
	if s.users == nil {
		return false
	}
	u, ok := s.users.LookupUser(username)
	if !ok || !u.Active {
		return false
	}
	return secretMatches(u.Secret, password)
}

func secretMatches(secret, password string) bool {
	if isBcryptHash(secret) {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	// Hash both sides so the comparison time does not depend on length.
	a := sha256.Sum256([]byte(secret))
	b := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// isBcryptHash reports whether s parses as a bcrypt hash. A plain secret that
// merely starts with "$2a$" does not.
func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// IsRateLimited reports whether clientIP has used up its request budget for
// the trailing window.
func (s *Service) IsRateLimited(clientIP string) bool {
	return s.limiter.Limited(clientIP)
}

// RecordRequest counts one request from clientIP.
func (s *Service) RecordRequest(clientIP string) {
	s.limiter.Record(clientIP)
}

// RecentRequests returns how many requests clientIP made inside the window.
func (s *Service) RecentRequests(clientIP string) int {
	return s.limiter.Count(clientIP)
}

// CreateSession issues an unguessable token bound to username and clientIP.
func (s *Service) CreateSession(username, clientIP string) (string, error) {
	return s.sessions.create(username, clientIP)
}

func (s *Service) ValidateSession(id string) bool {
	_, ok := s.sessions.get(id)
	return ok
}

// Session returns the metadata for a live session.
func (s *Service) Session(id string) (Session, bool) {
	return s.sessions.get(id)
}

func (s *Service) RemoveSession(id string) {
	s.sessions.remove(id)
}

func (s *Service) ActiveSessions() int {
	return s.sessions.len()
}
