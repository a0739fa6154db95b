// Package proxy implements the listener side of the proxy engine: the HTTP
// forward proxy (CONNECT tunneling and request forwarding), the SOCKS5
// server, and the connection plumbing they share such as keepalive
// listeners, connection tracking and the bidirectional relay.
package proxy

import (
	"log/slog"
	"net"
	"time"

	"github.com/die-net/proxyhub/internal/auth"
	"github.com/die-net/proxyhub/internal/dialer"
	"github.com/die-net/proxyhub/internal/stats"
)

const (
	// DefaultBufferSize is the relay buffer size used when none is set.
	DefaultBufferSize = 8192
	// MinBufferSize is the smallest relay buffer accepted.
	MinBufferSize = 4096
)

type Config struct {
	// Name identifies the instance in logs.
	Name        string
	RequireAuth bool

	Auth   *auth.Service
	Stats  *stats.Counter
	Dialer dialer.Dialer

	BufferSize int

	// NegotiationTimeout bounds the SOCKS5 handshake and reading HTTP
	// request headers. Zero disables it.
	NegotiationTimeout time.Duration
	// IdleTimeout closes relays and keep-alive HTTP connections with no
	// traffic for this long. Zero disables it.
	IdleTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Auth == nil {
		c.Auth = auth.New(nil, auth.Config{})
	}
	if c.Stats == nil {
		c.Stats = stats.New()
	}
	if c.Dialer == nil {
		c.Dialer = dialer.NewDirectDialer(dialer.Config{})
	}
	c.BufferSize = ClampBufferSize(c.BufferSize)
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.Logger = c.Logger.With("proxy", c.Name)
	return c
}

// ClampBufferSize returns DefaultBufferSize for n <= 0 and raises anything
// smaller than MinBufferSize to it.
func ClampBufferSize(n int) int {
	switch {
	case n <= 0:
		return DefaultBufferSize
	case n < MinBufferSize:
		return MinBufferSize
	default:
		return n
	}
}

// clientIP returns the host part of a remote address, which is the key used
// for rate limiting.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
