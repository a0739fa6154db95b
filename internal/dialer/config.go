package dialer

import (
	"net"
	"time"
)

// Config controls outbound connections.
type Config struct {
	// DialTimeout bounds the TCP connect to the target or upstream proxy.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the handshake with an upstream proxy.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}
