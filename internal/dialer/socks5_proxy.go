package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/die-net/proxyhub/internal/socks5"
)

// SOCKS5ProxyDialer reaches targets through an upstream SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	direct    Dialer
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, user, pass string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		direct:    NewDirectDialer(cfg),
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: user, Password: pass},
	}
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	conn, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", f.proxyAddr, err)
	}

	// Abort the handshake if ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })

	if f.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	err = socks5.ClientDial(conn, f.auth, address)
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
