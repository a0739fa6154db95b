package dialer

import (
	"context"
	"fmt"
	"net"
)

type directDialer struct {
	cfg Config
}

// NewDirectDialer returns a Dialer that connects to targets without an
// upstream proxy.
func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: f.cfg.DialTimeout, KeepAliveConfig: f.cfg.KeepAlive}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	return conn, nil
}
