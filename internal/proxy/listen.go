package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections.
func ListenTCP(ctx context.Context, network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	tc, ok := conn.(*net.TCPConn)
	if ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}

// ConnGauge tracks open connections.
type ConnGauge interface {
	ConnOpened()
	ConnClosed()
}

// TrackConns wraps ln so that every accepted connection raises gauge and
// lowers it exactly once when the connection is closed. Hijacked HTTP
// connections keep the wrapper, so they are counted until the tunnel ends.
func TrackConns(ln net.Listener, gauge ConnGauge) net.Listener {
	return &trackingListener{Listener: ln, gauge: gauge}
}

type trackingListener struct {
	net.Listener
	gauge ConnGauge
}

func (l *trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	l.gauge.ConnOpened()
	return &trackedConn{Conn: conn, gauge: l.gauge}, nil
}

type trackedConn struct {
	net.Conn
	gauge ConnGauge
	once  sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.gauge.ConnClosed)
	return err
}
