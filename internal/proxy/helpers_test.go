package proxy

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/die-net/proxyhub/internal/dialer"
	"github.com/die-net/proxyhub/internal/stats"
)

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// countingDialer dials directly and counts attempts.
type countingDialer struct {
	calls atomic.Int64
	next  dialer.Dialer
}

func newCountingDialer() *countingDialer {
	return &countingDialer{next: dialer.NewDirectDialer(dialer.Config{})}
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	return d.next.DialContext(ctx, network, address)
}

type server interface {
	Serve(net.Listener) error
	Close() error
}

// listen opens a tracked loopback listener for cfg.Stats, which it fills in
// if unset.
func listen(t *testing.T, cfg *Config) net.Listener {
	t.Helper()

	if cfg.Stats == nil {
		cfg.Stats = stats.New()
	}
	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	return TrackConns(ln, cfg.Stats)
}

func serve(t *testing.T, srv server, ln net.Listener) string {
	t.Helper()

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().String()
}

func startHTTPProxy(t *testing.T, cfg Config) (*HTTPProxyServer, string, *stats.Counter) {
	t.Helper()

	ln := listen(t, &cfg)
	srv := NewHTTPProxyServer(context.Background(), cfg)
	return srv, serve(t, srv, ln), cfg.Stats
}

func startSOCKS5(t *testing.T, cfg Config) (*SOCKS5Server, string, *stats.Counter) {
	t.Helper()

	ln := listen(t, &cfg)
	srv := NewSOCKS5Server(context.Background(), cfg)
	return srv, serve(t, srv, ln), cfg.Stats
}
