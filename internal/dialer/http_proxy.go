package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPProxyDialer reaches targets through an upstream HTTP or HTTPS proxy
// with the CONNECT method.
type HTTPProxyDialer struct {
	direct    Dialer
	cfg       Config
	proxyAddr string
	tlsName   string // non-empty for https upstreams
	auth      string
}

// NewHTTPProxyDialer returns a dialer for the proxy at proxyAddr. A non-empty
// tlsName wraps the upstream connection in TLS with that server name. A
// non-empty user sends Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, proxyAddr, tlsName, user, pass string) *HTTPProxyDialer {
	var auth string
	if user != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}
	return &HTTPProxyDialer{
		direct:    NewDirectDialer(cfg),
		cfg:       cfg,
		proxyAddr: proxyAddr,
		tlsName:   tlsName,
		auth:      auth,
	}
}

func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	conn, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("http proxy %s: %w", f.proxyAddr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })

	if f.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	c, err := f.connect(conn, address)
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("http proxy dial %s %s: %w", network, address, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return c, nil
}

func (f *HTTPProxyDialer) connect(conn net.Conn, address string) (net.Conn, error) {
	c := conn
	if f.tlsName != "" {
		tc := tls.Client(conn, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: f.tlsName})
		if err := tc.Handshake(); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		c = tc
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}
	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// StatusError is returned when the upstream proxy refuses CONNECT.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "connect failed: " + e.Status
}

// bufferedConn serves bytes the upstream sent right after its CONNECT
// response before reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
