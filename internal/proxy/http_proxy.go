package proxy

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type connIDKey struct{}

// HTTPProxyServer serves an HTTP forward proxy.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking + bidirectional copy)
// - absolute-form request forwarding (via httputil.ReverseProxy)
//
// Every request is rate checked and, with RequireAuth, must carry valid
// Basic Proxy-Authorization credentials.
type HTTPProxyServer struct {
	cfg       Config
	log       *slog.Logger
	bufs      httputil.BufferPool
	ctx       context.Context
	cancel    context.CancelFunc
	srv       *http.Server
	rp        *httputil.ReverseProxy
	transport *http.Transport

	mu      sync.Mutex
	closed  bool
	tunnels sync.WaitGroup
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the underlying
// http.Server and tears down open tunnels.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	h := &HTTPProxyServer{
		cfg:    cfg,
		log:    cfg.Logger,
		bufs:   NewBufferPool(cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	h.transport = newTransport(cfg)
	h.rp = h.newReverseProxy()
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelDebug),
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
		ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
			return context.WithValue(ctx, connIDKey{}, uuid.NewString())
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln. It returns http.ErrServerClosed
// after Close.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server, closes hijacked tunnels and waits for them to
// finish.
func (s *HTTPProxyServer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	err := s.srv.Close()
	s.tunnels.Wait()
	s.transport.CloseIdleConnections()
	return err
}

func (s *HTTPProxyServer) requestLogger(r *http.Request) *slog.Logger {
	id, _ := r.Context().Value(connIDKey{}).(string)
	return s.log.With("conn_id", id, "remote_addr", r.RemoteAddr)
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	ip := clientIP(r.RemoteAddr)

	if s.cfg.Auth.IsRateLimited(ip) {
		s.cfg.Stats.AddRateLimited()
		log.Debug("http rate limited")
		w.Header().Set("Connection", "close")
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	if s.cfg.RequireAuth {
		user, ok := s.authenticate(w, r)
		if !ok {
			log.Debug("http auth failed", "user", user)
			return
		}
		log = log.With("user", user)
	}
	s.cfg.Auth.RecordRequest(ip)

	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.cfg.Stats.AddRequest()
		s.handleConnect(w, r, log)
		return
	}

	if !r.URL.IsAbs() || r.URL.Host == "" || (r.URL.Scheme != "http" && r.URL.Scheme != "https") {
		log.Debug("http request not absolute-form", "uri", r.RequestURI)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	s.cfg.Stats.AddRequest()

	if r.Body != nil && r.Body != http.NoBody {
		r.Body = &countingReadCloser{ReadCloser: r.Body, counter: s.cfg.Stats}
	}
	s.rp.ServeHTTP(&countingResponseWriter{ResponseWriter: w, counter: s.cfg.Stats}, r)
}

// authenticate checks Proxy-Authorization and writes a 407 when it is missing
// or wrong. Only malformed or rejected credentials count as auth failures.
func (s *HTTPProxyServer) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	h := r.Header.Get("Proxy-Authorization")
	if h == "" {
		writeProxyAuthRequired(w)
		return "", false
	}

	user, pass, ok := parseBasicAuth(h)
	if !ok || !s.cfg.Auth.Validate(user, pass) {
		s.cfg.Stats.AddAuthFailure()
		writeProxyAuthRequired(w)
		return user, false
	}
	return user, true
}

func writeProxyAuthRequired(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", `Basic realm="Proxy"`)
	http.Error(w, http.StatusText(http.StatusProxyAuthRequired), http.StatusProxyAuthRequired)
}

// parseBasicAuth parses "Basic base64(user:pass)".
func parseBasicAuth(h string) (string, string, bool) {
	scheme, encoded, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	return user, pass, true
}

func (s *HTTPProxyServer) addTunnel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.tunnels.Add(1)
	return true
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	log = log.With("target", target)

	if !s.addTunnel() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer s.tunnels.Done()

	ctx := r.Context()

	serverConn, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debug("http connect dial failed", "err", err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = serverConn.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		_ = serverConn.Close()
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = clientConn.Close()
		_ = serverConn.Close()
		return
	}

	// Forward anything the client pipelined behind the CONNECT request.
	if n := brw.Reader.Buffered(); n > 0 {
		pending, _ := brw.Reader.Peek(n)
		if _, err := serverConn.Write(pending); err != nil {
			_ = clientConn.Close()
			_ = serverConn.Close()
			return
		}
		s.cfg.Stats.AddBytes(int64(n))
	}

	n, err := CopyBidirectional(ctx, clientConn, serverConn, CopyOptions{
		Buffers:     s.bufs,
		IdleTimeout: s.cfg.IdleTimeout,
		Counter:     s.cfg.Stats,
	})
	log.Debug("http tunnel done", "bytes", n, "err", err)
}

func (s *HTTPProxyServer) newReverseProxy() *httputil.ReverseProxy {
	director := func(r *http.Request) {
		r.Host = r.URL.Host

		// Upgrade is hop-by-hop here; protocol switches are not proxied.
		r.Header.Del("Upgrade")

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		if !errors.Is(err, context.Canceled) {
			s.requestLogger(r).Debug("http forward failed", "url", r.URL.String(), "err", err)
		}
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     s.transport,
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    s.bufs,
		ErrorLog:      slog.NewLogLogger(s.log.Handler(), slog.LevelDebug),
	}
}

func newTransport(cfg Config) *http.Transport {
	return &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        2048,
		MaxIdleConnsPerHost: 1024,
		IdleConnTimeout:     cfg.IdleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}
}

type countingReadCloser struct {
	io.ReadCloser
	counter ByteCounter
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.counter.AddBytes(int64(n))
	return n, err
}

type countingResponseWriter struct {
	http.ResponseWriter
	counter ByteCounter
}

func (w *countingResponseWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.counter.AddBytes(int64(n))
	return n, err
}

// Unwrap lets http.ResponseController reach Flush on the real writer.
func (w *countingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
