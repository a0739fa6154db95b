package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/proxyhub/internal/socks5"
)

// SOCKS5Server serves SOCKS5 CONNECT requests with optional
// username/password authentication.
type SOCKS5Server struct {
	cfg    Config
	log    *slog.Logger
	bufs   httputil.BufferPool
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	lns map[net.Listener]struct{}
	wg  sync.WaitGroup
}

// NewSOCKS5Server constructs a SOCKS5 server. Cancelling ctx, or calling
// Close, aborts all of its connections.
func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &SOCKS5Server{
		cfg:    cfg,
		log:    cfg.Logger,
		bufs:   NewBufferPool(cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
		lns:    make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections on ln until ln is closed or Close is called.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		_ = ln.Close()
		return net.ErrClosed
	}
	defer s.trackListener(ln, false)

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return net.ErrClosed
			}
			return err
		}

		if !s.addHandler() {
			_ = c.Close()
			return net.ErrClosed
		}
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

func (s *SOCKS5Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.ctx.Err() != nil {
			return false
		}
		s.lns[ln] = struct{}{}
	} else {
		delete(s.lns, ln)
	}
	return true
}

func (s *SOCKS5Server) addHandler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close stops accepting, closes every open connection and waits for the
// connection handlers to exit.
func (s *SOCKS5Server) Close() error {
	s.mu.Lock()
	s.cancel()
	var err error
	for ln := range s.lns {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	log := s.log.With("conn_id", uuid.NewString(), "remote_addr", conn.RemoteAddr().String())
	ip := clientIP(conn.RemoteAddr().String())

	if s.cfg.Auth.IsRateLimited(ip) {
		s.cfg.Stats.AddRateLimited()
		log.Debug("socks5 rate limited")
		return
	}

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	// Read straight from conn so nothing sent after the request is buffered
	// away from the relay.
	user, err := socks5.ServerNegotiate(conn, s.cfg.RequireAuth, s.cfg.Auth.Validate)
	if err != nil {
		if errors.Is(err, socks5.ErrAuthFailed) {
			s.cfg.Stats.AddAuthFailure()
			log.Debug("socks5 auth failed", "user", user)
			return
		}
		log.Debug("socks5 negotiation failed", "err", err)
		return
	}
	if user != "" {
		log = log.With("user", user)
	}
	s.cfg.Auth.RecordRequest(ip)

	req, err := socks5.ReadRequest(conn)
	if err != nil {
		if rep, ok := replyForRequestError(err); ok {
			_ = socks5.WriteReply(conn, rep, nil)
		}
		log.Debug("socks5 request rejected", "err", err)
		return
	}
	s.cfg.Stats.AddRequest()

	// The dial has its own timeout; the reply must not inherit the
	// negotiation deadline.
	_ = conn.SetDeadline(time.Time{})

	target := req.Address()
	log = log.With("target", target)

	up, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", target)
	if err != nil {
		_ = socks5.WriteReply(conn, replyForDialError(err), nil)
		log.Debug("socks5 dial failed", "err", err)
		return
	}
	defer up.Close()

	if err := socks5.WriteReply(conn, socks5.RepSuccess, up.LocalAddr()); err != nil {
		log.Debug("socks5 reply failed", "err", err)
		return
	}

	n, err := CopyBidirectional(s.ctx, conn, up, CopyOptions{
		Buffers:     s.bufs,
		IdleTimeout: s.cfg.IdleTimeout,
		Counter:     s.cfg.Stats,
	})
	log.Debug("socks5 relay done", "bytes", n, "err", err)
}

func replyForRequestError(err error) (byte, bool) {
	switch {
	case errors.Is(err, socks5.ErrCommandNotSupported):
		return socks5.RepCommandNotSupported, true
	case errors.Is(err, socks5.ErrAddressNotSupported):
		return socks5.RepAddressNotSupported, true
	case errors.Is(err, socks5.ErrMalformed):
		return socks5.RepGeneralFailure, true
	default:
		return 0, false
	}
}
