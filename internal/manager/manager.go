// Package manager runs named HTTP and SOCKS5 proxy instances that share one
// authentication service and upstream dialer.
package manager

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/proxyhub/internal/auth"
	"github.com/die-net/proxyhub/internal/dialer"
	"github.com/die-net/proxyhub/internal/proxy"
	"github.com/die-net/proxyhub/internal/stats"
)

// Kind is the protocol an instance serves.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindSOCKS5 Kind = "socks5"
)

// Config is shared by every instance a Manager starts.
type Config struct {
	// Host is the bind address. Empty means DefaultHost.
	Host string

	// RateLimit requests per RateWindow per client IP. Zero means the auth
	// package default, negative disables limiting.
	RateLimit  int
	RateWindow time.Duration
	SessionTTL time.Duration

	// BufferSize is the relay buffer; see proxy.ClampBufferSize.
	BufferSize int

	NegotiationTimeout time.Duration
	IdleTimeout        time.Duration
	DialTimeout        time.Duration
	KeepAlive          net.KeepAliveConfig

	// Upstream is a dialer.New URL. Empty means direct.
	Upstream string

	Users  auth.UserDirectory
	Logger *slog.Logger
}

const DefaultHost = "0.0.0.0"

// DefaultConfig returns the defaults used by the command.
func DefaultConfig() Config {
	return Config{
		Host:               DefaultHost,
		RateLimit:          auth.DefaultRateLimit,
		RateWindow:         auth.DefaultRateWindow,
		BufferSize:         proxy.DefaultBufferSize,
		NegotiationTimeout: 10 * time.Second,
		IdleTimeout:        4 * time.Minute,
		DialTimeout:        10 * time.Second,
		KeepAlive:          net.KeepAliveConfig{Enable: true},
	}
}

// Info summarizes a running instance.
type Info struct {
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	RequireAuth bool      `json:"require_auth"`
	StartTime   time.Time `json:"start_time"`
}

// Addr returns host:port.
func (i Info) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

type server interface {
	Serve(net.Listener) error
	Close() error
}

type instance struct {
	info  Info
	stats *stats.Counter
	srv   server
	done  chan struct{}
}

// Manager is a registry of running proxy instances keyed by name.
type Manager struct {
	cfg    Config
	auth   *auth.Service
	dialer dialer.Dialer
	log    *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
}

// New builds a Manager. It fails only on an invalid Upstream.
func New(cfg Config) (*Manager, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          cfg.KeepAlive,
	}, cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	return &Manager{
		cfg: cfg,
		auth: auth.New(cfg.Users, auth.Config{
			RateLimit:  cfg.RateLimit,
			RateWindow: cfg.RateWindow,
			SessionTTL: cfg.SessionTTL,
		}),
		dialer:    d,
		log:       cfg.Logger,
		instances: make(map[string]*instance),
	}, nil
}

// Auth returns the authentication service shared by all instances.
func (m *Manager) Auth() *auth.Service { return m.auth }

// StartHTTPProxy starts an HTTP proxy named name on port. Port 0 picks a free
// port; ListServers reports it.
func (m *Manager) StartHTTPProxy(name string, port int, requireAuth bool) (string, error) {
	return m.start(KindHTTP, name, port, requireAuth)
}

// StartSOCKS5Proxy starts a SOCKS5 proxy named name on port.
func (m *Manager) StartSOCKS5Proxy(name string, port int, requireAuth bool) (string, error) {
	return m.start(KindSOCKS5, name, port, requireAuth)
}

func (m *Manager) start(kind Kind, name string, port int, requireAuth bool) (string, error) {
	if name == "" {
		return "", errors.New("proxy name must not be empty")
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("proxy %q: invalid port %d", name, port)
	}

	// Hold the lock across bind so two starts cannot race for a name or port.
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[name]; ok {
		return "", fmt.Errorf("%w: %q", ErrAlreadyRunning, name)
	}
	if port != 0 {
		for other, inst := range m.instances {
			if inst.info.Port == port {
				return "", fmt.Errorf("%w: port %d is used by %q", ErrAlreadyRunning, port, other)
			}
		}
	}

	ln, err := proxy.ListenTCP(context.Background(), "tcp", net.JoinHostPort(m.cfg.Host, strconv.Itoa(port)), m.cfg.KeepAlive)
	if err != nil {
		return "", &ServerError{Name: name, Op: "listen", Err: err}
	}
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		port = ta.Port
	}

	counter := stats.New()
	log := m.log.With("proxy", name, "kind", string(kind))
	pcfg := proxy.Config{
		RequireAuth:        requireAuth,
		Auth:               m.auth,
		Stats:              counter,
		Dialer:             m.dialer,
		BufferSize:         m.cfg.BufferSize,
		NegotiationTimeout: m.cfg.NegotiationTimeout,
		IdleTimeout:        m.cfg.IdleTimeout,
		KeepAlive:          m.cfg.KeepAlive,
		Logger:             m.log.With("kind", string(kind)),
		Name:               name,
	}

	var srv server
	switch kind {
	case KindHTTP:
		srv = proxy.NewHTTPProxyServer(context.Background(), pcfg)
	case KindSOCKS5:
		srv = proxy.NewSOCKS5Server(context.Background(), pcfg)
	default:
		_ = ln.Close()
		return "", fmt.Errorf("unknown proxy kind %q", kind)
	}

	inst := &instance{
		info: Info{
			Name:        name,
			Kind:        kind,
			Host:        m.cfg.Host,
			Port:        port,
			RequireAuth: requireAuth,
			StartTime:   counter.StartTime(),
		},
		stats: counter,
		srv:   srv,
		done:  make(chan struct{}),
	}
	m.instances[name] = inst

	go func() {
		defer close(inst.done)
		err := srv.Serve(proxy.TrackConns(ln, counter))
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			log.Error("proxy serve failed", "err", err)
		}
	}()

	log.Info("proxy started", "addr", inst.info.Addr(), "require_auth", requireAuth)
	return name, nil
}

// StopProxy stops the named instance, closing its listener and every open
// connection, and removes it from the registry.
func (m *Manager) StopProxy(name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	if ok {
		delete(m.instances, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return m.stop(inst)
}

func (m *Manager) stop(inst *instance) error {
	err := inst.srv.Close()
	<-inst.done

	snap := inst.stats.Snapshot()
	m.log.Info("proxy stopped", "proxy", inst.info.Name, "kind", string(inst.info.Kind),
		"requests", snap.RequestsCount, "bytes", snap.BytesTransferred, "uptime", snap.Uptime)

	if err != nil {
		return &ServerError{Name: inst.info.Name, Op: "close", Err: err}
	}
	return nil
}

// StopAll stops every instance. Failures are logged and do not prevent the
// remaining instances from stopping.
func (m *Manager) StopAll() {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	for name, inst := range m.instances {
		insts = append(insts, inst)
		delete(m.instances, name)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, inst := range insts {
		g.Go(func() error {
			if err := m.stop(inst); err != nil {
				m.log.Warn("proxy stop failed", "proxy", inst.info.Name, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ListServers returns a summary of every running instance keyed by name.
func (m *Manager) ListServers() map[string]Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Info, len(m.instances))
	for name, inst := range m.instances {
		out[name] = inst.info
	}
	return out
}

// GetServerStats returns a statistics snapshot for the named instance.
func (m *Manager) GetServerStats(name string) (stats.Snapshot, error) {
	m.mu.RLock()
	inst, ok := m.instances[name]
	m.mu.RUnlock()

	if !ok {
		return stats.Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return inst.stats.Snapshot(), nil
}

type instanceVars struct {
	Info
	Stats stats.Snapshot `json:"stats"`
}

// Vars exposes every instance with its current statistics, suitable for
// expvar.Publish.
func (m *Manager) Vars() expvar.Var {
	return expvar.Func(func() any {
		m.mu.RLock()
		defer m.mu.RUnlock()

		out := make(map[string]instanceVars, len(m.instances))
		for name, inst := range m.instances {
			out[name] = instanceVars{Info: inst.info, Stats: inst.stats.Snapshot()}
		}
		return out
	})
}
