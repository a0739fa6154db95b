package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/proxyhub/internal/auth"
	"github.com/die-net/proxyhub/internal/logging"
	"github.com/die-net/proxyhub/internal/manager"
	"github.com/die-net/proxyhub/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	defaults := manager.DefaultConfig()

	var (
		host        = pflag.String("host", defaults.Host, "Bind address for the proxy listeners")
		httpPort    = pflag.Int("http-listen-port", 0, "HTTP proxy listen port (e.g. 8080). 0 disables.")
		socksPort   = pflag.Int("socks5-listen-port", 0, "SOCKS5 proxy listen port (e.g. 1080). 0 disables.")
		requireAuth = pflag.Bool("require-auth", false, "Require username/password on both proxies")
		users       = pflag.StringArray("user", nil, "Proxy user as name:secret; secret may be a bcrypt hash. Repeatable.")

		rateLimit  = pflag.Int("rate-limit", defaults.RateLimit, "Requests allowed per client IP per --rate-window. Negative disables.")
		rateWindow = pflag.Duration("rate-window", defaults.RateWindow, "Sliding window for --rate-limit")
		sessionTTL = pflag.Duration("session-ttl", 0, "Lifetime of auth sessions. 0 never expires.")
		bufferSize = pflag.Int("buffer-size", defaults.BufferSize, fmt.Sprintf("Relay buffer size in bytes (minimum %d)", proxy.MinBufferSize))

		upstream = pflag.String("upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | http(s)://[user:pass@]host:port | socks5://[user:pass@]host:port")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /debug/vars (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", defaults.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
		idleTimeout        = pflag.Duration("idle-timeout", defaults.IdleTimeout, "Timeout for idle tunnels and keep-alive HTTP connections")
		negotiationTimeout = pflag.Duration("negotiation-timeout", defaults.NegotiationTimeout, "Timeout for protocol negotiation to set up connection")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		logLevel  = pflag.String("log-level", "info", "Log level: debug|info|warn|error")
		logFormat = pflag.String("log-format", "text", "Log format: text|json")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger, err := logging.New(os.Stderr, logging.Config{Level: level, Format: *logFormat})
	if err != nil {
		return fmt.Errorf("invalid --log-format: %w", err)
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *httpPort == 0 && *socksPort == 0 {
		return errors.New("no listeners enabled (set at least one of --http-listen-port, --socks5-listen-port)")
	}

	dir := auth.NewStaticDirectory()
	for _, u := range *users {
		rec, err := auth.ParseUser(u)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		dir.Put(rec)
	}
	if *requireAuth && dir.Len() == 0 {
		return errors.New("--require-auth needs at least one --user")
	}

	m, err := manager.New(manager.Config{
		Host:               *host,
		RateLimit:          *rateLimit,
		RateWindow:         *rateWindow,
		SessionTTL:         *sessionTTL,
		BufferSize:         *bufferSize,
		NegotiationTimeout: *negotiationTimeout,
		IdleTimeout:        *idleTimeout,
		DialTimeout:        *dialTimeout,
		KeepAlive:          ka,
		Upstream:           *upstream,
		Users:              dir,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		expvar.Publish("proxies", m.Vars())

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", *debugListen)
	}

	if *httpPort != 0 {
		if _, err := m.StartHTTPProxy("http", *httpPort, *requireAuth); err != nil {
			m.StopAll()
			return fmt.Errorf("http proxy: %w", err)
		}
	}

	if *socksPort != 0 {
		if _, err := m.StartSOCKS5Proxy("socks5", *socksPort, *requireAuth); err != nil {
			m.StopAll()
			return fmt.Errorf("socks5 proxy: %w", err)
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		m.StopAll()
		return nil
	})

	return g.Wait()
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
