// Package dialer provides the outbound side of the proxies: a direct dialer
// and dialers that chain through an upstream HTTP or SOCKS5 proxy.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - http://[user:pass@]host:port
//   - https://[user:pass@]host:port
//   - socks5://[user:pass@]host:port
//
// An empty upstream is the same as direct://. A URL without a port gets the
// scheme's default.
func New(cfg Config, upstream string) (Dialer, error) {
	if upstream == "" {
		return NewDirectDialer(cfg), nil
	}

	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), nil
	case "http", "https", "socks5":
		host := u.Hostname()
		if host == "" {
			return nil, errors.New("invalid url: missing host")
		}
		if u.Port() == "" {
			u.Host = net.JoinHostPort(host, defaultPortForScheme(u.Scheme))
		}

		var user, pass string
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}

		switch u.Scheme {
		case "http":
			return NewHTTPProxyDialer(cfg, u.Host, "", user, pass), nil
		case "https":
			return NewHTTPProxyDialer(cfg, u.Host, host, user, pass), nil
		default:
			return NewSOCKS5ProxyDialer(cfg, u.Host, user, pass), nil
		}
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return "1080"
	}
}
