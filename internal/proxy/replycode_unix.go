//go:build unix

package proxy

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/die-net/proxyhub/internal/socks5"
)

func replyForErrno(err error) (byte, bool) {
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return socks5.RepConnectionRefused, true
	case errors.Is(err, unix.ENETUNREACH):
		return socks5.RepNetworkUnreachable, true
	case errors.Is(err, unix.EHOSTUNREACH):
		return socks5.RepHostUnreachable, true
	default:
		return 0, false
	}
}
