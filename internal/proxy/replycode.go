package proxy

import (
	"errors"
	"net"

	"github.com/die-net/proxyhub/internal/socks5"
)

// replyForDialError maps a failed upstream dial to the closest SOCKS5 reply
// code. A rejection from a chained SOCKS5 proxy is passed through as-is.
func replyForDialError(err error) byte {
	var re *socks5.ReplyError
	if errors.As(err, &re) {
		return re.Rep
	}

	if rep, ok := replyForErrno(err); ok {
		return rep
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return socks5.RepHostUnreachable
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return socks5.RepHostUnreachable
	}

	return socks5.RepGeneralFailure
}
