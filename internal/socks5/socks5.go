// Package socks5 implements the RFC 1928 wire messages used by the proxy:
// method negotiation, RFC 1929 username/password sub-negotiation, CONNECT
// requests and replies.
//
// Reply encoding and the protocol constants come from
// github.com/txthinking/socks5. Server-side parsing is done here so that each
// malformed or unsupported message maps to a distinct error and reply code.
package socks5

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	Version = txsocks5.Ver

	MethodNone             = txsocks5.MethodNone
	MethodUsernamePassword = txsocks5.MethodUsernamePassword
	MethodNoAcceptable     = txsocks5.MethodUnsupportAll

	CmdConnect = txsocks5.CmdConnect
	CmdBind    = txsocks5.CmdBind
	CmdUDP     = txsocks5.CmdUDP

	ATYPIPv4   = txsocks5.ATYPIPv4
	ATYPDomain = txsocks5.ATYPDomain
	ATYPIPv6   = txsocks5.ATYPIPv6

	RepSuccess             = txsocks5.RepSuccess
	RepGeneralFailure      = txsocks5.RepServerFailure
	RepNetworkUnreachable  = txsocks5.RepNetworkUnreachable
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepAddressNotSupported = txsocks5.RepAddressNotSupported
)

var (
	ErrVersion             = errors.New("socks5: unsupported protocol version")
	ErrNoAcceptableMethod  = errors.New("socks5: no acceptable authentication method")
	ErrAuthFailed          = errors.New("socks5: authentication failed")
	ErrCommandNotSupported = errors.New("socks5: command not supported")
	ErrAddressNotSupported = errors.New("socks5: address type not supported")
	ErrMalformed           = errors.New("socks5: malformed message")
)

// Auth configures optional username/password authentication for client-side
// negotiation.
type Auth struct {
	Username string
	Password string
}

// Request is a parsed client connection request.
type Request struct {
	Cmd  byte
	Atyp byte
	Host string
	Port uint16
}

// Address returns the request target as host:port.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// WriteReply writes a connection reply. bound is reported as BND.ADDR and
// BND.PORT; a nil or non-TCP bound address is sent as 0.0.0.0:0.
func WriteReply(w io.Writer, rep byte, bound net.Addr) error {
	atyp := byte(ATYPIPv4)
	addr := []byte(net.IPv4zero.To4())
	port := make([]byte, 2)

	if ta, ok := bound.(*net.TCPAddr); ok && ta != nil {
		if ip4 := ta.IP.To4(); ip4 != nil {
			addr = []byte(ip4)
		} else if ip16 := ta.IP.To16(); ip16 != nil {
			atyp = ATYPIPv6
			addr = []byte(ip16)
		}
		binary.BigEndian.PutUint16(port, uint16(ta.Port))
	}

	_, err := txsocks5.NewReply(rep, atyp, addr, port).WriteTo(w)
	return err
}

func writeMethod(w io.Writer, method byte) error {
	_, err := txsocks5.NewNegotiationReply(method).WriteTo(w)
	return err
}

func writeUserPassStatus(w io.Writer, ok bool) error {
	status := txsocks5.UserPassStatusFailure
	if ok {
		status = txsocks5.UserPassStatusSuccess
	}
	_, err := txsocks5.NewUserPassNegotiationReply(status).WriteTo(w)
	return err
}
