package socks5

import (
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// ReplyError is returned by ClientConnect when the server answers a CONNECT
// with a non-success reply.
type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: connect rejected with reply %#x", e.Rep)
}

// ClientDial negotiates with a SOCKS5 server over rw and asks it to connect
// to address.
func ClientDial(rw io.ReadWriter, auth Auth, address string) error {
	if err := ClientNegotiate(rw, auth); err != nil {
		return err
	}
	return ClientConnect(rw, address)
}

func ClientNegotiate(rw io.ReadWriter, auth Auth) error {
	methods := []byte{MethodNone}
	if auth.Username != "" {
		methods = append(methods, MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case MethodNone:
		return nil
	case MethodUsernamePassword:
		if auth.Username == "" {
			return ErrNoAcceptableMethod
		}
		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(rw); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthFailed
		}
		return nil
	case MethodNoAcceptable:
		return ErrNoAcceptableMethod
	default:
		return fmt.Errorf("unsupported negotiation method %#x: %w", neg.Method, ErrMalformed)
	}
}

func ClientConnect(rw io.ReadWriter, address string) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("parse port: %w", err)
	}

	atyp, addr := ATYPDomain, []byte(host)
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			atyp, addr = ATYPIPv4, []byte(ip4)
		} else {
			atyp, addr = ATYPIPv6, []byte(ip.To16())
		}
	}
	if atyp == ATYPDomain && (len(addr) == 0 || len(addr) > 255) {
		return fmt.Errorf("domain length %d: %w", len(addr), ErrMalformed)
	}

	pb := []byte{byte(port >> 8), byte(port)}
	if _, err := txsocks5.NewRequest(CmdConnect, atyp, addr, pb).WriteTo(rw); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != RepSuccess {
		return &ReplyError{Rep: rep.Rep}
	}
	return nil
}
