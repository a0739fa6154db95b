package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const userPassVersion = 0x01

// Authenticator checks username/password sub-negotiation credentials.
type Authenticator func(username, password string) bool

// SelectMethod picks the authentication method for a greeting. With
// requireAuth only username/password is acceptable, otherwise only no-auth.
func SelectMethod(methods []byte, requireAuth bool) byte {
	want := MethodNone
	if requireAuth {
		want = MethodUsernamePassword
	}
	for _, m := range methods {
		if m == want {
			return want
		}
	}
	return MethodNoAcceptable
}

// ServerNegotiate reads the client greeting, replies with the selected method
// and, when username/password was selected, runs the sub-negotiation against
// authenticate. It returns the authenticated username, if any.
//
// On ErrNoAcceptableMethod the 0xFF reply has already been sent; on
// ErrAuthFailed the failure status has already been sent. In both cases the
// caller should close the connection.
func ServerNegotiate(rw io.ReadWriter, requireAuth bool, authenticate Authenticator) (string, error) {
	methods, err := readGreeting(rw)
	if err != nil {
		return "", err
	}

	method := SelectMethod(methods, requireAuth)
	if err := writeMethod(rw, method); err != nil {
		return "", fmt.Errorf("method reply: %w", err)
	}

	switch method {
	case MethodNone:
		return "", nil
	case MethodUsernamePassword:
		return serverUserPass(rw, authenticate)
	default:
		return "", ErrNoAcceptableMethod
	}
}

// readGreeting reads VER NMETHODS METHODS.
func readGreeting(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("greeting: %w", err)
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("greeting version %#x: %w", hdr[0], ErrVersion)
	}

	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, fmt.Errorf("greeting methods: %w", err)
	}
	return methods, nil
}

// serverUserPass handles the RFC 1929 exchange:
// VER(1)=0x01 ULEN(1) UNAME(ULEN) PLEN(1) PASSWD(PLEN).
func serverUserPass(rw io.ReadWriter, authenticate Authenticator) (string, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(rw, hdr); err != nil {
		return "", fmt.Errorf("userpass: %w", err)
	}
	if hdr[0] != userPassVersion {
		_ = writeUserPassStatus(rw, false)
		return "", fmt.Errorf("userpass version %#x: %w", hdr[0], ErrMalformed)
	}

	uname := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(rw, uname); err != nil {
		return "", fmt.Errorf("userpass username: %w", err)
	}

	plen := make([]byte, 1)
	if _, err := io.ReadFull(rw, plen); err != nil {
		return "", fmt.Errorf("userpass password length: %w", err)
	}
	passwd := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(rw, passwd); err != nil {
		return "", fmt.Errorf("userpass password: %w", err)
	}

	ok := authenticate != nil && authenticate(string(uname), string(passwd))
	if err := writeUserPassStatus(rw, ok); err != nil {
		return "", fmt.Errorf("userpass reply: %w", err)
	}
	if !ok {
		return string(uname), ErrAuthFailed
	}
	return string(uname), nil
}

// ReadRequest reads VER CMD RSV ATYP DST.ADDR DST.PORT.
//
// For a command other than CONNECT it stops after the fixed header and
// returns the partial request with ErrCommandNotSupported; for an unknown
// address type it returns ErrAddressNotSupported. The caller is expected to
// send the matching reply.
func ReadRequest(r io.Reader) (*Request, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("request version %#x: %w", hdr[0], ErrVersion)
	}

	req := &Request{Cmd: hdr[1], Atyp: hdr[3]}
	if req.Cmd != CmdConnect {
		return req, fmt.Errorf("command %#x: %w", req.Cmd, ErrCommandNotSupported)
	}

	host, err := readAddr(r, req.Atyp)
	if err != nil {
		return req, err
	}
	req.Host = host

	port := make([]byte, 2)
	if _, err := io.ReadFull(r, port); err != nil {
		return req, fmt.Errorf("request port: %w", err)
	}
	req.Port = binary.BigEndian.Uint16(port)

	return req, nil
}

func readAddr(r io.Reader, atyp byte) (string, error) {
	switch atyp {
	case ATYPIPv4:
		b := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("request ipv4 address: %w", err)
		}
		return net.IP(b).String(), nil
	case ATYPDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(r, n); err != nil {
			return "", fmt.Errorf("request domain length: %w", err)
		}
		if n[0] == 0 {
			return "", fmt.Errorf("empty domain: %w", ErrMalformed)
		}
		b := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("request domain: %w", err)
		}
		return string(b), nil
	case ATYPIPv6:
		b := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("request ipv6 address: %w", err)
		}
		return net.IP(b).String(), nil
	default:
		return "", fmt.Errorf("address type %#x: %w", atyp, ErrAddressNotSupported)
	}
}
