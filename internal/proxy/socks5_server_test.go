package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/txthinking/socks5"

	"github.com/die-net/proxyhub/internal/auth"
	proxysocks5 "github.com/die-net/proxyhub/internal/socks5"
	"github.com/die-net/proxyhub/internal/testutil"
)

func TestSOCKS5ConnectDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	_, addr, st := startSOCKS5(t, Config{})

	client, err := socks5.NewClient(addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello"))

	_ = c.Close()
	testutil.WaitFor(t, 2*time.Second, func() bool { return st.Snapshot().ConnectionsActive == 0 }, "relay to close")

	snap := st.Snapshot()
	if snap.RequestsCount != 1 || snap.BytesTransferred != 10 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSOCKS5UserPass(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	svc := auth.New(auth.NewStaticDirectory(auth.UserRecord{Username: "alice", Active: true, Secret: "pw"}), auth.Config{})
	_, addr, st := startSOCKS5(t, Config{RequireAuth: true, Auth: svc})

	good, err := socks5.NewClient(addr, "alice", "pw", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := good.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("authed"))
	_ = c.Close()

	bad, err := socks5.NewClient(addr, "alice", "wrong", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c, err := bad.Dial("tcp", echoLn.Addr().String()); err == nil {
		_ = c.Close()
		t.Fatal("expected auth failure")
	}

	testutil.WaitFor(t, time.Second, func() bool { return st.Snapshot().AuthFailures == 1 }, "auth failure to be counted")
}

// handshake runs the no-auth greeting on a raw connection.
func handshake(t *testing.T, c net.Conn) {
	t.Helper()

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 2)
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("method reply=% x", got)
	}
}

func readReply(t *testing.T, c net.Conn) []byte {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestSOCKS5EndToEndWireBytes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	// Route the documentation address to the local echo server.
	dialed := make(chan string, 1)
	d := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		dialed <- address
		var nd net.Dialer
		return nd.DialContext(ctx, network, echoLn.Addr().String())
	})
	_, addr, _ := startSOCKS5(t, Config{Dialer: d})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	handshake(t, c)

	if _, err := c.Write([]byte{0x05, 0x01, 0x00, 0x01, 0x5d, 0xb8, 0xd8, 0x22, 0x00, 0x50}); err != nil {
		t.Fatal(err)
	}
	reply := readReply(t, c)
	if !bytes.Equal(reply[:4], []byte{0x05, 0x00, 0x00, 0x01}) {
		t.Fatalf("reply=% x", reply)
	}
	if !bytes.Equal(reply[4:8], []byte{127, 0, 0, 1}) {
		t.Fatalf("bound address=% x", reply[4:8])
	}
	if got := <-dialed; got != "93.184.216.34:80" {
		t.Fatalf("dialed %q", got)
	}

	testutil.AssertEcho(t, c, c, []byte("relay"))
}

func TestSOCKS5PipelinedData(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	_, addr, _ := startSOCKS5(t, Config{})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	tcp := echoLn.Addr().(*net.TCPAddr)
	msg := []byte{0x05, 0x01, 0x00}
	msg = append(msg, 0x05, 0x01, 0x00, 0x01)
	msg = append(msg, tcp.IP.To4()...)
	msg = append(msg, byte(tcp.Port>>8), byte(tcp.Port))
	msg = append(msg, "early"...)
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 2+10+5)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if got[1] != 0x00 || got[3] != proxysocks5.RepSuccess || string(got[12:]) != "early" {
		t.Fatalf("got % x", got)
	}
}

func TestSOCKS5Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		request []byte
		dialErr error
		wantRep byte
		dialed  bool
	}{
		{
			name:    "bind",
			request: []byte{0x05, proxysocks5.CmdBind, 0x00, 0x01},
			wantRep: proxysocks5.RepCommandNotSupported,
		},
		{
			name:    "udp associate",
			request: []byte{0x05, proxysocks5.CmdUDP, 0x00, 0x01},
			wantRep: proxysocks5.RepCommandNotSupported,
		},
		{
			name:    "unknown address type",
			request: []byte{0x05, 0x01, 0x00, 0x05},
			wantRep: proxysocks5.RepAddressNotSupported,
		},
		{
			name:    "upstream rejection",
			request: []byte{0x05, 0x01, 0x00, 0x03, 0x07, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 0x00, 0x50},
			dialErr: &proxysocks5.ReplyError{Rep: proxysocks5.RepNetworkUnreachable},
			wantRep: proxysocks5.RepNetworkUnreachable,
			dialed:  true,
		},
		{
			name:    "generic dial failure",
			request: []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50},
			dialErr: errors.New("boom"),
			wantRep: proxysocks5.RepGeneralFailure,
			dialed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialed := make(chan string, 1)
			d := dialerFunc(func(_ context.Context, _, address string) (net.Conn, error) {
				dialed <- address
				return nil, tt.dialErr
			})
			_, addr, _ := startSOCKS5(t, Config{Dialer: d})

			c, err := net.Dial("tcp", addr)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			handshake(t, c)
			if _, err := c.Write(tt.request); err != nil {
				t.Fatal(err)
			}

			reply := readReply(t, c)
			want := []byte{0x05, tt.wantRep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
			if !bytes.Equal(reply, want) {
				t.Fatalf("reply=% x want % x", reply, want)
			}

			if _, err := c.Read(make([]byte, 1)); err == nil {
				t.Fatal("expected connection to be closed after rejection")
			}

			select {
			case <-dialed:
				if !tt.dialed {
					t.Fatal("upstream dialed for a rejected request")
				}
			default:
				if tt.dialed {
					t.Fatal("expected a dial attempt")
				}
			}
		})
	}
}

func TestSOCKS5SlowDialOutlastsNegotiationTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	tests := []struct {
		name    string
		fail    bool
		wantRep byte
	}{
		{name: "timeout", fail: true, wantRep: proxysocks5.RepHostUnreachable},
		{name: "success", wantRep: proxysocks5.RepSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := dialerFunc(func(ctx context.Context, network, _ string) (net.Conn, error) {
				time.Sleep(300 * time.Millisecond)
				if tt.fail {
					return nil, &net.OpError{Op: "dial", Net: network, Err: os.ErrDeadlineExceeded}
				}
				var nd net.Dialer
				return nd.DialContext(ctx, network, echoLn.Addr().String())
			})
			_, addr, _ := startSOCKS5(t, Config{Dialer: d, NegotiationTimeout: 200 * time.Millisecond})

			c, err := net.Dial("tcp", addr)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			handshake(t, c)
			if _, err := c.Write([]byte{0x05, proxysocks5.CmdConnect, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50}); err != nil {
				t.Fatal(err)
			}

			reply := readReply(t, c)
			if reply[1] != tt.wantRep {
				t.Fatalf("reply=% x want rep %#x", reply, tt.wantRep)
			}
			if !tt.fail {
				testutil.AssertEcho(t, c, c, []byte("late"))
			}
		})
	}
}

func TestSOCKS5NoAcceptableMethod(t *testing.T) {
	t.Parallel()

	d := newCountingDialer()
	_, addr, _ := startSOCKS5(t, Config{RequireAuth: true, Dialer: d})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, _ := io.ReadAll(c)
	if !bytes.Equal(got, []byte{0x05, 0xff}) {
		t.Fatalf("got % x want 05 ff then close", got)
	}
	if d.calls.Load() != 0 {
		t.Fatal("dialed without authentication")
	}
}

func TestSOCKS5RateLimited(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	svc := auth.New(nil, auth.Config{RateLimit: 1, RateWindow: time.Minute})
	_, addr, st := startSOCKS5(t, Config{Auth: svc})

	client, err := socks5.NewClient(addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	if c, err := client.Dial("tcp", echoLn.Addr().String()); err == nil {
		_ = c.Close()
		t.Fatal("expected second connection to be refused")
	}

	testutil.WaitFor(t, time.Second, func() bool { return st.Snapshot().RateLimited == 1 }, "rate limit to be counted")
}

func TestSOCKS5CloseAbortsRelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv, addr, st := startSOCKS5(t, Config{})

	client, err := socks5.NewClient(addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("x"))

	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected relay to be closed")
	}
	if got := st.Snapshot().ConnectionsActive; got != 0 {
		t.Fatalf("active=%d want 0", got)
	}
}
