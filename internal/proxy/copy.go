package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httputil"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ByteCounter receives relayed byte counts as they are written.
type ByteCounter interface {
	AddBytes(n int64)
}

// CopyOptions configures CopyBidirectional.
type CopyOptions struct {
	// Buffers supplies the per-direction copy buffers. Nil allocates
	// DefaultBufferSize buffers.
	Buffers httputil.BufferPool
	// IdleTimeout closes the relay once neither direction has moved data
	// for this long. Zero disables it.
	IdleTimeout time.Duration
	Counter     ByteCounter
}

// CopyBidirectional relays bytes between left and right until either side
// reaches EOF or fails, or ctx is done. Both connections are closed before it
// returns. It returns the total bytes written in both directions.
func CopyBidirectional(ctx context.Context, left, right net.Conn, opts CopyOptions) (int64, error) {
	bufs := opts.Buffers
	if bufs == nil {
		bufs = NewBufferPool(DefaultBufferSize)
	}

	touch := func() {}
	if opts.IdleTimeout > 0 {
		touch = func() {
			dl := time.Now().Add(opts.IdleTimeout)
			_ = left.SetDeadline(dl)
			_ = right.SetDeadline(dl)
		}
		touch()
	} else {
		_ = left.SetDeadline(time.Time{})
		_ = right.SetDeadline(time.Time{})
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	var written [2]int64
	var errs [2]error

	g.Go(func() error {
		defer closeBoth()
		written[0], errs[0] = copyConn(left, right, bufs, touch, opts.Counter)
		return errs[0]
	})

	g.Go(func() error {
		defer closeBoth()
		written[1], errs[1] = copyConn(right, left, bufs, touch, opts.Counter)
		return errs[1]
	})

	_ = g.Wait()
	total := written[0] + written[1]

	if ctx.Err() != nil {
		return total, ctx.Err()
	}
	// The direction that stopped first owns the error; the other one only
	// sees its connection closed underneath it.
	for _, err := range errs {
		if err != nil && !isClosedConnErr(err) {
			return total, err
		}
	}
	return total, nil
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// copyConn copies src to dst through a pooled buffer so every chunk is counted
// and refreshes the idle deadline.
func copyConn(dst, src net.Conn, bufs httputil.BufferPool, touch func(), counter ByteCounter) (int64, error) {
	buf := bufs.Get()
	defer bufs.Put(buf)

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			touch()
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				if counter != nil {
					counter.AddBytes(int64(nw))
				}
			}
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
