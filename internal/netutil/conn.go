package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// bufferPool hands out 32KB buffers for io.CopyBuffer so the relay hot
// path does not allocate per connection.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

type relayResult struct {
	n   int64
	err error
}

// RelayConns shuttles bytes between the client and destination
// connections in both directions until either side closes or fails.
// Bytes pass through unmodified. When one direction finishes, both
// connections are torn down, which unblocks the other direction; each
// connection is closed exactly once no matter which path got there
// first. Cancelling the context tears the relay down as well.
//
// The returned counts are bytes copied a->b and b->a.
func RelayConns(
	ctx context.Context,
	logger zerolog.Logger,
	a net.Conn,
	b net.Conn,
) (int64, int64, error) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			CloseConns(a, b)
		})
	}

	stop := context.AfterFunc(ctx, closeBoth)
	defer func() {
		stop()
		closeBoth()
	}()

	abCh := make(chan relayResult, 1)
	baCh := make(chan relayResult, 1)

	go relayDirection(abCh, b, a, closeBoth)
	go relayDirection(baCh, a, b, closeBoth)

	abRes := <-abCh
	baRes := <-baCh

	logger.Trace().
		Int64("a_to_b", abRes.n).
		Int64("b_to_a", baRes.n).
		Msg("relay done")

	if abRes.err != nil || baRes.err != nil {
		return abRes.n, baRes.n, fmt.Errorf(
			"relay %s <-> %s: %w",
			a.RemoteAddr(), b.RemoteAddr(),
			errors.Join(abRes.err, baRes.err),
		)
	}

	return abRes.n, baRes.n, nil
}

// relayDirection copies src to dst until end-of-stream or error, then
// tears down both connections so the opposite direction unblocks.
func relayDirection(
	resCh chan<- relayResult,
	dst net.Conn,
	src net.Conn,
	closeBoth func(),
) {
	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)

	n, err := io.CopyBuffer(dst, src, *bufPtr)

	closeBoth()

	// A teardown triggered by the opposite direction or by shutdown
	// surfaces as ErrClosed/EPIPE here; that is a clean exit.
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) &&
		!errors.Is(err, syscall.EPIPE) {
		resCh <- relayResult{n: n, err: err}
		return
	}

	resCh <- relayResult{n: n}
}

// CloseConns closes one or more io.Closers. It is nil-safe, safe to
// call on already-closed connections, and ignores Close errors.
func CloseConns(closers ...io.Closer) {
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}
