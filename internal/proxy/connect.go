package proxy

import (
	"bufio"
	"context"
	"io"
	"net"

	"github.com/croxy/tollgate/internal/logging"
	"github.com/croxy/tollgate/internal/netutil"
	"github.com/croxy/tollgate/internal/proto"
)

// handleConnect establishes a CONNECT tunnel. The destination is dialed
// before anything is written back, so the tunnel is never confirmed
// half-open; on dial failure the client gets a 502.
func (s *Server) handleConnect(
	ctx context.Context,
	lConn net.Conn,
	br *bufio.Reader,
	req *proto.HTTPRequest,
	addrs []net.IPAddr,
	port int,
) error {
	logger := logging.WithLocalScope(ctx, s.logger, "connect")

	rConn, err := netutil.DialFirstSuccessful(ctx, addrs, port, s.opts.Timeout)
	if err != nil {
		_, _ = lConn.Write(req.BadGatewayResponse())
		return newError(ErrCodeConnectFailed, "failed to reach tunnel destination", err)
	}

	if _, err := lConn.Write(req.ConnEstablishedResponse()); err != nil {
		netutil.CloseConns(rConn)
		return newError(ErrCodeTunnelFailed, "failed to confirm tunnel", err)
	}

	logger.Debug().Msgf("tunnel established -> %s", rConn.RemoteAddr())

	// Client bytes that arrived behind the request head (an eager TLS
	// ClientHello) sit in the buffered reader; flush them before the
	// raw relay takes over the sockets.
	if n := br.Buffered(); n > 0 {
		if _, err := io.CopyN(rConn, br, int64(n)); err != nil {
			netutil.CloseConns(rConn)
			return newError(ErrCodeTunnelFailed, "failed to flush buffered client bytes", err)
		}
	}

	if _, _, err := netutil.RelayConns(ctx, logger, lConn, rConn); err != nil {
		return newError(ErrCodeTunnelFailed, "tunnel relay failed", err)
	}

	return nil
}
