// Package proxy implements the connection-handling pipeline: accepting
// client connections, classifying each request, evaluating the domain
// filter and executing either a plain-HTTP forward or a CONNECT tunnel.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/croxy/tollgate/internal/dns"
	"github.com/croxy/tollgate/internal/filter"
	"github.com/croxy/tollgate/internal/logging"
	"github.com/croxy/tollgate/internal/netutil"
	"github.com/croxy/tollgate/internal/proto"
	"github.com/croxy/tollgate/internal/session"
)

type Options struct {
	ListenAddr *net.TCPAddr

	// Timeout bounds request reads, DNS resolution and outbound
	// connects. Zero disables it.
	Timeout time.Duration
}

// Server owns the listener loop. The filter policy is shared read-only
// across all connection handlers; everything else a handler touches is
// exclusively its own.
type Server struct {
	logger zerolog.Logger

	policy   *filter.Policy
	resolver dns.Resolver
	opts     Options
}

func NewServer(
	logger zerolog.Logger,
	policy *filter.Policy,
	resolver dns.Resolver,
	opts Options,
) *Server {
	return &Server{
		logger:   logger,
		policy:   policy,
		resolver: resolver,
		opts:     opts,
	}
}

// ListenAndServe binds the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.ListenTCP("tcp", s.opts.ListenAddr)
	if err != nil {
		return newError(ErrCodeListenFailed, "failed to create listener", err)
	}

	return s.Serve(ctx, listener)
}

// Serve runs the accept loop on an existing listener. Each accepted
// connection is handled by its own goroutine; a handler failure never
// reaches the loop. Cancelling the context closes the listener and
// tears down in-flight connections.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	logger := s.logger.With().Ctx(ctx).Logger()

	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	logger.Info().Msgf("listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("accept loop stopped")
				return nil
			}

			if errors.Is(err, net.ErrClosed) {
				return newError(ErrCodeListenFailed, "listener closed unexpectedly", err)
			}

			logger.Error().Err(err).Msg("failed to accept new connection")
			continue
		}

		go s.handleConnection(session.WithNewTraceID(ctx), conn)
	}
}

// handleConnection drives one client connection through the request
// loop. All resources the handler owns are released on every exit
// path, including panics.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	logger := logging.WithLocalScope(ctx, s.logger, "conn")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer netutil.CloseConns(conn)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("panic", r).Msg("recovered panic in connection handler")
		}
	}()

	// The reader persists across requests so pipelined bytes survive
	// between iterations.
	br := bufio.NewReader(conn)

	for {
		again, err := s.handleRequest(ctx, conn, br)
		if err != nil {
			logging.WarnUnwrapped(&logger, "error handling request", err)
			return
		}

		if !again {
			return
		}
	}
}

// handleRequest serves one request on the connection. It returns true
// when the client connection may be reused for another request.
func (s *Server) handleRequest(
	ctx context.Context,
	conn net.Conn,
	br *bufio.Reader,
) (bool, error) {
	if s.opts.Timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.Timeout))
	}

	req, err := proto.ReadRequest(br)
	if err != nil {
		// Transport-level endings get no response; a stream that is
		// recognizably broken HTTP gets a best-effort 400.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
			netutil.IsTimeout(err) || netutil.IsConnectionResetByPeer(err) {
			return false, nil
		}

		_, _ = conn.Write(proto.BadRequestResponse())

		return false, newError(ErrCodeRequestParse, "failed to read request", err)
	}

	_ = conn.SetReadDeadline(time.Time{})

	if !req.IsValidMethod() {
		_, _ = conn.Write(proto.BadRequestResponse())
		return false, newError(ErrCodeUnsupportedMethod, "unsupported method "+req.Method, nil)
	}

	host := req.TargetHost()
	port, err := req.TargetPort()
	if err != nil || host == "" {
		_, _ = conn.Write(proto.BadRequestResponse())
		return false, newError(ErrCodeRequestParse, "failed to extract target", err)
	}

	ctx = session.WithRemoteHost(ctx, host)
	logger := logging.WithLocalScope(ctx, s.logger, "request")

	logger.Debug().
		Str("method", req.Method).
		Str("from", conn.RemoteAddr().String()).
		Msg("new request")

	// The filter runs strictly before any destination work; a denied
	// request never resolves or dials.
	if !s.policy.Allowed(host) {
		logger.Info().Str("host", host).Msg("blocked by filter policy")
		_, _ = conn.Write(req.BlockedResponse())

		return false, nil
	}

	rSet, err := s.resolveAddrs(ctx, host)
	if err != nil {
		_, _ = conn.Write(req.BadGatewayResponse())
		return false, newError(ErrCodeResolveFailed, "dns lookup failed", err)
	}

	addrs := rSet.Addrs()

	if ok, verr := netutil.ValidateDestination(addrs, port, s.opts.ListenAddr); !ok {
		_, _ = conn.Write(req.BadGatewayResponse())
		return false, newError(ErrCodeRecursiveDestination, "refusing recursive destination", verr)
	}

	if req.IsConnectMethod() {
		return false, s.handleConnect(ctx, conn, br, req, addrs, port)
	}

	return s.forwardHTTP(ctx, conn, req, addrs, port)
}

func (s *Server) resolveAddrs(ctx context.Context, host string) (dns.RecordSet, error) {
	if rSet, ok := dns.LiteralRecordSet(host); ok {
		return rSet, nil
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	return s.resolver.Resolve(ctx, host)
}
