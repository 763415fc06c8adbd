package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/croxy/tollgate/internal/logging"
	"github.com/croxy/tollgate/internal/netutil"
	"github.com/croxy/tollgate/internal/proto"
)

// maxResponseHeadBytes bounds how much response head the proxy will
// buffer before giving up on the destination.
const maxResponseHeadBytes = 64 * 1024

// forwardHTTP relays one plain-HTTP exchange. The destination's
// response reaches the client byte-for-byte: the head is streamed raw
// and parsed only enough to learn the body framing. Returns true when
// both sides permit reusing the client connection.
func (s *Server) forwardHTTP(
	ctx context.Context,
	lConn net.Conn,
	req *proto.HTTPRequest,
	addrs []net.IPAddr,
	port int,
) (bool, error) {
	logger := logging.WithLocalScope(ctx, s.logger, "forward")

	rConn, err := netutil.DialFirstSuccessful(ctx, addrs, port, s.opts.Timeout)
	if err != nil {
		_, _ = lConn.Write(req.BadGatewayResponse())
		return false, newError(ErrCodeConnectFailed, "failed to reach destination", err)
	}
	defer netutil.CloseConns(rConn)

	logger.Debug().Msgf("new remote conn -> %s", rConn.RemoteAddr())

	if err := req.Write(rConn); err != nil {
		return false, newError(ErrCodeRequestForward, "failed to forward request", err)
	}

	// The deadline covers the response head; the body may legitimately
	// stream for longer than any fixed timeout.
	if s.opts.Timeout > 0 {
		_ = rConn.SetReadDeadline(time.Now().Add(s.opts.Timeout))
	}

	rbr := bufio.NewReader(rConn)

	res, err := relayResponse(lConn, rbr, rConn, req.Method, s.opts.Timeout)
	if err != nil {
		return false, newError(ErrCodeResponseRelay, "failed to relay response", err)
	}

	logger.Debug().
		Int("status", res.status).
		Int64("len", res.written).
		Msg("response relayed")

	return req.WantsKeepAlive() && res.keepAlive, nil
}

type relayedResponse struct {
	status    int
	keepAlive bool
	written   int64
}

type bodyFraming int

const (
	framingNone bodyFraming = iota
	framingLength
	framingChunked
	framingUntilClose
)

// relayResponse streams the destination's response to the client
// verbatim. The raw head bytes are captured, parsed for framing and
// written through unchanged, then the body follows per Content-Length,
// chunked encoding, or read-to-EOF.
func relayResponse(
	dst io.Writer,
	src *bufio.Reader,
	srcConn net.Conn,
	reqMethod string,
	timeout time.Duration,
) (*relayedResponse, error) {
	var head bytes.Buffer

	for {
		line, err := src.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading response head: %w", err)
		}

		head.WriteString(line)

		if line == "\r\n" || line == "\n" {
			break
		}

		if head.Len() > maxResponseHeadBytes {
			return nil, fmt.Errorf("response head exceeds %d bytes", maxResponseHeadBytes)
		}
	}

	res, framing, length, err := parseResponseHead(head.Bytes(), reqMethod)
	if err != nil {
		return nil, err
	}

	n, err := dst.Write(head.Bytes())
	res.written += int64(n)
	if err != nil {
		return nil, err
	}

	// Head is in; the body streams without a fixed deadline.
	if timeout > 0 && srcConn != nil {
		_ = srcConn.SetReadDeadline(time.Time{})
	}

	switch framing {
	case framingNone:

	case framingLength:
		m, err := io.CopyN(dst, src, length)
		res.written += m
		if err != nil {
			return nil, fmt.Errorf("relaying %d-byte body: %w", length, err)
		}

	case framingChunked:
		m, err := relayChunkedBody(dst, src)
		res.written += m
		if err != nil {
			return nil, fmt.Errorf("relaying chunked body: %w", err)
		}

	case framingUntilClose:
		m, err := io.Copy(dst, src)
		res.written += m
		res.keepAlive = false
		if err != nil {
			return nil, fmt.Errorf("relaying unframed body: %w", err)
		}
	}

	return res, nil
}

// parseResponseHead derives status, keep-alive and body framing from
// the captured head bytes without altering them.
func parseResponseHead(
	raw []byte,
	reqMethod string,
) (*relayedResponse, bodyFraming, int64, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))

	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, framingNone, 0, fmt.Errorf("reading status line: %w", err)
	}

	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, framingNone, 0, fmt.Errorf("malformed status line %q", statusLine)
	}

	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, framingNone, 0, fmt.Errorf("malformed status code %q", parts[1])
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, framingNone, 0, fmt.Errorf("reading response headers: %w", err)
	}

	proto11 := parts[0] == "HTTP/1.1"
	connHeader := header.Get("Connection")

	keepAlive := proto11 && !headerHasToken(connHeader, "close")
	if !proto11 {
		keepAlive = headerHasToken(connHeader, "keep-alive")
	}

	res := &relayedResponse{status: status, keepAlive: keepAlive}

	bodyless := reqMethod == http.MethodHead ||
		status/100 == 1 || status == http.StatusNoContent || status == http.StatusNotModified
	if bodyless {
		return res, framingNone, 0, nil
	}

	if headerHasToken(header.Get("Transfer-Encoding"), "chunked") {
		return res, framingChunked, 0, nil
	}

	if cl := header.Get("Content-Length"); cl != "" {
		length, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || length < 0 {
			return nil, framingNone, 0, fmt.Errorf("malformed Content-Length %q", cl)
		}

		if length == 0 {
			return res, framingNone, 0, nil
		}

		return res, framingLength, length, nil
	}

	return res, framingUntilClose, 0, nil
}

// relayChunkedBody copies a chunked body through verbatim, including
// chunk-size lines, extensions and trailers.
func relayChunkedBody(dst io.Writer, src *bufio.Reader) (int64, error) {
	var written int64

	for {
		line, err := src.ReadString('\n')
		if err != nil {
			return written, err
		}

		n, err := io.WriteString(dst, line)
		written += int64(n)
		if err != nil {
			return written, err
		}

		size, err := parseChunkSize(line)
		if err != nil {
			return written, err
		}

		if size == 0 {
			break
		}

		// Chunk data plus its trailing CRLF.
		m, err := io.CopyN(dst, src, size+2)
		written += m
		if err != nil {
			return written, err
		}
	}

	// Trailer section, terminated by a blank line.
	for {
		line, err := src.ReadString('\n')
		if err != nil {
			return written, err
		}

		n, err := io.WriteString(dst, line)
		written += int64(n)
		if err != nil {
			return written, err
		}

		if line == "\r\n" || line == "\n" {
			break
		}
	}

	return written, nil
}

func parseChunkSize(line string) (int64, error) {
	s := strings.TrimSpace(line)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}

	return strconv.ParseInt(s, 16, 64)
}

func headerHasToken(headerValue, token string) bool {
	for _, v := range strings.Split(headerValue, ",") {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return true
		}
	}

	return false
}
