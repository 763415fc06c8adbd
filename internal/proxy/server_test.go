package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croxy/tollgate/internal/dns"
	"github.com/croxy/tollgate/internal/filter"
)

// loopbackResolver maps every domain to 127.0.0.1 so tests control the
// destination through the port alone.
type loopbackResolver struct {
	calls atomic.Int64
}

func (r *loopbackResolver) Resolve(_ context.Context, _ string) (dns.RecordSet, error) {
	r.calls.Add(1)

	rSet, _ := dns.LiteralRecordSet("127.0.0.1")
	return rSet, nil
}

func (r *loopbackResolver) Info() string {
	return "loopback"
}

type failingResolver struct{}

func (failingResolver) Resolve(_ context.Context, _ string) (dns.RecordSet, error) {
	return dns.RecordSet{}, errors.New("nxdomain")
}

func (failingResolver) Info() string {
	return "failing"
}

// startProxy runs a server on an ephemeral port and returns its address.
func startProxy(t *testing.T, policy *filter.Policy, resolver dns.Resolver) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(zerolog.Nop(), policy, resolver, Options{
		ListenAddr: listener.Addr().(*net.TCPAddr),
		Timeout:    5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = server.Serve(ctx, listener)
	}()

	return listener.Addr().String()
}

// startBackend runs a raw TCP backend; each accepted connection is
// counted and handed to the handler.
func startBackend(t *testing.T, handler func(conn net.Conn)) (int, *atomic.Int64) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	var conns atomic.Int64

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			conns.Add(1)
			go func() {
				defer conn.Close()
				handler(conn)
			}()
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port, &conns
}

// rawHTTPBackend reads one request head and answers with the given raw
// bytes, repeatedly until the peer hangs up.
func rawHTTPBackend(raw string) func(conn net.Conn) {
	return func(conn net.Conn) {
		br := bufio.NewReader(conn)

		for {
			if _, err := http.ReadRequest(br); err != nil {
				return
			}

			if _, err := io.WriteString(conn, raw); err != nil {
				return
			}
		}
	}
}

func echoBackend(conn net.Conn) {
	buf := make([]byte, 1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	return conn
}

func readExactly(t *testing.T, conn net.Conn, n int) string {
	t.Helper()

	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)

	return string(buf)
}

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

func TestConnectTunnel(t *testing.T) {
	backendPort, _ := startBackend(t, echoBackend)
	proxyAddr := startProxy(t, filter.NewPolicy(filter.ModeNone, nil), &loopbackResolver{})

	conn := dialProxy(t, proxyAddr)

	req := fmt.Sprintf(
		"CONNECT tunnel.example:%d HTTP/1.1\r\nHost: tunnel.example:%d\r\n\r\n",
		backendPort, backendPort,
	)
	_, err := io.WriteString(conn, req)
	require.NoError(t, err)

	assert.Equal(t, connectEstablished, readExactly(t, conn, len(connectEstablished)))

	// Opaque bytes flow both ways through the established tunnel.
	payload := "\x16\x03\x01 not actually tls"
	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)

	assert.Equal(t, payload, readExactly(t, conn, len(payload)))
}

func TestConnectEagerClientBytes(t *testing.T) {
	backendPort, _ := startBackend(t, echoBackend)
	proxyAddr := startProxy(t, filter.NewPolicy(filter.ModeNone, nil), &loopbackResolver{})

	conn := dialProxy(t, proxyAddr)

	// The client pushes payload bytes in the same write as the request
	// head, before the 200 arrives.
	req := fmt.Sprintf("CONNECT tunnel.example:%d HTTP/1.1\r\n\r\neager", backendPort)
	_, err := io.WriteString(conn, req)
	require.NoError(t, err)

	assert.Equal(t, connectEstablished, readExactly(t, conn, len(connectEstablished)))
	assert.Equal(t, "eager", readExactly(t, conn, len("eager")))
}

func TestForwardResponseVerbatim(t *testing.T) {
	// Unusual header casing, a chunk extension and a trailer must all
	// survive the relay untouched.
	raw := "HTTP/1.1 200 OK\r\n" +
		"x-CuStOm: kept-as-is\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"5;ext=1\r\nhello\r\n" +
		"7\r\n world!\r\n" +
		"0\r\n" +
		"X-Trailer: done\r\n" +
		"\r\n"

	backendPort, _ := startBackend(t, rawHTTPBackend(raw))
	proxyAddr := startProxy(t, filter.NewPolicy(filter.ModeNone, nil), &loopbackResolver{})

	conn := dialProxy(t, proxyAddr)

	req := fmt.Sprintf(
		"GET http://web.example:%d/path?q=1 HTTP/1.1\r\nHost: web.example:%d\r\n\r\n",
		backendPort, backendPort,
	)
	_, err := io.WriteString(conn, req)
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, raw, string(got))
}

func TestForwardKeepAlive(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

	backendPort, backendConns := startBackend(t, rawHTTPBackend(raw))
	proxyAddr := startProxy(t, filter.NewPolicy(filter.ModeNone, nil), &loopbackResolver{})

	conn := dialProxy(t, proxyAddr)

	req := fmt.Sprintf(
		"GET http://web.example:%d/ HTTP/1.1\r\nHost: web.example:%d\r\n\r\n",
		backendPort, backendPort,
	)

	// Two requests ride the same client connection.
	for i := 0; i < 2; i++ {
		_, err := io.WriteString(conn, req)
		require.NoError(t, err)

		assert.Equal(t, raw, readExactly(t, conn, len(raw)))
	}

	// Each forward dials its own destination connection.
	assert.Equal(t, int64(2), backendConns.Load())
}

func TestBlockedDomain(t *testing.T) {
	backendPort, backendConns := startBackend(t, echoBackend)

	policy := filter.NewPolicy(filter.ModeBlacklist, []string{"blocked.org", "**.ads.example"})
	resolver := &loopbackResolver{}
	proxyAddr := startProxy(t, policy, resolver)

	tcs := []struct {
		name string
		host string
	}{
		{"listed domain", "blocked.org"},
		{"listed domain upper case", "BLOCKED.ORG"},
		{"globstar subdomain", "x.y.ads.example"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			conn := dialProxy(t, proxyAddr)

			req := fmt.Sprintf(
				"CONNECT %s:%d HTTP/1.1\r\nHost: %s:%d\r\n\r\n",
				tc.host, backendPort, tc.host, backendPort,
			)
			_, err := io.WriteString(conn, req)
			require.NoError(t, err)

			res, err := http.ReadResponse(bufio.NewReader(conn), nil)
			require.NoError(t, err)
			defer res.Body.Close()

			assert.Equal(t, http.StatusForbidden, res.StatusCode)

			body, err := io.ReadAll(res.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), "blocked by proxy filter rules")

			// The connection is closed after the refusal.
			_, err = conn.Read(make([]byte, 1))
			assert.Equal(t, io.EOF, err)
		})
	}

	// A denied request must never resolve or touch the destination.
	assert.Equal(t, int64(0), resolver.calls.Load())
	assert.Equal(t, int64(0), backendConns.Load())
}

func TestWhitelistMode(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"
	backendPort, _ := startBackend(t, rawHTTPBackend(raw))

	policy := filter.NewPolicy(filter.ModeWhitelist, []string{"allowed.example"})
	proxyAddr := startProxy(t, policy, &loopbackResolver{})

	t.Run("listed host is forwarded", func(t *testing.T) {
		conn := dialProxy(t, proxyAddr)

		req := fmt.Sprintf(
			"GET http://allowed.example:%d/ HTTP/1.1\r\nHost: allowed.example:%d\r\n\r\n",
			backendPort, backendPort,
		)
		_, err := io.WriteString(conn, req)
		require.NoError(t, err)

		got, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, raw, string(got))
	})

	t.Run("unlisted host is refused", func(t *testing.T) {
		conn := dialProxy(t, proxyAddr)

		req := fmt.Sprintf(
			"GET http://other.example:%d/ HTTP/1.1\r\nHost: other.example:%d\r\n\r\n",
			backendPort, backendPort,
		)
		_, err := io.WriteString(conn, req)
		require.NoError(t, err)

		res, err := http.ReadResponse(bufio.NewReader(conn), nil)
		require.NoError(t, err)
		defer res.Body.Close()

		assert.Equal(t, http.StatusForbidden, res.StatusCode)
	})
}

func TestUnreachableDestination(t *testing.T) {
	// Bind a port and release it so nothing listens there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	proxyAddr := startProxy(t, filter.NewPolicy(filter.ModeNone, nil), &loopbackResolver{})

	conn := dialProxy(t, proxyAddr)

	req := fmt.Sprintf(
		"CONNECT dead.example:%d HTTP/1.1\r\nHost: dead.example:%d\r\n\r\n",
		deadPort, deadPort,
	)
	_, err = io.WriteString(conn, req)
	require.NoError(t, err)

	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Failed to reach dead.example")
}

func TestResolveFailure(t *testing.T) {
	proxyAddr := startProxy(t, filter.NewPolicy(filter.ModeNone, nil), failingResolver{})

	conn := dialProxy(t, proxyAddr)

	_, err := io.WriteString(conn,
		"GET http://unknown.example/ HTTP/1.1\r\nHost: unknown.example\r\n\r\n")
	require.NoError(t, err)

	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestMalformedRequest(t *testing.T) {
	proxyAddr := startProxy(t, filter.NewPolicy(filter.ModeNone, nil), &loopbackResolver{})

	tcs := []struct {
		name string
		raw  string
	}{
		{"not http at all", "BLAH BLAH BLAH\r\n\r\n"},
		{"unsupported method", "BREW http://pot.example/ HTTP/1.1\r\nHost: pot.example\r\n\r\n"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			conn := dialProxy(t, proxyAddr)

			_, err := io.WriteString(conn, tc.raw)
			require.NoError(t, err)

			res, err := http.ReadResponse(bufio.NewReader(conn), nil)
			require.NoError(t, err)
			defer res.Body.Close()

			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
		})
	}
}

func TestClientDisconnectBeforeRequest(t *testing.T) {
	proxyAddr := startProxy(t, filter.NewPolicy(filter.ModeNone, nil), &loopbackResolver{})

	// A connection opened and dropped without a request must not
	// disturb the server; the next request still works.
	conn := dialProxy(t, proxyAddr)
	require.NoError(t, conn.Close())

	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"
	backendPort, _ := startBackend(t, rawHTTPBackend(raw))

	conn = dialProxy(t, proxyAddr)

	req := fmt.Sprintf(
		"GET http://web.example:%d/ HTTP/1.1\r\nHost: web.example:%d\r\n\r\n",
		backendPort, backendPort,
	)
	_, err := io.WriteString(conn, req)
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, raw, string(got))
}

func TestConcurrentClients(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"
	backendPort, _ := startBackend(t, rawHTTPBackend(raw))

	policy := filter.NewPolicy(filter.ModeBlacklist, []string{"blocked.org"})
	proxyAddr := startProxy(t, policy, &loopbackResolver{})

	done := make(chan error, 8)

	for i := 0; i < 4; i++ {
		// Allowed client.
		go func() {
			conn, err := net.Dial("tcp", proxyAddr)
			if err != nil {
				done <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

			req := fmt.Sprintf(
				"GET http://web.example:%d/ HTTP/1.1\r\nHost: web.example:%d\r\n\r\n",
				backendPort, backendPort,
			)
			if _, err := io.WriteString(conn, req); err != nil {
				done <- err
				return
			}

			got, err := io.ReadAll(conn)
			if err != nil {
				done <- err
				return
			}
			if string(got) != raw {
				done <- fmt.Errorf("unexpected response %q", got)
				return
			}

			done <- nil
		}()

		// Blocked client.
		go func() {
			conn, err := net.Dial("tcp", proxyAddr)
			if err != nil {
				done <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

			req := fmt.Sprintf(
				"GET http://blocked.org:%d/ HTTP/1.1\r\nHost: blocked.org:%d\r\n\r\n",
				backendPort, backendPort,
			)
			if _, err := io.WriteString(conn, req); err != nil {
				done <- err
				return
			}

			res, err := http.ReadResponse(bufio.NewReader(conn), nil)
			if err != nil {
				done <- err
				return
			}
			defer res.Body.Close()

			if res.StatusCode != http.StatusForbidden {
				done <- fmt.Errorf("expected 403, got %d", res.StatusCode)
				return
			}

			done <- nil
		}()
	}

	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(
		zerolog.Nop(),
		filter.NewPolicy(filter.ModeNone, nil),
		&loopbackResolver{},
		Options{ListenAddr: listener.Addr().(*net.TCPAddr), Timeout: time.Second},
	)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, listener)
	}()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestErrorCodes(t *testing.T) {
	inner := errors.New("boom")
	err := newError(ErrCodeConnectFailed, "failed to reach destination", inner)

	assert.True(t, strings.HasPrefix(err.Error(), "["+ErrCodeConnectFailed+"]"))
	assert.ErrorIs(t, err, inner)
}
