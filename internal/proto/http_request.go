// Package proto reads and classifies the leading HTTP request of a
// proxied connection and builds the small set of wire responses the
// proxy writes itself.
package proto

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// validMethods contains the set of HTTP methods the proxy will relay.
var validMethods = map[string]bool{
	"CONNECT": true,
	"DELETE":  true,
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
	"PATCH":   true,
	"POST":    true,
	"PUT":     true,
	"TRACE":   true,

	// WebDAV and other extension methods pass through untouched.
	"COPY":      true,
	"LOCK":      true,
	"MKCOL":     true,
	"MOVE":      true,
	"PROPFIND":  true,
	"PROPPATCH": true,
	"REPORT":    true,
	"SEARCH":    true,
	"UNLOCK":    true,
}

// HTTPRequest wraps the parsed request with proxy-side helpers.
type HTTPRequest struct {
	*http.Request
}

// ReadRequest parses the next request from the buffered client stream.
// The reader is handed in by the caller so that unread bytes survive
// across requests on a persistent connection.
func ReadRequest(br *bufio.Reader) (*HTTPRequest, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, err
	}

	return &HTTPRequest{Request: req}, nil
}

// TargetHost returns the destination host without a port. For CONNECT
// the authority form of the request line is used verbatim; for other
// methods the absolute-form URI wins over the Host header.
func (r *HTTPRequest) TargetHost() string {
	authority := r.authority()

	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}

	return host
}

// TargetPort returns the destination port, defaulting to 443 for
// CONNECT and 80 for everything else when the authority has none.
func (r *HTTPRequest) TargetPort() (int, error) {
	_, port, err := net.SplitHostPort(r.authority())
	if err != nil {
		if r.IsConnectMethod() {
			return 443, nil
		}

		return 80, nil
	}

	return strconv.Atoi(port)
}

func (r *HTTPRequest) authority() string {
	if !r.IsConnectMethod() && r.URL != nil && r.URL.Host != "" {
		return r.URL.Host
	}

	return r.Host
}

// IsValidMethod returns true if the request method can be relayed.
func (r *HTTPRequest) IsValidMethod() bool {
	return validMethods[r.Method]
}

// IsConnectMethod returns true if the request method is CONNECT.
func (r *HTTPRequest) IsConnectMethod() bool {
	return r.Method == http.MethodConnect
}

// WantsKeepAlive reports whether the client side of the connection may
// be reused after the current exchange.
func (r *HTTPRequest) WantsKeepAlive() bool {
	if hasToken(r.Header.Get("Connection"), "close") ||
		hasToken(r.Header.Get("Proxy-Connection"), "close") {
		return false
	}

	if r.ProtoAtLeast(1, 1) {
		return true
	}

	// HTTP/1.0 requires an explicit opt-in.
	return hasToken(r.Header.Get("Connection"), "keep-alive") ||
		hasToken(r.Header.Get("Proxy-Connection"), "keep-alive")
}

func hasToken(headerValue, token string) bool {
	for _, v := range strings.Split(headerValue, ",") {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return true
		}
	}

	return false
}

// ConnEstablishedResponse is written to the client once the CONNECT
// destination is reachable.
func (r *HTTPRequest) ConnEstablishedResponse() []byte {
	return []byte(r.Proto + " 200 Connection Established\r\n\r\n")
}

// BlockedResponse is the 403 written when the domain filter denies the
// request.
func (r *HTTPRequest) BlockedResponse() []byte {
	body := fmt.Sprintf("Access to %s is blocked by proxy filter rules\n", r.TargetHost())
	return plaintextResponse(r.Proto, "403 Forbidden", body)
}

// BadGatewayResponse is the 502 written when the destination cannot be
// resolved or connected.
func (r *HTTPRequest) BadGatewayResponse() []byte {
	body := fmt.Sprintf("Failed to reach %s\n", r.TargetHost())
	return plaintextResponse(r.Proto, "502 Bad Gateway", body)
}

// BadRequestResponse is a best-effort 400 for streams that failed to
// parse as HTTP. There is no request to take a protocol version from.
func BadRequestResponse() []byte {
	return plaintextResponse("HTTP/1.1", "400 Bad Request", "Malformed proxy request\n")
}

func plaintextResponse(proto, status, body string) []byte {
	return []byte(fmt.Sprintf(
		"%s %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		proto, status, len(body), body,
	))
}
