package session

import (
	"context"
	"math/rand/v2"
	"strconv"
)

// Unexported key types prevent collisions with other packages.
type (
	traceIDCtxKey    struct{}
	remoteHostCtxKey struct{}
)

// WithNewTraceID ensures a trace ID is present in the context.
// If one already exists, the original context is returned unmodified.
func WithNewTraceID(ctx context.Context) context.Context {
	if _, ok := TraceIDFrom(ctx); ok {
		return ctx
	}

	return context.WithValue(ctx, traceIDCtxKey{}, newTraceID())
}

// TraceIDFrom extracts a trace ID string from the context, if one exists.
func TraceIDFrom(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDCtxKey{}).(string)
	return traceID, ok
}

// WithRemoteHost returns a new context carrying the destination host of
// the connection being handled.
func WithRemoteHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, remoteHostCtxKey{}, host)
}

// RemoteHostFrom extracts the destination host from the context, if one exists.
func RemoteHostFrom(ctx context.Context) (string, bool) {
	host, ok := ctx.Value(remoteHostCtxKey{}).(string)
	return host, ok
}

func newTraceID() string {
	const width = 16

	s := strconv.FormatUint(rand.Uint64(), 16)
	for len(s) < width {
		s = "0" + s
	}

	return s
}
