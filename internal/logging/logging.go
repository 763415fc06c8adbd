package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/croxy/tollgate/internal/session"
)

const (
	scopeFieldName      = "scope"
	localScopeFieldName = "local_scope"
	traceIDFieldName    = "trace_id"
	remoteHostFieldName = "remote_host"
)

// SetGlobalLogger configures the global zerolog.Logger with a console
// writer and a hook that lifts per-connection values out of the context.
func SetGlobalLogger(ctx context.Context, level zerolog.Level) {
	zerolog.SetGlobalLevel(level)

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		// FormatPrepare intercepts fields just before printing so scopes
		// render as [scope] and missing fields render as empty strings.
		FormatPrepare: func(m map[string]any) error {
			if v, ok := m[traceIDFieldName].(string); !ok || v == "" {
				m[traceIDFieldName] = ""
			}

			if v, ok := m[scopeFieldName].(string); ok && v != "" {
				m[scopeFieldName] = fmt.Sprintf("[%s]", v)
			} else {
				m[scopeFieldName] = "[app]"
			}

			if v, ok := m[localScopeFieldName].(string); ok && v != "" {
				m[localScopeFieldName] = fmt.Sprintf("%s;", v)
			} else {
				m[localScopeFieldName] = ""
			}

			if v, ok := m[remoteHostFieldName].(string); ok && v != "" {
				m[remoteHostFieldName] = fmt.Sprintf("%s;", v)
			} else {
				m[remoteHostFieldName] = ""
			}

			return nil
		},
		// The fields are already rendered by FormatPrepare; excluding the
		// raw names prevents duplicate output.
		FieldsExclude: []string{
			traceIDFieldName,
			scopeFieldName,
			remoteHostFieldName,
			localScopeFieldName,
		},
		PartsOrder: []string{
			zerolog.LevelFieldName,
			zerolog.TimestampFieldName,
			traceIDFieldName,
			scopeFieldName,
			remoteHostFieldName,
			localScopeFieldName,
			zerolog.MessageFieldName,
		},
	}

	logger := zerolog.New(consoleWriter).Hook(ctxHook{})

	log.Logger = logger.With().Timestamp().Ctx(ctx).Logger()
}

// WithScope creates a sub-logger carrying a component name, set once at
// component construction time.
func WithScope(logger zerolog.Logger, scope string) zerolog.Logger {
	return logger.With().Str(scopeFieldName, scope).Logger()
}

// WithLocalScope attaches the context and a short operation name to the
// logger, used at the top of per-connection code paths.
func WithLocalScope(
	ctx context.Context,
	logger zerolog.Logger,
	localScope string,
) zerolog.Logger {
	return logger.With().Ctx(ctx).Str(localScopeFieldName, localScope).Logger()
}

// ctxHook extracts connection-scoped values from the context attached
// via .Ctx(ctx) and adds them to every log event.
type ctxHook struct{}

func (h ctxHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	if traceID, ok := session.TraceIDFrom(ctx); ok {
		e.Str(traceIDFieldName, traceID)
	}

	if host, ok := session.RemoteHostFrom(ctx); ok {
		e.Str(remoteHostFieldName, host)
	}
}

type joinableError interface {
	Unwrap() []error
}

// ErrorUnwrapped logs each member of a joined error separately.
// A non-joined error is logged as-is.
func ErrorUnwrapped(logger *zerolog.Logger, msg string, err error) {
	logUnwrapped(logger, zerolog.ErrorLevel, msg, err)
}

func WarnUnwrapped(logger *zerolog.Logger, msg string, err error) {
	logUnwrapped(logger, zerolog.WarnLevel, msg, err)
}

func logUnwrapped(logger *zerolog.Logger, level zerolog.Level, msg string, err error) {
	var joined joinableError

	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			logger.WithLevel(level).Err(e).Msg(msg)
		}

		return
	}

	logger.WithLevel(level).Err(err).Msg(msg)
}
