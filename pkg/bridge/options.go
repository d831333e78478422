package bridge

import (
	"log/slog"
	"time"

	"github.com/rexliu/walletbridge/pkg/envelope"
	"github.com/rexliu/walletbridge/pkg/metrics"
	"github.com/rexliu/walletbridge/pkg/notify"
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records call, notification and violation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithRouter delivers notifications through r.
func WithRouter(r notify.Router[envelope.Notification]) Option {
	return func(b *Bridge) {
		if r != nil {
			b.router = r
		}
	}
}

// OnNotification delivers every notification to fn, synchronously from the
// receive loop. fn must not block on a call through the same Bridge.
func OnNotification(fn func(envelope.Notification)) Option {
	return WithRouter(notify.NewLocal(fn))
}

// WithCallTimeout bounds every call that does not carry an earlier
// deadline. Zero disables the default deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.callTimeout = d
	}
}

// WithViolationHandler is told about every protocol violation: a message
// that failed to decode or a reply nobody was waiting for.
func WithViolationHandler(fn func(raw string, err error)) Option {
	return func(b *Bridge) {
		b.onViolation = fn
	}
}

// WithStoragePath sets the engine's persistent storage path sent at
// bootstrap.
func WithStoragePath(path string) Option {
	return func(b *Bridge) {
		b.initArgs.PersistentStoragePath = path
	}
}

// WithEngineLogLevel sets the log level sent at bootstrap.
func WithEngineLogLevel(level string) Option {
	return func(b *Bridge) {
		b.initArgs.LogLevel = level
	}
}

// WithInboxSize sets the inbound queue depth.
func WithInboxSize(n int) Option {
	return func(b *Bridge) {
		b.inboxSize = n
	}
}
