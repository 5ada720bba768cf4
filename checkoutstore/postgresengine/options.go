package postgresengine

import (
	"github.com/libcirc/serializable-checkout-store-go/checkoutstore"
)

// Option defines a functional option for configuring CheckoutStore.
type Option func(*CheckoutStore) error

// WithBooksTableName sets the table name for the catalog's books table
// that the guard reads and list queries join against.
func WithBooksTableName(tableName string) Option {
	return func(cs *CheckoutStore) error {
		if tableName == "" {
			return checkoutstore.ErrEmptyTableName
		}

		cs.booksTableName = tableName

		return nil
	}
}

// WithCheckoutsTableName sets the table name for open checkouts.
func WithCheckoutsTableName(tableName string) Option {
	return func(cs *CheckoutStore) error {
		if tableName == "" {
			return checkoutstore.ErrEmptyTableName
		}

		cs.checkoutsTableName = tableName

		return nil
	}
}

// WithReturnedCheckoutsTableName sets the table name for the append-only returned history.
func WithReturnedCheckoutsTableName(tableName string) Option {
	return func(cs *CheckoutStore) error {
		if tableName == "" {
			return checkoutstore.ErrEmptyTableName
		}

		cs.returnedCheckoutsTableName = tableName

		return nil
	}
}

// WithLogger sets the logger for the CheckoutStore.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL queries with execution timing (development use)
// Info level: operation summaries, durations, serialization aborts (production-safe)
// Warn level: non-critical issues like cleanup failures
// Error level: critical failures that cause operation failures.
func WithLogger(logger checkoutstore.Logger) Option {
	return func(cs *CheckoutStore) error {
		cs.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the CheckoutStore.
// When both a Logger and a ContextualLogger are configured, the contextual
// logger takes precedence so log records carry trace correlation.
func WithContextualLogger(logger checkoutstore.ContextualLogger) Option {
	return func(cs *CheckoutStore) error {
		cs.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the CheckoutStore.
// The metrics collector will receive performance and operational metrics including
// operation durations, guard rejections, serialization aborts, and store errors.
func WithMetrics(collector checkoutstore.MetricsCollector) Option {
	return func(cs *CheckoutStore) error {
		cs.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the CheckoutStore.
// The tracing collector will receive one span per store operation including
// error status and result attributes.
func WithTracing(collector checkoutstore.TracingCollector) Option {
	return func(cs *CheckoutStore) error {
		cs.tracingCollector = collector
		return nil
	}
}
