// Package postgresengine provides the PostgreSQL implementation of the checkout store.
//
// The two mutating operations (CreateCheckout, CloseCheckout) run inside a
// transaction raised to SERIALIZABLE isolation: a guard read decides whether
// the mutation is permitted, and the database's concurrency control aborts one
// of two conflicting transactions instead of letting both pass the guard.
// Serialization aborts surface as checkoutstore.ErrTransactionFailed and can be
// retried with checkoutstore.RetryWithExponentialBackoff.
//
// The read operations run outside any transaction on the adapter's plain
// connection and accept read-committed semantics.
//
// Key features:
//   - Multiple database adapter support (pgxpool, sql.DB, sqlx.DB)
//   - Optional read-replica routing on the pgx adapter
//   - Configurable table names and dual-logger support
//   - Metrics and tracing ports with OpenTelemetry adapters available
//
// Usage examples:
//
//	// Basic usage
//	pool, _ := pgxpool.New(context.Background(), dsn)
//	store, _ := postgresengine.NewCheckoutStoreFromPGXPool(pool)
//
//	// With options
//	store, _ := postgresengine.NewCheckoutStoreFromPGXPool(
//		pool,
//		postgresengine.WithCheckoutsTableName("circulation_checkouts"),
//		postgresengine.WithLogger(logger),
//	)
//
//	checkoutID, err := store.CreateCheckout(ctx, bookID, borrowerID, time.Now())
//	err = store.CloseCheckout(ctx, checkoutID, bookID, borrowerID, time.Now())
package postgresengine
