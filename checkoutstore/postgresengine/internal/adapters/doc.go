// Package adapters provides database adapter implementations for the PostgreSQL checkout store.
//
// This package implements the adapter pattern to support multiple PostgreSQL database libraries:
// pgxpool.Pool, sql.DB, and sqlx.DB. All adapters provide equivalent functionality through
// a common DBAdapter interface, allowing the checkout store to work seamlessly with any
// supported database connection type.
//
// Besides plain query execution, the adapters expose transaction begin/commit/rollback,
// which the engine needs for its guarded, serializable write operations.
package adapters
