package postgreswrapper

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"

	"github.com/libcirc/serializable-checkout-store-go/checkoutstore/postgresengine"
	"github.com/libcirc/serializable-checkout-store-go/testutil/postgresengine/config"
)

// Engine type constants, selected via the ADAPTER_TYPE environment variable.
const (
	typePGXPool = "pgx.pool"
	typeSQLDB   = "sql.db"
	typeSQLXDB  = "sqlx.db"
)

// Wrapper abstracts over the different engine types.
type Wrapper interface {
	GetCheckoutStore() *postgresengine.CheckoutStore
	Close()
}

// PGXPoolWrapper wraps pgxpool-based testing.
type PGXPoolWrapper struct {
	pool  *pgxpool.Pool
	store *postgresengine.CheckoutStore
}

func (w *PGXPoolWrapper) GetCheckoutStore() *postgresengine.CheckoutStore {
	return w.store
}

func (w *PGXPoolWrapper) Close() {
	w.pool.Close()
}

// SQLDBWrapper wraps sql.DB-based testing.
type SQLDBWrapper struct {
	db    *sql.DB
	store *postgresengine.CheckoutStore
}

func (w *SQLDBWrapper) GetCheckoutStore() *postgresengine.CheckoutStore {
	return w.store
}

func (w *SQLDBWrapper) Close() {
	_ = w.db.Close() // ignore error
}

// SQLXWrapper wraps sqlx.DB-based testing.
type SQLXWrapper struct {
	db    *sqlx.DB
	store *postgresengine.CheckoutStore
}

func (w *SQLXWrapper) GetCheckoutStore() *postgresengine.CheckoutStore {
	return w.store
}

func (w *SQLXWrapper) Close() {
	_ = w.db.Close() // ignore error
}

// CreateWrapperWithTestConfig creates the appropriate wrapper based on the
// ADAPTER_TYPE environment variable and ensures the schema exists.
func CreateWrapperWithTestConfig(t testing.TB, options ...postgresengine.Option) Wrapper {
	wrapper := createWrapper(t, options...)
	createTables(t, wrapper)

	return wrapper
}

func createWrapper(t testing.TB, options ...postgresengine.Option) Wrapper {
	engineTypeFromEnv := strings.ToLower(os.Getenv("ADAPTER_TYPE"))

	switch engineTypeFromEnv {
	case typePGXPool, "":
		connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolSingleConfig())
		assert.NoError(t, err, "error connecting to DB pool in test setup")

		store, err := postgresengine.NewCheckoutStoreFromPGXPool(connPool, options...)
		assert.NoError(t, err, "error creating checkout store")

		return &PGXPoolWrapper{pool: connPool, store: store}

	case typeSQLDB:
		db := config.PostgresSQLDBSingleConfig()

		store, err := postgresengine.NewCheckoutStoreFromSQLDB(db, options...)
		assert.NoError(t, err, "error creating checkout store")

		return &SQLDBWrapper{db: db, store: store}

	case typeSQLXDB:
		db := config.PostgresSQLXSingleConfig()

		store, err := postgresengine.NewCheckoutStoreFromSQLX(db, options...)
		assert.NoError(t, err, "error creating checkout store")

		return &SQLXWrapper{db: db, store: store}

	default: // neither one of the known types nor empty
		panic(fmt.Sprintf("unsupported wrapper type from env: %s", engineTypeFromEnv))
	}
}

// TryCreateStoreWithOptions creates a store with the given options and returns
// the error, for testing option validation.
func TryCreateStoreWithOptions(t testing.TB, options ...postgresengine.Option) error {
	engineTypeFromEnv := strings.ToLower(os.Getenv("ADAPTER_TYPE"))

	switch engineTypeFromEnv {
	case typePGXPool, "":
		connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolSingleConfig())
		assert.NoError(t, err, "error connecting to DB pool in test setup")
		defer connPool.Close()

		_, err = postgresengine.NewCheckoutStoreFromPGXPool(connPool, options...)

		return err

	case typeSQLDB:
		db := config.PostgresSQLDBSingleConfig()
		defer func(db *sql.DB) {
			_ = db.Close() // makes no sense to handle this
		}(db)

		_, err := postgresengine.NewCheckoutStoreFromSQLDB(db, options...)

		return err

	case typeSQLXDB:
		db := config.PostgresSQLXSingleConfig()
		defer func(db *sqlx.DB) {
			_ = db.Close() // makes no sense to handle this
		}(db)

		_, err := postgresengine.NewCheckoutStoreFromSQLX(db, options...)

		return err

	default: // neither one of the known types nor empty
		panic(fmt.Sprintf("unsupported wrapper type from env: %s", engineTypeFromEnv))
	}
}

// ExecuteSQL runs a statement against the wrapped database.
func ExecuteSQL(t testing.TB, wrapper Wrapper, query string) {
	var err error

	switch w := wrapper.(type) {
	case *PGXPoolWrapper:
		_, err = w.pool.Exec(context.Background(), query)

	case *SQLDBWrapper:
		_, err = w.db.Exec(query)

	case *SQLXWrapper:
		_, err = w.db.Exec(query)

	default:
		panic(fmt.Sprintf("unsupported wrapper type: %T", w))
	}

	assert.NoError(t, err, "error executing sql in test setup")
}

// CountRows returns the number of rows in the given table.
func CountRows(t testing.TB, wrapper Wrapper, tableName string) int {
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, tableName)

	var cnt int
	var err error

	switch w := wrapper.(type) {
	case *PGXPoolWrapper:
		err = w.pool.QueryRow(context.Background(), query).Scan(&cnt)

	case *SQLDBWrapper:
		err = w.db.QueryRow(query).Scan(&cnt)

	case *SQLXWrapper:
		err = w.db.QueryRow(query).Scan(&cnt)

	default:
		panic(fmt.Sprintf("unsupported wrapper type: %T", w))
	}

	assert.NoError(t, err, "error counting rows in test")

	return cnt
}

// CleanUp truncates the circulation tables for the given wrapper.
func CleanUp(t testing.TB, wrapper Wrapper) {
	ExecuteSQL(t, wrapper, `TRUNCATE TABLE returned_checkouts, checkouts, books`)
}

// createTables bootstraps the circulation schema if it does not exist yet.
func createTables(t testing.TB, wrapper Wrapper) {
	ExecuteSQL(t, wrapper, `
		CREATE TABLE IF NOT EXISTS books (
			book_id UUID PRIMARY KEY,
			title   TEXT NOT NULL,
			author  TEXT NOT NULL,
			isbn    TEXT NOT NULL
		)`)

	ExecuteSQL(t, wrapper, `
		CREATE TABLE IF NOT EXISTS checkouts (
			checkout_id    UUID PRIMARY KEY,
			book_id        UUID NOT NULL REFERENCES books (book_id),
			user_id        UUID NOT NULL,
			checked_out_at TIMESTAMPTZ NOT NULL,
			UNIQUE (book_id)
		)`)

	ExecuteSQL(t, wrapper, `
		CREATE TABLE IF NOT EXISTS returned_checkouts (
			checkout_id    UUID PRIMARY KEY,
			book_id        UUID NOT NULL REFERENCES books (book_id),
			user_id        UUID NOT NULL,
			checked_out_at TIMESTAMPTZ NOT NULL,
			returned_at    TIMESTAMPTZ NOT NULL
		)`)
}
