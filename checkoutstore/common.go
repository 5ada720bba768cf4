package checkoutstore

import (
	"errors"
)

var (
	// ErrNotFound is returned when the referenced book (or checkout) does not exist.
	// It is surfaced to the caller verbatim and must not be retried.
	ErrNotFound = errors.New("referenced entity not found")

	// ErrConflict is returned when a guard read detects a state violation:
	// the book is already checked out, or the supplied checkout/borrower pair
	// does not match the open checkout on return. A business-rule rejection,
	// not a transient failure.
	ErrConflict = errors.New("checkout state conflict")

	// ErrWriteAnomaly is returned when a write affected zero rows although the
	// guard read decided the write was permitted. The transaction is rolled back.
	ErrWriteAnomaly = errors.New("write anomaly, no rows were affected")

	// ErrTransactionFailed is returned when the store failed to begin, execute,
	// commit or roll back a transaction, including serialization aborts under
	// SERIALIZABLE isolation. This is the only error kind eligible for retry.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrQueryFailed is returned when a read-only query (outside any transaction)
	// failed at the store level. An internal failure, not a business rejection.
	ErrQueryFailed = errors.New("query failed")

	// ErrNilDatabaseConnection is returned by the engine constructors when a nil pool/db is supplied.
	ErrNilDatabaseConnection = errors.New("database connection must not be nil")

	// ErrEmptyTableName is returned when an empty table name is supplied via options.
	ErrEmptyTableName = errors.New("empty table name supplied")
)
