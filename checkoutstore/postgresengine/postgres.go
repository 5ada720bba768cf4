package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/libcirc/serializable-checkout-store-go/checkoutstore"
	"github.com/libcirc/serializable-checkout-store-go/checkoutstore/postgresengine/internal/adapters"
)

const (
	defaultBooksTableName             = "books"
	defaultCheckoutsTableName         = "checkouts"
	defaultReturnedCheckoutsTableName = "returned_checkouts"

	// Must be the first statement of the transaction - relational engines fix
	// the isolation level at the first query or DML statement.
	sqlSetSerializable = "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE"

	logMsgBuildQueryFailed    = "failed to build sql query"
	logMsgDBQueryFailed       = "database query execution failed"
	logMsgDBExecFailed        = "database statement execution failed"
	logMsgCloseRowsFailed     = "failed to close database rows"
	logMsgScanRowFailed       = "failed to scan database row"
	logMsgBadRowData          = "failed to build checkout from database row"
	logMsgBeginTxFailed       = "failed to begin transaction"
	logMsgCommitTxFailed      = "failed to commit transaction"
	logMsgRollbackTxFailed    = "failed to roll back transaction"
	logMsgRowsAffectedFailed  = "failed to get rows affected count"
	logMsgSerializationAbort  = "serialization abort detected"
	logMsgGuardRejected       = "guard read rejected the operation"
	logMsgWriteAnomaly        = "write affected no rows despite passing the guard read"
	logMsgCheckoutCreated     = "checkout created"
	logMsgCheckoutClosed      = "checkout closed"
	logMsgQueryCompleted      = "query completed"
	logMsgSQLExecuted         = "executed sql for: "
	logMsgOperation           = "checkout store operation: "

	logAttrError         = "error"
	logAttrQuery         = "query"
	logAttrBookID        = "book_id"
	logAttrCheckoutID    = "checkout_id"
	logAttrBorrowerID    = "borrower_id"
	logAttrDurationMS    = "duration_ms"
	logAttrCheckoutCount = "checkout_count"
	logAttrRowsAffected  = "rows_affected"

	colBookID       = "book_id"
	colCheckoutID   = "checkout_id"
	colUserID       = "user_id"
	colCheckedOutAt = "checked_out_at"
	colReturnedAt   = "returned_at"
	colTitle        = "title"
	colAuthor       = "author"
	colISBN         = "isbn"

	aliasBooks     = "b"
	aliasCheckouts = "c"
	aliasReturned  = "rc"

	dialectPostgres = "postgres"
	castTypeText    = "TEXT"
)

var (
	errBookNotFound           = errors.New("no book with the given id exists")
	errBookAlreadyCheckedOut  = errors.New("book is already checked out")
	errCheckoutMismatch       = errors.New("open checkout does not match the given checkout id and borrower")
	errNoCheckoutCreated      = errors.New("no checkout record has been created")
	errNoReturnRecordCreated  = errors.New("no returning record has been updated")
	errNoCheckoutDeleted      = errors.New("no checkout record has been deleted")
	errGeneratingIDFailed     = errors.New("generating a new checkout id failed")
	errBuildingQueryFailed    = errors.New("building sql query failed")
)

type (
	sqlQueryString    = string
	rowsAffectedInt64 = int64
)

// CheckoutStore manages lifecycle state for physical book checkouts against a
// PostgreSQL store: recording checkouts, validating and recording returns, and
// reconstructing per-book history. It leverages a database adapter and supports
// customizable logging, metrics, tracing and table configuration.
type CheckoutStore struct {
	db                         adapters.DBAdapter
	booksTableName             string
	checkoutsTableName         string
	returnedCheckoutsTableName string
	logger                     checkoutstore.Logger
	contextualLogger           checkoutstore.ContextualLogger
	metricsCollector           checkoutstore.MetricsCollector
	tracingCollector           checkoutstore.TracingCollector
}

// bookCheckoutState is the result of the guard read: the book joined with its
// open checkout, if any. A nil *bookCheckoutState means the book does not exist;
// uuid.Nil ids mean no open checkout.
type bookCheckoutState struct {
	bookID         uuid.UUID
	openCheckoutID uuid.UUID
	openBorrowerID uuid.UUID
}

// NewCheckoutStoreFromPGXPool creates a new CheckoutStore using a pgx Pool with optional configuration.
func NewCheckoutStoreFromPGXPool(pool *pgxpool.Pool, options ...Option) (*CheckoutStore, error) {
	if pool == nil {
		return nil, checkoutstore.ErrNilDatabaseConnection
	}

	return newCheckoutStore(adapters.NewPGXAdapter(pool), options...)
}

// NewCheckoutStoreFromPGXPoolAndReplica creates a new CheckoutStore using a pgx Pool
// for transactions and a replica pool for the read-only operations.
func NewCheckoutStoreFromPGXPoolAndReplica(pool *pgxpool.Pool, replica *pgxpool.Pool, options ...Option) (*CheckoutStore, error) {
	if pool == nil || replica == nil {
		return nil, checkoutstore.ErrNilDatabaseConnection
	}

	return newCheckoutStore(adapters.NewPGXAdapterWithReplica(pool, replica), options...)
}

// NewCheckoutStoreFromSQLDB creates a new CheckoutStore using a sql.DB with optional configuration.
func NewCheckoutStoreFromSQLDB(db *sql.DB, options ...Option) (*CheckoutStore, error) {
	if db == nil {
		return nil, checkoutstore.ErrNilDatabaseConnection
	}

	return newCheckoutStore(adapters.NewSQLAdapter(db), options...)
}

// NewCheckoutStoreFromSQLX creates a new CheckoutStore using a sqlx.DB with optional configuration.
func NewCheckoutStoreFromSQLX(db *sqlx.DB, options ...Option) (*CheckoutStore, error) {
	if db == nil {
		return nil, checkoutstore.ErrNilDatabaseConnection
	}

	return newCheckoutStore(adapters.NewSQLXAdapter(db), options...)
}

func newCheckoutStore(db adapters.DBAdapter, options ...Option) (*CheckoutStore, error) {
	cs := &CheckoutStore{
		db:                         db,
		booksTableName:             defaultBooksTableName,
		checkoutsTableName:         defaultCheckoutsTableName,
		returnedCheckoutsTableName: defaultReturnedCheckoutsTableName,
	}

	for _, option := range options {
		if err := option(cs); err != nil {
			return nil, err
		}
	}

	return cs, nil
}

/* ------------------------------- mutations ------------------------------- */

// CreateCheckout records that the given borrower checked out the given book and
// returns the generated checkout id.
//
// It runs inside a SERIALIZABLE transaction: a guard read verifies the book
// exists and has no open checkout, then exactly one checkout row is inserted.
// Fails with checkoutstore.ErrNotFound when the book does not exist, with
// checkoutstore.ErrConflict when the book is already checked out, and with
// checkoutstore.ErrTransactionFailed when the store aborts the transaction
// (including serialization aborts under contention, which can be retried).
func (cs *CheckoutStore) CreateCheckout(
	ctx context.Context,
	bookID uuid.UUID,
	borrowerID uuid.UUID,
	checkedOutAt time.Time,
) (uuid.UUID, error) {

	ctx, span := cs.startOperationSpan(ctx, operationCreateCheckout, map[string]string{spanAttrBookID: bookID.String()})
	start := time.Now()

	checkoutID, createErr := cs.createCheckout(ctx, bookID, borrowerID, checkedOutAt)
	duration := time.Since(start)

	if createErr != nil {
		cs.observeFailure(ctx, span, operationCreateCheckout, createErr, duration)
		return uuid.Nil, createErr
	}

	cs.logOperation(ctx, logMsgOperation+logMsgCheckoutCreated,
		logAttrCheckoutID, checkoutID.String(),
		logAttrBookID, bookID.String(),
		logAttrBorrowerID, borrowerID.String(),
		logAttrDurationMS, toMilliseconds(duration))

	cs.observeSuccess(ctx, span, operationCreateCheckout, duration, map[string]string{spanAttrCheckoutID: checkoutID.String()})

	return checkoutID, nil
}

func (cs *CheckoutStore) createCheckout(
	ctx context.Context,
	bookID uuid.UUID,
	borrowerID uuid.UUID,
	checkedOutAt time.Time,
) (uuid.UUID, error) {

	// An id generation failure is a transient entropy problem, so it joins the
	// retryable kind.
	checkoutID, idErr := uuid.NewV7()
	if idErr != nil {
		return uuid.Nil, errors.Join(checkoutstore.ErrTransactionFailed, errGeneratingIDFailed, idErr)
	}

	tx, beginErr := cs.beginSerializableTx(ctx)
	if beginErr != nil {
		return uuid.Nil, beginErr
	}
	defer cs.rollbackOnAbandon(ctx, tx)

	state, readErr := cs.readBookCheckoutState(ctx, tx, bookID, operationCreateCheckout)
	if readErr != nil {
		return uuid.Nil, readErr
	}

	if decisionErr := decideCreateCheckout(state); decisionErr != nil {
		cs.logOperation(ctx, logMsgOperation+logMsgGuardRejected,
			logAttrBookID, bookID.String(),
			logAttrError, decisionErr.Error())

		return uuid.Nil, decisionErr
	}

	sqlQuery, buildErr := cs.buildInsertCheckoutQuery(ctx, checkoutID, bookID, borrowerID, checkedOutAt)
	if buildErr != nil {
		return uuid.Nil, buildErr
	}

	rowsAffected, execErr := cs.execInTx(ctx, tx, sqlQuery, operationCreateCheckout)
	if execErr != nil {
		return uuid.Nil, execErr
	}

	// Unreachable when the guard read held under serializable isolation,
	// but guards against driver or race inconsistencies.
	if rowsAffected < 1 {
		cs.logError(ctx, logMsgWriteAnomaly, errNoCheckoutCreated, logAttrRowsAffected, rowsAffected)
		return uuid.Nil, errors.Join(checkoutstore.ErrWriteAnomaly, errNoCheckoutCreated)
	}

	if commitErr := cs.commitTx(ctx, tx); commitErr != nil {
		return uuid.Nil, commitErr
	}

	return checkoutID, nil
}

// CloseCheckout records the return of a checked-out book: the open checkout row
// is copied into the returned history with the given timestamp and then deleted,
// atomically, inside a SERIALIZABLE transaction.
//
// The guard read fails with checkoutstore.ErrNotFound when the book does not
// exist, and with checkoutstore.ErrConflict when the open checkout's
// (checkout id, borrower) pair does not match the supplied one. A checkout that
// is already closed surfaces as checkoutstore.ErrWriteAnomaly, because the
// insert-from-select then affects zero rows.
func (cs *CheckoutStore) CloseCheckout(
	ctx context.Context,
	checkoutID uuid.UUID,
	bookID uuid.UUID,
	returnerID uuid.UUID,
	returnedAt time.Time,
) error {

	ctx, span := cs.startOperationSpan(ctx, operationCloseCheckout, map[string]string{
		spanAttrBookID:     bookID.String(),
		spanAttrCheckoutID: checkoutID.String(),
	})
	start := time.Now()

	closeErr := cs.closeCheckout(ctx, checkoutID, bookID, returnerID, returnedAt)
	duration := time.Since(start)

	if closeErr != nil {
		cs.observeFailure(ctx, span, operationCloseCheckout, closeErr, duration)
		return closeErr
	}

	cs.logOperation(ctx, logMsgOperation+logMsgCheckoutClosed,
		logAttrCheckoutID, checkoutID.String(),
		logAttrBookID, bookID.String(),
		logAttrDurationMS, toMilliseconds(duration))

	cs.observeSuccess(ctx, span, operationCloseCheckout, duration, nil)

	return nil
}

func (cs *CheckoutStore) closeCheckout(
	ctx context.Context,
	checkoutID uuid.UUID,
	bookID uuid.UUID,
	returnerID uuid.UUID,
	returnedAt time.Time,
) error {

	tx, beginErr := cs.beginSerializableTx(ctx)
	if beginErr != nil {
		return beginErr
	}
	defer cs.rollbackOnAbandon(ctx, tx)

	state, readErr := cs.readBookCheckoutState(ctx, tx, bookID, operationCloseCheckout)
	if readErr != nil {
		return readErr
	}

	if decisionErr := decideCloseCheckout(state, checkoutID, returnerID); decisionErr != nil {
		cs.logOperation(ctx, logMsgOperation+logMsgGuardRejected,
			logAttrBookID, bookID.String(),
			logAttrCheckoutID, checkoutID.String(),
			logAttrError, decisionErr.Error())

		return decisionErr
	}

	insertQuery, buildInsertErr := cs.buildInsertReturnedCheckoutQuery(ctx, checkoutID, returnedAt)
	if buildInsertErr != nil {
		return buildInsertErr
	}

	rowsAffected, insertErr := cs.execInTx(ctx, tx, insertQuery, operationCloseCheckout)
	if insertErr != nil {
		return insertErr
	}

	if rowsAffected < 1 {
		cs.logError(ctx, logMsgWriteAnomaly, errNoReturnRecordCreated, logAttrRowsAffected, rowsAffected)
		return errors.Join(checkoutstore.ErrWriteAnomaly, errNoReturnRecordCreated)
	}

	deleteQuery, buildDeleteErr := cs.buildDeleteCheckoutQuery(ctx, checkoutID)
	if buildDeleteErr != nil {
		return buildDeleteErr
	}

	rowsAffected, deleteErr := cs.execInTx(ctx, tx, deleteQuery, operationCloseCheckout)
	if deleteErr != nil {
		return deleteErr
	}

	if rowsAffected < 1 {
		cs.logError(ctx, logMsgWriteAnomaly, errNoCheckoutDeleted, logAttrRowsAffected, rowsAffected)
		return errors.Join(checkoutstore.ErrWriteAnomaly, errNoCheckoutDeleted)
	}

	return cs.commitTx(ctx, tx)
}

/* ------------------------------ guard logic ------------------------------ */

// decideCreateCheckout decides whether a new checkout may be created for the
// state the guard read found. A nil return means proceed.
func decideCreateCheckout(state *bookCheckoutState) error {
	switch {
	case state == nil:
		return errors.Join(checkoutstore.ErrNotFound, errBookNotFound)
	case state.openCheckoutID != uuid.Nil:
		return errors.Join(checkoutstore.ErrConflict, errBookAlreadyCheckedOut)
	default:
		return nil
	}
}

// decideCloseCheckout decides whether the given return may proceed. A return is
// rejected when an open checkout exists whose (checkout id, borrower) pair does
// not equal the supplied one. The "checkout absent" case proceeds: the
// insert-from-select then affects zero rows and is caught as a write anomaly.
func decideCloseCheckout(state *bookCheckoutState, checkoutID uuid.UUID, returnerID uuid.UUID) error {
	switch {
	case state == nil:
		return errors.Join(checkoutstore.ErrNotFound, errBookNotFound)
	case state.openCheckoutID != uuid.Nil &&
		(state.openCheckoutID != checkoutID || state.openBorrowerID != returnerID):
		return errors.Join(checkoutstore.ErrConflict, errCheckoutMismatch)
	default:
		return nil
	}
}

// readBookCheckoutState performs the guard read inside the transaction: the book
// left-outer-joined with any open checkout for it. Returns (nil, nil) when no
// book row exists.
func (cs *CheckoutStore) readBookCheckoutState(
	ctx context.Context,
	tx adapters.DBTransaction,
	bookID uuid.UUID,
	operation string,
) (*bookCheckoutState, error) {

	sqlQuery, buildErr := cs.buildCheckoutStateQuery(ctx, bookID)
	if buildErr != nil {
		return nil, buildErr
	}

	start := time.Now()
	rows, queryErr := tx.Query(ctx, sqlQuery)
	cs.logQueryWithDuration(ctx, sqlQuery, operation, time.Since(start))

	if queryErr != nil {
		return nil, cs.wrapTxStatementError(ctx, logMsgDBQueryFailed, queryErr, sqlQuery)
	}
	defer cs.closeRows(ctx, rows)

	if !rows.Next() {
		return nil, nil
	}

	var bookIDRaw string
	var checkoutIDRaw, borrowerIDRaw sql.NullString

	if scanErr := rows.Scan(&bookIDRaw, &checkoutIDRaw, &borrowerIDRaw); scanErr != nil {
		cs.logError(ctx, logMsgScanRowFailed, scanErr)
		return nil, errors.Join(checkoutstore.ErrTransactionFailed, scanErr)
	}

	state := &bookCheckoutState{}

	parsedBookID, parseErr := uuid.Parse(bookIDRaw)
	if parseErr != nil {
		cs.logError(ctx, logMsgBadRowData, parseErr)
		return nil, errors.Join(checkoutstore.ErrTransactionFailed, parseErr)
	}
	state.bookID = parsedBookID

	if checkoutIDRaw.Valid {
		parsedCheckoutID, parseCheckoutErr := uuid.Parse(checkoutIDRaw.String)
		if parseCheckoutErr != nil {
			cs.logError(ctx, logMsgBadRowData, parseCheckoutErr)
			return nil, errors.Join(checkoutstore.ErrTransactionFailed, parseCheckoutErr)
		}
		state.openCheckoutID = parsedCheckoutID
	}

	if borrowerIDRaw.Valid {
		parsedBorrowerID, parseBorrowerErr := uuid.Parse(borrowerIDRaw.String)
		if parseBorrowerErr != nil {
			cs.logError(ctx, logMsgBadRowData, parseBorrowerErr)
			return nil, errors.Join(checkoutstore.ErrTransactionFailed, parseBorrowerErr)
		}
		state.openBorrowerID = parsedBorrowerID
	}

	return state, nil
}

/* -------------------------------- queries -------------------------------- */

// FindAllOpen retrieves every open checkout joined with book metadata,
// oldest checked-out-at first. A plain read outside any transaction.
func (cs *CheckoutStore) FindAllOpen(ctx context.Context) (checkoutstore.Checkouts, error) {
	return cs.findOpen(ctx, operationFindAllOpen, nil, nil)
}

// FindOpenByBorrower retrieves the open checkouts of one borrower,
// oldest checked-out-at first.
func (cs *CheckoutStore) FindOpenByBorrower(ctx context.Context, borrowerID uuid.UUID) (checkoutstore.Checkouts, error) {
	return cs.findOpen(ctx, operationFindOpenByBorrower, nil, &borrowerID)
}

// FindOpenByBook retrieves the open checkout for one book, or nil when the book
// is not checked out.
func (cs *CheckoutStore) FindOpenByBook(ctx context.Context, bookID uuid.UUID) (*checkoutstore.Checkout, error) {
	ctx, span := cs.startOperationSpan(ctx, operationFindOpenByBook, map[string]string{spanAttrBookID: bookID.String()})
	start := time.Now()

	checkouts, findErr := cs.queryOpenCheckouts(ctx, operationFindOpenByBook, &bookID, nil)
	duration := time.Since(start)

	if findErr != nil {
		cs.observeFailure(ctx, span, operationFindOpenByBook, findErr, duration)
		return nil, findErr
	}

	cs.observeSuccess(ctx, span, operationFindOpenByBook, duration, nil)

	if len(checkouts) == 0 {
		return nil, nil
	}

	return &checkouts[0], nil
}

// HistoryForBook reconstructs the checkout history of one book: all returned
// checkouts ordered by checkout time descending, with the open checkout (if
// any) prepended as the most recent entry.
//
// The two reads run outside a common transaction; a return committing between
// them can momentarily appear in neither or both sets. Accepted for this
// display-only view, the authoritative state machine is CreateCheckout/CloseCheckout.
func (cs *CheckoutStore) HistoryForBook(ctx context.Context, bookID uuid.UUID) (checkoutstore.Checkouts, error) {
	ctx, span := cs.startOperationSpan(ctx, operationHistoryForBook, map[string]string{spanAttrBookID: bookID.String()})
	start := time.Now()

	history, historyErr := cs.historyForBook(ctx, bookID)
	duration := time.Since(start)

	if historyErr != nil {
		cs.observeFailure(ctx, span, operationHistoryForBook, historyErr, duration)
		return nil, historyErr
	}

	cs.logOperation(ctx, logMsgOperation+logMsgQueryCompleted,
		logAttrCheckoutCount, len(history),
		logAttrDurationMS, toMilliseconds(duration))

	cs.observeSuccess(ctx, span, operationHistoryForBook, duration, nil)

	return history, nil
}

func (cs *CheckoutStore) historyForBook(ctx context.Context, bookID uuid.UUID) (checkoutstore.Checkouts, error) {
	openCheckouts, openErr := cs.queryOpenCheckouts(ctx, operationHistoryForBook, &bookID, nil)
	if openErr != nil {
		return nil, openErr
	}

	returned, returnedErr := cs.queryReturnedCheckouts(ctx, bookID)
	if returnedErr != nil {
		return nil, returnedErr
	}

	// The open checkout is the current state - always logically more recent
	// than any closed record, regardless of timestamp comparison.
	history := make(checkoutstore.Checkouts, 0, len(openCheckouts)+len(returned))
	history = append(history, openCheckouts...)
	history = append(history, returned...)

	return history, nil
}

// findOpen wraps queryOpenCheckouts with observability for the list operations.
func (cs *CheckoutStore) findOpen(
	ctx context.Context,
	operation string,
	bookID *uuid.UUID,
	borrowerID *uuid.UUID,
) (checkoutstore.Checkouts, error) {

	ctx, span := cs.startOperationSpan(ctx, operation, nil)
	start := time.Now()

	checkouts, findErr := cs.queryOpenCheckouts(ctx, operation, bookID, borrowerID)
	duration := time.Since(start)

	if findErr != nil {
		cs.observeFailure(ctx, span, operation, findErr, duration)
		return nil, findErr
	}

	cs.logOperation(ctx, logMsgOperation+logMsgQueryCompleted,
		logAttrCheckoutCount, len(checkouts),
		logAttrDurationMS, toMilliseconds(duration))

	cs.observeSuccess(ctx, span, operation, duration, nil)

	return checkouts, nil
}

// queryOpenCheckouts reads open checkouts joined with book metadata, optionally
// filtered by book or borrower, ordered by checkout time ascending.
func (cs *CheckoutStore) queryOpenCheckouts(
	ctx context.Context,
	operation string,
	bookID *uuid.UUID,
	borrowerID *uuid.UUID,
) (checkoutstore.Checkouts, error) {

	sqlQuery, buildErr := cs.buildOpenCheckoutsQuery(ctx, bookID, borrowerID)
	if buildErr != nil {
		return nil, buildErr
	}

	rows, queryErr := cs.executeQuery(ctx, sqlQuery, operation)
	if queryErr != nil {
		return nil, queryErr
	}
	defer cs.closeRows(ctx, rows)

	checkouts := make(checkoutstore.Checkouts, 0)

	for rows.Next() {
		var checkoutIDRaw, bookIDRaw, borrowerIDRaw, title, author, isbn string
		var checkedOutAt time.Time

		if scanErr := rows.Scan(&checkoutIDRaw, &bookIDRaw, &borrowerIDRaw, &checkedOutAt, &title, &author, &isbn); scanErr != nil {
			cs.logError(ctx, logMsgScanRowFailed, scanErr)
			return nil, errors.Join(checkoutstore.ErrQueryFailed, scanErr)
		}

		checkout, buildCheckoutErr := buildOpenCheckoutFromRow(checkoutIDRaw, bookIDRaw, borrowerIDRaw, checkedOutAt, title, author, isbn)
		if buildCheckoutErr != nil {
			cs.logError(ctx, logMsgBadRowData, buildCheckoutErr)
			return nil, errors.Join(checkoutstore.ErrQueryFailed, buildCheckoutErr)
		}

		checkouts = append(checkouts, checkout)
	}

	return checkouts, nil
}

// queryReturnedCheckouts reads the returned history for one book joined with
// book metadata, ordered by checkout time descending.
func (cs *CheckoutStore) queryReturnedCheckouts(ctx context.Context, bookID uuid.UUID) (checkoutstore.Checkouts, error) {
	sqlQuery, buildErr := cs.buildReturnedCheckoutsQuery(ctx, bookID)
	if buildErr != nil {
		return nil, buildErr
	}

	rows, queryErr := cs.executeQuery(ctx, sqlQuery, operationHistoryForBook)
	if queryErr != nil {
		return nil, queryErr
	}
	defer cs.closeRows(ctx, rows)

	checkouts := make(checkoutstore.Checkouts, 0)

	for rows.Next() {
		var checkoutIDRaw, bookIDRaw, borrowerIDRaw, title, author, isbn string
		var checkedOutAt, returnedAt time.Time

		if scanErr := rows.Scan(&checkoutIDRaw, &bookIDRaw, &borrowerIDRaw, &checkedOutAt, &returnedAt, &title, &author, &isbn); scanErr != nil {
			cs.logError(ctx, logMsgScanRowFailed, scanErr)
			return nil, errors.Join(checkoutstore.ErrQueryFailed, scanErr)
		}

		checkout, buildCheckoutErr := buildReturnedCheckoutFromRow(checkoutIDRaw, bookIDRaw, borrowerIDRaw, checkedOutAt, returnedAt, title, author, isbn)
		if buildCheckoutErr != nil {
			cs.logError(ctx, logMsgBadRowData, buildCheckoutErr)
			return nil, errors.Join(checkoutstore.ErrQueryFailed, buildCheckoutErr)
		}

		checkouts = append(checkouts, checkout)
	}

	return checkouts, nil
}

func buildOpenCheckoutFromRow(
	checkoutIDRaw, bookIDRaw, borrowerIDRaw string,
	checkedOutAt time.Time,
	title, author, isbn string,
) (checkoutstore.Checkout, error) {

	checkoutID, err := uuid.Parse(checkoutIDRaw)
	if err != nil {
		return checkoutstore.Checkout{}, err
	}

	bookID, err := uuid.Parse(bookIDRaw)
	if err != nil {
		return checkoutstore.Checkout{}, err
	}

	borrowerID, err := uuid.Parse(borrowerIDRaw)
	if err != nil {
		return checkoutstore.Checkout{}, err
	}

	return checkoutstore.BuildOpenCheckout(checkoutID, bookID, borrowerID, checkedOutAt, title, author, isbn)
}

func buildReturnedCheckoutFromRow(
	checkoutIDRaw, bookIDRaw, borrowerIDRaw string,
	checkedOutAt time.Time,
	returnedAt time.Time,
	title, author, isbn string,
) (checkoutstore.Checkout, error) {

	openCheckout, err := buildOpenCheckoutFromRow(checkoutIDRaw, bookIDRaw, borrowerIDRaw, checkedOutAt, title, author, isbn)
	if err != nil {
		return checkoutstore.Checkout{}, err
	}

	return checkoutstore.BuildReturnedCheckout(
		openCheckout.ID, openCheckout.BookID, openCheckout.BorrowerID,
		openCheckout.CheckedOutAt, returnedAt,
		openCheckout.Title, openCheckout.Author, openCheckout.ISBN)
}

/* ---------------------------- query building ----------------------------- */

func (cs *CheckoutStore) buildCheckoutStateQuery(ctx context.Context, bookID uuid.UUID) (sqlQueryString, error) {
	builder := goqu.Dialect(dialectPostgres)

	stmt := builder.
		From(goqu.T(cs.booksTableName).As(aliasBooks)).
		LeftOuterJoin(goqu.T(cs.checkoutsTableName).As(aliasCheckouts), goqu.Using(colBookID)).
		Select(
			goqu.Cast(goqu.I(aliasBooks+"."+colBookID), castTypeText),
			goqu.Cast(goqu.I(aliasCheckouts+"."+colCheckoutID), castTypeText),
			goqu.Cast(goqu.I(aliasCheckouts+"."+colUserID), castTypeText),
		).
		Where(goqu.I(aliasBooks + "." + colBookID).Eq(bookID.String()))

	return cs.toSQL(ctx, stmt.ToSQL)
}

func (cs *CheckoutStore) buildInsertCheckoutQuery(
	ctx context.Context,
	checkoutID uuid.UUID,
	bookID uuid.UUID,
	borrowerID uuid.UUID,
	checkedOutAt time.Time,
) (sqlQueryString, error) {

	stmt := goqu.Dialect(dialectPostgres).
		Insert(cs.checkoutsTableName).
		Cols(colCheckoutID, colBookID, colUserID, colCheckedOutAt).
		Vals(goqu.Vals{checkoutID.String(), bookID.String(), borrowerID.String(), checkedOutAt})

	return cs.toSQL(ctx, stmt.ToSQL)
}

// buildInsertReturnedCheckoutQuery builds the insert-from-select that copies the
// still-open checkout row into the returned history with the supplied returnedAt.
// When the checkout row no longer exists, the select yields zero rows and the
// insert affects zero rows.
func (cs *CheckoutStore) buildInsertReturnedCheckoutQuery(
	ctx context.Context,
	checkoutID uuid.UUID,
	returnedAt time.Time,
) (sqlQueryString, error) {

	builder := goqu.Dialect(dialectPostgres)

	selectStmt := builder.
		From(cs.checkoutsTableName).
		Select(
			goqu.C(colCheckoutID),
			goqu.C(colBookID),
			goqu.C(colUserID),
			goqu.C(colCheckedOutAt),
			goqu.V(returnedAt),
		).
		Where(goqu.C(colCheckoutID).Eq(checkoutID.String()))

	stmt := builder.
		Insert(cs.returnedCheckoutsTableName).
		Cols(colCheckoutID, colBookID, colUserID, colCheckedOutAt, colReturnedAt).
		FromQuery(selectStmt)

	return cs.toSQL(ctx, stmt.ToSQL)
}

func (cs *CheckoutStore) buildDeleteCheckoutQuery(ctx context.Context, checkoutID uuid.UUID) (sqlQueryString, error) {
	stmt := goqu.Dialect(dialectPostgres).
		Delete(cs.checkoutsTableName).
		Where(goqu.C(colCheckoutID).Eq(checkoutID.String()))

	return cs.toSQL(ctx, stmt.ToSQL)
}

func (cs *CheckoutStore) buildOpenCheckoutsQuery(ctx context.Context, bookID *uuid.UUID, borrowerID *uuid.UUID) (sqlQueryString, error) {
	builder := goqu.Dialect(dialectPostgres)

	stmt := builder.
		From(goqu.T(cs.checkoutsTableName).As(aliasCheckouts)).
		InnerJoin(goqu.T(cs.booksTableName).As(aliasBooks), goqu.Using(colBookID)).
		Select(
			goqu.Cast(goqu.I(aliasCheckouts+"."+colCheckoutID), castTypeText),
			goqu.Cast(goqu.I(aliasCheckouts+"."+colBookID), castTypeText),
			goqu.Cast(goqu.I(aliasCheckouts+"."+colUserID), castTypeText),
			goqu.I(aliasCheckouts+"."+colCheckedOutAt),
			goqu.I(aliasBooks+"."+colTitle),
			goqu.I(aliasBooks+"."+colAuthor),
			goqu.I(aliasBooks+"."+colISBN),
		).
		Order(goqu.I(aliasCheckouts + "." + colCheckedOutAt).Asc())

	if bookID != nil {
		stmt = stmt.Where(goqu.I(aliasCheckouts + "." + colBookID).Eq(bookID.String()))
	}

	if borrowerID != nil {
		stmt = stmt.Where(goqu.I(aliasCheckouts + "." + colUserID).Eq(borrowerID.String()))
	}

	return cs.toSQL(ctx, stmt.ToSQL)
}

func (cs *CheckoutStore) buildReturnedCheckoutsQuery(ctx context.Context, bookID uuid.UUID) (sqlQueryString, error) {
	builder := goqu.Dialect(dialectPostgres)

	stmt := builder.
		From(goqu.T(cs.returnedCheckoutsTableName).As(aliasReturned)).
		InnerJoin(goqu.T(cs.booksTableName).As(aliasBooks), goqu.Using(colBookID)).
		Select(
			goqu.Cast(goqu.I(aliasReturned+"."+colCheckoutID), castTypeText),
			goqu.Cast(goqu.I(aliasReturned+"."+colBookID), castTypeText),
			goqu.Cast(goqu.I(aliasReturned+"."+colUserID), castTypeText),
			goqu.I(aliasReturned+"."+colCheckedOutAt),
			goqu.I(aliasReturned+"."+colReturnedAt),
			goqu.I(aliasBooks+"."+colTitle),
			goqu.I(aliasBooks+"."+colAuthor),
			goqu.I(aliasBooks+"."+colISBN),
		).
		Where(goqu.I(aliasReturned + "." + colBookID).Eq(bookID.String())).
		Order(goqu.I(aliasReturned + "." + colCheckedOutAt).Desc())

	return cs.toSQL(ctx, stmt.ToSQL)
}

// toSQL finalizes a goqu statement and wraps build failures uniformly. A query
// that cannot be built never reached the store, so it classifies as a query
// failure rather than a transaction failure.
func (cs *CheckoutStore) toSQL(ctx context.Context, toSQL func() (string, []interface{}, error)) (sqlQueryString, error) {
	sqlQuery, _, toSQLErr := toSQL()
	if toSQLErr != nil {
		cs.logError(ctx, logMsgBuildQueryFailed, toSQLErr)
		return "", errors.Join(checkoutstore.ErrQueryFailed, errBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}

/* --------------------------- execution helpers --------------------------- */

// executeQuery executes a read on the plain (non-transactional) connection path.
func (cs *CheckoutStore) executeQuery(ctx context.Context, sqlQuery string, operation string) (adapters.DBRows, error) {
	start := time.Now()
	rows, queryErr := cs.db.Query(ctx, sqlQuery)
	cs.logQueryWithDuration(ctx, sqlQuery, operation, time.Since(start))

	if queryErr != nil {
		cs.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return nil, errors.Join(checkoutstore.ErrQueryFailed, queryErr)
	}

	return rows, nil
}

// beginSerializableTx begins a transaction and raises it to SERIALIZABLE
// isolation before anything else runs in it.
func (cs *CheckoutStore) beginSerializableTx(ctx context.Context) (adapters.DBTransaction, error) {
	tx, beginErr := cs.db.BeginTx(ctx)
	if beginErr != nil {
		cs.logError(ctx, logMsgBeginTxFailed, beginErr)
		return nil, errors.Join(checkoutstore.ErrTransactionFailed, beginErr)
	}

	if _, execErr := tx.Exec(ctx, sqlSetSerializable); execErr != nil {
		cs.rollbackOnAbandon(ctx, tx)
		return nil, cs.wrapTxStatementError(ctx, logMsgDBExecFailed, execErr, sqlSetSerializable)
	}

	return tx, nil
}

// execInTx executes a mutating statement inside the transaction and returns the
// number of rows it affected.
func (cs *CheckoutStore) execInTx(
	ctx context.Context,
	tx adapters.DBTransaction,
	sqlQuery string,
	operation string,
) (rowsAffectedInt64, error) {

	start := time.Now()
	result, execErr := tx.Exec(ctx, sqlQuery)
	cs.logQueryWithDuration(ctx, sqlQuery, operation, time.Since(start))

	if execErr != nil {
		return 0, cs.wrapTxStatementError(ctx, logMsgDBExecFailed, execErr, sqlQuery)
	}

	rowsAffected, rowsAffectedErr := result.RowsAffected()
	if rowsAffectedErr != nil {
		cs.logError(ctx, logMsgRowsAffectedFailed, rowsAffectedErr)
		return 0, errors.Join(checkoutstore.ErrTransactionFailed, rowsAffectedErr)
	}

	return rowsAffected, nil
}

// commitTx commits the transaction, classifying serialization aborts on commit.
func (cs *CheckoutStore) commitTx(ctx context.Context, tx adapters.DBTransaction) error {
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return cs.wrapTxStatementError(ctx, logMsgCommitTxFailed, commitErr, "")
	}

	return nil
}

// rollbackOnAbandon rolls the transaction back unless it was committed; the
// adapters treat rollback of a finished transaction as a no-op. Deferred by
// every mutating operation so a canceled or failed call never leaves a
// transaction open.
func (cs *CheckoutStore) rollbackOnAbandon(ctx context.Context, tx adapters.DBTransaction) {
	if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
		cs.logWarn(ctx, logMsgRollbackTxFailed, logAttrError, rollbackErr.Error())
	}
}

// wrapTxStatementError wraps a failed transactional statement into
// ErrTransactionFailed. Serialization aborts are expected under contention and
// are logged at info level with their own counter; everything else is an error.
func (cs *CheckoutStore) wrapTxStatementError(ctx context.Context, logMsg string, err error, sqlQuery string) error {
	if adapters.IsSerializationFailure(err) {
		cs.logOperation(ctx, logMsgOperation+logMsgSerializationAbort, logAttrError, err.Error())
		cs.incrementCounter(ctx, metricSerializationAbort, nil)
	} else {
		cs.logError(ctx, logMsg, err, logAttrQuery, sqlQuery)
	}

	return errors.Join(checkoutstore.ErrTransactionFailed, err)
}

// closeRows safely closes database rows and logs any errors.
func (cs *CheckoutStore) closeRows(ctx context.Context, rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		cs.logWarn(ctx, logMsgCloseRowsFailed, logAttrError, closeErr.Error())
	}
}
