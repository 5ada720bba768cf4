package postgresengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/libcirc/serializable-checkout-store-go/checkoutstore"
)

const (
	operationCreateCheckout     = "create_checkout"
	operationCloseCheckout      = "close_checkout"
	operationFindAllOpen        = "find_all_open"
	operationFindOpenByBorrower = "find_open_by_borrower"
	operationFindOpenByBook     = "find_open_by_book"
	operationHistoryForBook     = "history_for_book"

	spanNamePrefix = "checkoutstore."

	statusSuccess = "success"
	statusError   = "error"

	metricOperationDuration  = "checkoutstore_operation_duration"
	metricStoreErrors        = "checkoutstore_errors_total"
	metricGuardRejections    = "checkoutstore_guard_rejections_total"
	metricSerializationAbort = "checkoutstore_serialization_aborts_total"

	spanAttrOperation  = "operation"
	spanAttrErrorType  = "error_type"
	spanAttrBookID     = "book_id"
	spanAttrCheckoutID = "checkout_id"
	spanAttrCount      = "checkout_count"
	spanAttrDurationMS = "duration_ms"

	labelStatus = "status"

	errorTypeNotFound          = "not_found"
	errorTypeConflict          = "conflict"
	errorTypeWriteAnomaly      = "write_anomaly"
	errorTypeTransactionFailed = "transaction_failed"
	errorTypeQueryFailed       = "query_failed"
	errorTypeOther             = "other"
)

// logDebug logs at debug level, preferring the contextual logger when configured.
func (cs *CheckoutStore) logDebug(ctx context.Context, msg string, args ...any) {
	switch {
	case cs.contextualLogger != nil:
		cs.contextualLogger.DebugContext(ctx, msg, args...)
	case cs.logger != nil:
		cs.logger.Debug(msg, args...)
	}
}

// logOperation logs operational information at info level if a logger is configured.
func (cs *CheckoutStore) logOperation(ctx context.Context, msg string, args ...any) {
	switch {
	case cs.contextualLogger != nil:
		cs.contextualLogger.InfoContext(ctx, msg, args...)
	case cs.logger != nil:
		cs.logger.Info(msg, args...)
	}
}

// logWarn logs non-critical issues at warn level if a logger is configured.
func (cs *CheckoutStore) logWarn(ctx context.Context, msg string, args ...any) {
	switch {
	case cs.contextualLogger != nil:
		cs.contextualLogger.WarnContext(ctx, msg, args...)
	case cs.logger != nil:
		cs.logger.Warn(msg, args...)
	}
}

// logError logs error information at the error level if a logger is configured.
func (cs *CheckoutStore) logError(ctx context.Context, msg string, err error, args ...any) {
	allArgs := append([]any{logAttrError, err.Error()}, args...)

	switch {
	case cs.contextualLogger != nil:
		cs.contextualLogger.ErrorContext(ctx, msg, allArgs...)
	case cs.logger != nil:
		cs.logger.Error(msg, allArgs...)
	}
}

// logQueryWithDuration logs SQL queries with execution time at debug level if a logger is configured.
func (cs *CheckoutStore) logQueryWithDuration(ctx context.Context, sqlQuery string, operation string, duration time.Duration) {
	cs.logDebug(ctx, logMsgSQLExecuted+operation, logAttrDurationMS, toMilliseconds(duration), logAttrQuery, sqlQuery)
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// incrementCounter records a counter metric, using the context-aware collector when available.
func (cs *CheckoutStore) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if cs.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := cs.metricsCollector.(checkoutstore.ContextualMetricsCollector); ok {
		contextualCollector.IncrementCounterContext(ctx, metric, labels)
	} else {
		cs.metricsCollector.IncrementCounter(metric, labels)
	}
}

// recordOperationDuration records the duration of one store operation with its status.
func (cs *CheckoutStore) recordOperationDuration(ctx context.Context, operation string, status string, duration time.Duration) {
	if cs.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		spanAttrOperation: operation,
		labelStatus:       status,
	}

	if contextualCollector, ok := cs.metricsCollector.(checkoutstore.ContextualMetricsCollector); ok {
		contextualCollector.RecordDurationContext(ctx, metricOperationDuration, duration, labels)
	} else {
		cs.metricsCollector.RecordDuration(metricOperationDuration, duration, labels)
	}
}

// startOperationSpan starts a tracing span for a store operation if a tracing collector is configured.
func (cs *CheckoutStore) startOperationSpan(
	ctx context.Context,
	operation string,
	attrs map[string]string,
) (context.Context, checkoutstore.SpanContext) {

	if cs.tracingCollector == nil {
		return ctx, nil
	}

	spanAttrs := map[string]string{spanAttrOperation: operation}
	for key, value := range attrs {
		spanAttrs[key] = value
	}

	return cs.tracingCollector.StartSpan(ctx, spanNamePrefix+operation, spanAttrs)
}

// finishSpanSuccess finishes a span for a successful operation.
func (cs *CheckoutStore) finishSpanSuccess(span checkoutstore.SpanContext, duration time.Duration, attrs map[string]string) {
	if cs.tracingCollector == nil || span == nil {
		return
	}

	finalAttrs := map[string]string{
		spanAttrDurationMS: fmt.Sprintf("%.3f", toMilliseconds(duration)),
	}
	for key, value := range attrs {
		finalAttrs[key] = value
	}

	cs.tracingCollector.FinishSpan(span, statusSuccess, finalAttrs)
}

// finishSpanError finishes a span for a failed operation with the error type attached.
func (cs *CheckoutStore) finishSpanError(span checkoutstore.SpanContext, err error, duration time.Duration) {
	if cs.tracingCollector == nil || span == nil {
		return
	}

	attrs := map[string]string{
		spanAttrErrorType:  errorTypeOf(err),
		spanAttrDurationMS: fmt.Sprintf("%.3f", toMilliseconds(duration)),
	}

	cs.tracingCollector.FinishSpan(span, statusError, attrs)
}

// observeSuccess records duration metrics and finishes the span for a successful operation.
func (cs *CheckoutStore) observeSuccess(
	ctx context.Context,
	span checkoutstore.SpanContext,
	operation string,
	duration time.Duration,
	attrs map[string]string,
) {
	cs.recordOperationDuration(ctx, operation, statusSuccess, duration)
	cs.finishSpanSuccess(span, duration, attrs)
}

// observeFailure records error/rejection metrics and finishes the span for a failed operation.
// Guard rejections (not found, conflict) count separately from store failures:
// they are expected business outcomes, not infrastructure errors.
func (cs *CheckoutStore) observeFailure(
	ctx context.Context,
	span checkoutstore.SpanContext,
	operation string,
	err error,
	duration time.Duration,
) {
	errorType := errorTypeOf(err)

	labels := map[string]string{
		spanAttrOperation: operation,
		spanAttrErrorType: errorType,
	}

	switch errorType {
	case errorTypeNotFound, errorTypeConflict:
		cs.incrementCounter(ctx, metricGuardRejections, labels)
	default:
		cs.incrementCounter(ctx, metricStoreErrors, labels)
	}

	cs.recordOperationDuration(ctx, operation, statusError, duration)
	cs.finishSpanError(span, err, duration)
}

// errorTypeOf maps an error to its taxonomy kind for metrics labeling and span attributes.
func errorTypeOf(err error) string {
	switch {
	case errors.Is(err, checkoutstore.ErrNotFound):
		return errorTypeNotFound
	case errors.Is(err, checkoutstore.ErrConflict):
		return errorTypeConflict
	case errors.Is(err, checkoutstore.ErrWriteAnomaly):
		return errorTypeWriteAnomaly
	case errors.Is(err, checkoutstore.ErrTransactionFailed):
		return errorTypeTransactionFailed
	case errors.Is(err, checkoutstore.ErrQueryFailed):
		return errorTypeQueryFailed
	default:
		return errorTypeOther
	}
}
