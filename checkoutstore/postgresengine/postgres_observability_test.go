package postgresengine_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/libcirc/serializable-checkout-store-go/checkoutstore"
	"github.com/libcirc/serializable-checkout-store-go/checkoutstore/postgresengine"
	. "github.com/libcirc/serializable-checkout-store-go/testutil/postgresengine/helper"
	"github.com/libcirc/serializable-checkout-store-go/testutil/postgresengine/helper/postgreswrapper"
)

func Test_Observability_CreateCheckout_LogsOperationWithDuration(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logHandler := NewTestLogHandler(false)
	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t,
		postgresengine.WithLogger(slog.New(logHandler)))
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)

	// act
	_, err := store.CreateCheckout(ctxWithTimeout, bookID, borrowerID, fakeClock.Add(time.Second))

	// assert
	assert.NoError(t, err, "error in creating the checkout")
	assert.True(t,
		logHandler.HasInfoLogWithMessage("checkout store operation: checkout created").WithDurationMS().Assert(),
		"expected an info log for the created checkout with its duration")
	assert.True(t,
		logHandler.HasDebugLogWithMessage("executed sql for: create_checkout").WithDurationMS().Assert(),
		"expected a debug log for the executed sql with its duration")
}

func Test_Observability_ContextualLogger_TakesPrecedence(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logHandler := NewTestLogHandler(false)
	contextualLogger := NewContextualLoggerSpy(true)
	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t,
		postgresengine.WithLogger(slog.New(logHandler)),
		postgresengine.WithContextualLogger(contextualLogger))
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)

	// act
	_, err := store.CreateCheckout(ctxWithTimeout, bookID, borrowerID, fakeClock.Add(time.Second))

	// assert
	assert.NoError(t, err, "error in creating the checkout")
	assert.True(t, contextualLogger.HasInfoLog("checkout store operation: checkout created"))
	assert.Equal(t, 0, logHandler.GetRecordCount(), "plain logger must stay silent when a contextual logger is set")
}

func Test_Observability_MetricsForSuccessfulOperation(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metricsSpy := NewMetricsCollectorSpy(true)
	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t,
		postgresengine.WithMetrics(metricsSpy))
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)

	// act
	_, err := store.CreateCheckout(ctxWithTimeout, bookID, borrowerID, fakeClock.Add(time.Second))

	// assert
	assert.NoError(t, err, "error in creating the checkout")
	assert.True(t,
		metricsSpy.HasDurationRecordForMetric("checkoutstore_operation_duration").
			WithOperation("create_checkout").
			WithStatus("success").
			Assert(),
		"expected a duration record for the successful operation")
}

func Test_Observability_GuardRejection_CountsSeparatelyFromStoreErrors(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metricsSpy := NewMetricsCollectorSpy(true)
	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t,
		postgresengine.WithMetrics(metricsSpy))
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	unknownBookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)

	// act
	_, err := store.CreateCheckout(ctxWithTimeout, unknownBookID, borrowerID, fakeClock.Add(time.Second))

	// assert
	assert.ErrorIs(t, err, checkoutstore.ErrNotFound)
	assert.True(t,
		metricsSpy.HasCounterRecordForMetric("checkoutstore_guard_rejections_total").
			WithOperation("create_checkout").
			WithErrorType("not_found").
			Assert(),
		"expected a guard rejection counter for the not-found book")
	assert.False(t,
		metricsSpy.HasCounterRecord("checkoutstore_errors_total"),
		"a guard rejection is a business outcome, not a store error")
}

func Test_Observability_TracingSpans(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tracingSpy := NewTracingCollectorSpy(true)
	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t,
		postgresengine.WithTracing(tracingSpy))
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)

	// act
	checkoutID, err := store.CreateCheckout(ctxWithTimeout, bookID, borrowerID, fakeClock.Add(time.Second))
	assert.NoError(t, err, "error in creating the checkout")

	closeErr := store.CloseCheckout(ctxWithTimeout, checkoutID, GivenUniqueID(t), borrowerID, fakeClock.Add(time.Hour))
	assert.ErrorIs(t, closeErr, checkoutstore.ErrNotFound)

	// assert
	assert.True(t,
		tracingSpy.HasSpanRecordForName("checkoutstore.create_checkout").
			WithStatus("success").
			WithStartAttribute("book_id", bookID.String()).
			Assert(),
		"expected a successful span for the created checkout")
	assert.True(t,
		tracingSpy.HasSpanRecordForName("checkoutstore.close_checkout").
			WithStatus("error").
			WithEndAttribute("error_type", "not_found").
			Assert(),
		"expected a failed span for the rejected close")
}

func Test_Observability_QueryOperations_RecordDurations(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metricsSpy := NewMetricsCollectorSpy(true)
	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t,
		postgresengine.WithMetrics(metricsSpy))
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)

	// act
	_, err := store.FindAllOpen(ctxWithTimeout)
	assert.NoError(t, err)

	_, err = store.HistoryForBook(ctxWithTimeout, bookID)
	assert.NoError(t, err)

	// assert
	assert.True(t,
		metricsSpy.HasDurationRecordForMetric("checkoutstore_operation_duration").
			WithOperation("find_all_open").
			WithStatus("success").
			Assert())
	assert.True(t,
		metricsSpy.HasDurationRecordForMetric("checkoutstore_operation_duration").
			WithOperation("history_for_book").
			WithStatus("success").
			Assert())
}
