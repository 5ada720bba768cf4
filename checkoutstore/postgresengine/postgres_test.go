package postgresengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/libcirc/serializable-checkout-store-go/checkoutstore"
	. "github.com/libcirc/serializable-checkout-store-go/testutil/postgresengine/helper"
	"github.com/libcirc/serializable-checkout-store-go/testutil/postgresengine/helper/postgreswrapper"
)

func Test_CreateCheckout_When_BookIsAvailable(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	book := GivenBookExists(t, wrapper, bookID)

	// act
	fakeClock = fakeClock.Add(time.Second)
	checkoutID, err := store.CreateCheckout(ctxWithTimeout, bookID, borrowerID, fakeClock)

	// assert
	assert.NoError(t, err, "error in creating the checkout")
	assert.NotEqual(t, uuid.Nil, checkoutID)

	openCheckout, findErr := store.FindOpenByBook(ctxWithTimeout, bookID)
	assert.NoError(t, findErr, "error in querying the checkout back")
	assert.NotNil(t, openCheckout)
	assert.Equal(t, checkoutID, openCheckout.ID)
	assert.Equal(t, borrowerID, openCheckout.BorrowerID)
	assert.Equal(t, book.Title, openCheckout.Title)
	assert.Equal(t, book.Author, openCheckout.Author)
	assert.Equal(t, book.ISBN, openCheckout.ISBN)
	assert.False(t, openCheckout.Returned())
}

func Test_CreateCheckout_When_BookDoesNotExist(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
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
	assert.Error(t, err)
	assert.ErrorIs(t, err, checkoutstore.ErrNotFound)
	assert.Equal(t, 0, postgreswrapper.CountRows(t, wrapper, "checkouts"))
}

func Test_CreateCheckout_When_BookIsAlreadyCheckedOut(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	firstBorrowerID := GivenUniqueID(t)
	secondBorrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)
	fakeClock = fakeClock.Add(time.Second)
	existingCheckoutID := GivenCheckoutExists(t, ctxWithTimeout, store, bookID, firstBorrowerID, fakeClock)

	// act
	fakeClock = fakeClock.Add(time.Second)
	_, err := store.CreateCheckout(ctxWithTimeout, bookID, secondBorrowerID, fakeClock)

	// assert
	assert.Error(t, err)
	assert.ErrorIs(t, err, checkoutstore.ErrConflict)

	// the rejected attempt must not have changed anything
	openCheckout, findErr := store.FindOpenByBook(ctxWithTimeout, bookID)
	assert.NoError(t, findErr, "error in querying the checkout back")
	assert.NotNil(t, openCheckout)
	assert.Equal(t, existingCheckoutID, openCheckout.ID)
	assert.Equal(t, firstBorrowerID, openCheckout.BorrowerID)
	assert.Equal(t, 1, postgreswrapper.CountRows(t, wrapper, "checkouts"))
}

func Test_CreateCheckout_When_BookWasReturned_CanBeCheckedOutAgain(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	firstBorrowerID := GivenUniqueID(t)
	secondBorrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)
	fakeClock = fakeClock.Add(time.Second)
	checkoutID := GivenCheckoutExists(t, ctxWithTimeout, store, bookID, firstBorrowerID, fakeClock)
	fakeClock = fakeClock.Add(time.Second)
	GivenCheckoutWasReturned(t, ctxWithTimeout, store, checkoutID, bookID, firstBorrowerID, fakeClock)

	// act
	fakeClock = fakeClock.Add(time.Second)
	secondCheckoutID, err := store.CreateCheckout(ctxWithTimeout, bookID, secondBorrowerID, fakeClock)

	// assert
	assert.NoError(t, err, "error in creating the checkout")
	assert.NotEqual(t, checkoutID, secondCheckoutID)

	openCheckout, findErr := store.FindOpenByBook(ctxWithTimeout, bookID)
	assert.NoError(t, findErr, "error in querying the checkout back")
	assert.NotNil(t, openCheckout)
	assert.Equal(t, secondBorrowerID, openCheckout.BorrowerID)
}

func Test_CloseCheckout_When_CheckoutIsOpen(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)
	fakeClock = fakeClock.Add(time.Second)
	checkoutID := GivenCheckoutExists(t, ctxWithTimeout, store, bookID, borrowerID, fakeClock)

	// act
	returnedAt := fakeClock.Add(14 * 24 * time.Hour)
	err := store.CloseCheckout(ctxWithTimeout, checkoutID, bookID, borrowerID, returnedAt)

	// assert
	assert.NoError(t, err, "error in closing the checkout")

	openCheckout, findErr := store.FindOpenByBook(ctxWithTimeout, bookID)
	assert.NoError(t, findErr, "error in querying the checkout back")
	assert.Nil(t, openCheckout, "the checkout should not be open anymore")

	history, historyErr := store.HistoryForBook(ctxWithTimeout, bookID)
	assert.NoError(t, historyErr, "error in querying the history")
	assert.Len(t, history, 1)
	assert.Equal(t, checkoutID, history[0].ID)
	assert.True(t, history[0].Returned())
	assert.True(t, returnedAt.Equal(history[0].ReturnedAt))
}

func Test_CloseCheckout_When_BookDoesNotExist(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	unknownBookID := GivenUniqueID(t)
	checkoutID := GivenUniqueID(t)
	returnerID := GivenUniqueID(t)

	// act
	err := store.CloseCheckout(ctxWithTimeout, checkoutID, unknownBookID, returnerID, fakeClock.Add(time.Second))

	// assert
	assert.Error(t, err)
	assert.ErrorIs(t, err, checkoutstore.ErrNotFound)
}

func Test_CloseCheckout_When_CheckoutIDDoesNotMatch(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	otherCheckoutID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)
	fakeClock = fakeClock.Add(time.Second)
	GivenCheckoutExists(t, ctxWithTimeout, store, bookID, borrowerID, fakeClock)

	// act
	err := store.CloseCheckout(ctxWithTimeout, otherCheckoutID, bookID, borrowerID, fakeClock.Add(time.Hour))

	// assert
	assert.Error(t, err)
	assert.ErrorIs(t, err, checkoutstore.ErrConflict)
	assert.Equal(t, 1, postgreswrapper.CountRows(t, wrapper, "checkouts"))
	assert.Equal(t, 0, postgreswrapper.CountRows(t, wrapper, "returned_checkouts"))
}

func Test_CloseCheckout_When_ReturnerIsNotTheBorrower(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	otherUserID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)
	fakeClock = fakeClock.Add(time.Second)
	checkoutID := GivenCheckoutExists(t, ctxWithTimeout, store, bookID, borrowerID, fakeClock)

	// act
	err := store.CloseCheckout(ctxWithTimeout, checkoutID, bookID, otherUserID, fakeClock.Add(time.Hour))

	// assert
	assert.Error(t, err)
	assert.ErrorIs(t, err, checkoutstore.ErrConflict)
	assert.Equal(t, 1, postgreswrapper.CountRows(t, wrapper, "checkouts"))
	assert.Equal(t, 0, postgreswrapper.CountRows(t, wrapper, "returned_checkouts"))
}

func Test_CloseCheckout_When_CheckoutWasAlreadyClosed(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)
	fakeClock = fakeClock.Add(time.Second)
	checkoutID := GivenCheckoutExists(t, ctxWithTimeout, store, bookID, borrowerID, fakeClock)
	fakeClock = fakeClock.Add(time.Second)
	GivenCheckoutWasReturned(t, ctxWithTimeout, store, checkoutID, bookID, borrowerID, fakeClock)

	// act
	err := store.CloseCheckout(ctxWithTimeout, checkoutID, bookID, borrowerID, fakeClock.Add(time.Hour))

	// assert: no open checkout matches, so the insert-from-select affects zero rows
	assert.Error(t, err)
	assert.ErrorIs(t, err, checkoutstore.ErrWriteAnomaly)
	assert.Equal(t, 1, postgreswrapper.CountRows(t, wrapper, "returned_checkouts"))
}

func Test_FindAllOpen_ReturnsCheckoutsOrderedByCheckoutTime(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	firstBookID := GivenUniqueID(t)
	secondBookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, firstBookID)
	GivenBookExists(t, wrapper, secondBookID)
	fakeClock = fakeClock.Add(time.Second)
	secondCheckoutTime := fakeClock.Add(time.Hour)
	GivenCheckoutExists(t, ctxWithTimeout, store, secondBookID, borrowerID, secondCheckoutTime)
	firstCheckoutID := GivenCheckoutExists(t, ctxWithTimeout, store, firstBookID, borrowerID, fakeClock)

	// act
	checkouts, err := store.FindAllOpen(ctxWithTimeout)

	// assert: oldest checkout first, regardless of insertion order
	assert.NoError(t, err, "error in querying open checkouts")
	assert.Len(t, checkouts, 2)
	assert.Equal(t, firstCheckoutID, checkouts[0].ID)
	assert.True(t, checkouts[0].CheckedOutAt.Before(checkouts[1].CheckedOutAt))
}

func Test_FindOpenByBorrower_FiltersOtherBorrowers(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange: the borrower's checkouts are created newest first, a third book
	// is held by somebody else
	postgreswrapper.CleanUp(t, wrapper)
	firstBookID := GivenUniqueID(t)
	secondBookID := GivenUniqueID(t)
	thirdBookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	otherBorrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, firstBookID)
	GivenBookExists(t, wrapper, secondBookID)
	GivenBookExists(t, wrapper, thirdBookID)
	fakeClock = fakeClock.Add(time.Second)
	laterCheckoutID := GivenCheckoutExists(t, ctxWithTimeout, store, secondBookID, borrowerID, fakeClock.Add(time.Hour))
	earlierCheckoutID := GivenCheckoutExists(t, ctxWithTimeout, store, firstBookID, borrowerID, fakeClock)
	GivenCheckoutExists(t, ctxWithTimeout, store, thirdBookID, otherBorrowerID, fakeClock.Add(time.Minute))

	// act
	checkouts, err := store.FindOpenByBorrower(ctxWithTimeout, borrowerID)

	// assert: only this borrower's checkouts, oldest checkout first
	assert.NoError(t, err, "error in querying open checkouts")
	assert.Len(t, checkouts, 2)
	assert.Equal(t, earlierCheckoutID, checkouts[0].ID)
	assert.Equal(t, laterCheckoutID, checkouts[1].ID)
	assert.Equal(t, borrowerID, checkouts[0].BorrowerID)
	assert.Equal(t, borrowerID, checkouts[1].BorrowerID)
	assert.True(t, checkouts[0].CheckedOutAt.Before(checkouts[1].CheckedOutAt))
}

func Test_FindOpenByBook_When_BookIsNotCheckedOut(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)

	// act
	openCheckout, err := store.FindOpenByBook(ctxWithTimeout, bookID)

	// assert
	assert.NoError(t, err)
	assert.Nil(t, openCheckout)
}

func Test_HistoryForBook_ListsOpenCheckoutFirst_ThenReturnedDescending(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange: two completed lending cycles, then an open checkout
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	borrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)

	fakeClock = fakeClock.Add(time.Second)
	firstCheckoutID := GivenCheckoutExists(t, ctxWithTimeout, store, bookID, borrowerID, fakeClock)
	fakeClock = fakeClock.Add(time.Hour)
	GivenCheckoutWasReturned(t, ctxWithTimeout, store, firstCheckoutID, bookID, borrowerID, fakeClock)

	fakeClock = fakeClock.Add(time.Hour)
	secondCheckoutID := GivenCheckoutExists(t, ctxWithTimeout, store, bookID, borrowerID, fakeClock)
	fakeClock = fakeClock.Add(time.Hour)
	GivenCheckoutWasReturned(t, ctxWithTimeout, store, secondCheckoutID, bookID, borrowerID, fakeClock)

	fakeClock = fakeClock.Add(time.Hour)
	openCheckoutID := GivenCheckoutExists(t, ctxWithTimeout, store, bookID, borrowerID, fakeClock)

	// act
	history, err := store.HistoryForBook(ctxWithTimeout, bookID)

	// assert
	assert.NoError(t, err, "error in querying the history")
	assert.Len(t, history, 3)
	assert.Equal(t, openCheckoutID, history[0].ID)
	assert.False(t, history[0].Returned())
	assert.Equal(t, secondCheckoutID, history[1].ID)
	assert.True(t, history[1].Returned())
	assert.Equal(t, firstCheckoutID, history[2].ID)
	assert.True(t, history[2].Returned())
}

func Test_HistoryForBook_When_BookHasNoCheckouts(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)

	// act
	history, err := store.HistoryForBook(ctxWithTimeout, bookID)

	// assert
	assert.NoError(t, err)
	assert.Empty(t, history)
}

func Test_CreateCheckout_When_TwoBorrowersRaceForTheSameBook(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wrapper := postgreswrapper.CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetCheckoutStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	postgreswrapper.CleanUp(t, wrapper)
	bookID := GivenUniqueID(t)
	firstBorrowerID := GivenUniqueID(t)
	secondBorrowerID := GivenUniqueID(t)
	GivenBookExists(t, wrapper, bookID)

	// act: both borrowers attempt the same book concurrently
	var wg sync.WaitGroup
	results := make([]error, 2)
	borrowers := []uuid.UUID{firstBorrowerID, secondBorrowerID}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, results[idx] = store.CreateCheckout(
				ctxWithTimeout, bookID, borrowers[idx], fakeClock.Add(time.Second))
		}(i)
	}
	wg.Wait()

	// assert: exactly one attempt wins, the loser is rejected by the guard read
	// or aborted by the database's serialization check
	successCount := 0
	for _, err := range results {
		if err == nil {
			successCount++
			continue
		}

		assert.True(t,
			errors.Is(err, checkoutstore.ErrConflict) || errors.Is(err, checkoutstore.ErrTransactionFailed),
			"loser must fail with a conflict or a retryable transaction failure, got: %v", err)
	}

	assert.Equal(t, 1, successCount, "exactly one concurrent checkout must succeed")
	assert.Equal(t, 1, postgreswrapper.CountRows(t, wrapper, "checkouts"))
}
