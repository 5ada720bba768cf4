package helper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/libcirc/serializable-checkout-store-go/checkoutstore/postgresengine"
	"github.com/libcirc/serializable-checkout-store-go/testutil/postgresengine/helper/postgreswrapper"
)

// BookFixture describes a catalog row inserted for a test.
type BookFixture struct {
	ID     uuid.UUID
	Title  string
	Author string
	ISBN   string
}

// GivenUniqueID generates a unique UUID for testing.
func GivenUniqueID(t testing.TB) uuid.UUID {
	id, err := uuid.NewV7()
	assert.NoError(t, err, "error in arranging test data")

	return id
}

// FixtureBook builds the catalog metadata used for test books.
func FixtureBook(bookID uuid.UUID) BookFixture {
	return BookFixture{
		ID:     bookID,
		Title:  "Learning Domain-Driven Design",
		Author: "Vlad Khononov",
		ISBN:   "978-1-098-10013-1",
	}
}

// GivenBookExists inserts a book row so the guard read can find it.
func GivenBookExists(t testing.TB, wrapper postgreswrapper.Wrapper, bookID uuid.UUID) BookFixture {
	book := FixtureBook(bookID)

	query := fmt.Sprintf(
		`INSERT INTO books (book_id, title, author, isbn) VALUES ('%s', '%s', '%s', '%s')`,
		book.ID.String(), book.Title, book.Author, book.ISBN)

	postgreswrapper.ExecuteSQL(t, wrapper, query)

	return book
}

// GivenCheckoutExists creates an open checkout through the store under test.
func GivenCheckoutExists(
	t testing.TB,
	ctx context.Context, //nolint:revive
	store *postgresengine.CheckoutStore,
	bookID uuid.UUID,
	borrowerID uuid.UUID,
	checkedOutAt time.Time,
) uuid.UUID {

	checkoutID, err := store.CreateCheckout(ctx, bookID, borrowerID, checkedOutAt)
	assert.NoError(t, err, "error in arranging test data")

	return checkoutID
}

// GivenCheckoutWasReturned closes an open checkout through the store under test.
func GivenCheckoutWasReturned(
	t testing.TB,
	ctx context.Context, //nolint:revive
	store *postgresengine.CheckoutStore,
	checkoutID uuid.UUID,
	bookID uuid.UUID,
	returnerID uuid.UUID,
	returnedAt time.Time,
) {

	err := store.CloseCheckout(ctx, checkoutID, bookID, returnerID, returnedAt)
	assert.NoError(t, err, "error in arranging test data")
}
