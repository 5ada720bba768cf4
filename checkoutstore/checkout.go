package checkoutstore

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNilIDSupplied is returned when a checkout, book or borrower id is the nil UUID.
	ErrNilIDSupplied = errors.New("id must not be the nil uuid")

	// ErrZeroTimestampSupplied is returned when a checkout or return timestamp is the zero time.
	ErrZeroTimestampSupplied = errors.New("timestamp must not be the zero time")
)

// Checkouts is an alias type for a slice of Checkout.
type Checkouts = []Checkout

// Checkout is a DTO (data transfer object) describing one lending of one book,
// either still open or already returned, joined with the book's catalog metadata.
//
// ReturnedAt is the zero time while the checkout is open.
//
// While its properties are exported, it should only be constructed with the
// supplied factory methods:
//   - BuildOpenCheckout
//   - BuildReturnedCheckout
type Checkout struct {
	ID           uuid.UUID
	BookID       uuid.UUID
	BorrowerID   uuid.UUID
	CheckedOutAt time.Time
	ReturnedAt   time.Time
	Title        string
	Author       string
	ISBN         string
}

// BuildOpenCheckout is a factory method for a Checkout that has not been returned yet.
//
// Returns an error if any id is the nil UUID or checkedOutAt is the zero time.
func BuildOpenCheckout(
	id uuid.UUID,
	bookID uuid.UUID,
	borrowerID uuid.UUID,
	checkedOutAt time.Time,
	title string,
	author string,
	isbn string,
) (Checkout, error) {

	if id == uuid.Nil || bookID == uuid.Nil || borrowerID == uuid.Nil {
		return Checkout{}, ErrNilIDSupplied
	}

	if checkedOutAt.IsZero() {
		return Checkout{}, ErrZeroTimestampSupplied
	}

	return Checkout{
		ID:           id,
		BookID:       bookID,
		BorrowerID:   borrowerID,
		CheckedOutAt: checkedOutAt,
		Title:        title,
		Author:       author,
		ISBN:         isbn,
	}, nil
}

// BuildReturnedCheckout is a factory method for a Checkout that was already returned.
//
// Returns an error if any id is the nil UUID or any timestamp is the zero time.
func BuildReturnedCheckout(
	id uuid.UUID,
	bookID uuid.UUID,
	borrowerID uuid.UUID,
	checkedOutAt time.Time,
	returnedAt time.Time,
	title string,
	author string,
	isbn string,
) (Checkout, error) {

	checkout, err := BuildOpenCheckout(id, bookID, borrowerID, checkedOutAt, title, author, isbn)
	if err != nil {
		return Checkout{}, err
	}

	if returnedAt.IsZero() {
		return Checkout{}, ErrZeroTimestampSupplied
	}

	checkout.ReturnedAt = returnedAt

	return checkout, nil
}

// Returned reports whether this checkout was already returned.
func (c Checkout) Returned() bool {
	return !c.ReturnedAt.IsZero()
}
