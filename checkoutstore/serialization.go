package checkoutstore

import (
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// ErrInvalidCheckoutJSON is returned when checkout JSON data is malformed or invalid.
var ErrInvalidCheckoutJSON = errors.New("checkout json is not valid")

// checkoutJSON is the wire shape used by the JSON helpers, kept separate from
// the Checkout DTO so field names on the wire stay stable.
type checkoutJSON struct {
	ID           uuid.UUID  `json:"checkout_id"`
	BookID       uuid.UUID  `json:"book_id"`
	BorrowerID   uuid.UUID  `json:"borrower_id"`
	CheckedOutAt time.Time  `json:"checked_out_at"`
	ReturnedAt   *time.Time `json:"returned_at,omitempty"`
	Title        string     `json:"title"`
	Author       string     `json:"author"`
	ISBN         string     `json:"isbn"`
}

// MarshalCheckoutsJSON serializes a list of checkouts (for example a book's
// history) into a JSON array for calling layers. Open checkouts omit returned_at.
func MarshalCheckoutsJSON(checkouts Checkouts) ([]byte, error) {
	wire := make([]checkoutJSON, 0, len(checkouts))

	for _, checkout := range checkouts {
		entry := checkoutJSON{
			ID:           checkout.ID,
			BookID:       checkout.BookID,
			BorrowerID:   checkout.BorrowerID,
			CheckedOutAt: checkout.CheckedOutAt,
			Title:        checkout.Title,
			Author:       checkout.Author,
			ISBN:         checkout.ISBN,
		}

		if checkout.Returned() {
			returnedAt := checkout.ReturnedAt
			entry.ReturnedAt = &returnedAt
		}

		wire = append(wire, entry)
	}

	return jsoniter.ConfigFastest.Marshal(wire)
}

// UnmarshalCheckoutsJSON deserializes a JSON array produced by MarshalCheckoutsJSON.
func UnmarshalCheckoutsJSON(data []byte) (Checkouts, error) {
	if !jsoniter.ConfigFastest.Valid(data) {
		return nil, ErrInvalidCheckoutJSON
	}

	var wire []checkoutJSON
	if err := jsoniter.ConfigFastest.Unmarshal(data, &wire); err != nil {
		return nil, errors.Join(ErrInvalidCheckoutJSON, err)
	}

	checkouts := make(Checkouts, 0, len(wire))

	for _, entry := range wire {
		checkout := Checkout{
			ID:           entry.ID,
			BookID:       entry.BookID,
			BorrowerID:   entry.BorrowerID,
			CheckedOutAt: entry.CheckedOutAt,
			Title:        entry.Title,
			Author:       entry.Author,
			ISBN:         entry.ISBN,
		}

		if entry.ReturnedAt != nil {
			checkout.ReturnedAt = *entry.ReturnedAt
		}

		checkouts = append(checkouts, checkout)
	}

	return checkouts, nil
}
