// Package history keeps a bounded log of webhook outcomes.
package history

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry is one processed signal and what became of it.
type Entry struct {
	ID         string          `json:"id"`
	Time       time.Time       `json:"time"`
	Price      decimal.Decimal `json:"price"`
	Message    string          `json:"message"`
	Strike     decimal.Decimal `json:"strike"`
	OptionType string          `json:"type"` // CE or PE
	SecurityID string          `json:"security_id,omitempty"`
	Expiry     string          `json:"expiry,omitempty"`
	Quantity   int             `json:"quantity,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	Status     string          `json:"status"`
	Remarks    string          `json:"remarks"`
	Reversed   bool            `json:"reversed"`
}

// Stats summarizes the retained entries.
type Stats struct {
	Total     int       `json:"total"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	Reversals int       `json:"reversals"`
	LastEntry time.Time `json:"last_entry"`
}

// Store records entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append assigns an ID and time when missing and returns the stored entry.
	Append(e Entry) (Entry, error)
	// Recent returns up to limit entries, newest first. limit <= 0 means all.
	Recent(limit int) []Entry
	Stats() Stats
}

// Ensure JSONStore implements Store
var _ Store = (*JSONStore)(nil)
