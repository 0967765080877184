package ledger

import (
	"errors"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/money"
)

// Per-item outcomes of a batch operation.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeSkipped      = "skipped"
	OutcomeFailed       = "failed"
	OutcomeNotAttempted = "not_attempted"
)

// ItemOutcome reports what happened to one item of a batch.
type ItemOutcome struct {
	ID      uuid.UUID     `json:"id"`
	Outcome string        `json:"outcome"`
	Amount  *money.Amount `json:"amount,omitempty"`
	Kind    Kind          `json:"kind,omitempty"`
	Code    string        `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// BatchResult collects per-item outcomes in input order.
type BatchResult struct {
	Items   []ItemOutcome `json:"items"`
	Applied money.Amount  `json:"applied"`
}

func (b *BatchResult) Succeeded(id uuid.UUID, amount *money.Amount) {
	b.Items = append(b.Items, ItemOutcome{ID: id, Outcome: OutcomeSucceeded, Amount: amount})
	if amount != nil {
		b.Applied = b.Applied.Add(*amount)
	}
}

func (b *BatchResult) Skipped(id uuid.UUID, reason string) {
	b.Items = append(b.Items, ItemOutcome{ID: id, Outcome: OutcomeSkipped, Error: reason})
}

func (b *BatchResult) Failed(id uuid.UUID, err error) {
	out := ItemOutcome{ID: id, Outcome: OutcomeFailed, Error: err.Error()}
	var le *Error
	if errors.As(err, &le) {
		out.Kind, out.Code = le.Kind, le.Code
	}
	b.Items = append(b.Items, out)
}

// NotAttempted marks every id as not attempted, used after cancellation.
func (b *BatchResult) NotAttempted(ids ...uuid.UUID) {
	for _, id := range ids {
		b.Items = append(b.Items, ItemOutcome{ID: id, Outcome: OutcomeNotAttempted})
	}
}

// Count returns how many items ended with outcome.
func (b BatchResult) Count(outcome string) int {
	n := 0
	for _, it := range b.Items {
		if it.Outcome == outcome {
			n++
		}
	}
	return n
}
