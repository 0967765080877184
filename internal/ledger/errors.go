package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error for callers deciding whether to retry.
type Kind string

const (
	// KindValidation: rejected before any mutation; fix the input.
	KindValidation Kind = "validation"
	// KindConflict: concurrent modification or illegal state; re-read and retry.
	KindConflict Kind = "conflict"
	// KindNotFound: referenced entity does not exist in the org.
	KindNotFound Kind = "not_found"
	// KindInvariant: bookkeeping is inconsistent; the operation was aborted.
	KindInvariant Kind = "invariant_violation"
)

// Error is the typed error returned by every ledger operation.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind. A target with a Code only
// matches errors carrying that code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Kind sentinels for errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrConflict   = &Error{Kind: KindConflict, Message: "conflict"}
	ErrNotFound   = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvariant  = &Error{Kind: KindInvariant, Message: "invariant violation"}
)

// Error codes.
const (
	CodeInvalidAmount        = "INVALID_AMOUNT"
	CodeInvalidMethod        = "INVALID_PAYMENT_METHOD"
	CodeDecreasingAmountPaid = "DECREASING_AMOUNT_PAID"
	CodeNoMatchedObligation  = "NO_MATCHED_OBLIGATION"
	CodeNoAISuggestion       = "NO_AI_SUGGESTION"
	CodeSellerInactive       = "SELLER_INACTIVE"
	CodeCommissionState      = "INVALID_COMMISSION_STATE"
	CodeSignalTerminal       = "SIGNAL_TERMINAL"
	CodeInsufficientCredit   = "INSUFFICIENT_CREDIT"
	CodeObligationPaid       = "OBLIGATION_ALREADY_PAID"
	CodeContactMismatch      = "CONTACT_MISMATCH"
	CodeVersionMismatch      = "VERSION_MISMATCH"
	CodeDuplicate            = "DUPLICATE"
	CodeCreditProjection     = "CREDIT_PROJECTION_MISMATCH"
	CodeCommissionBookkeep   = "COMMISSION_BOOKKEEPING"
	CodePartnerNotFound      = "PARTNER_NOT_FOUND"
	CodeCommissionNotFound   = "COMMISSION_NOT_FOUND"
	CodeObligationNotFound   = "OBLIGATION_NOT_FOUND"
	CodeSignalNotFound       = "SIGNAL_NOT_FOUND"
	CodeContactNotFound      = "CONTACT_NOT_FOUND"
	CodeBatchEmpty           = "BATCH_EMPTY"
	CodeInvalidInput         = "INVALID_INPUT"
)

func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func Invariant(code, msg string) *Error {
	return &Error{Kind: KindInvariant, Code: code, Message: msg}
}

// KindOf returns the kind of a domain error, or "" for anything else.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}
