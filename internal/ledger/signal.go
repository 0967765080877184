package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/money"
)

// PaymentSignal is an externally detected payment awaiting reconciliation.
// Fields shared by every payment method live here; method-specific fields
// live in Details.
type PaymentSignal struct {
	ID                   uuid.UUID     `json:"id"`
	OrgID                uuid.UUID     `json:"org_id"`
	ExternalID           string        `json:"external_id"`
	Method               string        `json:"method"`
	Details              SignalDetails `json:"details"`
	SenderName           string        `json:"sender_name"`
	Amount               money.Amount  `json:"amount"`
	EmailDate            *time.Time    `json:"email_date,omitempty"`
	Subject              string        `json:"subject,omitempty"`
	Snippet              string        `json:"snippet,omitempty"`
	MatchedObligationID  *uuid.UUID    `json:"matched_obligation_id,omitempty"`
	MatchedContactID     *uuid.UUID    `json:"matched_contact_id,omitempty"`
	MatchProvenance      string        `json:"match_provenance,omitempty"`
	AISuggestedContactID *uuid.UUID    `json:"ai_suggested_contact_id,omitempty"`
	AIReasoning          string        `json:"ai_reasoning,omitempty"`
	Confidence           string        `json:"confidence"`
	Status               string        `json:"status"`
	ApprovedAmount       *money.Amount `json:"approved_amount,omitempty"`
	ReviewedBy           *uuid.UUID    `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time    `json:"reviewed_at,omitempty"`
	AutoPostedAt         *time.Time    `json:"auto_posted_at,omitempty"`
	Notes                string        `json:"notes,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
}

// IsTerminal reports whether the signal can no longer change status.
func (s PaymentSignal) IsTerminal() bool { return IsTerminalSignalStatus(s.Status) }

// IsTerminalSignalStatus reports whether status is one of the end states.
func IsTerminalSignalStatus(status string) bool {
	switch status {
	case enum.SignalStatusApproved, enum.SignalStatusRejected,
		enum.SignalStatusSkipped, enum.SignalStatusAutoPosted:
		return true
	}
	return false
}

// IsValidConfidence reports whether c is a known confidence level.
func IsValidConfidence(c string) bool {
	switch c {
	case enum.ConfidenceHigh, enum.ConfidenceMedium, enum.ConfidenceLow:
		return true
	}
	return false
}

// SignalDetails carries the fields specific to one payment method.
type SignalDetails interface {
	Method() string
}

type VenmoDetails struct {
	Handle string `json:"handle,omitempty"`
	Note   string `json:"note,omitempty"`
}

type CashAppDetails struct {
	Cashtag string `json:"cashtag,omitempty"`
	Note    string `json:"note,omitempty"`
}

type ZelleDetails struct {
	Bank          string `json:"bank,omitempty"`
	ConfirmNumber string `json:"confirmation_number,omitempty"`
	Memo          string `json:"memo,omitempty"`
}

type PayPalDetails struct {
	TransactionID string `json:"transaction_id,omitempty"`
	PayerEmail    string `json:"payer_email,omitempty"`
}

// OtherDetails keeps whatever the scanner sent for methods without a
// dedicated shape.
type OtherDetails struct {
	Name string          `json:"name,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

func (VenmoDetails) Method() string   { return enum.PaymentMethodVenmo }
func (CashAppDetails) Method() string { return enum.PaymentMethodCashApp }
func (ZelleDetails) Method() string   { return enum.PaymentMethodZelle }
func (PayPalDetails) Method() string  { return enum.PaymentMethodPayPal }
func (OtherDetails) Method() string   { return enum.PaymentMethodOther }

// IsSignalMethod reports whether m is a method the queue accepts.
func IsSignalMethod(m string) bool {
	switch m {
	case enum.PaymentMethodVenmo, enum.PaymentMethodCashApp, enum.PaymentMethodZelle,
		enum.PaymentMethodPayPal, enum.PaymentMethodOther:
		return true
	}
	return false
}

// DecodeSignalDetails builds the variant for method from its JSON encoding.
// Empty input yields the zero value of the variant.
func DecodeSignalDetails(method string, raw []byte) (SignalDetails, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	var (
		d   SignalDetails
		err error
	)
	switch method {
	case enum.PaymentMethodVenmo:
		var v VenmoDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case enum.PaymentMethodCashApp:
		var v CashAppDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case enum.PaymentMethodZelle:
		var v ZelleDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case enum.PaymentMethodPayPal:
		var v PayPalDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case enum.PaymentMethodOther:
		var v OtherDetails
		err = json.Unmarshal(raw, &v)
		d = v
	default:
		return nil, Validation(CodeInvalidMethod, fmt.Sprintf("unsupported payment method %q", method))
	}
	if err != nil {
		return nil, Validation(CodeInvalidInput, fmt.Sprintf("invalid %s details: %v", method, err))
	}
	return d, nil
}

// EncodeSignalDetails is the inverse of DecodeSignalDetails.
func EncodeSignalDetails(d SignalDetails) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}
