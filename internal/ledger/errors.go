package ledger

import (
	"errors"
	"fmt"
)

// Reason classifies why a trade was not accepted. Validation and
// business-rule reasons are caller errors the API layer maps to 4xx;
// ReasonConcurrencyExhausted is the one outcome a caller may retry at a
// higher level. Infrastructure faults are not Reasons — they surface as
// ordinary wrapped errors.
type Reason string

const (
	ReasonInvalidQuantity      Reason = "invalid_quantity"
	ReasonInstrumentNotFound   Reason = "instrument_not_found"
	ReasonInsufficientFunds    Reason = "insufficient_funds"
	ReasonInsufficientPosition Reason = "insufficient_position"
	ReasonConcurrencyExhausted Reason = "concurrency_exhausted"
)

// TradeError is a terminal trade outcome. No state was written and no
// audit record exists for a trade that returns one.
type TradeError struct {
	Reason Reason
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("trade rejected: %s", e.Reason)
}

var (
	ErrInvalidQuantity      = &TradeError{Reason: ReasonInvalidQuantity}
	ErrInstrumentNotFound   = &TradeError{Reason: ReasonInstrumentNotFound}
	ErrInsufficientFunds    = &TradeError{Reason: ReasonInsufficientFunds}
	ErrInsufficientPosition = &TradeError{Reason: ReasonInsufficientPosition}
	ErrConcurrencyExhausted = &TradeError{Reason: ReasonConcurrencyExhausted}
)

// ReasonOf extracts the rejection reason from an error, if it carries one.
// Infrastructure faults return ("", false) so the API layer can tell 4xx
// outcomes from 5xx ones without inspecting messages.
func ReasonOf(err error) (Reason, bool) {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Reason, true
	}
	return "", false
}
