package model

import (
	"errors"
	"time"
)

// Outgoing payment lifecycle states. Only StateSending is driven by the
// scheduler; transitions into Sending and out to Funding or cancellation are
// owned elsewhere.
const (
	PaymentStateFunding   = "FUNDING"
	PaymentStateSending   = "SENDING"
	PaymentStateCompleted = "COMPLETED"
	PaymentStateFailed    = "FAILED"
)

// OutgoingPayment is one multi-step payment driven to completion by the
// lifecycle scheduler. Quote and wallet address are references read by the
// sender, never mutated here.
type OutgoingPayment struct {
	PaymentID       string    `json:"payment_id"`
	State           string    `json:"state"`
	StateAttempts   int       `json:"state_attempts"`
	QuoteID         string    `json:"quote_id"`
	WalletAddressID string    `json:"wallet_address_id"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Quote is the priced leg of an outgoing payment: where to send and how much,
// valid until it expires. The sender reads quotes; it never mutates them.
type Quote struct {
	QuoteID     string    `json:"quote_id"`
	Destination string    `json:"destination"`
	Amount      uint64    `json:"amount"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrRatesUnavailable marks a lifecycle step that failed because exchange
// rates could not be fetched. Always retryable.
var ErrRatesUnavailable = errors.New("rates unavailable")

// PaymentError is raised by the payment-method layer with an explicit
// retryable flag.
type PaymentError struct {
	Description string
	Retryable   bool
}

func (e *PaymentError) Error() string {
	return e.Description
}

// RetryablePaymentError classifies a lifecycle step error. Rates outages and
// anything unrecognized default to retryable so transient infrastructure
// issues never prematurely fail a payment.
func RetryablePaymentError(err error) bool {
	if errors.Is(err, ErrRatesUnavailable) {
		return true
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
