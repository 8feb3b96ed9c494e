package x402

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventVerified indicates a payment passed verification.
	PaymentEventVerified PaymentEventType = "verified"

	// PaymentEventRejected indicates a payment failed verification.
	PaymentEventRejected PaymentEventType = "rejected"

	// PaymentEventSettled indicates a payment was settled on-chain.
	PaymentEventSettled PaymentEventType = "settled"

	// PaymentEventSettleFailed indicates a settlement attempt failed.
	PaymentEventSettleFailed PaymentEventType = "settle_failed"

	// PaymentEventAttempt indicates a buyer is attempting a payment.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a buyer's payment completed.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a buyer's payment failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment lifecycle event emitted by the
// facilitator for logging, monitoring, and debugging.
type PaymentEvent struct {
	// Type is the event type.
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Scheme is the payment scheme (e.g., "exact").
	Scheme string

	// Network is the blockchain network identifier.
	Network string

	// Amount is the payment amount in atomic units.
	Amount string

	// Asset is the token/asset address or mint.
	Asset string

	// Recipient is the payment recipient address.
	Recipient string

	// Payer is the address that made the payment, when known.
	Payer string

	// Transaction is the blockchain transaction hash (settlement events).
	Transaction string

	// Reason is the rejection or failure reason code, when applicable.
	Reason Reason

	// URL is the resource URL (buyer-side events).
	URL string

	// Error is the failure error (buyer-side events).
	Error error

	// Duration is the time taken for the operation.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events. Callbacks are
// invoked synchronously during payment processing, so they should be fast to
// avoid blocking the payment flow.
type PaymentCallback func(PaymentEvent)
