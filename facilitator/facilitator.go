// Package facilitator implements x402 payment verification and settlement.
//
// The Verifier side is stateless: given a payment payload and the
// requirements it claims to satisfy, it answers "would this payment succeed"
// without touching chain state. The Settler side is stateful: it executes
// verified payments exactly once, keyed by each scheme's replay identity.
//
// Scheme-specific chain logic lives in the evm and svm subpackages; Local
// composes adapters with the replay store and settlement coordination.
package facilitator

import (
	"context"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
)

// Interface defines the facilitator contract for payment verification and
// settlement. Both the in-process Local facilitator and the HTTP client
// satisfy it.
type Interface interface {
	// Verify checks a payment authorization without executing it. It judges
	// only what can be judged statelessly plus a best-effort balance probe;
	// it never mutates chain or replay state, so a valid verdict is not a
	// settlement guarantee.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// Settle executes a verified payment on the blockchain. Settling the same
	// payment twice yields one on-chain transfer.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)

	// Supported queries the facilitator for supported (scheme, network) pairs.
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// Adapter is the scheme- and network-specific half of a facilitator. One
// adapter handles one (scheme, network) pair.
type Adapter interface {
	// Scheme returns the payment scheme the adapter handles.
	Scheme() string

	// Network returns the network the adapter handles.
	Network() string

	// Kind describes the adapter for the /supported listing.
	Kind() x402.SupportedKind

	// Verify runs the ordered verification checks. Rejections come back as a
	// VerifyResponse with a reason; an error means the adapter itself could
	// not reach a verdict.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// SettlementKey extracts the payment's replay identity and payer address
	// from the payload.
	SettlementKey(payload x402.PaymentPayload) (key string, payer string, err error)

	// Settle submits the payment on-chain and waits for confirmation within
	// the requirement's timeout. Failures come back as a SettleResponse with
	// a reason; an error means the adapter could not even attempt submission.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// VerifyRequest is the request payload sent to POST /verify.
type VerifyRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}
