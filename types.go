// Package x402 implements the x402 per-request payment protocol.
//
// A resource server ("seller") answers unpaid requests with HTTP 402 and a
// list of acceptable payment requirements. The buyer constructs a signed,
// scheme-specific payment payload, retries with the X-PAYMENT header, and the
// seller has a facilitator verify and settle the payment before serving the
// resource.
//
// This package holds the wire model shared by buyers, sellers, and
// facilitators. Scheme-specific signing lives under signers/, and the
// facilitator's verifier and settler live under facilitator/.
package x402

import (
	"encoding/json"
	"math/big"
)

// X402Version is the protocol version carried in every wire message.
const X402Version = 1

// SchemeExact is the exact-amount payment scheme supported on both chain
// families.
const SchemeExact = "exact"

// PaymentRequirements defines a single acceptable payment option. It is an
// element of the "accepts" array in a 402 challenge, and is immutable once
// issued.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units, as a decimal
	// string. Amounts are never transmitted as native numbers.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Resource is the URI of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`

	// PayTo is the recipient address (EVM) or pubkey (Solana).
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds bounds both the authorization validity window and the
	// settlement confirmation budget.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset"`

	// Extra carries scheme-specific data: EIP-3009 domain name/version for
	// EVM, the sponsoring feePayer pubkey for Solana.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the 402 response body sent by resource servers.
type PaymentRequired struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`

	// Accepts is an array of payment options the server will accept.
	Accepts []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the signed payment constructed by the buyer and carried
// base64-encoded in the X-PAYMENT header. Payload is a tagged union whose
// concrete shape depends on (scheme, network family); see DecodePayload.
type PaymentPayload struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base").
	Network string `json:"network"`

	// Payload is the scheme-specific signed payment data, kept raw until
	// resolved through the payload capability table.
	Payload json.RawMessage `json:"payload"`
}

// ExactEVMPayload contains EIP-3009 authorization data for exact EVM
// payments.
type ExactEVMPayload struct {
	// Signature is the hex-encoded 65-byte ECDSA signature over the EIP-712
	// TransferWithAuthorization digest.
	Signature string `json:"signature"`

	// Authorization contains the transferWithAuthorization parameters.
	Authorization ExactEVMAuthorization `json:"authorization"`

	// Asset optionally declares the token contract the authorization was
	// signed against. When present it must match the chosen requirement's
	// asset.
	Asset string `json:"asset,omitempty"`
}

// ExactEVMAuthorization contains EIP-3009 transferWithAuthorization
// parameters. All numeric values are decimal strings.
type ExactEVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string; it is the replay-protection key.
	Nonce string `json:"nonce"`
}

// ExactSVMPayload contains a partially signed Solana transaction for exact
// SVM payments. The buyer signs with their key only; the facilitator
// completes the fee-payer signature slot at settlement.
type ExactSVMPayload struct {
	// Transaction is the base64-encoded partially signed transaction.
	Transaction string `json:"transaction"`
}

// VerifyResponse is returned by the facilitator /verify endpoint.
type VerifyResponse struct {
	// IsValid indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// InvalidReason is a machine-readable reason code when invalid.
	InvalidReason Reason `json:"invalidReason,omitempty"`

	// Payer is the address that authorized the payment, when recoverable.
	Payer string `json:"payer,omitempty"`
}

// SettleResponse is returned by the facilitator /settle endpoint and carried
// base64-encoded in the X-PAYMENT-RESPONSE header on success.
type SettleResponse struct {
	// Success indicates whether the payment was settled on-chain.
	Success bool `json:"success"`

	// ErrorReason is a machine-readable reason code when unsuccessful.
	ErrorReason Reason `json:"errorReason,omitempty"`

	// Transaction is the blockchain transaction hash or signature.
	Transaction string `json:"transaction,omitempty"`

	// Network is the blockchain network where settlement was attempted.
	Network string `json:"network,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SupportedKind describes a payment type supported by a facilitator.
type SupportedKind struct {
	// X402Version is the protocol version supported.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Extra contains scheme-specific data such as the Solana feePayer or the
	// EIP-3009 domain parameters.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by the facilitator /supported endpoint.
type SupportedResponse struct {
	// Kinds lists the payment types supported by the facilitator.
	Kinds []SupportedKind `json:"kinds"`
}

// TokenConfig defines a token a signer can pay with.
type TokenConfig struct {
	// Address is the token contract address (EVM) or mint address (Solana).
	Address string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// Priority is the token's priority level within the signer.
	// Lower numbers indicate higher priority (1 > 2 > 3).
	Priority int

	// Name is an optional human-readable token name.
	Name string
}

// Invalid builds a VerifyResponse rejecting a payment with the given reason.
func Invalid(reason Reason, payer string) *VerifyResponse {
	return &VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// Valid builds a VerifyResponse accepting a payment from the given payer.
func Valid(payer string) *VerifyResponse {
	return &VerifyResponse{IsValid: true, Payer: payer}
}

// SettleFailure builds a SettleResponse for a failed or unresolved settlement.
func SettleFailure(reason Reason, network, payer string) *SettleResponse {
	return &SettleResponse{Success: false, ErrorReason: reason, Network: network, Payer: payer}
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative, fractional beyond the
// token's precision, or malformed.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}

	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}

// ParseAtomicAmount parses an atomic-unit decimal string (e.g. a
// maxAmountRequired or authorization value) into a non-negative *big.Int.
func ParseAtomicAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}
