// Package validation provides structural validation for x402 payment data.
// It validates addresses, amounts, networks, and payment structures before
// any semantic or cryptographic checks run.
package validation

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

	// evmSignatureRegex matches 65-byte hex ECDSA signatures
	evmSignatureRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{130}$`)

	// nonceRegex matches 32-byte hex nonces
	nonceRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// ValidateAmount validates that an amount string is a valid non-negative
// integer in atomic units. Zero amounts are allowed for free-with-signature
// authorization flows.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt := new(big.Int)
	amt, ok := amt.SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative, got: %s", amount)
	}

	return nil
}

// ValidateNetwork validates a network identifier against the supported set.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("network cannot be empty")
	}

	_, err := x402.GetNetwork(network)
	return err
}

// ValidateAddress validates an address based on the network's family.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	family, err := x402.NetworkFamilyOf(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch family {
	case x402.FamilyEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
		return nil

	case x402.FamilySVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
		}
		return nil

	default:
		return fmt.Errorf("unsupported network family for address validation: %d", family)
	}
}

// ValidatePaymentRequirements performs comprehensive validation of payment
// requirements: amount, network, addresses, scheme, resource, and timeout.
func ValidatePaymentRequirements(req x402.PaymentRequirements) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: payTo %w", err)
	}

	if req.Asset == "" {
		return fmt.Errorf("invalid requirements: asset address cannot be empty")
	}

	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: asset %w", err)
	}

	switch req.Scheme {
	case x402.SchemeExact:
	case "":
		return fmt.Errorf("invalid requirements: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirements: unsupported scheme %s", req.Scheme)
	}

	if req.Resource != "" {
		if _, err := url.Parse(req.Resource); err != nil {
			return fmt.Errorf("invalid requirements: resource %w", err)
		}
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirements: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	// EIP-3009 domain parameters must be non-empty strings when present.
	family, _ := x402.NetworkFamilyOf(req.Network)
	if family == x402.FamilyEVM && req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("invalid requirements: EIP-3009 name cannot be empty")
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("invalid requirements: EIP-3009 version cannot be empty")
		}
	}

	return nil
}

// ValidatePaymentPayload validates the payment envelope and resolves its
// scheme-specific payload against the capability table. It does not verify
// signatures; that is the verifier's job.
func ValidatePaymentPayload(payload x402.PaymentPayload) error {
	if payload.X402Version != x402.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", payload.X402Version, x402.X402Version)
	}

	if payload.Scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}

	if err := ValidateNetwork(payload.Network); err != nil {
		return fmt.Errorf("invalid payload network: %w", err)
	}

	inner, err := payload.DecodePayload()
	if err != nil {
		return err
	}

	if evm, ok := inner.(x402.ExactEVMPayload); ok {
		return validateExactEVM(evm)
	}
	return nil
}

func validateExactEVM(p x402.ExactEVMPayload) error {
	if !evmSignatureRegex.MatchString(p.Signature) {
		return fmt.Errorf("invalid signature format: expected 65-byte hex string")
	}
	if !evmAddressRegex.MatchString(p.Authorization.From) {
		return fmt.Errorf("invalid authorization from address: %s", p.Authorization.From)
	}
	if !evmAddressRegex.MatchString(p.Authorization.To) {
		return fmt.Errorf("invalid authorization to address: %s", p.Authorization.To)
	}
	if !nonceRegex.MatchString(p.Authorization.Nonce) {
		return fmt.Errorf("invalid nonce: expected 32-byte hex string")
	}
	if err := ValidateAmount(p.Authorization.Value); err != nil {
		return fmt.Errorf("invalid authorization value: %w", err)
	}
	for _, ts := range []string{p.Authorization.ValidAfter, p.Authorization.ValidBefore} {
		if _, ok := new(big.Int).SetString(ts, 10); !ok {
			return fmt.Errorf("invalid authorization timestamp: %s", ts)
		}
	}
	if p.Asset != "" && !evmAddressRegex.MatchString(p.Asset) {
		return fmt.Errorf("invalid payload asset address: %s", p.Asset)
	}
	return nil
}

// ValidatePaymentRequired validates a complete 402 challenge body.
func ValidatePaymentRequired(pr x402.PaymentRequired) error {
	if pr.X402Version != x402.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", pr.X402Version, x402.X402Version)
	}

	if len(pr.Accepts) == 0 {
		return fmt.Errorf("invalid payment required: accepts cannot be empty")
	}

	for i, req := range pr.Accepts {
		if err := ValidatePaymentRequirements(req); err != nil {
			return fmt.Errorf("invalid payment required: accepts[%d] %w", i, err)
		}
	}

	return nil
}
