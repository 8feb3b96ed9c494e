package evm

import (
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/internal/eip3009"
)

// Anvil test account #1.
const (
	buyerKey     = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	buyerAddress = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func testTokens(t *testing.T) []x402.TokenConfig {
	t.Helper()
	network, err := x402.GetNetwork("base-sepolia")
	if err != nil {
		t.Fatalf("GetNetwork() error = %v", err)
	}
	return []x402.TokenConfig{x402.NewUSDCTokenConfig(network, 1)}
}

func testSigner(t *testing.T, opts ...Option) *Signer {
	t.Helper()
	signer, err := NewSigner("base-sepolia", buyerKey, testTokens(t), opts...)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return signer
}

func testRequirements() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Resource:          "https://example.com/api",
		PayTo:             "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

func decodeEVMPayload(t *testing.T, payment *x402.PaymentPayload) x402.ExactEVMPayload {
	t.Helper()
	var payload x402.ExactEVMPayload
	if err := json.Unmarshal(payment.Payload, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	return payload
}

func TestNewSigner(t *testing.T) {
	t.Run("accepts a 0x-prefixed key", func(t *testing.T) {
		signer, err := NewSigner("base-sepolia", "0x"+buyerKey, testTokens(t))
		if err != nil {
			t.Fatalf("NewSigner() error = %v", err)
		}
		if signer.Address() != common.HexToAddress(buyerAddress) {
			t.Errorf("Address = %s; want %s", signer.Address(), buyerAddress)
		}
	})

	t.Run("rejects a malformed key", func(t *testing.T) {
		if _, err := NewSigner("base-sepolia", "zz", testTokens(t)); !errors.Is(err, x402.ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("rejects an unknown network", func(t *testing.T) {
		if _, err := NewSigner("dogecoin", buyerKey, testTokens(t)); err == nil {
			t.Error("Expected error for unknown network")
		}
	})

	t.Run("rejects a Solana network", func(t *testing.T) {
		if _, err := NewSigner("solana", buyerKey, testTokens(t)); err == nil {
			t.Error("Expected error for network without a chain ID")
		}
	})

	t.Run("rejects an invalid policy", func(t *testing.T) {
		bad := x402.Policy{MaxValidityWindow: 0, ClockSkew: 10 * time.Second}
		if _, err := NewSigner("base-sepolia", buyerKey, testTokens(t), WithPolicy(bad)); err == nil {
			t.Error("Expected error for zero validity window")
		}
	})
}

func TestCanSign(t *testing.T) {
	signer := testSigner(t)

	tests := []struct {
		name   string
		mutate func(*x402.PaymentRequirements)
		want   bool
	}{
		{"matching requirement", func(r *x402.PaymentRequirements) {}, true},
		{"asset case-insensitive", func(r *x402.PaymentRequirements) {
			r.Asset = strings.ToLower(r.Asset)
		}, true},
		{"wrong network", func(r *x402.PaymentRequirements) { r.Network = "base" }, false},
		{"wrong scheme", func(r *x402.PaymentRequirements) { r.Scheme = "streaming" }, false},
		{"unknown asset", func(r *x402.PaymentRequirements) {
			r.Asset = "0x1111111111111111111111111111111111111111"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequirements()
			tt.mutate(req)
			if got := signer.CanSign(req); got != tt.want {
				t.Errorf("CanSign() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestSign(t *testing.T) {
	t.Run("produces a recoverable authorization", func(t *testing.T) {
		signer := testSigner(t)
		req := testRequirements()

		payment, err := signer.Sign(req)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		if payment.X402Version != x402.X402Version || payment.Scheme != "exact" || payment.Network != "base-sepolia" {
			t.Errorf("Envelope = %d/%s/%s; want 1/exact/base-sepolia", payment.X402Version, payment.Scheme, payment.Network)
		}

		payload := decodeEVMPayload(t, payment)
		auth := payload.Authorization
		if auth.From != common.HexToAddress(buyerAddress).Hex() {
			t.Errorf("From = %s; want %s", auth.From, buyerAddress)
		}
		if auth.To != common.HexToAddress(req.PayTo).Hex() {
			t.Errorf("To = %s; want %s", auth.To, req.PayTo)
		}
		if auth.Value != "10000" {
			t.Errorf("Value = %s; want 10000", auth.Value)
		}
		if payload.Asset != req.Asset {
			t.Errorf("Asset = %s; want %s", payload.Asset, req.Asset)
		}
		if !strings.HasPrefix(auth.Nonce, "0x") || len(auth.Nonce) != 66 {
			t.Errorf("Nonce = %s; want 32 bytes of 0x-hex", auth.Nonce)
		}

		// The signature must recover to the signer under the USDC domain.
		value, _ := new(big.Int).SetString(auth.Value, 10)
		validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
		validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
		rebuilt := &eip3009.Authorization{
			From:        common.HexToAddress(auth.From),
			To:          common.HexToAddress(auth.To),
			Value:       value,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       [32]byte(common.HexToHash(auth.Nonce)),
		}
		recovered, err := eip3009.RecoverSigner(payload.Signature, common.HexToAddress(req.Asset), big.NewInt(84532), rebuilt, "USDC", "2")
		if err != nil {
			t.Fatalf("RecoverSigner() error = %v", err)
		}
		if recovered != common.HexToAddress(buyerAddress) {
			t.Errorf("Recovered = %s; want %s", recovered, buyerAddress)
		}
	})

	t.Run("validity window follows the requirement", func(t *testing.T) {
		signer := testSigner(t)
		payment, err := signer.Sign(testRequirements())
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}

		payload := decodeEVMPayload(t, payment)
		validAfter, _ := new(big.Int).SetString(payload.Authorization.ValidAfter, 10)
		validBefore, _ := new(big.Int).SetString(payload.Authorization.ValidBefore, 10)
		now := time.Now().Unix()

		if validAfter.Int64() > now {
			t.Errorf("ValidAfter = %d is in the future (now %d)", validAfter.Int64(), now)
		}
		width := validBefore.Int64() - validAfter.Int64()
		// 60s timeout plus 10s skew, with slack for test runtime.
		if width < 65 || width > 75 {
			t.Errorf("Window width = %ds; want ~70s", width)
		}
	})

	t.Run("window is clamped by policy for long timeouts", func(t *testing.T) {
		signer := testSigner(t)
		req := testRequirements()
		req.MaxTimeoutSeconds = 600

		payment, err := signer.Sign(req)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}

		payload := decodeEVMPayload(t, payment)
		validAfter, _ := new(big.Int).SetString(payload.Authorization.ValidAfter, 10)
		validBefore, _ := new(big.Int).SetString(payload.Authorization.ValidBefore, 10)
		width := validBefore.Int64() - validAfter.Int64()

		// 120s policy cap plus 10s skew.
		if width > 135 {
			t.Errorf("Window width = %ds; want clamped to ~130s", width)
		}
	})

	t.Run("uses domain parameters from extra", func(t *testing.T) {
		signer := testSigner(t)
		req := testRequirements()
		req.Extra = map[string]interface{}{"name": "USD Coin", "version": "1"}

		payment, err := signer.Sign(req)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}

		payload := decodeEVMPayload(t, payment)
		auth := payload.Authorization
		value, _ := new(big.Int).SetString(auth.Value, 10)
		validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
		validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
		rebuilt := &eip3009.Authorization{
			From:        common.HexToAddress(auth.From),
			To:          common.HexToAddress(auth.To),
			Value:       value,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       [32]byte(common.HexToHash(auth.Nonce)),
		}
		recovered, err := eip3009.RecoverSigner(payload.Signature, common.HexToAddress(req.Asset), big.NewInt(84532), rebuilt, "USD Coin", "1")
		if err != nil {
			t.Fatalf("RecoverSigner() error = %v", err)
		}
		if recovered != common.HexToAddress(buyerAddress) {
			t.Errorf("Recovered = %s; want %s", recovered, buyerAddress)
		}
	})

	t.Run("rejects requirements it cannot sign", func(t *testing.T) {
		signer := testSigner(t)
		req := testRequirements()
		req.Network = "base"
		if _, err := signer.Sign(req); !errors.Is(err, x402.ErrNoValidSigner) {
			t.Errorf("Expected ErrNoValidSigner, got %v", err)
		}
	})

	t.Run("rejects a malformed amount", func(t *testing.T) {
		signer := testSigner(t)
		req := testRequirements()
		req.MaxAmountRequired = "1.5"
		if _, err := signer.Sign(req); err == nil {
			t.Error("Expected error for decimal amount")
		}
	})

	t.Run("enforces the spending limit", func(t *testing.T) {
		signer := testSigner(t, WithMaxAmount(big.NewInt(5000)))
		if _, err := signer.Sign(testRequirements()); !errors.Is(err, x402.ErrAmountExceeded) {
			t.Errorf("Expected ErrAmountExceeded, got %v", err)
		}

		req := testRequirements()
		req.MaxAmountRequired = "5000"
		if _, err := signer.Sign(req); err != nil {
			t.Errorf("Sign() within the limit error = %v", err)
		}
	})

	t.Run("rejects a non-USDC asset without domain parameters", func(t *testing.T) {
		network, err := x402.GetNetwork("base-sepolia")
		if err != nil {
			t.Fatalf("GetNetwork() error = %v", err)
		}
		custom := "0x2222222222222222222222222222222222222222"
		tokens := []x402.TokenConfig{
			x402.NewUSDCTokenConfig(network, 1),
			{Address: custom, Symbol: "TEST", Decimals: 18},
		}
		signer, err := NewSigner("base-sepolia", buyerKey, tokens)
		if err != nil {
			t.Fatalf("NewSigner() error = %v", err)
		}

		req := testRequirements()
		req.Asset = custom
		if _, err := signer.Sign(req); err == nil {
			t.Error("Expected error when the EIP-712 domain cannot be determined")
		}
	})
}

func TestAccessors(t *testing.T) {
	signer := testSigner(t, WithPriority(3), WithMaxAmount(big.NewInt(1000)))

	if signer.Scheme() != "exact" {
		t.Errorf("Scheme = %s; want exact", signer.Scheme())
	}
	if signer.Network() != "base-sepolia" {
		t.Errorf("Network = %s; want base-sepolia", signer.Network())
	}
	if signer.GetPriority() != 3 {
		t.Errorf("Priority = %d; want 3", signer.GetPriority())
	}
	if signer.GetMaxAmount().Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("MaxAmount = %s; want 1000", signer.GetMaxAmount())
	}
	if len(signer.GetTokens()) != 1 {
		t.Errorf("Tokens = %d; want 1", len(signer.GetTokens()))
	}
}
