package eip3009

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - NEVER use in production.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// testAddress is the address derived from testPrivateKey.
const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestGenerateNonce(t *testing.T) {
	t.Run("returns 32 byte nonce", func(t *testing.T) {
		nonce, err := GenerateNonce()
		if err != nil {
			t.Fatalf("Failed to generate nonce: %v", err)
		}
		if len(nonce[:]) != 32 {
			t.Errorf("Expected 32 byte nonce, got %d bytes", len(nonce[:]))
		}
	})

	t.Run("generates unique nonces", func(t *testing.T) {
		nonces := make(map[string]bool)
		for i := 0; i < 100; i++ {
			nonce, err := GenerateNonce()
			if err != nil {
				t.Fatalf("Failed to generate nonce: %v", err)
			}
			key := hex.EncodeToString(nonce[:])
			if nonces[key] {
				t.Errorf("Duplicate nonce generated: %s", key)
			}
			nonces[key] = true
		}
	})
}

func TestCreateAuthorization(t *testing.T) {
	from := common.HexToAddress(testAddress)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	value := big.NewInt(1000000)
	window := 60 * time.Second
	skew := 10 * time.Second

	t.Run("creates valid authorization", func(t *testing.T) {
		auth, err := CreateAuthorization(from, to, value, window, skew)
		if err != nil {
			t.Fatalf("Failed to create authorization: %v", err)
		}

		if auth.From != from {
			t.Errorf("Expected from %s, got %s", from.Hex(), auth.From.Hex())
		}
		if auth.To != to {
			t.Errorf("Expected to %s, got %s", to.Hex(), auth.To.Hex())
		}
		if auth.Value.Cmp(value) != 0 {
			t.Errorf("Expected value %s, got %s", value.String(), auth.Value.String())
		}
	})

	t.Run("sets valid time bounds", func(t *testing.T) {
		before := time.Now().Unix()
		auth, err := CreateAuthorization(from, to, value, window, skew)
		if err != nil {
			t.Fatalf("Failed to create authorization: %v", err)
		}
		after := time.Now().Unix()

		// validAfter is backdated by the skew
		if auth.ValidAfter.Int64() < before-11 || auth.ValidAfter.Int64() > after-9 {
			t.Errorf("ValidAfter %d not in expected range [%d, %d]",
				auth.ValidAfter.Int64(), before-11, after-9)
		}

		// validBefore is now + window
		if auth.ValidBefore.Int64() < before+59 || auth.ValidBefore.Int64() > after+61 {
			t.Errorf("ValidBefore %d not in expected range [%d, %d]",
				auth.ValidBefore.Int64(), before+59, after+61)
		}
	})

	t.Run("generates unique nonces per authorization", func(t *testing.T) {
		auth1, err := CreateAuthorization(from, to, value, window, skew)
		if err != nil {
			t.Fatalf("Failed to create authorization 1: %v", err)
		}

		auth2, err := CreateAuthorization(from, to, value, window, skew)
		if err != nil {
			t.Fatalf("Failed to create authorization 2: %v", err)
		}

		if bytes.Equal(auth1.Nonce[:], auth2.Nonce[:]) {
			t.Error("Two authorizations have the same nonce")
		}
	})

	t.Run("handles zero skew", func(t *testing.T) {
		auth, err := CreateAuthorization(from, to, value, window, 0)
		if err != nil {
			t.Fatalf("Failed to create authorization: %v", err)
		}
		diff := auth.ValidBefore.Int64() - auth.ValidAfter.Int64()
		if diff < 59 || diff > 61 {
			t.Errorf("Window width %d not close to expected 60", diff)
		}
	})
}

func TestSignAuthorization(t *testing.T) {
	privateKey, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}

	from := crypto.PubkeyToAddress(privateKey.PublicKey)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tokenAddress := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	chainID := big.NewInt(84532) // Base Sepolia
	name := "USD Coin"
	version := "2"

	t.Run("creates valid signature", func(t *testing.T) {
		auth, err := CreateAuthorization(from, to, big.NewInt(1000000), 60*time.Second, 10*time.Second)
		if err != nil {
			t.Fatalf("Failed to create authorization: %v", err)
		}

		sig, err := SignAuthorization(privateKey, tokenAddress, chainID, auth, name, version)
		if err != nil {
			t.Fatalf("Failed to sign authorization: %v", err)
		}

		if !strings.HasPrefix(sig, "0x") {
			t.Error("Signature should have 0x prefix")
		}

		// 65 bytes = 130 hex chars + 2 for 0x
		if len(sig) != 132 {
			t.Errorf("Expected signature length 132, got %d", len(sig))
		}

		sigBytes, err := hex.DecodeString(sig[2:])
		if err != nil {
			t.Fatalf("Failed to decode signature: %v", err)
		}

		v := sigBytes[64]
		if v != 27 && v != 28 {
			t.Errorf("Expected v to be 27 or 28, got %d", v)
		}
	})

	t.Run("signatures are deterministic for same input", func(t *testing.T) {
		auth := &Authorization{
			From:        from,
			To:          to,
			Value:       big.NewInt(1000000),
			ValidAfter:  big.NewInt(1000),
			ValidBefore: big.NewInt(2000),
			Nonce:       [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32},
		}

		sig1, err := SignAuthorization(privateKey, tokenAddress, chainID, auth, name, version)
		if err != nil {
			t.Fatalf("Failed to sign authorization 1: %v", err)
		}

		sig2, err := SignAuthorization(privateKey, tokenAddress, chainID, auth, name, version)
		if err != nil {
			t.Fatalf("Failed to sign authorization 2: %v", err)
		}

		if sig1 != sig2 {
			t.Error("Same input should produce same signature")
		}
	})
}

func TestRecoverSigner(t *testing.T) {
	privateKey, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}

	from := crypto.PubkeyToAddress(privateKey.PublicKey)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tokenAddress := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	chainID := big.NewInt(84532)
	name := "USD Coin"
	version := "2"

	auth := &Authorization{
		From:        from,
		To:          to,
		Value:       big.NewInt(1000000),
		ValidAfter:  big.NewInt(1000),
		ValidBefore: big.NewInt(2000),
		Nonce:       [32]byte{42},
	}

	sig, err := SignAuthorization(privateKey, tokenAddress, chainID, auth, name, version)
	if err != nil {
		t.Fatalf("Failed to sign authorization: %v", err)
	}

	t.Run("recovers the signing address", func(t *testing.T) {
		recovered, err := RecoverSigner(sig, tokenAddress, chainID, auth, name, version)
		if err != nil {
			t.Fatalf("Failed to recover signer: %v", err)
		}
		if recovered != from {
			t.Errorf("Expected recovered address %s, got %s", from.Hex(), recovered.Hex())
		}
	})

	t.Run("different domain recovers different address", func(t *testing.T) {
		recovered, err := RecoverSigner(sig, tokenAddress, big.NewInt(8453), auth, name, version)
		if err != nil {
			t.Fatalf("Failed to recover signer: %v", err)
		}
		if recovered == from {
			t.Error("Signature should not verify against a different chain ID")
		}
	})

	t.Run("tampered value recovers different address", func(t *testing.T) {
		tampered := *auth
		tampered.Value = big.NewInt(2000000)
		recovered, err := RecoverSigner(sig, tokenAddress, chainID, &tampered, name, version)
		if err != nil {
			t.Fatalf("Failed to recover signer: %v", err)
		}
		if recovered == from {
			t.Error("Signature should not verify against a tampered value")
		}
	})

	t.Run("rejects malformed signature", func(t *testing.T) {
		if _, err := RecoverSigner("0x1234", tokenAddress, chainID, auth, name, version); err == nil {
			t.Error("Expected error for short signature")
		}
		if _, err := RecoverSigner("not-hex", tokenAddress, chainID, auth, name, version); err == nil {
			t.Error("Expected error for non-hex signature")
		}
	})
}

func TestParseSignature(t *testing.T) {
	t.Run("splits r s v", func(t *testing.T) {
		raw := make([]byte, 65)
		for i := range raw {
			raw[i] = byte(i)
		}
		raw[64] = 28

		r, s, v, err := ParseSignature("0x" + hex.EncodeToString(raw))
		if err != nil {
			t.Fatalf("Failed to parse signature: %v", err)
		}
		if !bytes.Equal(r[:], raw[:32]) {
			t.Error("r component mismatch")
		}
		if !bytes.Equal(s[:], raw[32:64]) {
			t.Error("s component mismatch")
		}
		if v != 28 {
			t.Errorf("Expected v 28, got %d", v)
		}
	})

	t.Run("normalizes recovery id to ethereum form", func(t *testing.T) {
		raw := make([]byte, 65)
		raw[64] = 1

		_, _, v, err := ParseSignature(hex.EncodeToString(raw))
		if err != nil {
			t.Fatalf("Failed to parse signature: %v", err)
		}
		if v != 28 {
			t.Errorf("Expected v normalized to 28, got %d", v)
		}
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		if _, _, _, err := ParseSignature("0xdeadbeef"); err == nil {
			t.Error("Expected error for short signature")
		}
	})
}
