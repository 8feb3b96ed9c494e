// Package eip3009 implements EIP-712 typed-data hashing, signing, and signer
// recovery for the EIP-3009 TransferWithAuthorization message.
package eip3009

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// CreateAuthorization builds an authorization valid from now-skew to
// now+window, with a fresh random nonce.
func CreateAuthorization(from, to common.Address, value *big.Int, window, skew time.Duration) (*Authorization, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().Unix()
	validAfter := big.NewInt(now - int64(skew/time.Second))
	validBefore := big.NewInt(now + int64(window/time.Second))

	return &Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}, nil
}

func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

func typedData(tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: tokenAddress.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}
}

// Digest computes the EIP-712 digest a wallet signs for the given
// authorization. Any mismatch in name, version, chainID, or token address
// produces a different digest and therefore an unrecoverable signature.
func Digest(tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) ([]byte, error) {
	td := typedData(tokenAddress, chainID, auth, name, version)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := td.HashStruct("TransferWithAuthorization", td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// SignAuthorization signs the authorization digest and returns a 65-byte hex
// signature with the Ethereum v offset (27/28).
func SignAuthorization(privateKey *ecdsa.PrivateKey, tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) (string, error) {
	digest, err := Digest(tokenAddress, chainID, auth, name, version)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}

	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// ParseSignature decodes a 65-byte hex signature into its r, s, v components
// as expected by transferWithAuthorization.
func ParseSignature(signature string) (r, s [32]byte, v byte, err error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return r, s, 0, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(raw) != 65 {
		return r, s, 0, fmt.Errorf("invalid signature length: %d", len(raw))
	}
	copy(r[:], raw[:32])
	copy(s[:], raw[32:64])
	v = raw[64]
	if v < 27 {
		v += 27
	}
	return r, s, v, nil
}

// RecoverSigner recovers the address that signed the authorization. The
// caller compares it against the authorization's from address; any mismatch
// in the typed-data domain surfaces here as a different recovered address.
func RecoverSigner(signature string, tokenAddress common.Address, chainID *big.Int, auth *Authorization, name, version string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(raw))
	}

	digest, err := Digest(tokenAddress, chainID, auth, name, version)
	if err != nil {
		return common.Address{}, err
	}

	// crypto.SigToPub expects the recovery id in the 0/1 form.
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id: %d", sig[64])
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}
