// Package evm provides an EVM payment signer using EIP-3009
// transferWithAuthorization meta-transactions. The buyer signs an off-chain
// authorization; the facilitator submits it on-chain, so the buyer needs no
// gas token.
package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/internal/eip3009"
)

// Signer creates exact-scheme payment payloads for one EVM network.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	chainID    int64
	tokens     []x402.TokenConfig
	priority   int
	maxAmount  *big.Int
	policy     x402.Policy
}

// Option configures a Signer.
type Option func(*Signer) error

// NewSigner creates an EVM signer from a hex-encoded private key.
func NewSigner(network string, privateKeyHex string, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}
	return NewSignerFromKey(network, privateKey, tokens, opts...)
}

// NewSignerFromKey creates an EVM signer from an in-memory private key.
func NewSignerFromKey(network string, key *ecdsa.PrivateKey, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	s := &Signer{
		privateKey: key,
		network:    network,
		tokens:     tokens,
		priority:   0,
		policy:     x402.DefaultPolicy,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.address = crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := x402.GetChainID(network)
	if err != nil {
		return nil, err
	}
	s.chainID = chainID

	return s, nil
}

// WithPriority sets the signer's selection priority. Lower wins.
func WithPriority(priority int) Option {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithMaxAmount sets a per-call spending limit in atomic units.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		s.maxAmount = amount
		return nil
	}
}

// WithPolicy overrides the validity-window policy used when constructing
// authorizations.
func WithPolicy(policy x402.Policy) Option {
	return func(s *Signer) error {
		if err := policy.Validate(); err != nil {
			return err
		}
		s.policy = policy
		return nil
	}
}

func (s *Signer) Network() string {
	return s.network
}

func (s *Signer) Scheme() string {
	return x402.SchemeExact
}

// CanSign reports whether the signer's network and token set cover the
// requirement.
func (s *Signer) CanSign(requirements *x402.PaymentRequirements) bool {
	if requirements.Scheme != x402.SchemeExact {
		return false
	}

	if requirements.Network != s.network {
		return false
	}

	for _, token := range s.tokens {
		if strings.EqualFold(token.Address, requirements.Asset) {
			return true
		}
	}

	return false
}

// Sign creates an exact-scheme payment payload: an EIP-3009 authorization for
// precisely the required amount, valid for the requirement's timeout bounded
// by the signer's policy.
func (s *Signer) Sign(requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirements) {
		return nil, x402.ErrNoValidSigner
	}

	amount, err := x402.ParseAtomicAmount(requirements.MaxAmountRequired)
	if err != nil {
		return nil, err
	}

	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}

	tokenAddress := common.HexToAddress(requirements.Asset)

	name, version, err := extractEIP3009Params(requirements)
	if err != nil {
		return nil, err
	}

	auth, err := eip3009.CreateAuthorization(
		s.address,
		common.HexToAddress(requirements.PayTo),
		amount,
		s.policy.EffectiveWindow(requirements.MaxTimeoutSeconds),
		s.policy.ClockSkew,
	)
	if err != nil {
		return nil, err
	}

	signature, err := eip3009.SignAuthorization(s.privateKey, tokenAddress, big.NewInt(s.chainID), auth, name, version)
	if err != nil {
		return nil, err
	}

	return x402.NewExactEVMPaymentPayload(s.network, x402.ExactEVMPayload{
		Signature: signature,
		Authorization: x402.ExactEVMAuthorization{
			From:        auth.From.Hex(),
			To:          auth.To.Hex(),
			Value:       auth.Value.String(),
			ValidAfter:  auth.ValidAfter.String(),
			ValidBefore: auth.ValidBefore.String(),
			Nonce:       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
		Asset: requirements.Asset,
	})
}

func (s *Signer) GetPriority() int {
	return s.priority
}

func (s *Signer) GetTokens() []x402.TokenConfig {
	return s.tokens
}

func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

// Address returns the signer's payer address.
func (s *Signer) Address() common.Address {
	return s.address
}

// extractEIP3009Params reads the EIP-712 domain name and version from the
// requirement's extra field. Sellers that omit them fall back to the known
// USDC domain for the network.
func extractEIP3009Params(requirements *x402.PaymentRequirements) (name, version string, err error) {
	if requirements.Extra != nil {
		nameVal, nameOK := requirements.Extra["name"].(string)
		versionVal, versionOK := requirements.Extra["version"].(string)
		if nameOK && versionOK {
			return nameVal, versionVal, nil
		}
	}

	network, err := x402.GetNetwork(requirements.Network)
	if err != nil {
		return "", "", err
	}
	if !strings.EqualFold(network.USDCAddress, requirements.Asset) || network.EIP3009Name == "" {
		return "", "", fmt.Errorf("missing EIP-3009 domain parameters for asset %s", requirements.Asset)
	}
	return network.EIP3009Name, network.EIP3009Version, nil
}
