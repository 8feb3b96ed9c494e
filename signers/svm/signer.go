// Package svm provides a Solana payment signer for the exact scheme. The
// buyer builds a sponsored SPL token transfer, signs it partially, and leaves
// the fee-payer signature slot for the facilitator to fill at settlement.
package svm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/internal/solanautil"
)

// RPCClient is the interface for Solana RPC operations needed by the signer.
// This allows for dependency injection and easier testing.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// Signer creates exact-scheme payment payloads for a Solana network.
type Signer struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	network    string
	tokens     []x402.TokenConfig
	priority   int
	maxAmount  *big.Int
	rpcClient  RPCClient
	timeouts   x402.TimeoutConfig
}

// Option configures a Signer.
type Option func(*Signer) error

// NewSigner creates a Solana signer from a base58-encoded private key.
func NewSigner(network string, privateKeyBase58 string, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}

	return NewSignerFromKey(network, privateKey, tokens, opts...)
}

// NewSignerFromKey creates a Solana signer from an existing private key.
func NewSignerFromKey(network string, key solana.PrivateKey, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	family, err := x402.NetworkFamilyOf(network)
	if err != nil {
		return nil, err
	}
	if family != x402.FamilySVM {
		return nil, fmt.Errorf("%w: expected Solana network, got %s", x402.ErrInvalidNetwork, network)
	}

	if len(tokens) == 0 {
		return nil, x402.ErrInvalidToken
	}

	s := &Signer{
		privateKey: key,
		publicKey:  key.PublicKey(),
		network:    network,
		tokens:     tokens,
		priority:   0,
		timeouts:   x402.DefaultTimeouts,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// NewSignerFromKeygenFile creates a Solana signer from a solana-keygen JSON
// file: a JSON array of 64 bytes holding the ed25519 private key.
func NewSignerFromKeygenFile(network string, path string, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
	}

	var keyBytes []byte
	if err := json.Unmarshal(data, &keyBytes); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", x402.ErrInvalidKey)
	}

	if len(keyBytes) != 64 {
		return nil, fmt.Errorf("%w: invalid key length (expected 64 bytes)", x402.ErrInvalidKey)
	}

	return NewSignerFromKey(network, solana.PrivateKey(keyBytes), tokens, opts...)
}

// WithMaxAmount sets the maximum amount per payment call.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		s.maxAmount = amount
		return nil
	}
}

// WithPriority sets the signer priority.
func WithPriority(priority int) Option {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithRPCClient sets a custom RPC client.
func WithRPCClient(client RPCClient) Option {
	return func(s *Signer) error {
		s.rpcClient = client
		return nil
	}
}

// WithTimeouts overrides the timeouts used for RPC calls during signing.
func WithTimeouts(timeouts x402.TimeoutConfig) Option {
	return func(s *Signer) error {
		if err := timeouts.Validate(); err != nil {
			return err
		}
		s.timeouts = timeouts
		return nil
	}
}

// Network returns the network identifier.
func (s *Signer) Network() string {
	return s.network
}

// Scheme returns the payment scheme identifier.
func (s *Signer) Scheme() string {
	return x402.SchemeExact
}

// CanSign checks if this signer can satisfy the given payment requirements.
func (s *Signer) CanSign(requirements *x402.PaymentRequirements) bool {
	if requirements == nil {
		return false
	}

	if requirements.Scheme != x402.SchemeExact {
		return false
	}

	if requirements.Network != s.network {
		return false
	}

	// Base58 addresses are case-sensitive.
	for _, token := range s.tokens {
		if token.Address == requirements.Asset {
			return true
		}
	}

	return false
}

// Sign creates a partially signed sponsored transfer for the given
// requirements. The transaction carries the signer's signature only; the fee
// payer named in requirements.extra co-signs at settlement.
func (s *Signer) Sign(requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirements) {
		return nil, x402.ErrNoValidSigner
	}

	amount, err := x402.ParseAtomicAmount(requirements.MaxAmountRequired)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, x402.ErrInvalidAmount
	}

	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}

	if !amount.IsUint64() {
		return nil, x402.ErrAmountExceeded
	}

	mintAddress, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}

	recipient, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	var decimals uint8
	var found bool
	for _, token := range s.tokens {
		if token.Address == requirements.Asset {
			if token.Decimals < 0 || token.Decimals > 255 {
				return nil, fmt.Errorf("%w: invalid token decimals %d", x402.ErrInvalidToken, token.Decimals)
			}
			decimals = uint8(token.Decimals)
			found = true
			break
		}
	}
	if !found {
		return nil, x402.ErrInvalidToken
	}

	feePayer, err := extractFeePayer(requirements)
	if err != nil {
		return nil, fmt.Errorf("invalid fee payer: %w", err)
	}

	client := s.rpcClient
	if client == nil {
		network, err := x402.GetNetwork(s.network)
		if err != nil {
			return nil, err
		}
		client = rpc.New(network.DefaultRPC)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeouts.VerifyTimeout)
	defer cancel()
	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	txBase64, err := buildPartiallySignedTransfer(
		s.privateKey,
		s.publicKey,
		mintAddress,
		recipient,
		amount.Uint64(),
		decimals,
		feePayer,
		recent.Value.Blockhash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	return x402.NewExactSVMPaymentPayload(s.network, x402.ExactSVMPayload{
		Transaction: txBase64,
	})
}

// GetPriority returns the signer's priority level.
func (s *Signer) GetPriority() int {
	return s.priority
}

// GetTokens returns the list of tokens supported by this signer.
func (s *Signer) GetTokens() []x402.TokenConfig {
	return s.tokens
}

// GetMaxAmount returns the per-call spending limit, or nil if no limit is set.
func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

// Address returns the signer's public key.
func (s *Signer) Address() solana.PublicKey {
	return s.publicKey
}

// extractFeePayer reads the sponsoring fee payer from requirements.extra.
func extractFeePayer(requirements *x402.PaymentRequirements) (solana.PublicKey, error) {
	if requirements.Extra == nil {
		return solana.PublicKey{}, fmt.Errorf("missing extra field in requirements")
	}

	feePayerStr, ok := requirements.Extra["feePayer"].(string)
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("feePayer not found or not a string in extra field")
	}

	feePayer, err := solana.PublicKeyFromBase58(feePayerStr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid feePayer address: %w", err)
	}

	return feePayer, nil
}

// buildPartiallySignedTransfer creates a sponsored SPL token transfer signed
// only with the client key. The fee payer signature slot stays empty for the
// facilitator to fill.
func buildPartiallySignedTransfer(
	clientPrivateKey solana.PrivateKey,
	clientPublicKey solana.PublicKey,
	mint solana.PublicKey,
	recipient solana.PublicKey,
	amount uint64,
	decimals uint8,
	feePayer solana.PublicKey,
	blockhash solana.Hash,
) (string, error) {
	sourceATA, err := solanautil.DeriveAssociatedTokenAddress(clientPublicKey, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find source ATA: %w", err)
	}

	destATA, err := solanautil.DeriveAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find destination ATA: %w", err)
	}

	// The feePayer sponsors the rent-exempt balance for the destination ATA
	// when it does not exist yet.
	createATAInstruction, err := solanautil.BuildCreateIdempotentATAInstruction(feePayer, recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to build ATA creation instruction: %w", err)
	}

	instructions := []solana.Instruction{
		solanautil.BuildSetComputeUnitLimitInstruction(solanautil.DefaultComputeUnits),
		solanautil.BuildSetComputeUnitPriceInstruction(solanautil.DefaultComputeUnitPrice),
		createATAInstruction,
		solanautil.BuildTransferCheckedInstruction(sourceATA, mint, destATA, clientPublicKey, amount, decimals),
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	// Sign only with the client key, leaving the fee payer slot empty.
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(clientPublicKey) {
			return &clientPrivateKey
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}

	return base64.StdEncoding.EncodeToString(txBytes), nil
}
