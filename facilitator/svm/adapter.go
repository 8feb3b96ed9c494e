// Package svm implements facilitator verification and settlement for exact
// Solana payments. The buyer supplies a partially signed sponsored transfer;
// verification inspects it without touching it, and settlement adds the fee
// payer signature and submits.
package svm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/internal/solanautil"
	"github.com/UltravioletaDAO/x402-facilitator/retry"
)

// RPCClient is the subset of the Solana RPC client the adapter needs,
// extracted for testing with fake chains.
type RPCClient interface {
	IsBlockhashValid(ctx context.Context, blockHash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

var _ RPCClient = (*rpc.Client)(nil)

// Adapter verifies and settles exact payments on one Solana network.
type Adapter struct {
	network  x402.NetworkConfig
	client   RPCClient
	feePayer solana.PrivateKey
	payerPub solana.PublicKey
	policy   x402.Policy
	timeouts x402.TimeoutConfig
	logger   *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter) error

// WithPolicy overrides the verification policy.
func WithPolicy(policy x402.Policy) Option {
	return func(a *Adapter) error {
		if err := policy.Validate(); err != nil {
			return err
		}
		a.policy = policy
		return nil
	}
}

// WithTimeouts overrides the operation timeouts.
func WithTimeouts(timeouts x402.TimeoutConfig) Option {
	return func(a *Adapter) error {
		if err := timeouts.Validate(); err != nil {
			return err
		}
		a.timeouts = timeouts
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) error {
		a.logger = logger
		return nil
	}
}

// NewAdapter creates an adapter for the named network. The private key is the
// facilitator's fee payer account: it sponsors transaction fees and ATA rent,
// and its public key must match the feePayer advertised in requirements.
func NewAdapter(networkName string, client RPCClient, feePayerKeyBase58 string, opts ...Option) (*Adapter, error) {
	network, err := x402.GetNetwork(networkName)
	if err != nil {
		return nil, err
	}
	if network.Family != x402.FamilySVM {
		return nil, fmt.Errorf("%w: %s is not a Solana network", x402.ErrInvalidNetwork, networkName)
	}

	feePayer, err := solana.PrivateKeyFromBase58(feePayerKeyBase58)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}

	a := &Adapter{
		network:  network,
		client:   client,
		feePayer: feePayer,
		payerPub: feePayer.PublicKey(),
		policy:   x402.DefaultPolicy,
		timeouts: x402.DefaultTimeouts,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *Adapter) Scheme() string {
	return x402.SchemeExact
}

func (a *Adapter) Network() string {
	return a.network.Name
}

func (a *Adapter) Kind() x402.SupportedKind {
	return x402.SupportedKind{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     a.network.Name,
		Extra: map[string]interface{}{
			"feePayer": a.payerPub.String(),
		},
	}
}

// FeePayer returns the sponsoring public key advertised to buyers.
func (a *Adapter) FeePayer() solana.PublicKey {
	return a.payerPub
}

// Verify runs the ordered verification checks: decode, field match, blockhash
// freshness, client signature, then a best-effort balance probe.
func (a *Adapter) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	tx, transfer, err := a.decode(payload)
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidRequest, ""), nil
	}
	payer := transfer.Owner.String()

	if reason, ok := a.checkMatch(payload, tx, transfer, requirements); !ok {
		return x402.Invalid(reason, payer), nil
	}

	fresh, err := a.blockhashValid(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("blockhash check: %w", err)
	}
	if !fresh {
		return x402.Invalid(x402.ReasonExpiredOrTooWide, payer), nil
	}

	if err := solanautil.VerifySignerSignature(tx, transfer.Owner); err != nil {
		return x402.Invalid(x402.ReasonInvalidSignature, payer), nil
	}

	if insufficient, err := a.probeBalance(ctx, transfer); err != nil {
		a.logger.Warn("balance probe failed",
			"network", a.network.Name,
			"payer", payer,
			"error", err)
	} else if insufficient {
		return x402.Invalid(x402.ReasonInsufficientFunds, payer), nil
	}

	return x402.Valid(payer), nil
}

// SettlementKey returns the payment's replay identity: the client's
// transaction signature, which covers the message bytes and therefore the
// blockhash, transfer, and all accounts.
func (a *Adapter) SettlementKey(payload x402.PaymentPayload) (string, string, error) {
	tx, transfer, err := a.decode(payload)
	if err != nil {
		return "", "", err
	}

	sig, err := clientSignature(tx, transfer.Owner)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("%s|%s", a.network.Name, sig.String()), transfer.Owner.String(), nil
}

// Settle co-signs the transaction with the fee payer key, submits it, and
// waits for confirmation within the requirement's timeout.
func (a *Adapter) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	tx, transfer, err := a.decode(payload)
	if err != nil {
		return x402.SettleFailure(x402.ReasonInvalidRequest, a.network.Name, ""), nil
	}
	payer := transfer.Owner.String()

	if reason, ok := a.checkMatch(payload, tx, transfer, requirements); !ok {
		return x402.SettleFailure(reason, a.network.Name, payer), nil
	}

	fresh, err := a.blockhashValid(ctx, tx)
	if err != nil {
		return x402.SettleFailure(x402.ReasonUpstreamUnavailable, a.network.Name, payer), nil
	}
	if !fresh {
		return x402.SettleFailure(x402.ReasonExpiredOrTooWide, a.network.Name, payer), nil
	}

	if err := solanautil.VerifySignerSignature(tx, transfer.Owner); err != nil {
		return x402.SettleFailure(x402.ReasonInvalidSignature, a.network.Name, payer), nil
	}

	deadline := time.Now().Add(a.confirmBudget(requirements))

	// Complete the fee payer signature slot the buyer left empty.
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(a.payerPub) {
			return &a.feePayer
		}
		return nil
	}); err != nil {
		return x402.SettleFailure(x402.ReasonInvalidRequest, a.network.Name, payer), nil
	}

	sig, err := a.submit(ctx, tx)
	if err != nil {
		reason := classifyError(err)
		a.logger.Warn("settlement submit failed",
			"network", a.network.Name,
			"payer", payer,
			"reason", reason,
			"error", err)
		return x402.SettleFailure(reason, a.network.Name, payer), nil
	}

	a.logger.Info("settlement submitted",
		"network", a.network.Name,
		"payer", payer,
		"signature", sig.String())

	return a.awaitConfirmation(ctx, sig, deadline, payer)
}

func (a *Adapter) decode(payload x402.PaymentPayload) (*solana.Transaction, *solanautil.TransferChecked, error) {
	decoded, err := payload.DecodePayload()
	if err != nil {
		return nil, nil, err
	}
	svm, ok := decoded.(x402.ExactSVMPayload)
	if !ok {
		return nil, nil, x402.ErrInvalidPayload
	}

	tx, err := solanautil.DecodeBase64Transaction(svm.Transaction)
	if err != nil {
		return nil, nil, err
	}

	transfer, err := solanautil.ExtractTransferChecked(tx)
	if err != nil {
		return nil, nil, err
	}

	return tx, transfer, nil
}

// checkMatch verifies the transaction transfers exactly what the requirement
// demands, to the requirement's ATA, sponsored by the advertised fee payer.
func (a *Adapter) checkMatch(payload x402.PaymentPayload, tx *solana.Transaction, transfer *solanautil.TransferChecked, requirements x402.PaymentRequirements) (x402.Reason, bool) {
	if payload.Scheme != requirements.Scheme || payload.Network != requirements.Network {
		return x402.ReasonMismatch, false
	}
	if payload.Network != a.network.Name {
		return x402.ReasonMismatch, false
	}

	mint, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil || !transfer.Mint.Equals(mint) {
		return x402.ReasonMismatch, false
	}

	recipient, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return x402.ReasonInvalidRequest, false
	}
	destATA, err := solanautil.DeriveAssociatedTokenAddress(recipient, mint)
	if err != nil || !transfer.Destination.Equals(destATA) {
		return x402.ReasonMismatch, false
	}

	feePayer, err := solanautil.FeePayer(tx)
	if err != nil {
		return x402.ReasonInvalidRequest, false
	}
	declared, ok := requirements.Extra["feePayer"].(string)
	if !ok || feePayer.String() != declared || !feePayer.Equals(a.payerPub) {
		return x402.ReasonMismatch, false
	}

	required, err := x402.ParseAtomicAmount(requirements.MaxAmountRequired)
	if err != nil || !required.IsUint64() {
		return x402.ReasonInvalidRequest, false
	}
	amount := required.Uint64()
	if transfer.Amount != amount && !(a.policy.AllowOverpayment && transfer.Amount > amount) {
		return x402.ReasonMismatch, false
	}

	return "", true
}

// blockhashValid asks the chain whether the transaction's blockhash is still
// within the validity horizon. Solana has no explicit expiry field; the
// blockhash ages out in roughly a minute.
func (a *Adapter) blockhashValid(ctx context.Context, tx *solana.Transaction) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.VerifyTimeout)
	defer cancel()

	result, err := a.client.IsBlockhashValid(ctx, tx.Message.RecentBlockhash, rpc.CommitmentConfirmed)
	if err != nil {
		return false, err
	}
	return result.Value, nil
}

// probeBalance checks the source token account balance against the transfer
// amount. A missing source account reads as insufficient funds.
func (a *Adapter) probeBalance(ctx context.Context, transfer *solanautil.TransferChecked) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.VerifyTimeout)
	defer cancel()

	result, err := a.client.GetTokenAccountBalance(ctx, transfer.Source, rpc.CommitmentConfirmed)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "could not find account") {
			return true, nil
		}
		return false, err
	}

	balance, err := x402.ParseAtomicAmount(result.Value.Amount)
	if err != nil {
		return false, err
	}
	return !balance.IsUint64() || balance.Uint64() < transfer.Amount, nil
}

func (a *Adapter) submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	maxRetries := uint(0)
	return retry.WithRetry(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}, isUpstreamError, func() (solana.Signature, error) {
		return a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: rpc.CommitmentConfirmed,
			MaxRetries:          &maxRetries,
		})
	})
}

func (a *Adapter) awaitConfirmation(ctx context.Context, sig solana.Signature, deadline time.Time, payer string) (*x402.SettleResponse, error) {
	interval := time.Second
	for {
		statuses, err := a.client.GetSignatureStatuses(ctx, false, sig)
		if err == nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				resp := x402.SettleFailure(x402.ReasonChainRejected, a.network.Name, payer)
				resp.Transaction = sig.String()
				return resp, nil
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				a.logger.Info("settlement confirmed",
					"network", a.network.Name,
					"payer", payer,
					"signature", sig.String(),
					"slot", status.Slot)
				return &x402.SettleResponse{
					Success:     true,
					Transaction: sig.String(),
					Network:     a.network.Name,
					Payer:       payer,
				}, nil
			}
		}

		if time.Now().After(deadline) {
			resp := x402.SettleFailure(x402.ReasonTimeout, a.network.Name, payer)
			resp.Transaction = sig.String()
			return resp, nil
		}

		select {
		case <-ctx.Done():
			resp := x402.SettleFailure(x402.ReasonTimeout, a.network.Name, payer)
			resp.Transaction = sig.String()
			return resp, nil
		case <-time.After(interval):
		}
		if interval < 4*time.Second {
			interval *= 2
		}
	}
}

func (a *Adapter) confirmBudget(requirements x402.PaymentRequirements) time.Duration {
	budget := time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	if budget <= 0 || budget > a.timeouts.SettleTimeout {
		return a.timeouts.SettleTimeout
	}
	return budget
}

// clientSignature returns the buyer's signature for the transaction.
func clientSignature(tx *solana.Transaction, owner solana.PublicKey) (solana.Signature, error) {
	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < numSigners && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(owner) {
			if i >= len(tx.Signatures) || tx.Signatures[i].IsZero() {
				return solana.Signature{}, fmt.Errorf("missing client signature")
			}
			return tx.Signatures[i], nil
		}
	}
	return solana.Signature{}, fmt.Errorf("owner %s is not a required signer", owner)
}

func classifyError(err error) x402.Reason {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already been processed"):
		return x402.ReasonAlreadySettled
	case strings.Contains(msg, "blockhash not found") || strings.Contains(msg, "blockhash expired"):
		return x402.ReasonExpiredOrTooWide
	case strings.Contains(msg, "insufficient funds"):
		return x402.ReasonInsufficientFunds
	case strings.Contains(msg, "signature verification failure"):
		return x402.ReasonInvalidSignature
	case isUpstreamError(err):
		return x402.ReasonUpstreamUnavailable
	default:
		return x402.ReasonChainRejected
	}
}

func isUpstreamError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"too many requests",
		"bad gateway",
		"service unavailable",
		"node is behind",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
