// Package evm implements facilitator verification and settlement for exact
// EVM payments. Verification judges an EIP-3009 authorization statelessly;
// settlement submits transferWithAuthorization from the facilitator's own
// account, so the facilitator pays gas and the buyer needs none.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/internal/eip3009"
	"github.com/UltravioletaDAO/x402-facilitator/retry"
)

const erc20ABI = `[
	{"name":"transferWithAuthorization","type":"function","inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}],"outputs":[]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"authorizationState","type":"function","stateMutability":"view","inputs":[
		{"name":"authorizer","type":"address"},
		{"name":"nonce","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ChainClient is the subset of ethclient.Client the adapter needs,
// extracted for testing with fake chains.
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// Adapter verifies and settles exact payments on one EVM network.
type Adapter struct {
	network    x402.NetworkConfig
	client     ChainClient
	privateKey *ecdsa.PrivateKey
	sender     common.Address
	policy     x402.Policy
	timeouts   x402.TimeoutConfig
	logger     *slog.Logger
	abi        abi.ABI
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
// facilitator's gas account used to submit transferWithAuthorization.
func NewAdapter(networkName string, client ChainClient, privateKeyHex string, opts ...Option) (*Adapter, error) {
	network, err := x402.GetNetwork(networkName)
	if err != nil {
		return nil, err
	}
	if network.Family != x402.FamilyEVM {
		return nil, fmt.Errorf("%w: %s is not an EVM network", x402.ErrInvalidNetwork, networkName)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, x402.ErrInvalidKey
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	a := &Adapter{
		network:    network,
		client:     client,
		privateKey: privateKey,
		sender:     crypto.PubkeyToAddress(privateKey.PublicKey),
		policy:     x402.DefaultPolicy,
		timeouts:   x402.DefaultTimeouts,
		logger:     slog.Default(),
		abi:        parsed,
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
			"name":    a.network.EIP3009Name,
			"version": a.network.EIP3009Version,
		},
	}
}

// Verify runs the ordered verification checks. The order is part of the
// contract: structural problems surface before field mismatches, mismatches
// before timing, timing before signature, and the balance probe runs last so
// its verdict is only reached for otherwise-valid payments.
func (a *Adapter) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	evm, auth, err := a.decode(payload)
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidRequest, ""), nil
	}
	payer := evm.Authorization.From

	if reason, ok := a.checkMatch(payload, evm, auth, requirements); !ok {
		return x402.Invalid(reason, payer), nil
	}

	if !a.windowValid(auth, requirements) {
		return x402.Invalid(x402.ReasonExpiredOrTooWide, payer), nil
	}

	if !a.signatureValid(evm, auth, requirements) {
		return x402.Invalid(x402.ReasonInvalidSignature, payer), nil
	}

	// Best-effort: a probe failure never rejects a payment, it only loses the
	// early insufficient_funds verdict.
	if insufficient, err := a.probeBalance(ctx, auth, requirements); err != nil {
		a.logger.Warn("balance probe failed",
			"network", a.network.Name,
			"payer", payer,
			"error", err)
	} else if insufficient {
		return x402.Invalid(x402.ReasonInsufficientFunds, payer), nil
	}

	return x402.Valid(payer), nil
}

// SettlementKey returns the payment's replay identity: the EIP-3009 nonce
// scoped by network and authorizer.
func (a *Adapter) SettlementKey(payload x402.PaymentPayload) (string, string, error) {
	evm, _, err := a.decode(payload)
	if err != nil {
		return "", "", err
	}
	key := fmt.Sprintf("%s|%s|%s",
		a.network.Name,
		strings.ToLower(evm.Authorization.From),
		strings.ToLower(evm.Authorization.Nonce))
	return key, evm.Authorization.From, nil
}

// Settle submits transferWithAuthorization and waits for the receipt within
// the requirement's timeout. A deadline without a receipt reports timeout:
// the transaction may still land, so the caller keeps the pending record.
func (a *Adapter) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	evm, auth, err := a.decode(payload)
	if err != nil {
		return x402.SettleFailure(x402.ReasonInvalidRequest, a.network.Name, ""), nil
	}
	payer := evm.Authorization.From

	// Settlement may be deferred well past verification, so the same policy
	// checks run again before spending gas.
	if reason, ok := a.checkMatch(payload, evm, auth, requirements); !ok {
		return x402.SettleFailure(reason, a.network.Name, payer), nil
	}
	if !a.windowValid(auth, requirements) {
		return x402.SettleFailure(x402.ReasonExpiredOrTooWide, a.network.Name, payer), nil
	}
	if !a.signatureValid(evm, auth, requirements) {
		return x402.SettleFailure(x402.ReasonInvalidSignature, a.network.Name, payer), nil
	}

	deadline := time.Now().Add(a.confirmBudget(requirements))

	tx, err := a.buildTransaction(ctx, evm, auth, requirements)
	if err != nil {
		reason := classifyError(err)
		a.logger.Warn("settlement build failed",
			"network", a.network.Name,
			"payer", payer,
			"reason", reason,
			"error", err)
		return x402.SettleFailure(reason, a.network.Name, payer), nil
	}

	if err := a.submit(ctx, tx); err != nil {
		reason := classifyError(err)
		a.logger.Warn("settlement submit failed",
			"network", a.network.Name,
			"payer", payer,
			"tx", tx.Hash().Hex(),
			"reason", reason,
			"error", err)
		return x402.SettleFailure(reason, a.network.Name, payer), nil
	}

	a.logger.Info("settlement submitted",
		"network", a.network.Name,
		"payer", payer,
		"tx", tx.Hash().Hex())

	return a.awaitReceipt(ctx, tx.Hash(), deadline, payer)
}

func (a *Adapter) decode(payload x402.PaymentPayload) (*x402.ExactEVMPayload, *eip3009.Authorization, error) {
	decoded, err := payload.DecodePayload()
	if err != nil {
		return nil, nil, err
	}
	evm, ok := decoded.(x402.ExactEVMPayload)
	if !ok {
		return nil, nil, x402.ErrInvalidPayload
	}

	value, err := x402.ParseAtomicAmount(evm.Authorization.Value)
	if err != nil {
		return nil, nil, err
	}
	validAfter, ok := new(big.Int).SetString(evm.Authorization.ValidAfter, 10)
	if !ok {
		return nil, nil, x402.ErrInvalidPayload
	}
	validBefore, ok := new(big.Int).SetString(evm.Authorization.ValidBefore, 10)
	if !ok {
		return nil, nil, x402.ErrInvalidPayload
	}

	nonceBytes := common.FromHex(evm.Authorization.Nonce)
	if len(nonceBytes) != 32 {
		return nil, nil, x402.ErrInvalidPayload
	}
	if !common.IsHexAddress(evm.Authorization.From) || !common.IsHexAddress(evm.Authorization.To) {
		return nil, nil, x402.ErrInvalidPayload
	}

	auth := &eip3009.Authorization{
		From:        common.HexToAddress(evm.Authorization.From),
		To:          common.HexToAddress(evm.Authorization.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
	}
	copy(auth.Nonce[:], nonceBytes)

	return &evm, auth, nil
}

// checkMatch verifies the payload satisfies the chosen requirement: same
// scheme and network, exact recipient, and a value that matches the required
// amount under the configured policy.
func (a *Adapter) checkMatch(payload x402.PaymentPayload, evm *x402.ExactEVMPayload, auth *eip3009.Authorization, requirements x402.PaymentRequirements) (x402.Reason, bool) {
	if payload.Scheme != requirements.Scheme || payload.Network != requirements.Network {
		return x402.ReasonMismatch, false
	}
	if payload.Network != a.network.Name {
		return x402.ReasonMismatch, false
	}

	if !common.IsHexAddress(requirements.PayTo) || auth.To != common.HexToAddress(requirements.PayTo) {
		return x402.ReasonMismatch, false
	}

	if evm.Asset != "" && !strings.EqualFold(evm.Asset, requirements.Asset) {
		return x402.ReasonMismatch, false
	}

	required, err := x402.ParseAtomicAmount(requirements.MaxAmountRequired)
	if err != nil {
		return x402.ReasonInvalidRequest, false
	}
	cmp := auth.Value.Cmp(required)
	if cmp != 0 && !(a.policy.AllowOverpayment && cmp > 0) {
		return x402.ReasonMismatch, false
	}

	return "", true
}

// windowValid judges the authorization's validity window against the clock
// and the policy cap. A window wider than the cap is rejected even when the
// clock is currently inside it.
func (a *Adapter) windowValid(auth *eip3009.Authorization, requirements x402.PaymentRequirements) bool {
	width := new(big.Int).Sub(auth.ValidBefore, auth.ValidAfter)
	if width.Sign() <= 0 {
		return false
	}
	maxWidth := int64((a.policy.MaxValidityWindow + a.policy.ClockSkew) / time.Second)
	if !width.IsInt64() || width.Int64() > maxWidth {
		return false
	}

	now := time.Now().Unix()
	skew := int64(a.policy.ClockSkew / time.Second)
	if now+skew < 0 || auth.ValidAfter.Cmp(big.NewInt(now+skew)) > 0 {
		return false
	}
	if auth.ValidBefore.Cmp(big.NewInt(now)) <= 0 {
		return false
	}
	return true
}

func (a *Adapter) signatureValid(evm *x402.ExactEVMPayload, auth *eip3009.Authorization, requirements x402.PaymentRequirements) bool {
	name, version := a.domainParams(requirements)
	recovered, err := eip3009.RecoverSigner(
		evm.Signature,
		common.HexToAddress(requirements.Asset),
		big.NewInt(a.network.ChainID),
		auth,
		name,
		version,
	)
	if err != nil {
		return false
	}
	return recovered == auth.From
}

func (a *Adapter) domainParams(requirements x402.PaymentRequirements) (string, string) {
	if requirements.Extra != nil {
		name, nameOK := requirements.Extra["name"].(string)
		version, versionOK := requirements.Extra["version"].(string)
		if nameOK && versionOK {
			return name, version
		}
	}
	return a.network.EIP3009Name, a.network.EIP3009Version
}

// probeBalance checks balanceOf(from) against the authorized value.
func (a *Adapter) probeBalance(ctx context.Context, auth *eip3009.Authorization, requirements x402.PaymentRequirements) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.VerifyTimeout)
	defer cancel()

	data, err := a.abi.Pack("balanceOf", auth.From)
	if err != nil {
		return false, err
	}

	token := common.HexToAddress(requirements.Asset)
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, err
	}

	values, err := a.abi.Unpack("balanceOf", result)
	if err != nil {
		return false, err
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("unexpected balanceOf result type %T", values[0])
	}

	return balance.Cmp(auth.Value) < 0, nil
}

func (a *Adapter) buildTransaction(ctx context.Context, evm *x402.ExactEVMPayload, auth *eip3009.Authorization, requirements x402.PaymentRequirements) (*types.Transaction, error) {
	r, s, v, err := eip3009.ParseSignature(evm.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	data, err := a.abi.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
	if err != nil {
		return nil, fmt.Errorf("failed to pack calldata: %w", err)
	}

	token := common.HexToAddress(requirements.Asset)

	nonce, err := a.client.PendingNonceAt(ctx, a.sender)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account nonce: %w", err)
	}

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	// Estimation doubles as a dry run: a used or expired authorization
	// reverts here, before any gas is spent.
	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: a.sender,
		To:   &token,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("gas estimation reverted: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(a.network.ChainID)), a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// submit sends the transaction, retrying transient upstream failures.
func (a *Adapter) submit(ctx context.Context, tx *types.Transaction) error {
	_, err := retry.WithRetry(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}, isUpstreamError, func() (struct{}, error) {
		return struct{}{}, a.client.SendTransaction(ctx, tx)
	})
	return err
}

func (a *Adapter) awaitReceipt(ctx context.Context, txHash common.Hash, deadline time.Time, payer string) (*x402.SettleResponse, error) {
	interval := time.Second
	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				a.logger.Info("settlement confirmed",
					"network", a.network.Name,
					"payer", payer,
					"tx", txHash.Hex(),
					"block", receipt.BlockNumber)
				return &x402.SettleResponse{
					Success:     true,
					Transaction: txHash.Hex(),
					Network:     a.network.Name,
					Payer:       payer,
				}, nil
			}
			resp := x402.SettleFailure(x402.ReasonChainRejected, a.network.Name, payer)
			resp.Transaction = txHash.Hex()
			return resp, nil
		}

		if time.Now().After(deadline) {
			resp := x402.SettleFailure(x402.ReasonTimeout, a.network.Name, payer)
			resp.Transaction = txHash.Hex()
			return resp, nil
		}

		select {
		case <-ctx.Done():
			resp := x402.SettleFailure(x402.ReasonTimeout, a.network.Name, payer)
			resp.Transaction = txHash.Hex()
			return resp, nil
		case <-time.After(interval):
		}
		if interval < 5*time.Second {
			interval *= 2
		}
	}
}

// confirmBudget bounds the confirmation wait by the requirement's timeout and
// the adapter's own ceiling.
func (a *Adapter) confirmBudget(requirements x402.PaymentRequirements) time.Duration {
	budget := time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	if budget <= 0 || budget > a.timeouts.SettleTimeout {
		return a.timeouts.SettleTimeout
	}
	return budget
}

// classifyError maps chain and transport errors to failure reasons.
func classifyError(err error) x402.Reason {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authorization is used") || strings.Contains(msg, "nonce already used"):
		return x402.ReasonAlreadySettled
	case strings.Contains(msg, "authorization is expired") || strings.Contains(msg, "authorization is not yet valid"):
		return x402.ReasonExpiredOrTooWide
	case strings.Contains(msg, "invalid signature"):
		return x402.ReasonInvalidSignature
	case strings.Contains(msg, "exceeds balance") || strings.Contains(msg, "insufficient funds"):
		return x402.ReasonInsufficientFunds
	case isUpstreamError(err):
		return x402.ReasonUpstreamUnavailable
	default:
		return x402.ReasonChainRejected
	}
}

// isUpstreamError reports whether the error looks like a transient RPC
// failure rather than a chain-level rejection.
func isUpstreamError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporarily unavailable",
		"too many requests",
		"bad gateway",
		"service unavailable",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
