package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/facilitator/store"
)

// Local is an in-process facilitator composing scheme adapters with replay
// protection and settlement coordination. It is the implementation behind the
// facilitator HTTP server, and usable directly by sellers that self-settle.
type Local struct {
	adapters  map[string]Adapter
	store     store.ReplayStore
	group     singleflight.Group
	sem       *semaphore.Weighted
	waiters   atomic.Int64
	maxQueue  int64
	timeouts  x402.TimeoutConfig
	logger    *slog.Logger
	callbacks []x402.PaymentCallback
}

// LocalOption configures a Local facilitator.
type LocalOption func(*Local) error

// WithStore sets the replay store. Defaults to an in-memory store.
func WithStore(s store.ReplayStore) LocalOption {
	return func(l *Local) error {
		l.store = s
		return nil
	}
}

// WithConcurrency bounds concurrent on-chain settlements to workers, with at
// most queue further settlements waiting. Beyond that, settlements are
// rejected rather than queued without bound.
func WithConcurrency(workers, queue int) LocalOption {
	return func(l *Local) error {
		if workers <= 0 || queue < 0 {
			return fmt.Errorf("invalid concurrency bounds: workers=%d queue=%d", workers, queue)
		}
		l.sem = semaphore.NewWeighted(int64(workers))
		l.maxQueue = int64(workers + queue)
		return nil
	}
}

// WithTimeouts overrides the operation timeouts.
func WithTimeouts(timeouts x402.TimeoutConfig) LocalOption {
	return func(l *Local) error {
		if err := timeouts.Validate(); err != nil {
			return err
		}
		l.timeouts = timeouts
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) error {
		l.logger = logger
		return nil
	}
}

// WithCallback registers a payment event callback.
func WithCallback(cb x402.PaymentCallback) LocalOption {
	return func(l *Local) error {
		l.callbacks = append(l.callbacks, cb)
		return nil
	}
}

// NewLocal creates a facilitator over the given adapters.
func NewLocal(adapters []Adapter, opts ...LocalOption) (*Local, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("facilitator needs at least one adapter")
	}

	l := &Local{
		adapters: make(map[string]Adapter, len(adapters)),
		store:    store.NewMemoryStore(),
		sem:      semaphore.NewWeighted(8),
		maxQueue: 64,
		timeouts: x402.DefaultTimeouts,
		logger:   slog.Default(),
	}
	for _, a := range adapters {
		key := adapterKey(a.Scheme(), a.Network())
		if _, dup := l.adapters[key]; dup {
			return nil, fmt.Errorf("duplicate adapter for %s", key)
		}
		l.adapters[key] = a
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func adapterKey(scheme, network string) string {
	return scheme + "|" + network
}

func (l *Local) adapter(scheme, network string) (Adapter, bool) {
	a, ok := l.adapters[adapterKey(scheme, network)]
	return a, ok
}

// Verify dispatches to the matching adapter. Verification never mutates any
// state: the same payload and requirements always yield the same verdict
// (modulo clock and balance drift), and no record of the attempt is kept.
func (l *Local) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	start := time.Now()

	adapter, ok := l.adapter(payload.Scheme, payload.Network)
	if !ok {
		return x402.Invalid(x402.ReasonInvalidRequest, ""), nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeouts.VerifyTimeout)
	defer cancel()

	resp, err := adapter.Verify(ctx, payload, requirements)
	if err != nil {
		l.logger.Error("verification errored",
			"scheme", payload.Scheme,
			"network", payload.Network,
			"error", err)
		return x402.Invalid(x402.ReasonUpstreamUnavailable, ""), nil
	}

	if resp.IsValid {
		l.emit(x402.PaymentEvent{
			Type:      x402.PaymentEventVerified,
			Timestamp: time.Now(),
			Scheme:    payload.Scheme,
			Network:   payload.Network,
			Amount:    requirements.MaxAmountRequired,
			Asset:     requirements.Asset,
			Recipient: requirements.PayTo,
			Payer:     resp.Payer,
			Duration:  time.Since(start),
		})
	} else {
		l.emit(x402.PaymentEvent{
			Type:      x402.PaymentEventRejected,
			Timestamp: time.Now(),
			Scheme:    payload.Scheme,
			Network:   payload.Network,
			Amount:    requirements.MaxAmountRequired,
			Asset:     requirements.Asset,
			Recipient: requirements.PayTo,
			Payer:     resp.Payer,
			Reason:    resp.InvalidReason,
			Duration:  time.Since(start),
		})
	}

	return resp, nil
}

// Settle executes a payment exactly once. Requests for the same replay key
// collapse onto a single settlement: concurrent duplicates share its outcome,
// later duplicates get already_settled with the recorded receipt, and a
// pending record from a timed-out attempt blocks resubmission until its fate
// is known.
func (l *Local) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	start := time.Now()

	adapter, ok := l.adapter(payload.Scheme, payload.Network)
	if !ok {
		return x402.SettleFailure(x402.ReasonInvalidRequest, payload.Network, ""), nil
	}

	key, payer, err := adapter.SettlementKey(payload)
	if err != nil {
		return x402.SettleFailure(x402.ReasonInvalidRequest, payload.Network, ""), nil
	}

	if l.waiters.Add(1) > l.maxQueue {
		l.waiters.Add(-1)
		l.logger.Warn("settlement queue full", "network", payload.Network, "payer", payer)
		return x402.SettleFailure(x402.ReasonUpstreamUnavailable, payload.Network, payer), nil
	}
	defer l.waiters.Add(-1)

	executed := false
	result, err, _ := l.group.Do(key, func() (interface{}, error) {
		executed = true
		return l.settleOnce(ctx, adapter, key, payer, payload, requirements)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*x402.SettleResponse)

	// A duplicate that rode along on another caller's settlement did not
	// produce a second transfer; report it as already settled, carrying the
	// receipt of the one transfer that happened.
	if !executed && resp.Success {
		dup := *resp
		dup.Success = false
		dup.ErrorReason = x402.ReasonAlreadySettled
		resp = &dup
	}

	l.emitSettlement(payload, requirements, resp, time.Since(start))
	return resp, nil
}

func (l *Local) settleOnce(ctx context.Context, adapter Adapter, key, payer string, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	prior, started, err := l.store.Begin(ctx, key, store.Record{
		Network: payload.Network,
		Payer:   payer,
	})
	if err != nil {
		return nil, fmt.Errorf("replay store: %w", err)
	}

	if !started {
		resp := prior.Response()
		resp.Success = false
		resp.ErrorReason = x402.ReasonAlreadySettled
		l.logger.Info("duplicate settlement blocked",
			"key", key,
			"status", prior.Status,
			"tx", prior.Transaction)
		return resp, nil
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		// Never submitted; release the claim so a retry can settle.
		l.completeQuietly(key, store.Record{
			Status:  store.StatusFailed,
			Network: payload.Network,
			Payer:   payer,
			Reason:  x402.ReasonUpstreamUnavailable,
		})
		return x402.SettleFailure(x402.ReasonUpstreamUnavailable, payload.Network, payer), nil
	}
	defer l.sem.Release(1)

	resp, err := adapter.Settle(ctx, payload, requirements)
	if err != nil {
		l.completeQuietly(key, store.Record{
			Status:  store.StatusFailed,
			Network: payload.Network,
			Payer:   payer,
			Reason:  x402.ReasonUpstreamUnavailable,
		})
		return nil, err
	}

	rec := store.Record{
		Network:     resp.Network,
		Payer:       resp.Payer,
		Transaction: resp.Transaction,
		Reason:      resp.ErrorReason,
	}
	switch {
	case resp.Success:
		rec.Status = store.StatusConfirmed
	case resp.ErrorReason == x402.ReasonTimeout:
		// Fate unknown: the transaction may still land, so the pending claim
		// stays in place and blocks resubmission of the same authorization.
		rec.Status = store.StatusPending
	case resp.ErrorReason == x402.ReasonAlreadySettled:
		rec.Status = store.StatusConfirmed
	default:
		rec.Status = store.StatusFailed
	}
	l.completeQuietly(key, rec)

	return resp, nil
}

// completeQuietly records the settlement outcome; a store write failure is
// logged but never masks the settlement result.
func (l *Local) completeQuietly(key string, rec store.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeouts.VerifyTimeout)
	defer cancel()
	if err := l.store.Complete(ctx, key, rec); err != nil {
		l.logger.Error("failed to record settlement outcome", "key", key, "error", err)
	}
}

// Supported lists the (scheme, network) pairs the facilitator handles.
func (l *Local) Supported(_ context.Context) (*x402.SupportedResponse, error) {
	kinds := make([]x402.SupportedKind, 0, len(l.adapters))
	for _, a := range l.adapters {
		kinds = append(kinds, a.Kind())
	}
	return &x402.SupportedResponse{Kinds: kinds}, nil
}

// GetSettlement re-queries the recorded outcome for a payment, primarily to
// resolve the fate of a settlement that previously timed out.
func (l *Local) GetSettlement(ctx context.Context, payload x402.PaymentPayload) (*store.Record, error) {
	adapter, ok := l.adapter(payload.Scheme, payload.Network)
	if !ok {
		return nil, x402.ErrUnsupportedScheme
	}
	key, _, err := adapter.SettlementKey(payload)
	if err != nil {
		return nil, err
	}
	rec, err := l.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return rec, err
}

func (l *Local) emitSettlement(payload x402.PaymentPayload, requirements x402.PaymentRequirements, resp *x402.SettleResponse, elapsed time.Duration) {
	event := x402.PaymentEvent{
		Timestamp:   time.Now(),
		Scheme:      payload.Scheme,
		Network:     payload.Network,
		Amount:      requirements.MaxAmountRequired,
		Asset:       requirements.Asset,
		Recipient:   requirements.PayTo,
		Payer:       resp.Payer,
		Transaction: resp.Transaction,
		Duration:    elapsed,
	}
	if resp.Success {
		event.Type = x402.PaymentEventSettled
	} else {
		event.Type = x402.PaymentEventSettleFailed
		event.Reason = resp.ErrorReason
	}
	l.emit(event)
}

func (l *Local) emit(event x402.PaymentEvent) {
	for _, cb := range l.callbacks {
		cb(event)
	}
}
