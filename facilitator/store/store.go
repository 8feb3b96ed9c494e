// Package store provides replay-protection storage for the settler. Each
// settlement is keyed by its scheme-specific replay identity (the EIP-3009
// nonce on EVM, the client transaction signature on Solana); the store makes
// "settle the same payment twice" resolve to a single on-chain transfer.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
)

// Status is the lifecycle state of a settlement record.
type Status string

const (
	// StatusPending marks a settlement that was submitted (or is being
	// submitted) and whose on-chain fate is not yet known. Pending records
	// block resubmission: a timed-out settlement may still land.
	StatusPending Status = "pending"

	// StatusConfirmed marks a settlement confirmed on-chain.
	StatusConfirmed Status = "confirmed"

	// StatusFailed marks a settlement that definitively failed before or on
	// chain. Failed records allow a retry.
	StatusFailed Status = "failed"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("store: settlement record not found")

// Record is the stored state of one settlement attempt.
type Record struct {
	// Key is the replay identity the record is stored under.
	Key string `json:"key"`

	// Status is the settlement lifecycle state.
	Status Status `json:"status"`

	// Transaction is the on-chain transaction hash or signature, when known.
	Transaction string `json:"transaction,omitempty"`

	// Network is the network the settlement was attempted on.
	Network string `json:"network"`

	// Payer is the authorizing address.
	Payer string `json:"payer,omitempty"`

	// Reason holds the failure reason for failed records.
	Reason x402.Reason `json:"reason,omitempty"`

	// UpdatedAt is the time of the last state transition.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Response converts a confirmed record into the settlement response returned
// for duplicate requests.
func (r *Record) Response() *x402.SettleResponse {
	return &x402.SettleResponse{
		Success:     r.Status == StatusConfirmed,
		Transaction: r.Transaction,
		Network:     r.Network,
		Payer:       r.Payer,
		ErrorReason: r.Reason,
	}
}

// ReplayStore records settlement attempts keyed by replay identity.
//
// Begin claims a key for settlement: if no record exists, or the prior
// attempt failed, it writes a pending record and returns started=true. If a
// pending or confirmed record exists it returns that record with
// started=false and the caller must not submit. Begin must be atomic with
// respect to concurrent callers for the same key.
type ReplayStore interface {
	Begin(ctx context.Context, key string, rec Record) (prior *Record, started bool, err error)

	// Complete transitions the key's record to its final (or still-pending)
	// state after a settlement attempt.
	Complete(ctx context.Context, key string, rec Record) error

	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
}

// MemoryStore is an in-process ReplayStore. Suitable for tests and
// single-instance facilitators; multi-instance deployments need the Redis
// store so all instances share one replay set.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory replay store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Begin(_ context.Context, key string, rec Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.records[key]; ok && prior.Status != StatusFailed {
		p := prior
		return &p, false, nil
	}

	rec.Key = key
	rec.Status = StatusPending
	rec.UpdatedAt = time.Now()
	m.records[key] = rec
	return nil, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Key = key
	rec.UpdatedAt = time.Now()
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	r := rec
	return &r, nil
}
