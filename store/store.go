// Package store defines the durable persistence contract shared by the
// SQLite and Redis backends. The store is the single source of truth: every
// in-flight request can be resumed from its row alone.
package store

import (
	"context"
	"errors"

	"escrowrelay/types"
)

var (
	ErrNotFound = errors.New("request not found")
	// the row is no longer in the state the caller expected
	ErrStaleState = errors.New("request state changed")
	// the row is terminal and immutable
	ErrTerminal = errors.New("request is terminal")
	// retry_count would exceed MaxRetries
	ErrRetryBudget    = errors.New("retry budget exhausted")
	ErrBadTransition  = errors.New("transition not allowed")
	ErrCursorCorrupt  = errors.New("persisted cursor is corrupt")
	ErrInvalidRequest = errors.New("invalid request")
)

// MaxRetries bounds retry_count on every request.
const MaxRetries = 1

// NoCursor is returned by GetCursor when nothing was scanned yet.
const NoCursor int64 = -1

// Update describes one state mutation. State is the target state; it may
// equal the current state when only fields change (e.g. a retry increment).
// Nil fields are left untouched.
type Update struct {
	State           types.State
	Result          *string
	ProofSignature  *string
	Proof           *types.ProofBundle
	SettlementTxRef *string
	ErrorMessage    *string
	IncrementRetry  bool
}

type Store interface {
	// InsertRequest inserts req unless its nonce exists; on insert the locked
	// event is appended in the same write.
	InsertRequest(ctx context.Context, req *types.Request, locked types.LifecycleEvent) (bool, error)
	// AppendEvent refuses events for unknown or terminal nonces.
	AppendEvent(ctx context.Context, evt types.LifecycleEvent) error
	// Transition applies u if the row is still in state from.
	Transition(ctx context.Context, nonce uint64, from types.State, u Update) error
	// SetSettlementTx records a signed settlement transaction before broadcast.
	SetSettlementTx(ctx context.Context, nonce uint64, txRef string) error
	SetHalted(ctx context.Context, nonce uint64, halted bool, reason string) error

	GetRequest(ctx context.Context, nonce uint64) (*types.Request, error)
	ListRequests(ctx context.Context, page types.Page) ([]*types.Request, int64, error)
	// ListInFlight returns non-terminal, non-halted rows in nonce order.
	ListInFlight(ctx context.Context) ([]*types.Request, error)
	ListEvents(ctx context.Context, nonce uint64) ([]types.LifecycleEvent, error)
	GetProof(ctx context.Context, nonce uint64) (*types.ProofBundle, error)
	AggregateMetrics(ctx context.Context) (*types.Metrics, error)

	GetCursor(ctx context.Context, chainID int64) (int64, error)
	SetCursor(ctx context.Context, chainID int64, height int64) error

	// Reset deletes every request, event and cursor.
	Reset(ctx context.Context) error
	Close() error
}

// CheckUpdate validates u against the current row. Backends call it inside
// their write so the check and the mutation are atomic.
func CheckUpdate(cur *types.Request, from types.State, u Update) error {
	if cur.State.Terminal() {
		return ErrTerminal
	}
	if cur.State != from {
		return ErrStaleState
	}
	if u.State != from && !types.CanTransition(from, u.State) {
		return ErrBadTransition
	}
	if u.IncrementRetry && cur.RetryCount >= MaxRetries {
		return ErrRetryBudget
	}
	return nil
}

// Apply copies the non-nil fields of u onto req.
func Apply(req *types.Request, u Update) {
	req.State = u.State
	if u.Result != nil {
		req.Result = *u.Result
	}
	if u.ProofSignature != nil {
		req.ProofSignature = *u.ProofSignature
	}
	if u.SettlementTxRef != nil {
		req.SettlementTxRef = *u.SettlementTxRef
	}
	if u.ErrorMessage != nil {
		req.ErrorMessage = *u.ErrorMessage
	}
	if u.IncrementRetry {
		req.RetryCount++
	}
}

func ValidateRequest(req *types.Request) error {
	if req == nil {
		return ErrInvalidRequest
	}
	if req.State != types.StateObserved {
		return ErrInvalidRequest
	}
	if _, err := req.AmountInt(); err != nil {
		return ErrInvalidRequest
	}
	return nil
}
