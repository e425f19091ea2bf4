package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// State of a cross-chain request, stored as its string value.
// Forward path: observed -> persisted -> verified -> executed -> settled.
// failed and rolled_back are terminal side states.
type State string

const (
	StateObserved   State = "observed"
	StatePersisted  State = "persisted"
	StateVerified   State = "verified"
	StateExecuted   State = "executed"
	StateSettled    State = "settled"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
)

var forward = map[State]State{
	StateObserved:  StatePersisted,
	StatePersisted: StateVerified,
	StateVerified:  StateExecuted,
	StateExecuted:  StateSettled,
}

// AllStates in display order, used for metrics and status sets.
var AllStates = []State{
	StateObserved,
	StatePersisted,
	StateVerified,
	StateExecuted,
	StateSettled,
	StateFailed,
	StateRolledBack,
}

func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed || s == StateRolledBack
}

// Next returns the forward successor, or "" for terminal states.
func (s State) Next() State {
	return forward[s]
}

// CanTransition reports whether from -> to is allowed: one step forward,
// or a branch into failed/rolled_back from any non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StateFailed || to == StateRolledBack {
		return true
	}
	return forward[from] == to
}

type Actor string

const (
	ActorSourceChain     Actor = "source-chain"
	ActorCoordinator     Actor = "coordinator"
	ActorExecutionEngine Actor = "execution-engine"
	ActorObserverUI      Actor = "observer-ui"
)

type Step string

const (
	StepLocked   Step = "locked"
	StepObserved Step = "observed"
	StepVerified Step = "verified"
	StepExecuted Step = "executed"
	StepSettled  Step = "settled"
	StepRollback Step = "rollback"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusRetry   Status = "retry"
)

// LifecycleEvent is the stable wire shape pushed to stream subscribers.
type LifecycleEvent struct {
	TraceID   string    `json:"trace_id"`
	Nonce     uint64    `json:"nonce"`
	Actor     Actor     `json:"actor"`
	Step      Step      `json:"step"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

func NewEvent(traceID string, nonce uint64, actor Actor, step Step, status Status) LifecycleEvent {
	return LifecycleEvent{
		TraceID:   traceID,
		Nonce:     nonce,
		Actor:     actor,
		Step:      step,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

func (e LifecycleEvent) WithDetail(format string, args ...interface{}) LifecycleEvent {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// Request is one row per source-chain nonce.
type Request struct {
	Nonce           uint64    `json:"nonce"`
	TraceID         string    `json:"trace_id"`
	Sender          string    `json:"sender"`
	Amount          string    `json:"amount"`  // decimal, wei
	Payload         string    `json:"payload"` // 0x-prefixed hex
	Description     string    `json:"description,omitempty"`
	Deadline        time.Time `json:"deadline"`
	BlockNumber     uint64    `json:"block_number"`
	LockTxHash      string    `json:"lock_tx_hash"`
	State           State     `json:"state"`
	Result          string    `json:"result,omitempty"` // decimal
	ProofSignature  string    `json:"proof_signature,omitempty"`
	SettlementTxRef string    `json:"settlement_tx_ref,omitempty"`
	RetryCount      int       `json:"retry_count"`
	Halted          bool      `json:"halted"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (r *Request) AmountInt() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", r.Amount)
	}
	return amount, nil
}

func (r *Request) PayloadBytes() ([]byte, error) {
	if r.Payload == "" || r.Payload == "0x" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(r.Payload, "0x") {
		return hexutil.Decode("0x" + r.Payload)
	}
	return hexutil.Decode(r.Payload)
}

// ProofBundle is the signed artifact presented at settlement.
// Inclusion nodes are a deterministic, nonce-seeded placeholder rather than
// a real Merkle audit path.
type ProofBundle struct {
	HeaderHash     string   `json:"header_hash"`
	EventRootHash  string   `json:"event_root_hash"`
	InclusionNodes []string `json:"inclusion_nodes"`
	Signature      string   `json:"signature"`
	SignerAddress  string   `json:"signer_address"`
	Nonce          uint64   `json:"nonce"`
	Verified       bool     `json:"verified"`
}

type Metrics struct {
	TotalTransactions int64 `json:"total_transactions"`
	Settled           int64 `json:"settled"`
	Failed            int64 `json:"failed"`
	RolledBack        int64 `json:"rolled_back"`
	Pending           int64 `json:"pending"`
	Halted            int64 `json:"halted"`
	TotalRetries      int64 `json:"total_retries"`
}

// Page selects a window of requests, newest nonce first.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ErrorClass drives the coordinator's reaction to a failed step.
type ErrorClass int

const (
	// retried once per request, then escalated
	Transient ErrorClass = iota
	// resolved deterministically to settled or failed, never retried
	BusinessTerminal
	// halts the nonce pending operator intervention
	Fatal
)

func (c ErrorClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case BusinessTerminal:
		return "business-terminal"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SimulationStatus reports the traffic generator.
type SimulationStatus struct {
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	Sent      uint64     `json:"sent"`
	Failed    uint64     `json:"failed"`
}
