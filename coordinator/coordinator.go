// Package coordinator drives each request through
// observed -> persisted -> verified -> executed -> settled, using the store
// as the only source of truth. Any step can be resumed from the stored row,
// so a restarted process picks up exactly where the last one stopped.
//
// Failures are classified: transient ones get one retry per request, business
// terminal ones resolve the request, fatal ones halt the nonce until an
// operator clears it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"escrowrelay/execution"
	"escrowrelay/proof"
	"escrowrelay/settlement"
	"escrowrelay/store"
	"escrowrelay/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

type Publisher interface {
	Publish(evt types.LifecycleEvent)
}

type Prover interface {
	Build(meta proof.BlockMeta, payload []byte, nonce uint64) (*types.ProofBundle, error)
	SignSettlement(nonce uint64, result []byte) ([]byte, error)
}

type Executor interface {
	Execute(req *types.Request) ([]byte, error)
}

type Settler interface {
	Settle(ctx context.Context, req *types.Request, result, signature []byte) (string, error)
	// Follow only reads the chain: nil when the recorded transaction landed.
	Follow(ctx context.Context, req *types.Request) error
}

type Config struct {
	// trusted signer every proof must recover to
	Relayer      common.Address
	RetryBackoff time.Duration
	// defaults to time.Now
	Now func() time.Time
}

type Coordinator struct {
	store   store.Store
	bus     Publisher
	prover  Prover
	engine  Executor
	settler Settler
	cfg     Config
	metrics *metrics
	locks   nonceLocks
}

func New(st store.Store, bus Publisher, prover Prover, engine Executor, settler Settler, cfg Config, reg prometheus.Registerer) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		store:   st,
		bus:     bus,
		prover:  prover,
		engine:  engine,
		settler: settler,
		cfg:     cfg,
		metrics: newMetrics(reg),
	}
}

// Classify maps a step failure to the reaction it deserves.
func Classify(err error) types.ErrorClass {
	switch {
	case errors.Is(err, proof.ErrSignerMismatch), errors.Is(err, store.ErrCursorCorrupt):
		return types.Fatal
	case errors.Is(err, settlement.ErrAlreadySettled), errors.Is(err, settlement.ErrDeadlineExceeded):
		return types.BusinessTerminal
	default:
		return types.Transient
	}
}

// stepError marks a failure of the step's own work, as opposed to a store
// error while recording its outcome.
type stepError struct {
	step types.Step
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s: %v", e.step, e.err) }
func (e *stepError) Unwrap() error { return e.err }

// stepFor names the step that leaves state s.
func stepFor(s types.State) types.Step {
	switch s {
	case types.StateObserved:
		return types.StepObserved
	case types.StatePersisted:
		return types.StepVerified
	case types.StateVerified:
		return types.StepExecuted
	default:
		return types.StepSettled
	}
}

// Process advances nonce until it is terminal or halted. Calling it for a
// terminal nonce is a no-op. Concurrent calls for the same nonce run one
// after the other.
func (c *Coordinator) Process(ctx context.Context, nonce uint64) error {
	unlock := c.locks.acquire(nonce)
	defer unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := c.store.GetRequest(ctx, nonce)
		if err != nil {
			return err
		}
		if req.State.Terminal() || req.Halted {
			return nil
		}

		if !req.Deadline.IsZero() && !c.cfg.Now().Before(req.Deadline) {
			log.Printf("nonce=%d deadline %s passed in state %s", nonce, req.Deadline.Format(time.RFC3339), req.State)
			return c.failUnlessLanded(ctx, req, "deadline exceeded")
		}

		err = c.step(ctx, req)
		if err == nil {
			continue
		}
		if errors.Is(err, store.ErrStaleState) || errors.Is(err, store.ErrRetryBudget) {
			continue
		}
		if errors.Is(err, store.ErrTerminal) {
			return nil
		}

		var se *stepError
		if !errors.As(err, &se) {
			return err
		}
		done, err := c.fail(ctx, req, se)
		if err != nil && !errors.Is(err, store.ErrStaleState) {
			return err
		}
		if done {
			return nil
		}
	}
}

func (c *Coordinator) step(ctx context.Context, req *types.Request) error {
	switch req.State {
	case types.StateObserved:
		return c.persist(ctx, req)
	case types.StatePersisted:
		return c.verify(ctx, req)
	case types.StateVerified:
		return c.execute(ctx, req)
	case types.StateExecuted:
		return c.settle(ctx, req)
	default:
		return fmt.Errorf("nonce=%d: no step for state %q", req.Nonce, req.State)
	}
}

func (c *Coordinator) event(req *types.Request, actor types.Actor, step types.Step, status types.Status) types.LifecycleEvent {
	evt := types.NewEvent(req.TraceID, req.Nonce, actor, step, status)
	evt.Timestamp = c.cfg.Now().UTC()
	return evt
}

// record appends evt, publishes it, and only then applies u.
func (c *Coordinator) record(ctx context.Context, req *types.Request, evt types.LifecycleEvent, u store.Update) error {
	if err := c.store.AppendEvent(ctx, evt); err != nil {
		return err
	}
	c.bus.Publish(evt)

	if err := c.store.Transition(ctx, req.Nonce, req.State, u); err != nil {
		return err
	}
	if u.State != req.State {
		c.metrics.transitions.WithLabelValues(string(u.State)).Inc()
		log.Printf("nonce=%d %s -> %s", req.Nonce, req.State, u.State)
	}
	return nil
}

func (c *Coordinator) persist(ctx context.Context, req *types.Request) error {
	evt := c.event(req, types.ActorCoordinator, types.StepObserved, types.StatusSuccess).
		WithDetail("block:%d", req.BlockNumber)
	return c.record(ctx, req, evt, store.Update{State: types.StatePersisted})
}

func (c *Coordinator) verify(ctx context.Context, req *types.Request) error {
	payload, err := req.PayloadBytes()
	if err != nil {
		return &stepError{types.StepVerified, fmt.Errorf("decode payload: %w", err)}
	}

	meta := proof.BlockMeta{Number: req.BlockNumber, TxHash: common.HexToHash(req.LockTxHash)}
	bundle, err := c.prover.Build(meta, payload, req.Nonce)
	if err != nil {
		return &stepError{types.StepVerified, err}
	}
	if err := proof.Verify(bundle, c.cfg.Relayer); err != nil {
		return &stepError{types.StepVerified, err}
	}
	bundle.Verified = true

	evt := c.event(req, types.ActorCoordinator, types.StepVerified, types.StatusSuccess).
		WithDetail("signer:%s", bundle.SignerAddress)
	return c.record(ctx, req, evt, store.Update{
		State:          types.StateVerified,
		ProofSignature: &bundle.Signature,
		Proof:          bundle,
	})
}

func (c *Coordinator) execute(ctx context.Context, req *types.Request) error {
	out, err := c.engine.Execute(req)
	if err != nil {
		return &stepError{types.StepExecuted, err}
	}
	v, err := execution.Decode(out)
	if err != nil {
		return &stepError{types.StepExecuted, err}
	}
	result := v.String()

	evt := c.event(req, types.ActorExecutionEngine, types.StepExecuted, types.StatusSuccess).
		WithDetail("result:%s", result)
	return c.record(ctx, req, evt, store.Update{State: types.StateExecuted, Result: &result})
}

func (c *Coordinator) settle(ctx context.Context, req *types.Request) error {
	v, ok := new(big.Int).SetString(req.Result, 10)
	if !ok {
		return &stepError{types.StepSettled, fmt.Errorf("stored result %q is not a number", req.Result)}
	}
	result := execution.Encode(v)

	sig, err := c.prover.SignSettlement(req.Nonce, result)
	if err != nil {
		return &stepError{types.StepSettled, err}
	}

	txRef, err := c.settler.Settle(ctx, req, result, sig)
	detail := "tx:" + txRef
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrAlreadySettled):
		log.Printf("nonce=%d already settled on chain, treating as settled", req.Nonce)
		detail = "already settled"
	default:
		return &stepError{types.StepSettled, err}
	}

	return c.settled(ctx, req, detail, txRef)
}

func (c *Coordinator) settled(ctx context.Context, req *types.Request, detail, txRef string) error {
	evt := c.event(req, types.ActorSourceChain, types.StepSettled, types.StatusSuccess).WithDetail("%s", detail)
	u := store.Update{State: types.StateSettled}
	if txRef != "" {
		u.SettlementTxRef = &txRef
	}
	return c.record(ctx, req, evt, u)
}

// failUnlessLanded resolves req as failed, unless the settlement transaction
// recorded for it already took effect on chain.
func (c *Coordinator) failUnlessLanded(ctx context.Context, req *types.Request, reason string) error {
	// the row read before the step misses a tx recorded during it
	cur, err := c.store.GetRequest(ctx, req.Nonce)
	if err != nil {
		return err
	}
	if cur.State.Terminal() {
		return nil
	}
	if cur.SettlementTxRef == "" {
		return c.resolve(ctx, cur, types.StateFailed, types.StepSettled, reason)
	}

	err = c.settler.Follow(ctx, cur)
	switch {
	case err == nil:
		log.Printf("nonce=%d settlement %s landed, settling instead of failing", cur.Nonce, cur.SettlementTxRef)
		return c.settled(ctx, cur, "tx:"+cur.SettlementTxRef, cur.SettlementTxRef)
	case errors.Is(err, settlement.ErrAlreadySettled):
		log.Printf("nonce=%d already settled on chain, treating as settled", cur.Nonce)
		return c.settled(ctx, cur, "already settled", cur.SettlementTxRef)
	}
	log.Printf("nonce=%d settlement %s did not land: %s", cur.Nonce, cur.SettlementTxRef, err.Error())
	return c.resolve(ctx, cur, types.StateFailed, types.StepSettled, reason)
}

// fail reacts to a failed step. It reports whether processing of the nonce
// is over.
func (c *Coordinator) fail(ctx context.Context, req *types.Request, se *stepError) (bool, error) {
	class := Classify(se.err)
	log.Printf("nonce=%d step %s failed (%s): %s", req.Nonce, se.step, class, se.err.Error())

	switch class {
	case types.Fatal:
		return true, c.halt(ctx, req, se)

	case types.BusinessTerminal:
		return true, c.resolve(ctx, req, types.StateFailed, types.StepSettled, se.err.Error())

	default:
		if req.RetryCount < store.MaxRetries {
			return false, c.retry(ctx, req, se)
		}
		if req.State == types.StateExecuted {
			return true, c.failUnlessLanded(ctx, req, se.err.Error())
		}
		return true, c.rollback(ctx, req, se)
	}
}

func (c *Coordinator) retry(ctx context.Context, req *types.Request, se *stepError) error {
	evt := c.event(req, types.ActorCoordinator, se.step, types.StatusRetry).WithDetail("%s", se.err.Error())
	if err := c.record(ctx, req, evt, store.Update{State: req.State, IncrementRetry: true}); err != nil {
		return err
	}
	c.metrics.retries.Inc()

	t := time.NewTimer(c.cfg.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) rollback(ctx context.Context, req *types.Request, se *stepError) error {
	failure := c.event(req, types.ActorCoordinator, se.step, types.StatusFailure).WithDetail("%s", se.err.Error())
	if err := c.store.AppendEvent(ctx, failure); err != nil {
		return err
	}
	c.bus.Publish(failure)

	msg := fmt.Sprintf("%s failed after retry: %s", se.step, se.err.Error())
	evt := c.event(req, types.ActorCoordinator, types.StepRollback, types.StatusSuccess)
	return c.record(ctx, req, evt, store.Update{State: types.StateRolledBack, ErrorMessage: &msg})
}

// resolve moves req to a terminal state with a single failure event.
func (c *Coordinator) resolve(ctx context.Context, req *types.Request, to types.State, step types.Step, reason string) error {
	evt := c.event(req, types.ActorCoordinator, step, types.StatusFailure).WithDetail("%s", reason)
	return c.record(ctx, req, evt, store.Update{State: to, ErrorMessage: &reason})
}

func (c *Coordinator) halt(ctx context.Context, req *types.Request, se *stepError) error {
	reason := fmt.Sprintf("halted at %s: %s", se.step, se.err.Error())
	evt := c.event(req, types.ActorCoordinator, se.step, types.StatusFailure).WithDetail("%s", reason)
	if err := c.store.AppendEvent(ctx, evt); err != nil {
		return err
	}
	c.bus.Publish(evt)

	if err := c.store.SetHalted(ctx, req.Nonce, true, reason); err != nil {
		return err
	}
	c.metrics.halts.Inc()
	log.Printf("nonce=%d HALTED: %s", req.Nonce, reason)
	return nil
}

// Unhalt clears the halt flag so the dispatcher picks the nonce up again.
func (c *Coordinator) Unhalt(ctx context.Context, nonce uint64) error {
	if err := c.store.SetHalted(ctx, nonce, false, ""); err != nil {
		return err
	}
	log.Printf("nonce=%d unhalted by operator", nonce)
	return nil
}

// nonceLocks serializes work on a nonce inside this process. Other relayer
// processes sharing the store are kept apart by its compare-and-set.
type nonceLocks struct {
	mu    sync.Mutex
	locks map[uint64]*nonceLock
}

type nonceLock struct {
	sync.Mutex
	waiters int
}

func (l *nonceLocks) acquire(nonce uint64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[uint64]*nonceLock{}
	}
	nl, ok := l.locks[nonce]
	if !ok {
		nl = &nonceLock{}
		l.locks[nonce] = nl
	}
	nl.waiters++
	l.mu.Unlock()

	nl.Lock()
	return func() {
		nl.Unlock()
		l.mu.Lock()
		nl.waiters--
		if nl.waiters == 0 {
			delete(l.locks, nonce)
		}
		l.mu.Unlock()
	}
}
