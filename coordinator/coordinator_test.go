package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"escrowrelay/execution"
	"escrowrelay/proof"
	"escrowrelay/settlement"
	"escrowrelay/store"
	"escrowrelay/store/sqlite"
	"escrowrelay/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSettler struct {
	mu    sync.Mutex
	errs  []error
	calls int
	// runs inside Settle before its outcome is returned
	onSettle func(req *types.Request)
	// returned by Follow; nil means the recorded tx landed
	followErr   error
	followCalls int
	followed    []string
}

func (f *fakeSettler) Settle(_ context.Context, req *types.Request, result, signature []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onSettle != nil {
		f.onSettle(req)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("0x%064x", req.Nonce), nil
}

func (f *fakeSettler) Follow(_ context.Context, req *types.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followCalls++
	f.followed = append(f.followed, req.SettlementTxRef)
	return f.followErr
}

type failingEngine struct {
	failures int
	calls    int
}

func (e *failingEngine) Execute(req *types.Request) ([]byte, error) {
	e.calls++
	if e.calls <= e.failures {
		return nil, errors.New("engine unavailable")
	}
	return execution.Engine{}.Execute(req)
}

type recordingBus struct {
	mu     sync.Mutex
	events []types.LifecycleEvent
}

func (b *recordingBus) Publish(evt types.LifecycleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

type harness struct {
	store   *sqlite.Store
	bus     *recordingBus
	settler *fakeSettler
	engine  Executor
	relayer common.Address
	coord   *Coordinator

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) setClock(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "coord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	signer := proof.NewKeySigner(key)

	h := &harness{
		store:   st,
		bus:     &recordingBus{},
		settler: &fakeSettler{},
		engine:  execution.Engine{},
		relayer: signer.Address(),
		now:     testNow,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.coord = New(st, h.bus, proof.NewBuilder(signer), h.engine, h.settler, Config{
		Relayer:      h.relayer,
		RetryBackoff: time.Millisecond,
		Now:          h.clock,
	}, prometheus.NewRegistry())
	return h
}

func (h *harness) lock(t *testing.T, nonce uint64, deadline time.Time) {
	t.Helper()
	req := &types.Request{
		Nonce:       nonce,
		TraceID:     "0x00000000000000000000000000000000000000000000000000000000000000aa",
		Sender:      "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Amount:      "1000",
		Payload:     "0x68656c6c6f",
		Deadline:    deadline,
		BlockNumber: 10,
		LockTxHash:  "0x00000000000000000000000000000000000000000000000000000000000000bb",
		State:       types.StateObserved,
	}
	locked := types.NewEvent(req.TraceID, nonce, types.ActorSourceChain, types.StepLocked, types.StatusSuccess)
	ok, err := h.store.InsertRequest(context.Background(), req, locked)
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) events(t *testing.T, nonce uint64) []string {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), nonce)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, fmt.Sprintf("%s/%s/%s", e.Actor, e.Step, e.Status))
	}
	return out
}

func (h *harness) request(t *testing.T, nonce uint64) *types.Request {
	t.Helper()
	req, err := h.store.GetRequest(context.Background(), nonce)
	require.NoError(t, err)
	return req
}

var future = testNow.Add(time.Hour)

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	h.lock(t, 1, future)

	require.NoError(t, h.coord.Process(context.Background(), 1))

	req := h.request(t, 1)
	assert.Equal(t, types.StateSettled, req.State)
	assert.Equal(t, "2000", req.Result)
	assert.Equal(t, 0, req.RetryCount)
	assert.NotEmpty(t, req.ProofSignature)
	assert.NotEmpty(t, req.SettlementTxRef)

	assert.Equal(t, []string{
		"source-chain/locked/success",
		"coordinator/observed/success",
		"coordinator/verified/success",
		"execution-engine/executed/success",
		"source-chain/settled/success",
	}, h.events(t, 1))
	assert.Len(t, h.bus.events, 4)

	bundle, err := h.store.GetProof(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.True(t, bundle.Verified)
	assert.NoError(t, proof.Verify(bundle, h.relayer))

	assert.Equal(t, float64(1), testutil.ToFloat64(h.coord.metrics.transitions.WithLabelValues("settled")))
}

func TestSettlementRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.settler.errs = []error{settlement.ErrTimeout}
	h.lock(t, 2, future)

	require.NoError(t, h.coord.Process(context.Background(), 2))

	req := h.request(t, 2)
	assert.Equal(t, types.StateSettled, req.State)
	assert.Equal(t, 1, req.RetryCount)
	assert.Equal(t, 2, h.settler.calls)
	assert.Contains(t, h.events(t, 2), "coordinator/settled/retry")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.coord.metrics.retries))
}

func TestSettlementFailsTwice(t *testing.T) {
	h := newHarness(t)
	h.settler.errs = []error{settlement.ErrTimeout, fmt.Errorf("%w: BadSignature", settlement.ErrReverted)}
	h.lock(t, 3, future)

	require.NoError(t, h.coord.Process(context.Background(), 3))

	req := h.request(t, 3)
	assert.Equal(t, types.StateFailed, req.State)
	assert.Equal(t, 1, req.RetryCount)
	events := h.events(t, 3)
	assert.Equal(t, []string{"coordinator/settled/retry", "coordinator/settled/failure"}, events[len(events)-2:])
	assert.NotContains(t, events, "coordinator/rollback/success")
}

func TestExecutionFailureRollsBack(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.engine = &failingEngine{failures: 2} })
	h.lock(t, 4, future)

	require.NoError(t, h.coord.Process(context.Background(), 4))

	req := h.request(t, 4)
	assert.Equal(t, types.StateRolledBack, req.State)
	assert.Equal(t, 1, req.RetryCount)
	assert.Contains(t, req.ErrorMessage, "engine unavailable")
	assert.Zero(t, h.settler.calls)

	events := h.events(t, 4)
	assert.Equal(t, []string{
		"coordinator/executed/retry",
		"coordinator/executed/failure",
		"coordinator/rollback/success",
	}, events[len(events)-3:])
}

func TestExecutionRecoversAfterOneFailure(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.engine = &failingEngine{failures: 1} })
	h.lock(t, 5, future)

	require.NoError(t, h.coord.Process(context.Background(), 5))

	req := h.request(t, 5)
	assert.Equal(t, types.StateSettled, req.State)
	assert.Equal(t, 1, req.RetryCount)
}

func TestExpiredDeadlineFailsWithoutChainWrite(t *testing.T) {
	h := newHarness(t)
	h.lock(t, 6, testNow.Add(-time.Second))

	require.NoError(t, h.coord.Process(context.Background(), 6))

	req := h.request(t, 6)
	assert.Equal(t, types.StateFailed, req.State)
	assert.Equal(t, "deadline exceeded", req.ErrorMessage)
	assert.Zero(t, h.settler.calls)
	assert.Zero(t, h.settler.followCalls)
	assert.Equal(t, []string{"source-chain/locked/success", "coordinator/settled/failure"}, h.events(t, 6))
}

func TestOnChainDeadlineIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.settler.errs = []error{fmt.Errorf("%w: DeadlineExceeded", settlement.ErrDeadlineExceeded)}
	h.lock(t, 7, future)

	require.NoError(t, h.coord.Process(context.Background(), 7))

	req := h.request(t, 7)
	assert.Equal(t, types.StateFailed, req.State)
	assert.Equal(t, 0, req.RetryCount)
	assert.Equal(t, 1, h.settler.calls)
}

func TestAlreadySettledCountsAsSettled(t *testing.T) {
	h := newHarness(t)
	h.settler.errs = []error{fmt.Errorf("%w: AlreadySettled", settlement.ErrAlreadySettled)}
	h.lock(t, 8, future)

	require.NoError(t, h.coord.Process(context.Background(), 8))

	req := h.request(t, 8)
	assert.Equal(t, types.StateSettled, req.State)
	assert.Equal(t, 0, req.RetryCount)
}

const recordedTx = "0x00000000000000000000000000000000000000000000000000000000000000cc"

// recordThenTimeOut makes the first Settle record recordedTx and report a
// confirmation timeout, as a node that lost the receipt would.
func recordThenTimeOut(t *testing.T, h *harness, after func()) {
	h.settler.errs = []error{settlement.ErrTimeout, settlement.ErrTimeout}
	h.settler.onSettle = func(req *types.Request) {
		require.NoError(t, h.store.SetSettlementTx(context.Background(), req.Nonce, recordedTx))
		if after != nil {
			after()
		}
	}
}

func TestDeadlinePassedButRecordedTxLanded(t *testing.T) {
	h := newHarness(t)
	deadline := testNow.Add(time.Minute)
	recordThenTimeOut(t, h, func() { h.setClock(deadline.Add(time.Second)) })
	h.lock(t, 12, deadline)

	require.NoError(t, h.coord.Process(context.Background(), 12))

	req := h.request(t, 12)
	assert.Equal(t, types.StateSettled, req.State)
	assert.Equal(t, recordedTx, req.SettlementTxRef)
	assert.Empty(t, req.ErrorMessage)
	assert.Equal(t, 1, h.settler.calls)
	assert.Equal(t, []string{recordedTx}, h.settler.followed)

	events := h.events(t, 12)
	assert.Equal(t, []string{"coordinator/settled/retry", "source-chain/settled/success"}, events[len(events)-2:])
}

func TestDeadlinePassedAndRecordedTxMissing(t *testing.T) {
	h := newHarness(t)
	deadline := testNow.Add(time.Minute)
	recordThenTimeOut(t, h, func() { h.setClock(deadline.Add(time.Second)) })
	h.settler.followErr = fmt.Errorf("%w: %s", settlement.ErrNotMined, recordedTx)
	h.lock(t, 13, deadline)

	require.NoError(t, h.coord.Process(context.Background(), 13))

	req := h.request(t, 13)
	assert.Equal(t, types.StateFailed, req.State)
	assert.Equal(t, "deadline exceeded", req.ErrorMessage)
	assert.Equal(t, recordedTx, req.SettlementTxRef)
	assert.Equal(t, 1, h.settler.calls)
	assert.Equal(t, 1, h.settler.followCalls)
}

func TestRetriesExhaustedButRecordedTxAlreadySettled(t *testing.T) {
	h := newHarness(t)
	recordThenTimeOut(t, h, nil)
	h.settler.followErr = fmt.Errorf("%w: AlreadySettled", settlement.ErrAlreadySettled)
	h.lock(t, 14, future)

	require.NoError(t, h.coord.Process(context.Background(), 14))

	req := h.request(t, 14)
	assert.Equal(t, types.StateSettled, req.State)
	assert.Equal(t, recordedTx, req.SettlementTxRef)
	assert.Equal(t, 2, h.settler.calls)
	assert.Equal(t, 1, h.settler.followCalls)

	events, err := h.store.ListEvents(context.Background(), 14)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, types.StepSettled, last.Step)
	assert.Equal(t, types.StatusSuccess, last.Status)
	assert.Equal(t, "already settled", last.Detail)
}

func TestConcurrentProcessSettlesOnce(t *testing.T) {
	h := newHarness(t)
	settling, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	h.settler.onSettle = func(*types.Request) {
		once.Do(func() { close(settling) })
		<-release
	}
	h.lock(t, 15, future)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	run := func(i int) {
		defer wg.Done()
		errs[i] = h.coord.Process(context.Background(), 15)
	}

	wg.Add(2)
	go run(0)
	<-settling
	// the second caller arrives while the first is inside Settle
	go run(1)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, types.StateSettled, h.request(t, 15).State)
	assert.Equal(t, 1, h.settler.calls)
	assert.Equal(t, []string{
		"source-chain/locked/success",
		"coordinator/observed/success",
		"coordinator/verified/success",
		"execution-engine/executed/success",
		"source-chain/settled/success",
	}, h.events(t, 15))
}

func TestSignerMismatchHalts(t *testing.T) {
	other := common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	h := newHarness(t, func(h *harness) { h.relayer = other })
	h.lock(t, 9, future)

	require.NoError(t, h.coord.Process(context.Background(), 9))

	req := h.request(t, 9)
	assert.True(t, req.Halted)
	assert.Equal(t, types.StatePersisted, req.State)
	assert.Contains(t, req.ErrorMessage, "signer mismatch")
	assert.Contains(t, h.events(t, 9), "coordinator/verified/failure")

	inflight, err := h.store.ListInFlight(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inflight)

	// halted rows are skipped until an operator clears the flag
	require.NoError(t, h.coord.Process(context.Background(), 9))
	assert.Len(t, h.events(t, 9), 3)

	require.NoError(t, h.coord.Unhalt(context.Background(), 9))
	inflight, err = h.store.ListInFlight(context.Background())
	require.NoError(t, err)
	assert.Len(t, inflight, 1)
}

func TestTerminalReplayIsNoop(t *testing.T) {
	h := newHarness(t)
	h.lock(t, 10, future)
	require.NoError(t, h.coord.Process(context.Background(), 10))
	before := h.events(t, 10)

	require.NoError(t, h.coord.Process(context.Background(), 10))

	assert.Equal(t, before, h.events(t, 10))
	assert.Equal(t, 1, h.settler.calls)
}

func TestResumeFromStoredState(t *testing.T) {
	h := newHarness(t)
	h.lock(t, 11, future)
	ctx := context.Background()

	// a previous process got as far as execution before stopping
	result := "2000"
	require.NoError(t, h.store.Transition(ctx, 11, types.StateObserved, store.Update{State: types.StatePersisted}))
	require.NoError(t, h.store.Transition(ctx, 11, types.StatePersisted, store.Update{State: types.StateVerified}))
	require.NoError(t, h.store.Transition(ctx, 11, types.StateVerified, store.Update{State: types.StateExecuted, Result: &result}))

	require.NoError(t, h.coord.Process(ctx, 11))

	assert.Equal(t, types.StateSettled, h.request(t, 11).State)
	assert.Equal(t, []string{"source-chain/locked/success", "source-chain/settled/success"}, h.events(t, 11))
}

func TestProcessUnknownNonce(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.coord.Process(context.Background(), 404), store.ErrNotFound)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want types.ErrorClass
	}{
		{proof.ErrSignerMismatch, types.Fatal},
		{fmt.Errorf("wrapped: %w", store.ErrCursorCorrupt), types.Fatal},
		{settlement.ErrAlreadySettled, types.BusinessTerminal},
		{settlement.ErrDeadlineExceeded, types.BusinessTerminal},
		{settlement.ErrTimeout, types.Transient},
		{settlement.ErrReverted, types.Transient},
		{errors.New("connection refused"), types.Transient},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
}
