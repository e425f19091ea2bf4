package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"escrowrelay/store"
	"escrowrelay/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRequest(nonce uint64) *types.Request {
	return &types.Request{
		Nonce:       nonce,
		TraceID:     "0x0102",
		Sender:      "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Amount:      "1000",
		Payload:     "0xdeadbeef",
		Deadline:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		BlockNumber: 42,
		LockTxHash:  "0xabc",
		State:       types.StateObserved,
	}
}

func lockedEvent(req *types.Request) types.LifecycleEvent {
	return types.NewEvent(req.TraceID, req.Nonce, types.ActorSourceChain, types.StepLocked, types.StatusSuccess).
		WithDetail("tx:%s", req.LockTxHash)
}

func insert(t *testing.T, s *Store, nonce uint64) *types.Request {
	t.Helper()
	req := testRequest(nonce)
	inserted, err := s.InsertRequest(context.Background(), req, lockedEvent(req))
	require.NoError(t, err)
	require.True(t, inserted)
	return req
}

func TestInsertRequestIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	req := insert(t, s, 1)

	dup := testRequest(1)
	dup.Amount = "999"
	inserted, err := s.InsertRequest(ctx, dup, lockedEvent(dup))
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetRequest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, req.Amount, got.Amount)
	assert.Equal(t, types.StateObserved, got.State)
	assert.Equal(t, req.Deadline.Unix(), got.Deadline.Unix())

	events, err := s.ListEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.StepLocked, events[0].Step)
	assert.Equal(t, "tx:0xabc", events[0].Detail)
}

func TestInsertRequestRejectsInvalid(t *testing.T) {
	s := createTestStore(t)

	req := testRequest(1)
	req.Amount = "not-a-number"
	_, err := s.InsertRequest(context.Background(), req, lockedEvent(req))
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	req = testRequest(2)
	req.State = types.StateVerified
	_, err = s.InsertRequest(context.Background(), req, lockedEvent(req))
	assert.ErrorIs(t, err, store.ErrInvalidRequest)
}

func TestTransitionForwardPath(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insert(t, s, 7)

	require.NoError(t, s.Transition(ctx, 7, types.StateObserved, store.Update{State: types.StatePersisted}))

	sig := "0xsig"
	bundle := &types.ProofBundle{HeaderHash: "0x01", Signature: sig, Nonce: 7, Verified: true}
	require.NoError(t, s.Transition(ctx, 7, types.StatePersisted, store.Update{
		State:          types.StateVerified,
		ProofSignature: &sig,
		Proof:          bundle,
	}))

	result := "2000"
	require.NoError(t, s.Transition(ctx, 7, types.StateVerified, store.Update{State: types.StateExecuted, Result: &result}))
	require.NoError(t, s.Transition(ctx, 7, types.StateExecuted, store.Update{State: types.StateSettled}))

	got, err := s.GetRequest(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.StateSettled, got.State)
	assert.Equal(t, "2000", got.Result)
	assert.Equal(t, sig, got.ProofSignature)

	proof, err := s.GetProof(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.Equal(t, *bundle, *proof)
}

func TestTransitionRejectsSkipsAndStaleState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insert(t, s, 3)

	err := s.Transition(ctx, 3, types.StateObserved, store.Update{State: types.StateExecuted})
	assert.ErrorIs(t, err, store.ErrBadTransition)

	err = s.Transition(ctx, 3, types.StatePersisted, store.Update{State: types.StateVerified})
	assert.ErrorIs(t, err, store.ErrStaleState)

	err = s.Transition(ctx, 99, types.StateObserved, store.Update{State: types.StatePersisted})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTerminalRowsAreImmutable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	req := insert(t, s, 5)

	msg := "deadline exceeded"
	require.NoError(t, s.Transition(ctx, 5, types.StateObserved, store.Update{State: types.StateFailed, ErrorMessage: &msg}))

	err := s.Transition(ctx, 5, types.StateFailed, store.Update{State: types.StateFailed})
	assert.ErrorIs(t, err, store.ErrTerminal)

	err = s.AppendEvent(ctx, types.NewEvent(req.TraceID, 5, types.ActorCoordinator, types.StepSettled, types.StatusSuccess))
	assert.ErrorIs(t, err, store.ErrTerminal)

	assert.ErrorIs(t, s.SetSettlementTx(ctx, 5, "0xfeed"), store.ErrTerminal)
	assert.ErrorIs(t, s.SetHalted(ctx, 5, true, "boom"), store.ErrTerminal)

	got, err := s.GetRequest(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, msg, got.ErrorMessage)
	assert.Empty(t, got.SettlementTxRef)
	assert.False(t, got.Halted)
}

func TestRetryBudget(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insert(t, s, 11)

	require.NoError(t, s.Transition(ctx, 11, types.StateObserved, store.Update{State: types.StateObserved, IncrementRetry: true}))
	err := s.Transition(ctx, 11, types.StateObserved, store.Update{State: types.StateObserved, IncrementRetry: true})
	assert.ErrorIs(t, err, store.ErrRetryBudget)

	got, err := s.GetRequest(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestAppendEventUnknownNonce(t *testing.T) {
	s := createTestStore(t)
	err := s.AppendEvent(context.Background(), types.NewEvent("0x", 404, types.ActorCoordinator, types.StepObserved, types.StatusSuccess))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEventsKeepAppendOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	req := insert(t, s, 8)

	steps := []types.Step{types.StepObserved, types.StepVerified, types.StepExecuted}
	for _, step := range steps {
		require.NoError(t, s.AppendEvent(ctx, types.NewEvent(req.TraceID, 8, types.ActorCoordinator, step, types.StatusSuccess)))
	}

	events, err := s.ListEvents(ctx, 8)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, types.StepLocked, events[0].Step)
	for i, step := range steps {
		assert.Equal(t, step, events[i+1].Step)
	}
}

func TestSettlementTxAndHalt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insert(t, s, 12)
	insert(t, s, 13)

	require.NoError(t, s.SetSettlementTx(ctx, 12, "0xfeed"))
	require.NoError(t, s.SetHalted(ctx, 13, true, "signer mismatch"))

	got, err := s.GetRequest(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", got.SettlementTxRef)

	inflight, err := s.ListInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, uint64(12), inflight[0].Nonce)

	m, err := s.AggregateMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Halted)

	require.NoError(t, s.SetHalted(ctx, 13, false, ""))
	got, err = s.GetRequest(ctx, 13)
	require.NoError(t, err)
	assert.False(t, got.Halted)
	assert.Equal(t, "signer mismatch", got.ErrorMessage)
}

func TestListRequestsPaging(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for n := uint64(1); n <= 5; n++ {
		insert(t, s, n)
	}

	page, total, err := s.ListRequests(ctx, types.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(4), page[0].Nonce)
	assert.Equal(t, uint64(3), page[1].Nonce)
}

func TestAggregateMetrics(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for n := uint64(1); n <= 4; n++ {
		insert(t, s, n)
	}
	require.NoError(t, s.Transition(ctx, 1, types.StateObserved, store.Update{State: types.StateRolledBack}))
	require.NoError(t, s.Transition(ctx, 2, types.StateObserved, store.Update{State: types.StateFailed}))
	require.NoError(t, s.Transition(ctx, 3, types.StateObserved, store.Update{State: types.StateObserved, IncrementRetry: true}))

	m, err := s.AggregateMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Metrics{
		TotalTransactions: 4,
		Failed:            1,
		RolledBack:        1,
		Pending:           2,
		TotalRetries:      1,
	}, *m)
}

func TestCursor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	h, err := s.GetCursor(ctx, 1337)
	require.NoError(t, err)
	assert.Equal(t, store.NoCursor, h)

	require.NoError(t, s.SetCursor(ctx, 1337, 120))
	require.NoError(t, s.SetCursor(ctx, 1337, 130))
	h, err = s.GetCursor(ctx, 1337)
	require.NoError(t, err)
	assert.Equal(t, int64(130), h)
}

func TestCorruptCursor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`INSERT INTO cursor (chain_id, height) VALUES (1, 'garbage')`)
	require.NoError(t, err)

	_, err = s.GetCursor(ctx, 1)
	assert.ErrorIs(t, err, store.ErrCursorCorrupt)
}

func TestReset(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insert(t, s, 1)
	require.NoError(t, s.SetCursor(ctx, 1, 10))

	require.NoError(t, s.Reset(ctx))

	_, err := s.GetRequest(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	events, err := s.ListEvents(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, events)
	h, err := s.GetCursor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, store.NoCursor, h)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := Open(path)
	require.NoError(t, err)
	req := testRequest(21)
	_, err = s.InsertRequest(context.Background(), req, lockedEvent(req))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRequest(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, types.StateObserved, got.State)
}
