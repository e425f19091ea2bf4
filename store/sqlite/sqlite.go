// Package sqlite is the default Store backend.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"escrowrelay/store"
	"escrowrelay/types"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const terminalStates = `('settled', 'failed', 'rolled_back')`

const requestColumns = `nonce, trace_id, sender, amount, payload, description, deadline,
	block_number, lock_tx_hash, state, result, proof_signature, settlement_tx_ref,
	retry_count, halted, error_message, created_at, updated_at`

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database at path and applies the schema.
// A single connection is used so every write is serialized.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) InsertRequest(ctx context.Context, req *types.Request, locked types.LifecycleEvent) (bool, error) {
	if err := store.ValidateRequest(req); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("insert request: begin tx: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO requests
		(nonce, trace_id, sender, amount, payload, description, deadline, block_number, lock_tx_hash, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(nonce) DO NOTHING
	`,
		int64(req.Nonce),
		req.TraceID,
		req.Sender,
		req.Amount,
		req.Payload,
		req.Description,
		req.Deadline.Unix(),
		int64(req.BlockNumber),
		req.LockTxHash,
		string(req.State),
		ts,
		ts,
	)
	if err != nil {
		return false, fmt.Errorf("insert request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert request: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, locked); err != nil {
		return false, fmt.Errorf("insert request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("insert request: commit: %w", err)
	}
	return true, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt types.LifecycleEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (nonce, trace_id, actor, step, status, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		int64(evt.Nonce),
		evt.TraceID,
		string(evt.Actor),
		string(evt.Step),
		string(evt.Status),
		evt.Detail,
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, evt types.LifecycleEvent) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (nonce, trace_id, actor, step, status, detail, timestamp)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM requests WHERE nonce = ? AND state NOT IN `+terminalStates+`)
	`,
		int64(evt.Nonce),
		evt.TraceID,
		string(evt.Actor),
		string(evt.Step),
		string(evt.Status),
		evt.Detail,
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
		int64(evt.Nonce),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return s.explainNoop(ctx, res, evt.Nonce)
}

// explainNoop turns a zero-row write into ErrNotFound or ErrTerminal.
func (s *Store) explainNoop(ctx context.Context, res sql.Result, nonce uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	req, err := s.GetRequest(ctx, nonce)
	if err != nil {
		return err
	}
	if req.State.Terminal() {
		return store.ErrTerminal
	}
	return store.ErrStaleState
}

func (s *Store) Transition(ctx context.Context, nonce uint64, from types.State, u store.Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transition: begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE nonce = ?`, int64(nonce)))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	if err := store.CheckUpdate(cur, from, u); err != nil {
		return err
	}
	store.Apply(cur, u)

	var proofJSON interface{}
	if u.Proof != nil {
		b, err := json.Marshal(u.Proof)
		if err != nil {
			return fmt.Errorf("cannot marshal proof bundle to JSON: %w", err)
		}
		proofJSON = string(b)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE requests SET
			state = ?,
			result = ?,
			proof_signature = ?,
			proof_json = COALESCE(?, proof_json),
			settlement_tx_ref = ?,
			retry_count = ?,
			error_message = ?,
			updated_at = ?
		WHERE nonce = ? AND state = ?
	`,
		string(cur.State),
		cur.Result,
		cur.ProofSignature,
		proofJSON,
		cur.SettlementTxRef,
		cur.RetryCount,
		cur.ErrorMessage,
		now(),
		int64(nonce),
		string(from),
	)
	if err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transition: commit: %w", err)
	}
	return nil
}

func (s *Store) SetSettlementTx(ctx context.Context, nonce uint64, txRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET settlement_tx_ref = ?, updated_at = ?
		WHERE nonce = ? AND state NOT IN `+terminalStates,
		txRef, now(), int64(nonce),
	)
	if err != nil {
		return fmt.Errorf("set settlement tx: %w", err)
	}
	return s.explainNoop(ctx, res, nonce)
}

func (s *Store) SetHalted(ctx context.Context, nonce uint64, halted bool, reason string) error {
	flag := 0
	if halted {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET
			halted = ?,
			error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
			updated_at = ?
		WHERE nonce = ? AND state NOT IN `+terminalStates,
		flag, reason, reason, now(), int64(nonce),
	)
	if err != nil {
		return fmt.Errorf("set halted: %w", err)
	}
	return s.explainNoop(ctx, res, nonce)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*types.Request, error) {
	var (
		r                types.Request
		nonce, block     int64
		deadline         int64
		state            string
		halted           int
		created, updated string
	)
	err := row.Scan(
		&nonce,
		&r.TraceID,
		&r.Sender,
		&r.Amount,
		&r.Payload,
		&r.Description,
		&deadline,
		&block,
		&r.LockTxHash,
		&state,
		&r.Result,
		&r.ProofSignature,
		&r.SettlementTxRef,
		&r.RetryCount,
		&halted,
		&r.ErrorMessage,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	r.Nonce = uint64(nonce)
	r.BlockNumber = uint64(block)
	r.Deadline = time.Unix(deadline, 0).UTC()
	r.State = types.State(state)
	r.Halted = halted != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &r, nil
}

func (s *Store) GetRequest(ctx context.Context, nonce uint64) (*types.Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE nonce = ?`, int64(nonce)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...interface{}) ([]*types.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	reqs := make([]*types.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (s *Store) ListRequests(ctx context.Context, page types.Page) ([]*types.Request, int64, error) {
	page = page.Normalize()

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}

	reqs, err := s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM requests ORDER BY nonce DESC LIMIT ? OFFSET ?`,
		page.Limit, page.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	return reqs, total, nil
}

func (s *Store) ListInFlight(ctx context.Context) ([]*types.Request, error) {
	reqs, err := s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM requests
		WHERE state NOT IN `+terminalStates+` AND halted = 0
		ORDER BY nonce ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list in-flight requests: %w", err)
	}
	return reqs, nil
}

func (s *Store) ListEvents(ctx context.Context, nonce uint64) ([]types.LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, nonce, actor, step, status, detail, timestamp
		FROM events
		WHERE nonce = ?
		ORDER BY id ASC
	`, int64(nonce))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]types.LifecycleEvent, 0)
	for rows.Next() {
		var (
			evt                 types.LifecycleEvent
			n                   int64
			actor, step, status string
			ts                  string
		)
		if err := rows.Scan(&evt.TraceID, &n, &actor, &step, &status, &evt.Detail, &ts); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		evt.Nonce = uint64(n)
		evt.Actor = types.Actor(actor)
		evt.Step = types.Step(step)
		evt.Status = types.Status(status)
		evt.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (s *Store) GetProof(ctx context.Context, nonce uint64) (*types.ProofBundle, error) {
	var proofJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT proof_json FROM requests WHERE nonce = ?`, int64(nonce)).Scan(&proofJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proof: %w", err)
	}
	if !proofJSON.Valid || proofJSON.String == "" {
		return nil, nil
	}

	var bundle types.ProofBundle
	if err := json.Unmarshal([]byte(proofJSON.String), &bundle); err != nil {
		return nil, fmt.Errorf("get proof: %w", err)
	}
	return &bundle, nil
}

func (s *Store) AggregateMetrics(ctx context.Context) (*types.Metrics, error) {
	var m types.Metrics
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN state = 'settled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'rolled_back' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state NOT IN `+terminalStates+` THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN halted = 1 AND state NOT IN `+terminalStates+` THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(retry_count), 0)
		FROM requests
	`).Scan(&m.TotalTransactions, &m.Settled, &m.Failed, &m.RolledBack, &m.Pending, &m.Halted, &m.TotalRetries)
	if err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}
	return &m, nil
}

func (s *Store) GetCursor(ctx context.Context, chainID int64) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT height FROM cursor WHERE chain_id = ?`, chainID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NoCursor, nil
	}
	if err != nil {
		return store.NoCursor, fmt.Errorf("get cursor: %w", err)
	}

	height, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || height < store.NoCursor {
		return store.NoCursor, fmt.Errorf("%w: chain %d has %q", store.ErrCursorCorrupt, chainID, raw)
	}
	return height, nil
}

func (s *Store) SetCursor(ctx context.Context, chainID int64, height int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursor (chain_id, height) VALUES (?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET height = excluded.height
	`, chainID, strconv.FormatInt(height, 10))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "requests", "cursor"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}
