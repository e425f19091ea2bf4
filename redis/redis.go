// Package redis is the alternative Store backend. Each request is a JSON
// blob under request:<nonce>; state membership is mirrored in one set per
// state so the dispatcher and metrics never scan every key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"escrowrelay/store"
	"escrowrelay/types"

	"github.com/gomodule/redigo/redis"
)

const (
	requestsKey = "requests"
	haltedKey   = "requests:halted"
	retriesKey  = "requests:retries"
	// optimistic transactions retried this often before giving up
	casAttempts = 5
)

func requestKey(nonce uint64) string    { return fmt.Sprintf("request:%d", nonce) }
func eventsKey(nonce uint64) string     { return fmt.Sprintf("events:%d", nonce) }
func proofKey(nonce uint64) string      { return fmt.Sprintf("proof:%d", nonce) }
func stateKey(state types.State) string { return fmt.Sprintf("requests:%s", state) }
func cursorKey(chainID int64) string    { return fmt.Sprintf("chainBlockScanned:%d", chainID) }
func nonceMember(nonce uint64) string   { return strconv.FormatUint(nonce, 10) }

var errConflict = errors.New("concurrent modification")

type Store struct {
	pool *redis.Pool
}

var _ store.Store = (*Store)(nil)

func timeoutDialOptions() []redis.DialOption {
	return []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
}

// Open connects to addr (host:port) and checks the server answers.
func Open(addr string) (*Store, error) {
	pool := &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 240 * time.Second,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr, timeoutDialOptions()...) },
	}

	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) conn(ctx context.Context) (redis.Conn, error) {
	return s.pool.GetContext(ctx)
}

func readRequest(conn redis.Conn, nonce uint64) (*types.Request, error) {
	raw, err := redis.Bytes(conn.Do("GET", requestKey(nonce)))
	if errors.Is(err, redis.ErrNil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var req types.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("cannot unmarshal request %d: %w", nonce, err)
	}
	return &req, nil
}

// watched runs fn between WATCH key and EXEC, retrying when another client
// modified the key in between. fn queues its writes with conn.Send after
// MULTI and reports whether it did.
func watched(conn redis.Conn, key string, fn func() (bool, error)) error {
	for i := 0; i < casAttempts; i++ {
		if _, err := conn.Do("WATCH", key); err != nil {
			return err
		}
		queued, err := fn()
		if err != nil || !queued {
			conn.Do("UNWATCH")
			return err
		}
		_, err = redis.Values(conn.Do("EXEC"))
		if errors.Is(err, redis.ErrNil) {
			continue
		}
		return err
	}
	return errConflict
}

func (s *Store) InsertRequest(ctx context.Context, req *types.Request, locked types.LifecycleEvent) (bool, error) {
	if err := store.ValidateRequest(req); err != nil {
		return false, err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	inserted := false
	err = watched(conn, requestKey(req.Nonce), func() (bool, error) {
		exists, err := redis.Bool(conn.Do("EXISTS", requestKey(req.Nonce)))
		if err != nil || exists {
			return false, err
		}

		now := time.Now().UTC()
		row := *req
		row.CreatedAt = now
		row.UpdatedAt = now
		rowJSON, err := json.Marshal(row)
		if err != nil {
			return false, fmt.Errorf("cannot marshal request to JSON: %w", err)
		}
		evtJSON, err := json.Marshal(locked)
		if err != nil {
			return false, fmt.Errorf("cannot marshal event to JSON: %w", err)
		}

		conn.Send("MULTI")
		conn.Send("SET", requestKey(req.Nonce), rowJSON)
		conn.Send("RPUSH", eventsKey(req.Nonce), evtJSON)
		conn.Send("ZADD", requestsKey, req.Nonce, nonceMember(req.Nonce))
		conn.Send("SADD", stateKey(row.State), nonceMember(req.Nonce))
		inserted = true
		return true, nil
	})
	if err != nil {
		log.Printf("error Redis insert request %d: %s", req.Nonce, err.Error())
		return false, err
	}
	return inserted, nil
}

// guard reads nonce under WATCH and refuses unknown or terminal rows.
func guard(conn redis.Conn, nonce uint64) (*types.Request, error) {
	cur, err := readRequest(conn, nonce)
	if err != nil {
		return nil, err
	}
	if cur.State.Terminal() {
		return nil, store.ErrTerminal
	}
	return cur, nil
}

func (s *Store) AppendEvent(ctx context.Context, evt types.LifecycleEvent) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	evtJSON, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("cannot marshal event to JSON: %w", err)
	}
	return watched(conn, requestKey(evt.Nonce), func() (bool, error) {
		if _, err := guard(conn, evt.Nonce); err != nil {
			return false, err
		}
		conn.Send("MULTI")
		conn.Send("RPUSH", eventsKey(evt.Nonce), evtJSON)
		return true, nil
	})
}

func (s *Store) Transition(ctx context.Context, nonce uint64, from types.State, u store.Update) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return watched(conn, requestKey(nonce), func() (bool, error) {
		cur, err := readRequest(conn, nonce)
		if err != nil {
			return false, err
		}
		if err := store.CheckUpdate(cur, from, u); err != nil {
			return false, err
		}
		store.Apply(cur, u)
		cur.UpdatedAt = time.Now().UTC()

		rowJSON, err := json.Marshal(cur)
		if err != nil {
			return false, fmt.Errorf("cannot marshal request to JSON: %w", err)
		}
		var proofJSON []byte
		if u.Proof != nil {
			if proofJSON, err = json.Marshal(u.Proof); err != nil {
				return false, fmt.Errorf("cannot marshal proof bundle to JSON: %w", err)
			}
		}

		member := nonceMember(nonce)
		conn.Send("MULTI")
		conn.Send("SET", requestKey(nonce), rowJSON)
		if u.State != from {
			conn.Send("SREM", stateKey(from), member)
			conn.Send("SADD", stateKey(u.State), member)
		}
		if u.State.Terminal() {
			conn.Send("SREM", haltedKey, member)
		}
		if u.IncrementRetry {
			conn.Send("INCR", retriesKey)
		}
		if proofJSON != nil {
			conn.Send("SET", proofKey(nonce), proofJSON)
		}
		return true, nil
	})
}

// mutate rewrites a non-terminal row in place.
func (s *Store) mutate(ctx context.Context, nonce uint64, fn func(*types.Request), extra func(redis.Conn)) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return watched(conn, requestKey(nonce), func() (bool, error) {
		cur, err := guard(conn, nonce)
		if err != nil {
			return false, err
		}
		fn(cur)
		cur.UpdatedAt = time.Now().UTC()
		rowJSON, err := json.Marshal(cur)
		if err != nil {
			return false, fmt.Errorf("cannot marshal request to JSON: %w", err)
		}
		conn.Send("MULTI")
		conn.Send("SET", requestKey(nonce), rowJSON)
		if extra != nil {
			extra(conn)
		}
		return true, nil
	})
}

func (s *Store) SetSettlementTx(ctx context.Context, nonce uint64, txRef string) error {
	return s.mutate(ctx, nonce, func(r *types.Request) { r.SettlementTxRef = txRef }, nil)
}

func (s *Store) SetHalted(ctx context.Context, nonce uint64, halted bool, reason string) error {
	return s.mutate(ctx, nonce,
		func(r *types.Request) {
			r.Halted = halted
			if reason != "" {
				r.ErrorMessage = reason
			}
		},
		func(conn redis.Conn) {
			if halted {
				conn.Send("SADD", haltedKey, nonceMember(nonce))
			} else {
				conn.Send("SREM", haltedKey, nonceMember(nonce))
			}
		},
	)
}

func (s *Store) GetRequest(ctx context.Context, nonce uint64) (*types.Request, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return readRequest(conn, nonce)
}

func readMany(conn redis.Conn, members []string) ([]*types.Request, error) {
	reqs := make([]*types.Request, 0, len(members))
	if len(members) == 0 {
		return reqs, nil
	}
	args := make([]interface{}, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad nonce member %q: %w", m, err)
		}
		args = append(args, requestKey(n))
	}
	blobs, err := redis.ByteSlices(conn.Do("MGET", args...))
	if err != nil {
		return nil, err
	}
	for _, raw := range blobs {
		if raw == nil {
			continue
		}
		var r types.Request
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("cannot unmarshal request: %w", err)
		}
		reqs = append(reqs, &r)
	}
	return reqs, nil
}

func (s *Store) ListRequests(ctx context.Context, page types.Page) ([]*types.Request, int64, error) {
	page = page.Normalize()
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	total, err := redis.Int64(conn.Do("ZCARD", requestsKey))
	if err != nil {
		return nil, 0, err
	}
	members, err := redis.Strings(conn.Do("ZREVRANGE", requestsKey, page.Offset, page.Offset+page.Limit-1))
	if err != nil {
		return nil, 0, err
	}
	reqs, err := readMany(conn, members)
	if err != nil {
		return nil, 0, err
	}
	return reqs, total, nil
}

func (s *Store) ListInFlight(ctx context.Context) ([]*types.Request, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	args := []interface{}{}
	for _, st := range types.AllStates {
		if !st.Terminal() {
			args = append(args, stateKey(st))
		}
	}
	members, err := redis.Strings(conn.Do("SUNION", args...))
	if err != nil {
		return nil, err
	}
	all, err := readMany(conn, members)
	if err != nil {
		return nil, err
	}

	reqs := make([]*types.Request, 0, len(all))
	for _, r := range all {
		if !r.Halted && !r.State.Terminal() {
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Nonce < reqs[j].Nonce })
	return reqs, nil
}

func (s *Store) ListEvents(ctx context.Context, nonce uint64) ([]types.LifecycleEvent, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	blobs, err := redis.ByteSlices(conn.Do("LRANGE", eventsKey(nonce), 0, -1))
	if err != nil {
		return nil, err
	}
	events := make([]types.LifecycleEvent, 0, len(blobs))
	for _, raw := range blobs {
		var evt types.LifecycleEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("cannot unmarshal event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *Store) GetProof(ctx context.Context, nonce uint64) (*types.ProofBundle, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := readRequest(conn, nonce); err != nil {
		return nil, err
	}
	raw, err := redis.Bytes(conn.Do("GET", proofKey(nonce)))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var bundle types.ProofBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("cannot unmarshal proof bundle: %w", err)
	}
	return &bundle, nil
}

func (s *Store) AggregateMetrics(ctx context.Context) (*types.Metrics, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	counts := make(map[types.State]int64, len(types.AllStates))
	for _, st := range types.AllStates {
		n, err := redis.Int64(conn.Do("SCARD", stateKey(st)))
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	halted, err := redis.Int64(conn.Do("SCARD", haltedKey))
	if err != nil {
		return nil, err
	}
	retries, err := redis.Int64(conn.Do("GET", retriesKey))
	if err != nil && !errors.Is(err, redis.ErrNil) {
		return nil, err
	}

	m := &types.Metrics{
		Settled:      counts[types.StateSettled],
		Failed:       counts[types.StateFailed],
		RolledBack:   counts[types.StateRolledBack],
		Halted:       halted,
		TotalRetries: retries,
	}
	for st, n := range counts {
		m.TotalTransactions += n
		if !st.Terminal() {
			m.Pending += n
		}
	}
	return m, nil
}

func (s *Store) GetCursor(ctx context.Context, chainID int64) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return store.NoCursor, err
	}
	defer conn.Close()

	raw, err := redis.String(conn.Do("GET", cursorKey(chainID)))
	if errors.Is(err, redis.ErrNil) {
		return store.NoCursor, nil
	}
	if err != nil {
		log.Printf("error Redis get: %s", err.Error())
		return store.NoCursor, err
	}
	height, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || height < store.NoCursor {
		return store.NoCursor, fmt.Errorf("%w: chain %d has %q", store.ErrCursorCorrupt, chainID, raw)
	}
	return height, nil
}

func (s *Store) SetCursor(ctx context.Context, chainID int64, height int64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("SET", cursorKey(chainID), height); err != nil {
		log.Printf("error Redis set: %s", err.Error())
		return err
	}
	return nil
}

// Reset deletes every key this backend owns.
func (s *Store) Reset(ctx context.Context) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	patterns := []string{"request:*", "events:*", "proof:*", "requests*", "chainBlockScanned:*"}
	for _, pattern := range patterns {
		cursor := "0"
		for {
			values, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", pattern, "COUNT", 500))
			if err != nil {
				return err
			}
			var keys []string
			if _, err := redis.Scan(values, &cursor, &keys); err != nil {
				return err
			}
			if len(keys) > 0 {
				if _, err := conn.Do("DEL", redis.Args{}.AddFlat(keys)...); err != nil {
					return err
				}
			}
			if cursor == "0" {
				break
			}
		}
	}
	return nil
}
