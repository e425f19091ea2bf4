package workers

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"time"

	"escrowrelay/config"
	"escrowrelay/types"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrSimulationRunning = errors.New("simulation already running")
	ErrNoSenders         = errors.New("traffic generator has no sender keys")
)

// Locker is implemented by *escrow.Escrow.
type Locker interface {
	Lock(ctx context.Context, key *ecdsa.PrivateKey, value *big.Int, payload []byte) (*ethtypes.Transaction, error)
}

var (
	userNames = []string{"Alice", "Bob", "Charlie", "Diana", "Eve", "Frank", "Grace", "Hank", "Ivy"}
	actions   = []string{
		"shovelling the driveway", "dog walking", "freelance web design", "car detailing",
		"guitar lessons", "birthday cake order", "lawn mowing", "tutoring session",
		"photography gig", "catering deposit", "yoga class pack", "piano tuning",
		"pet sitting", "art commission", "window washing",
	}
)

// TrafficGenerator locks funds on the escrow from a set of demo accounts
// until its simulation window ends.
type TrafficGenerator struct {
	locker Locker
	keys   []*ecdsa.PrivateKey
	cfg    config.Traffic
	base   context.Context

	mu      sync.Mutex
	rng     *rand.Rand
	cancel  context.CancelFunc
	started time.Time
	ends    time.Time
	sent    uint64
	failed  uint64
}

// NewTrafficGenerator parses cfg.SenderKeys. base bounds every simulation.
func NewTrafficGenerator(base context.Context, locker Locker, cfg config.Traffic) (*TrafficGenerator, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(cfg.SenderKeys))
	for i, hex := range cfg.SenderKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("traffic sender key %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 0.2
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &TrafficGenerator{
		locker: locker,
		keys:   keys,
		cfg:    cfg,
		base:   base,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Start runs a simulation for d, or cfg.Duration when d is zero.
func (g *TrafficGenerator) Start(d time.Duration) error {
	if len(g.keys) == 0 {
		return ErrNoSenders
	}
	if d <= 0 {
		d = g.cfg.Duration
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return ErrSimulationRunning
	}

	g.started = time.Now().UTC()
	g.ends = g.started.Add(d)
	g.sent, g.failed = 0, 0
	ctx, cancel := context.WithDeadline(g.base, g.ends)
	g.cancel = cancel

	log.Printf("Simulation started for %s", d)
	go g.run(ctx)
	return nil
}

func (g *TrafficGenerator) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (g *TrafficGenerator) Status() types.SimulationStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := types.SimulationStatus{Running: g.cancel != nil, Sent: g.sent, Failed: g.failed}
	if !g.started.IsZero() {
		started, ends := g.started, g.ends
		st.StartedAt, st.EndsAt = &started, &ends
	}
	return st
}

func (g *TrafficGenerator) run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(g.cfg.Rate), g.cfg.Burst)
	defer func() {
		g.mu.Lock()
		g.cancel()
		g.cancel = nil
		g.mu.Unlock()
		log.Print("Simulation stopped")
	}()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		g.sendOne(ctx)
	}
}

func (g *TrafficGenerator) sendOne(ctx context.Context) {
	g.mu.Lock()
	key := g.keys[g.rng.Intn(len(g.keys))]
	user := userNames[g.rng.Intn(len(userNames))]
	recipient := userNames[g.rng.Intn(len(userNames))]
	action := actions[g.rng.Intn(len(actions))]
	amount := g.amount()
	tail := make([]byte, 4+g.rng.Intn(13))
	g.rng.Read(tail)
	g.mu.Unlock()

	description := fmt.Sprintf("%s's payment to %s for %s", user, recipient, action)
	payload := EncodePayload(uuid.New(), description, tail)

	tx, err := g.locker.Lock(ctx, key, amount, payload)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.failed++
		if ctx.Err() == nil {
			log.Printf("Error sending lock: %s", err.Error())
		}
		return
	}
	g.sent++
	log.Printf("Lock %s sent: %s wei, %q", tx.Hash().Hex(), amount, description)
}

// amount is uniform in [MinAmount, MaxAmount]. Callers hold mu.
func (g *TrafficGenerator) amount() *big.Int {
	lo, hi := g.cfg.MinAmount, g.cfg.MaxAmount
	if hi <= lo {
		return new(big.Int).SetUint64(lo)
	}
	// the span may not fit in an int64
	span := new(big.Int).SetUint64(hi - lo)
	span.Add(span, big.NewInt(1))
	v := new(big.Int).Rand(g.rng, span)
	return v.Add(v, new(big.Int).SetUint64(lo))
}
