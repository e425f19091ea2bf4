package workers

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"escrowrelay/types"
)

type Processor interface {
	Process(ctx context.Context, nonce uint64) error
}

type InFlightLister interface {
	ListInFlight(ctx context.Context) ([]*types.Request, error)
}

// Dispatcher feeds nonces to a fixed pool of workers. A nonce is queued at
// most once at a time, so each request has a single logical worker while
// different nonces proceed in parallel.
type Dispatcher struct {
	proc         Processor
	store        InFlightLister
	notify       <-chan uint64
	workers      int
	scanInterval time.Duration

	queue    chan uint64
	mu       sync.Mutex
	inflight map[uint64]struct{}
	paused   atomic.Bool
	wg       sync.WaitGroup
}

func NewDispatcher(proc Processor, st InFlightLister, notify <-chan uint64, workers, queueSize int, scanInterval time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	if scanInterval <= 0 {
		scanInterval = 10 * time.Second
	}
	return &Dispatcher{
		proc:         proc,
		store:        st,
		notify:       notify,
		workers:      workers,
		scanInterval: scanInterval,
		queue:        make(chan uint64, queueSize),
		inflight:     make(map[uint64]struct{}),
	}
}

func (d *Dispatcher) Pause() {
	d.paused.Store(true)
	log.Print("Dispatcher paused")
}

func (d *Dispatcher) Resume() {
	d.paused.Store(false)
	log.Print("Dispatcher resumed")
}

func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Enqueue schedules nonce unless it is already queued or running. It never
// blocks; a full queue is drained by later rescans.
func (d *Dispatcher) Enqueue(nonce uint64) bool {
	if d.Paused() {
		return false
	}

	d.mu.Lock()
	if _, busy := d.inflight[nonce]; busy {
		d.mu.Unlock()
		return false
	}
	d.inflight[nonce] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- nonce:
		return true
	default:
		d.release(nonce)
		return false
	}
}

func (d *Dispatcher) release(nonce uint64) {
	d.mu.Lock()
	delete(d.inflight, nonce)
	d.mu.Unlock()
}

// InFlight is the number of nonces queued or being processed.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Rescan enqueues every resumable request in the store.
func (d *Dispatcher) Rescan(ctx context.Context) {
	if d.Paused() {
		return
	}
	reqs, err := d.store.ListInFlight(ctx)
	if err != nil {
		log.Printf("Error listing in-flight requests: %s", err.Error())
		return
	}
	queued := 0
	for _, req := range reqs {
		if d.Enqueue(req.Nonce) {
			queued++
		}
	}
	if queued > 0 {
		log.Printf("Dispatcher queued %d of %d in-flight requests", queued, len(reqs))
	}
}

// Run blocks until ctx is cancelled and every running Process call returned.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("Starting dispatcher with %d workers", d.workers)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.Rescan(ctx)

	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			log.Print("Dispatcher stopped")
			return
		case <-ticker.C:
			d.Rescan(ctx)
		case nonce := <-d.notify:
			d.Enqueue(nonce)
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case nonce := <-d.queue:
			d.process(ctx, nonce)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, nonce uint64) {
	defer d.release(nonce)
	if d.Paused() {
		return
	}
	// a started request runs to the end of its current step chain even
	// when shutdown begins; external calls carry their own timeouts
	if err := d.proc.Process(context.WithoutCancel(ctx), nonce); err != nil {
		log.Printf("nonce=%d processing stopped: %s", nonce, err.Error())
	}
}
