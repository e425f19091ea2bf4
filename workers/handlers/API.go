package handlers

import (
	"context"
	"time"

	"escrowrelay/bus"
	"escrowrelay/store"
	"escrowrelay/types"

	"github.com/ethereum/go-ethereum/common"
)

// Dispatch is implemented by *workers.Dispatcher.
type Dispatch interface {
	Pause()
	Resume()
	Paused() bool
	Enqueue(nonce uint64) bool
}

type Unhalter interface {
	Unhalt(ctx context.Context, nonce uint64) error
}

// Simulator is implemented by *workers.TrafficGenerator.
type Simulator interface {
	Start(d time.Duration) error
	Stop()
	Status() types.SimulationStatus
}

type EventStream interface {
	Subscribe() (*bus.Subscription, []types.LifecycleEvent)
	Unsubscribe(sub *bus.Subscription)
	Reset()
}

// API serves the read-only query surface, the event stream and the
// operator controls. Simulator may be nil when no sender keys are set.
type API struct {
	Store     store.Store
	Events    EventStream
	Relayer   common.Address
	Dispatch  Dispatch
	Unhalter  Unhalter
	Simulator Simulator
}
