package workers

import (
	"context"
	"errors"
	"log"
	"math/big"
	"time"

	"escrowrelay/EVMRPC/escrow"
	"escrowrelay/config"
	"escrowrelay/store"
	"escrowrelay/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrCursorCorrupt stops the observer; the API keeps serving.
var ErrCursorCorrupt = store.ErrCursorCorrupt

// ChainReader is implemented by *EVMRPC.Client.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

type Publisher interface {
	Publish(evt types.LifecycleEvent)
}

// Observer turns confirmed RequestLocked logs into stored requests. The
// cursor only moves past a window once every log in it is stored, so a
// crash replays the window and the insert-or-ignore store absorbs it.
type Observer struct {
	chain  ChainReader
	store  store.Store
	bus    Publisher
	notify chan<- uint64
	cfg    config.Chain
}

func NewObserver(chain ChainReader, st store.Store, bus Publisher, notify chan<- uint64, cfg config.Chain) *Observer {
	if cfg.BlockBatch == 0 {
		cfg.BlockBatch = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Observer{chain: chain, store: st, bus: bus, notify: notify, cfg: cfg}
}

func (o *Observer) Run(ctx context.Context) error {
	log.Printf("Starting observer for chain %d, escrow %s", o.cfg.ChainID, o.cfg.EscrowAddress)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		err := o.ScanOnce(ctx)
		if errors.Is(err, ErrCursorCorrupt) {
			log.Printf("Observer stopped: %s", err.Error())
			return err
		}
		if err != nil && ctx.Err() == nil {
			log.Printf("Error scanning chain %d: %s", o.cfg.ChainID, err.Error())
		}

		select {
		case <-ctx.Done():
			log.Print("Observer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func withRetry[T any](ctx context.Context, cfg config.Chain, what string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if cfg.MaxBackoff > 0 {
		b.MaxInterval = cfg.MaxBackoff
	}
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Printf("Error calling %s: %s, retrying in %s", what, err.Error(), wait)
	})
}

// ScanOnce processes every confirmed block past the cursor.
func (o *Observer) ScanOnce(ctx context.Context) error {
	cursor, err := o.store.GetCursor(ctx, o.cfg.ChainID)
	if err != nil {
		return err
	}

	head, err := withRetry(ctx, o.cfg, "eth_blockNumber", func() (uint64, error) {
		return o.chain.BlockNumber(ctx)
	})
	if err != nil {
		return err
	}
	if head < o.cfg.Confirmations {
		return nil
	}
	safe := head - o.cfg.Confirmations

	var from uint64
	switch {
	case cursor != store.NoCursor:
		from = uint64(cursor) + 1
	case o.cfg.StartBlock >= 0:
		from = uint64(o.cfg.StartBlock)
	default:
		from = safe
	}

	escrowAddr := common.HexToAddress(o.cfg.EscrowAddress)
	for from <= safe {
		to := from + o.cfg.BlockBatch - 1
		if to > safe {
			to = safe
		}
		log.Printf("Scanning chain %d blocks %d to %d (head %d)", o.cfg.ChainID, from, to, head)

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{escrowAddr},
			Topics:    [][]common.Hash{{escrow.LockTopic()}},
		}
		logs, err := withRetry(ctx, o.cfg, "eth_getLogs", func() ([]ethtypes.Log, error) {
			return o.chain.FilterLogs(ctx, query)
		})
		if err != nil {
			return err
		}

		for _, l := range logs {
			if err := o.handle(ctx, l); err != nil {
				// the window is replayed on the next scan
				return err
			}
		}

		if err := o.store.SetCursor(ctx, o.cfg.ChainID, int64(to)); err != nil {
			return err
		}
		from = to + 1
	}
	return nil
}

func (o *Observer) handle(ctx context.Context, l ethtypes.Log) error {
	if l.Removed {
		return nil
	}
	lock, err := escrow.ParseLock(l)
	if err != nil {
		log.Printf("Skipping log %s#%d: %s", l.TxHash.Hex(), l.Index, err.Error())
		return nil
	}

	req := &types.Request{
		Nonce:       lock.Nonce,
		TraceID:     lock.TraceID.Hex(),
		Sender:      lock.Sender.Hex(),
		Amount:      lock.Amount.String(),
		Payload:     hexutil.Encode(lock.Payload),
		Description: DescribePayload(lock.Payload),
		Deadline:    lock.Deadline,
		BlockNumber: lock.BlockNumber,
		LockTxHash:  lock.TxHash.Hex(),
		State:       types.StateObserved,
	}
	evt := types.NewEvent(req.TraceID, req.Nonce, types.ActorSourceChain, types.StepLocked, types.StatusSuccess).
		WithDetail("tx:%s", req.LockTxHash)

	inserted, err := o.store.InsertRequest(ctx, req, evt)
	if errors.Is(err, store.ErrInvalidRequest) {
		log.Printf("nonce=%d skipping invalid lock in %s", req.Nonce, req.LockTxHash)
		return nil
	}
	if err != nil {
		return err
	}
	if !inserted {
		log.Printf("nonce=%d already stored, ignoring replayed log", req.Nonce)
		return nil
	}

	log.Printf("nonce=%d locked by %s, amount %s, block %d, tx %s", req.Nonce, req.Sender, req.Amount, req.BlockNumber, req.LockTxHash)
	o.bus.Publish(evt)

	select {
	case o.notify <- req.Nonce:
	default:
		// the dispatcher's periodic rescan picks it up
	}
	return nil
}
