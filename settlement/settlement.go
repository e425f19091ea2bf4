// Package settlement submits settle transactions to the escrow contract and
// maps their outcome onto the coordinator's error classes.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"escrowrelay/EVMRPC/escrow"
	"escrowrelay/types"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	// the contract already holds a settlement for this nonce
	ErrAlreadySettled = errors.New("already settled on chain")
	// the request expired on chain; never retried
	ErrDeadlineExceeded = errors.New("settlement deadline exceeded")
	ErrReverted         = errors.New("settlement reverted")
	ErrTimeout          = errors.New("settlement confirmation timed out")
	// no receipt for the recorded transaction yet
	ErrNotMined = errors.New("settlement transaction not mined")
)

// Escrow is implemented by *escrow.Escrow.
type Escrow interface {
	SignSettle(ctx context.Context, nonce uint64, result, signature []byte) (*ethtypes.Transaction, error)
	Send(ctx context.Context, tx *ethtypes.Transaction) error
	TxStatus(ctx context.Context, hash common.Hash) (escrow.TxState, *ethtypes.Receipt, error)
	ReplayRevert(ctx context.Context, hash common.Hash) error
}

// TxRecorder persists a signed transaction before it is broadcast.
type TxRecorder interface {
	SetSettlementTx(ctx context.Context, nonce uint64, txRef string) error
}

type Submitter struct {
	escrow         Escrow
	recorder       TxRecorder
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

func NewSubmitter(e Escrow, recorder TxRecorder, confirmTimeout, pollInterval time.Duration) *Submitter {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Submitter{
		escrow:         e,
		recorder:       recorder,
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
	}
}

// Settle lands settle(nonce, result, signature) and returns the transaction
// hash. A transaction recorded by an earlier attempt is followed up rather
// than replaced, so a restart never double-submits a live transaction.
func (s *Submitter) Settle(ctx context.Context, req *types.Request, result, signature []byte) (string, error) {
	if req.SettlementTxRef != "" {
		hash := common.HexToHash(req.SettlementTxRef)
		state, receipt, err := s.escrow.TxStatus(ctx, hash)
		if err != nil {
			return req.SettlementTxRef, fmt.Errorf("status of %s: %w", req.SettlementTxRef, err)
		}
		switch state {
		case escrow.TxMined:
			return req.SettlementTxRef, s.outcome(ctx, hash, receipt)
		case escrow.TxPending:
			log.Printf("nonce=%d settlement %s still pending, waiting", req.Nonce, req.SettlementTxRef)
			return req.SettlementTxRef, s.wait(ctx, hash)
		default:
			log.Printf("nonce=%d settlement %s unknown to node, signing again", req.Nonce, req.SettlementTxRef)
		}
	}

	tx, err := s.escrow.SignSettle(ctx, req.Nonce, result, signature)
	if err != nil {
		return "", classify(err)
	}
	txRef := tx.Hash().Hex()
	if err := s.recorder.SetSettlementTx(ctx, req.Nonce, txRef); err != nil {
		return "", fmt.Errorf("record settlement tx: %w", err)
	}

	if err := s.escrow.Send(ctx, tx); err != nil {
		return txRef, classify(err)
	}
	log.Printf("nonce=%d settlement %s sent", req.Nonce, txRef)

	return txRef, s.wait(ctx, tx.Hash())
}

// Follow reports what became of the settlement transaction recorded on req
// without signing or sending anything: nil when it landed, ErrAlreadySettled
// when it reverted because the nonce was settled anyway, ErrNotMined while
// the node has no receipt for it.
func (s *Submitter) Follow(ctx context.Context, req *types.Request) error {
	if req.SettlementTxRef == "" {
		return ErrNotMined
	}
	hash := common.HexToHash(req.SettlementTxRef)
	state, receipt, err := s.escrow.TxStatus(ctx, hash)
	if err != nil {
		return fmt.Errorf("status of %s: %w", req.SettlementTxRef, err)
	}
	if state != escrow.TxMined {
		return fmt.Errorf("%w: %s", ErrNotMined, req.SettlementTxRef)
	}
	return s.outcome(ctx, hash, receipt)
}

func (s *Submitter) wait(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		state, receipt, err := s.escrow.TxStatus(ctx, hash)
		if err == nil && state == escrow.TxMined {
			return s.outcome(ctx, hash, receipt)
		}
		if err != nil {
			log.Printf("Error polling settlement %s: %s", hash.Hex(), err.Error())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func (s *Submitter) outcome(ctx context.Context, hash common.Hash, receipt *ethtypes.Receipt) error {
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return nil
	}
	err := s.escrow.ReplayRevert(ctx, hash)
	if err == nil {
		return fmt.Errorf("%w: %s failed on chain", ErrReverted, hash.Hex())
	}
	return classify(err)
}

func classify(err error) error {
	err = escrow.DecodeRevert(err)
	switch {
	case escrow.IsRevert(err, escrow.RevertAlreadySettled):
		return fmt.Errorf("%w: %w", ErrAlreadySettled, err)
	case escrow.IsRevert(err, escrow.RevertDeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	}
	var re *escrow.RevertError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %w", ErrReverted, err)
	}
	return err
}
