// Package escrow binds the source-ledger escrow contract: lock events in,
// settle transactions out, and decoding of the contract's custom errors.
package escrow

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

//go:embed escrow.abi.json
var abiJSON string

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(fmt.Sprintf("escrow: bad embedded ABI: %v", err))
	}
	return parsed
}

// ABI returns the parsed contract interface.
func ABI() abi.ABI { return parsedABI }

const lockEvent = "RequestLocked"

// Custom error names the coordinator reacts to.
const (
	RevertNotRelayer       = "NotRelayer"
	RevertInvalidNonce     = "InvalidNonce"
	RevertAlreadySettled   = "AlreadySettled"
	RevertNotFound         = "NotFound"
	RevertAlreadyExecuted  = "AlreadyExecuted"
	RevertDeadlineExceeded = "DeadlineExceeded"
	RevertBadSignature     = "BadSignature"
)

// gas estimates are padded by this percentage
const gasHeadroom = 20

// LockTopic is topic[0] of RequestLocked logs.
func LockTopic() common.Hash {
	return parsedABI.Events[lockEvent].ID
}

// LockedRequest is one decoded RequestLocked log.
type LockedRequest struct {
	TraceID     common.Hash
	Nonce       uint64
	Sender      common.Address
	Amount      *big.Int
	Payload     []byte
	Deadline    time.Time
	BlockNumber uint64
	TxHash      common.Hash
}

var ErrMalformedLog = errors.New("malformed RequestLocked log")

func ParseLock(l ethtypes.Log) (*LockedRequest, error) {
	if len(l.Topics) != 3 || l.Topics[0] != LockTopic() {
		return nil, fmt.Errorf("%w: unexpected topics", ErrMalformedLog)
	}

	nonce := new(big.Int).SetBytes(l.Topics[2].Bytes())
	if !nonce.IsUint64() {
		return nil, fmt.Errorf("%w: nonce overflows uint64", ErrMalformedLog)
	}

	values, err := parsedABI.Unpack(lockEvent, l.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("%w: %d data fields", ErrMalformedLog, len(values))
	}
	sender, ok1 := values[0].(common.Address)
	amount, ok2 := values[1].(*big.Int)
	payload, ok3 := values[2].([]byte)
	deadline, ok4 := values[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("%w: unexpected field types", ErrMalformedLog)
	}
	if !deadline.IsInt64() {
		return nil, fmt.Errorf("%w: deadline out of range", ErrMalformedLog)
	}

	return &LockedRequest{
		TraceID:     l.Topics[1],
		Nonce:       nonce.Uint64(),
		Sender:      sender,
		Amount:      amount,
		Payload:     payload,
		Deadline:    time.Unix(deadline.Int64(), 0).UTC(),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
	}, nil
}

// RevertError is a contract revert with its decoded custom error name or
// Error(string) reason.
type RevertError struct {
	Name   string
	Reason string
	Err    error
}

func (e *RevertError) Error() string {
	if e.Name != "" {
		return "execution reverted: " + e.Name
	}
	if e.Reason != "" {
		return "execution reverted: " + e.Reason
	}
	return "execution reverted"
}

func (e *RevertError) Unwrap() error { return e.Err }

// DecodeRevert converts a node error into a *RevertError when it carries
// revert data or names one of the contract's errors. Other errors are
// returned unchanged.
func DecodeRevert(err error) error {
	if err == nil {
		return nil
	}
	var re *RevertError
	if errors.As(err, &re) {
		return err
	}

	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if decoded := decodeRevertData(data, err); decoded != nil {
					return decoded
				}
			}
		}
	}

	msg := err.Error()
	for name := range parsedABI.Errors {
		if strings.Contains(msg, name) {
			return &RevertError{Name: name, Err: err}
		}
	}
	if strings.Contains(msg, "execution reverted") {
		return &RevertError{Err: err}
	}
	return err
}

func decodeRevertData(data []byte, cause error) *RevertError {
	if len(data) < 4 {
		return nil
	}
	for name, e := range parsedABI.Errors {
		if string(e.ID[:4]) == string(data[:4]) {
			return &RevertError{Name: name, Err: cause}
		}
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return &RevertError{Reason: reason, Err: cause}
	}
	return &RevertError{Err: cause}
}

// IsRevert reports whether err is a revert naming the given custom error.
func IsRevert(err error, name string) bool {
	var re *RevertError
	return errors.As(err, &re) && re.Name == name
}

// Backend is the subset of ethclient.Client the binding needs.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *ethtypes.Transaction, isPending bool, err error)
}

// TxState is what the node knows about a transaction.
type TxState int

const (
	TxUnknown TxState = iota
	TxPending
	TxMined
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxMined:
		return "mined"
	default:
		return "unknown"
	}
}

type Escrow struct {
	address  common.Address
	backend  Backend
	contract *bind.BoundContract
	relayer  *ecdsa.PrivateKey
	chainID  *big.Int
	timeout  time.Duration
}

// New binds the contract at address. relayer signs settle transactions;
// timeout bounds every node call.
func New(address common.Address, backend Backend, relayer *ecdsa.PrivateKey, chainID *big.Int, timeout time.Duration) *Escrow {
	return &Escrow{
		address:  address,
		backend:  backend,
		contract: bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		relayer:  relayer,
		chainID:  chainID,
		timeout:  timeout,
	}
}

func (e *Escrow) Address() common.Address { return e.address }

func (e *Escrow) transactOpts(ctx context.Context, key *ecdsa.PrivateKey, value *big.Int, data []byte) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, e.chainID)
	if err != nil {
		return nil, fmt.Errorf("error instantiating contract call: %w", err)
	}
	opts.Context = ctx
	opts.Value = value

	// estimate here rather than inside bind so the revert data survives
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  opts.From,
		To:    &e.address,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, DecodeRevert(err)
	}
	opts.GasLimit = gas + gas*gasHeadroom/100
	return opts, nil
}

// SignSettle builds and signs settle(nonce, result, signature) without
// broadcasting it. A call that would revert fails here with a *RevertError.
func (e *Escrow) SignSettle(ctx context.Context, nonce uint64, result, signature []byte) (*ethtypes.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data, err := parsedABI.Pack("settle", nonce, result, signature)
	if err != nil {
		return nil, err
	}
	opts, err := e.transactOpts(ctx, e.relayer, nil, data)
	if err != nil {
		return nil, err
	}
	opts.NoSend = true

	tx, err := e.contract.Transact(opts, "settle", nonce, result, signature)
	if err != nil {
		return nil, DecodeRevert(err)
	}
	return tx, nil
}

// Send broadcasts a signed transaction. Rebroadcasting a transaction the
// node already holds is not an error.
func (e *Escrow) Send(ctx context.Context, tx *ethtypes.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	err := e.backend.SendTransaction(ctx, tx)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
		return nil
	}
	return err
}

func (e *Escrow) TxStatus(ctx context.Context, hash common.Hash) (TxState, *ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	receipt, err := e.backend.TransactionReceipt(ctx, hash)
	if err == nil {
		return TxMined, receipt, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return TxUnknown, nil, err
	}

	_, _, err = e.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxUnknown, nil, nil
	}
	if err != nil {
		return TxUnknown, nil, err
	}
	return TxPending, nil, nil
}

// ReplayRevert re-executes a mined, failed transaction with eth_call at its
// block to recover the revert reason.
func (e *Escrow) ReplayRevert(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, _, err := e.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return err
	}
	receipt, err := e.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return err
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(e.chainID), tx)
	if err != nil {
		return err
	}

	_, err = e.backend.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, receipt.BlockNumber)
	if err != nil {
		return DecodeRevert(err)
	}
	return &RevertError{Reason: "reverted without reason"}
}

// Lock sends lock(payload) from key with value attached.
func (e *Escrow) Lock(ctx context.Context, key *ecdsa.PrivateKey, value *big.Int, payload []byte) (*ethtypes.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data, err := parsedABI.Pack("lock", payload)
	if err != nil {
		return nil, err
	}
	opts, err := e.transactOpts(ctx, key, value, data)
	if err != nil {
		return nil, err
	}
	return e.contract.Transact(opts, "lock", payload)
}

// KeyAddress is the account controlled by key.
func KeyAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
