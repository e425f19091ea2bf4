package escrow

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockLog(t *testing.T, nonce uint64, payload []byte) ethtypes.Log {
	t.Helper()
	data, err := parsedABI.Events[lockEvent].Inputs.NonIndexed().Pack(
		common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"),
		big.NewInt(1500),
		payload,
		big.NewInt(1700000000),
	)
	require.NoError(t, err)
	return ethtypes.Log{
		Topics: []common.Hash{
			LockTopic(),
			common.HexToHash("0xaa"),
			common.BigToHash(new(big.Int).SetUint64(nonce)),
		},
		Data:        data,
		BlockNumber: 99,
		TxHash:      common.HexToHash("0xbeef"),
	}
}

func TestParseLock(t *testing.T) {
	req, err := ParseLock(lockLog(t, 42, []byte("hello")))
	require.NoError(t, err)

	assert.Equal(t, uint64(42), req.Nonce)
	assert.Equal(t, common.HexToHash("0xaa"), req.TraceID)
	assert.Equal(t, common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"), req.Sender)
	assert.Equal(t, "1500", req.Amount.String())
	assert.Equal(t, []byte("hello"), req.Payload)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), req.Deadline)
	assert.Equal(t, uint64(99), req.BlockNumber)
	assert.Equal(t, common.HexToHash("0xbeef"), req.TxHash)
}

func TestParseLockRejectsMalformed(t *testing.T) {
	l := lockLog(t, 1, nil)
	l.Data = l.Data[:40]
	_, err := ParseLock(l)
	assert.ErrorIs(t, err, ErrMalformedLog)

	l = lockLog(t, 1, nil)
	l.Topics = l.Topics[:2]
	_, err = ParseLock(l)
	assert.ErrorIs(t, err, ErrMalformedLog)

	l = lockLog(t, 1, nil)
	l.Topics[0] = common.HexToHash("0x01")
	_, err = ParseLock(l)
	assert.ErrorIs(t, err, ErrMalformedLog)
}

type dataError struct {
	msg  string
	data interface{}
}

func (e dataError) Error() string          { return e.msg }
func (e dataError) ErrorData() interface{} { return e.data }

func TestDecodeRevertCustomError(t *testing.T) {
	selector := parsedABI.Errors[RevertAlreadySettled].ID.Bytes()[:4]
	err := DecodeRevert(dataError{msg: "execution reverted", data: hexutil.Encode(selector)})

	assert.True(t, IsRevert(err, RevertAlreadySettled))
	assert.False(t, IsRevert(err, RevertDeadlineExceeded))
	assert.Equal(t, "execution reverted: AlreadySettled", err.Error())
}

func TestDecodeRevertReasonString(t *testing.T) {
	// Error(string) selector followed by the ABI-encoded reason
	data := hexutil.MustDecode("0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000004" +
		"6e6f706500000000000000000000000000000000000000000000000000000000")
	err := DecodeRevert(dataError{msg: "execution reverted", data: hexutil.Encode(data)})

	var re *RevertError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "nope", re.Reason)
	assert.Empty(t, re.Name)
}

func TestDecodeRevertFromMessage(t *testing.T) {
	err := DecodeRevert(errors.New("failed: execution reverted: DeadlineExceeded()"))
	assert.True(t, IsRevert(err, RevertDeadlineExceeded))

	plain := errors.New("connection refused")
	assert.Same(t, plain, DecodeRevert(plain))
	assert.Nil(t, DecodeRevert(nil))
}
