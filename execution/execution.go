// Package execution computes the destination-side result of a request.
package execution

import (
	"errors"
	"fmt"
	"math/big"

	"escrowrelay/types"

	"github.com/ethereum/go-ethereum/common/math"
)

// ResultSize is the encoded width of a result, one ABI word.
const ResultSize = 32

var ErrBadResult = errors.New("result is not a 32-byte word")

// Engine doubles the locked amount, saturating at 2^256-1. It has no state
// and no clock, so equal requests always give equal bytes.
type Engine struct{}

func (Engine) Execute(req *types.Request) ([]byte, error) {
	amount, err := req.AmountInt()
	if err != nil {
		return nil, fmt.Errorf("execute nonce %d: %w", req.Nonce, err)
	}
	return Encode(Double(amount)), nil
}

// Double returns 2*amount clamped to the uint256 range.
func Double(amount *big.Int) *big.Int {
	out := new(big.Int).Lsh(amount, 1)
	if out.Cmp(math.MaxBig256) > 0 {
		return new(big.Int).Set(math.MaxBig256)
	}
	return out
}

// Encode writes v as a big-endian uint256.
func Encode(v *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(v))
}

func Decode(result []byte) (*big.Int, error) {
	if len(result) != ResultSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadResult, len(result))
	}
	return new(big.Int).SetBytes(result), nil
}
