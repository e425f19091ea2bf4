// Package proof builds and checks the signed evidence that a lock event was
// observed. Header hash, event root and inclusion nodes are derived from the
// observed data; the signature is a real secp256k1 signature by the relayer.
package proof

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"escrowrelay/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrSignerMismatch  = errors.New("proof signer mismatch")
	ErrIncompleteProof = errors.New("incomplete proof bundle")
)

const inclusionDepth = 3

// Signer produces 65-byte [R || S || V] signatures with V in {0, 1}.
type Signer interface {
	Address() common.Address
	SignHash(hash []byte) ([]byte, error)
}

// KeySigner signs with a single in-process key. crypto.Sign uses RFC 6979
// nonces, so signatures are deterministic.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) SignHash(hash []byte) ([]byte, error) {
	return crypto.Sign(hash, s.key)
}

// BlockMeta locates the lock event on the source ledger.
type BlockMeta struct {
	Number uint64
	TxHash common.Hash
}

func HeaderHash(meta BlockMeta) [32]byte {
	h := sha256.New()
	h.Write([]byte("block_header:"))
	h.Write(binary.LittleEndian.AppendUint64(nil, meta.Number))
	h.Write(meta.TxHash.Bytes())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func EventRoot(payload []byte) [32]byte {
	return sha256.Sum256(append([]byte("event_root:"), payload...))
}

// InclusionNodes are placeholders seeded by nonce and payload, not a real
// audit path.
func InclusionNodes(nonce uint64, payload []byte) []string {
	nodes := make([]string, 0, inclusionDepth)
	for i := 0; i < inclusionDepth; i++ {
		h := sha256.New()
		h.Write([]byte("proof_node:"))
		h.Write([]byte(strconv.Itoa(i)))
		h.Write(binary.LittleEndian.AppendUint64(nil, nonce))
		h.Write(payload)
		nodes = append(nodes, hexutil.Encode(h.Sum(nil)))
	}
	return nodes
}

// SigningHash is keccak256(header || root || uint64_be(nonce)).
func SigningHash(header, root [32]byte, nonce uint64) []byte {
	return crypto.Keccak256(header[:], root[:], binary.BigEndian.AppendUint64(nil, nonce))
}

// SettlementDigest is the eth_sign-prefixed hash the escrow contract
// recovers inside settle: keccak256(uint64_be(nonce) || result).
func SettlementDigest(nonce uint64, result []byte) []byte {
	inner := crypto.Keccak256(binary.BigEndian.AppendUint64(nil, nonce), result)
	return crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), inner)
}

type Builder struct {
	signer Signer
}

func NewBuilder(signer Signer) *Builder {
	return &Builder{signer: signer}
}

func (b *Builder) Signer() common.Address { return b.signer.Address() }

// Build is deterministic for a given (meta, payload, nonce) and signer.
func (b *Builder) Build(meta BlockMeta, payload []byte, nonce uint64) (*types.ProofBundle, error) {
	header := HeaderHash(meta)
	root := EventRoot(payload)

	sig, err := b.signer.SignHash(SigningHash(header, root, nonce))
	if err != nil {
		return nil, fmt.Errorf("sign proof for nonce %d: %w", nonce, err)
	}

	return &types.ProofBundle{
		HeaderHash:     hexutil.Encode(header[:]),
		EventRootHash:  hexutil.Encode(root[:]),
		InclusionNodes: InclusionNodes(nonce, payload),
		Signature:      hexutil.Encode(sig),
		SignerAddress:  b.signer.Address().Hex(),
		Nonce:          nonce,
	}, nil
}

// SignSettlement signs SettlementDigest with V in {27, 28} as ecrecover
// expects.
func (b *Builder) SignSettlement(nonce uint64, result []byte) ([]byte, error) {
	sig, err := b.signer.SignHash(SettlementDigest(nonce, result))
	if err != nil {
		return nil, fmt.Errorf("sign settlement for nonce %d: %w", nonce, err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("hash has %d bytes", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Verify recovers the bundle's signer and checks it is relayer.
func Verify(bundle *types.ProofBundle, relayer common.Address) error {
	if bundle == nil || bundle.Signature == "" || len(bundle.InclusionNodes) == 0 {
		return ErrIncompleteProof
	}
	header, err := decodeHash(bundle.HeaderHash)
	if err != nil {
		return fmt.Errorf("%w: header hash: %v", ErrIncompleteProof, err)
	}
	root, err := decodeHash(bundle.EventRootHash)
	if err != nil {
		return fmt.Errorf("%w: event root: %v", ErrIncompleteProof, err)
	}
	sig, err := hexutil.Decode(bundle.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: bad signature encoding", ErrIncompleteProof)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(SigningHash(header, root, bundle.Nonce), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerMismatch, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != relayer {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrSignerMismatch, recovered.Hex(), relayer.Hex())
	}
	return nil
}
