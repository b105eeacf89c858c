// Package eth implements EthereumCapability: the per-peer wire protocol that
// carries status handshakes, header/body/receipt/state queries and
// transaction and block gossip between nodes (spec §4.3, §6.1, §6.2).
package eth

import (
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// ProtocolName is the sub-protocol name announced during the p2p handshake.
const ProtocolName = "eth"

// ProtocolVersion is the single protocol version this package speaks.
const ProtocolVersion = 68

// Message opcodes (spec §6.1/§6.2).
const (
	StatusMsg          = 0x00
	NewBlockHashesMsg   = 0x01
	TransactionsMsg     = 0x02
	GetBlockHeadersMsg  = 0x03
	BlockHeadersMsg     = 0x04
	GetBlockBodiesMsg   = 0x05
	BlockBodiesMsg      = 0x06
	NewBlockMsg         = 0x07
	GetNodeDataMsg      = 0x0d
	NodeDataMsg         = 0x0e
	GetReceiptsMsg      = 0x0f
	ReceiptsMsg         = 0x10
	NewPooledTxHashesMsg = 0x08
	GetPooledTxsMsg      = 0x09
	PooledTxsMsg         = 0x0a
)

// protocolMaxMsgSize is the byte ceiling past which answerGetBlockBodies
// stops adding bodies to its response.
const protocolMaxMsgSize = 10 * 1024 * 1024

// Per-message item count/byte caps (spec §6.2).
const (
	maxHeadersServe  = 1024
	maxBodiesServe   = 1024
	maxReceiptsServe = 1024
	maxNodeDataServe = 1024
)

// StatusPacket is the handshake payload exchanged as the very first message
// on a freshly established connection.
type StatusPacket struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TD              *big.Int
	Head            common.Hash
	Genesis         common.Hash
	ForkID          ForkID
}

// ForkID is a minimal stand-in for the fork-identification scheme; this
// module doesn't implement fork-rule validation itself (out of scope), but
// still carries the field through the handshake since real clients require
// it to be present.
type ForkID struct {
	Hash [4]byte
	Next uint64
}

// HashOrNumber is a combined hash/number origin for header queries: exactly
// one of Hash/Number is meaningful, selected by whether Hash is the zero
// value.
type HashOrNumber struct {
	Hash   common.Hash
	Number uint64
}

// EncodeRLP and DecodeRLP give HashOrNumber its (hash | number) union
// encoding on the wire: a single RLP value, not a 2-element list.
func (hn *HashOrNumber) EncodeRLP(w io.Writer) error {
	if hn.Hash == (common.Hash{}) {
		return rlp.Encode(w, hn.Number)
	}
	if hn.Number != 0 {
		return fmt.Errorf("both origin hash and number provided")
	}
	return rlp.Encode(w, hn.Hash)
}

func (hn *HashOrNumber) DecodeRLP(s *rlp.Stream) error {
	_, size, err := s.Kind()
	switch {
	case err != nil:
		return err
	case size == 32:
		hn.Number = 0
		return s.Decode(&hn.Hash)
	default:
		hn.Hash = common.Hash{}
		return s.Decode(&hn.Number)
	}
}

// GetBlockHeadersPacket requests a run of headers starting at Origin.
type GetBlockHeadersPacket struct {
	Origin  HashOrNumber
	Amount  uint64
	Skip    uint64
	Reverse bool
}

type BlockHeadersPacket []*types.Header

// GetBlockBodiesPacket requests bodies by block hash.
type GetBlockBodiesPacket []common.Hash

// BlockBodiesPacket is a batch of decoded block bodies; the handler
// re-encodes each inbound body to RLP before handing it to chainsync.
type BlockBodiesPacket []*BlockBody

// BlockBody is the (transactions, uncles) pair carried per block.
type BlockBody struct {
	Transactions []*types.Transaction
	Uncles       []*types.Header
}

type GetReceiptsPacket []common.Hash
type ReceiptsPacket []types.Receipts

type GetNodeDataPacket []common.Hash
type NodeDataPacket [][]byte

// NewBlockPacket is the full-block gossip message.
type NewBlockPacket struct {
	Block *types.Block
	TD    *big.Int
}

// NewBlockHashesPacket announces new blocks by hash+number only.
type NewBlockHashesPacket []struct {
	Hash   common.Hash
	Number uint64
}

type TransactionsPacket []*types.Transaction
type NewPooledTransactionHashesPacket []common.Hash
type GetPooledTransactionsPacket []common.Hash
type PooledTransactionsPacket []*types.Transaction
