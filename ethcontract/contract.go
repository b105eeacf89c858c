// Package ethcontract declares the external collaborator contracts the chain
// synchronization core is built against: the chain database, the consensus
// seal engine, the transaction pool and the per-peer capability host. All of
// these live outside this module's scope; this package exists so blockqueue,
// chainsync and eth/protocols/eth can be written and tested against them
// without depending on any concrete implementation.
package ethcontract

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// ChainReader is the read-only subset of the chain database consumed by the
// sync core.
type ChainReader interface {
	IsKnown(hash common.Hash) bool
	GetNumber(hash common.Hash) (uint64, bool)
	CurrentNumber() uint64
	NumberToHash(number uint64) (common.Hash, bool)
	GetHeader(hash common.Hash) (*types.Header, bool)
	GetBlock(hash common.Hash) (*types.Block, bool)
	GetReceipts(hash common.Hash) (types.Receipts, bool)

	// TreeRoute returns the canonical-chain segment strictly after the
	// common ancestor of from and to, up to and including to, oldest first
	// — the set of blocks a caller that last saw "from" as the tip needs in
	// order to catch up to "to". ancestor is the common ancestor hash; ok is
	// false if from and to share no ancestor (e.g. from is the zero hash).
	TreeRoute(from, to common.Hash) (route []common.Hash, ancestor common.Hash, ok bool)

	CurrentHash() common.Hash
	GenesisHash() common.Hash
	ChainStartBlockNumber() uint64

	// TotalDifficulty returns the cumulative difficulty recorded for hash,
	// corresponding to aleth's BlockDetails::totalDifficulty.
	TotalDifficulty(hash common.Hash) (*big.Int, bool)
}

// ChainWriter is the single mutating operation the sync core performs
// against the chain database: committing a verified block.
type ChainWriter interface {
	InsertBlock(block *types.Block, receipts types.Receipts) error
}

// SealEngine is the consensus validity oracle. Block validity predicates
// themselves are out of scope for this module; verification is delegated
// entirely to this interface.
type SealEngine interface {
	VerifyHeader(header *types.Header) error
	VerifyUncles(block *types.Block) error
}

// NewTxsEvent is fired by a TxPool when new transactions are accepted.
type NewTxsEvent struct {
	Txs []*types.Transaction
}

// AddTxResult classifies the outcome of submitting one transaction to the
// pool, matching go-ethereum's core.TxPool sentinel-error family (in
// particular ErrAlreadyKnown) closely enough for the capability layer to
// apply spec §4.3's three-way rating policy without parsing error strings.
type AddTxResult int

const (
	// AddTxSuccess is a newly accepted transaction.
	AddTxSuccess AddTxResult = iota
	// AddTxKnown is a transaction the pool already held; not a malformed
	// submission, but not new either.
	AddTxKnown
	// AddTxMalformed is any other rejection (invalid signature, underpriced,
	// nonce too low, etc).
	AddTxMalformed
)

// TxPool is the read-mostly surface the capability layer uses to gossip
// pending transactions and to route import results back to the peer that
// sent them.
type TxPool interface {
	Has(hash common.Hash) bool
	Get(hash common.Hash) *types.Transaction
	Pending(max int) []*types.Transaction

	// AddRemotes submits txs and reports, per transaction and in the same
	// order, which of AddTxSuccess/AddTxKnown/AddTxMalformed occurred.
	AddRemotes(txs []*types.Transaction) []AddTxResult

	SubscribeNewTxsEvent(ch chan<- NewTxsEvent) event.Subscription
}

// DisconnectReason mirrors the framed transport's disconnect reason codes;
// this module only needs to name a handful of them.
type DisconnectReason int

const (
	DiscReasonSubprotocolError DisconnectReason = iota
	DiscReasonUselessPeer
	DiscReasonBadProtocol
	DiscReasonTooManyPeers
	DiscReasonRequested
)

// PeerSessionInfo is the subset of a peer's transport session that the sync
// core reads; the wire engine logs it in Handler.LogPeerSessions.
type PeerSessionInfo struct {
	ID      string
	Address string
}

// CapabilityHost is the generic "capability host" contract from spec §9: a
// framed transport providing per-peer RLP send/recv, rating, disconnect and
// scheduled callbacks. It is deliberately narrow — exactly the operations
// the sync core and the wire engine need.
type CapabilityHost interface {
	// Prep reports whether the given peer is still connected and ready to
	// receive a request; implementations typically also mark the peer as
	// "asking" here.
	Prep(peerID string) bool

	// SealAndSend frames and transmits an RLP-encodable payload under the
	// given message code.
	SealAndSend(peerID string, msgcode uint64, data interface{}) error

	// UpdateRating adjusts a peer's reputation score by delta.
	UpdateRating(peerID string, delta int)

	// Disconnect terminates the session with the given peer.
	Disconnect(peerID string, reason DisconnectReason)

	// ScheduleExecution arranges for fn to run after delay, off the calling
	// goroutine's stack — the mechanism by which network-thread-confined
	// code can post work back onto itself from another thread.
	ScheduleExecution(delay time.Duration, fn func())

	// PeerSessionInfo returns transport-level metadata about a peer.
	PeerSessionInfo(peerID string) (PeerSessionInfo, bool)

	// ForEachPeer invokes fn for every connected peer ID until fn returns
	// false.
	ForEachPeer(fn func(peerID string) bool)
}
