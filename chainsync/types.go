// Package chainsync implements BlockChainSync, the per-node state machine
// that drives header/body download, fork reconciliation and chain extension
// against a swarm of concurrently active peers (spec §4.2).
package chainsync

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/exley-labs/chainsync/ethcontract"
)

// State is the sync state machine's current mode.
type State int

const (
	NotSynced State = iota
	Idle
	Waiting
	Blocks
)

func (s State) String() string {
	switch s {
	case NotSynced:
		return "NotSynced"
	case Idle:
		return "Idle"
	case Waiting:
		return "Waiting"
	case Blocks:
		return "Blocks"
	default:
		return "Unknown"
	}
}

// Ask tracks which response, if any, we are currently waiting for from a
// peer.
type Ask int

const (
	AskNothing Ask = iota
	AskingHeaders
	AskingBodies
)

// HeaderId is (transactionsRoot, ommersHash) — sufficient to match a body
// response to the header that requested it.
type HeaderId struct {
	TxsRoot    common.Hash
	OmmersHash common.Hash
}

// PeerHandle is the subset of a connected peer's wire-protocol surface the
// sync state machine needs: its advertised chain state, its current asking
// slot, and the ability to issue requests against it. It is implemented by
// eth/protocols/eth.Peer; chainsync never touches the transport directly.
type PeerHandle interface {
	ID() string
	TotalDifficulty() *big.Int
	Head() (hash common.Hash, number uint64)

	// SetHead records a newly advertised head. A nil td leaves the
	// previously known total difficulty untouched (new-hashes
	// announcements don't carry one).
	SetHead(hash common.Hash, number uint64, td *big.Int)

	Asking() Ask
	SetAsking(Ask)
	LastAsk() time.Time
	SetLastAsk(time.Time)

	RequestHeaderByHash(hash common.Hash) error
	RequestHeadersByNumber(origin uint64, amount, skip int, reverse bool) error
	RequestBodies(hashes []common.Hash) error

	UpdateRating(delta int)
	Disconnect(reason ethcontract.DisconnectReason)
}

// PeerSet is the peer registry the sync state machine reads to pick which
// peer(s) to drive requests against.
type PeerSet interface {
	Peer(id string) (PeerHandle, bool)
	ForEach(fn func(PeerHandle) bool)
}

// Config is the flat configuration surface from spec §6.5 relevant to sync.
type Config struct {
	ProtocolVersion uint32

	DaoHardforkBlock uint64 // 0 disables the DAO challenge
	DaoHardforkExtra []byte // expected extra-data marker; defaults to "dao-hard-fork"

	BannedClientVersions []string // policy list (spec §9 Open Question)

	MaxHeadersPerRequest int // default 1024
	MaxUnknownNewBlocks  int // ban threshold, default 1024

	// RecentChainWindow bounds how many blocks below the current head a
	// GetBlockHeaders origin may be and still be served by walking parent
	// hashes instead of the canonical number index (spec §6 Open Question:
	// the only value spec marks tunable). Default 1000.
	RecentChainWindow uint64

	ChainID     *big.Int
	GenesisHash common.Hash
}

func (c *Config) sanitize() {
	if c.DaoHardforkExtra == nil {
		c.DaoHardforkExtra = []byte("dao-hard-fork")
	}
	if c.BannedClientVersions == nil {
		c.BannedClientVersions = []string{"/v0.7.0/"}
	}
	if c.MaxHeadersPerRequest <= 0 {
		c.MaxHeadersPerRequest = 1024
	}
	if c.MaxUnknownNewBlocks <= 0 {
		c.MaxUnknownNewBlocks = 1024
	}
	if c.RecentChainWindow == 0 {
		c.RecentChainWindow = 1000
	}
}

var (
	ErrGenesisMismatch    = errors.New("genesis hash mismatch")
	ErrProtocolMismatch   = errors.New("protocol version mismatch")
	ErrNetworkMismatch    = errors.New("network id mismatch")
	ErrBannedClient       = errors.New("banned client version")
	ErrDaoChallengeFailed = errors.New("dao challenge response did not match")
	ErrInvariantViolated  = errors.New("sync invariant violated")
)
