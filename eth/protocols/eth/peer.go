package eth

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/exley-labs/chainsync/chainsync"
	"github.com/exley-labs/chainsync/ethcontract"
)

// errPeerNotReady is returned by hostConn.Send when the host reports the peer
// is no longer ready to receive (e.g. it disconnected between queueing and
// send).
var errPeerNotReady = errors.New("eth: peer not ready")

const (
	maxKnownBlocks = 1024
	maxKnownTxs    = 32768

	maxQueuedBlocks = 4
	maxQueuedBlockAnns = 4
	maxQueuedTxs       = 128
)

// Sender is the minimal per-peer transmit surface a Peer needs; it is
// implemented by the framed transport session (out of this module's scope,
// spec §9's CapabilityHost/connection abstraction).
type Sender interface {
	Send(msgcode uint64, data interface{}) error
	Disconnect(reason ethcontract.DisconnectReason)
	UpdateRating(delta int)
}

// Peer wraps a connected node's eth/68 session: its advertised chain state,
// the sync core's asking slot, known-block/known-tx de-duplication sets, and
// the queued asynchronous broadcast channels (spec §4.3, grounded on the
// wire peer wrapper pattern common across the go-ethereum family).
type Peer struct {
	id   string
	conn Sender

	mu   sync.RWMutex
	head common.Hash
	num  uint64
	td   *big.Int

	asking  chainsync.Ask
	lastAsk time.Time

	knownBlocks mapset.Set[common.Hash]
	knownTxs    mapset.Set[common.Hash]

	queuedBlocks    chan *blockPropagation
	queuedBlockAnns chan *types.Block
	queuedTxs       chan []*types.Transaction

	term chan struct{}
	once sync.Once
}

type blockPropagation struct {
	block *types.Block
	td    *big.Int
}

// hostConn adapts a shared, peer-ID-addressed ethcontract.CapabilityHost
// into the per-object Sender a Peer expects, so a single transport can drive
// many Peer values without each one needing its own connection handle.
type hostConn struct {
	host ethcontract.CapabilityHost
	id   string
}

func (c *hostConn) Send(msgcode uint64, data interface{}) error {
	if !c.host.Prep(c.id) {
		return errPeerNotReady
	}
	return c.host.SealAndSend(c.id, msgcode, data)
}
func (c *hostConn) Disconnect(reason ethcontract.DisconnectReason) { c.host.Disconnect(c.id, reason) }
func (c *hostConn) UpdateRating(delta int)                         { c.host.UpdateRating(c.id, delta) }

// NewPeerFromHost constructs a Peer backed by a shared CapabilityHost.
func NewPeerFromHost(id string, host ethcontract.CapabilityHost) *Peer {
	return NewPeer(id, &hostConn{host: host, id: id})
}

// NewPeer constructs a Peer and starts its broadcast loop. Callers must call
// Close when the underlying connection goes away.
func NewPeer(id string, conn Sender) *Peer {
	p := &Peer{
		id:              id,
		conn:            conn,
		td:              new(big.Int),
		knownBlocks:     mapset.NewSet[common.Hash](),
		knownTxs:        mapset.NewSet[common.Hash](),
		queuedBlocks:    make(chan *blockPropagation, maxQueuedBlocks),
		queuedBlockAnns: make(chan *types.Block, maxQueuedBlockAnns),
		queuedTxs:       make(chan []*types.Transaction, maxQueuedTxs),
		term:            make(chan struct{}),
	}
	go p.broadcastLoop()
	return p
}

func (p *Peer) Close() { p.once.Do(func() { close(p.term) }) }

func (p *Peer) ID() string { return p.id }

func (p *Peer) TotalDifficulty() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.td)
}

func (p *Peer) Head() (common.Hash, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head, p.num
}

func (p *Peer) SetHead(hash common.Hash, number uint64, td *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head, p.num = hash, number
	if td != nil {
		p.td = new(big.Int).Set(td)
	}
}

func (p *Peer) Asking() chainsync.Ask {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.asking
}

func (p *Peer) SetAsking(a chainsync.Ask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asking = a
}

func (p *Peer) LastAsk() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastAsk
}

func (p *Peer) SetLastAsk(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAsk = t
}

func (p *Peer) RequestHeaderByHash(hash common.Hash) error {
	return p.conn.Send(GetBlockHeadersMsg, &GetBlockHeadersPacket{
		Origin: HashOrNumber{Hash: hash},
		Amount: 1,
	})
}

func (p *Peer) RequestHeadersByNumber(origin uint64, amount, skip int, reverse bool) error {
	return p.conn.Send(GetBlockHeadersMsg, &GetBlockHeadersPacket{
		Origin:  HashOrNumber{Number: origin},
		Amount:  uint64(amount),
		Skip:    uint64(skip),
		Reverse: reverse,
	})
}

func (p *Peer) RequestBodies(hashes []common.Hash) error {
	return p.conn.Send(GetBlockBodiesMsg, GetBlockBodiesPacket(hashes))
}

func (p *Peer) RequestReceipts(hashes []common.Hash) error {
	return p.conn.Send(GetReceiptsMsg, GetReceiptsPacket(hashes))
}

func (p *Peer) RequestNodeData(hashes []common.Hash) error {
	return p.conn.Send(GetNodeDataMsg, GetNodeDataPacket(hashes))
}

func (p *Peer) UpdateRating(delta int) { p.conn.UpdateRating(delta) }

func (p *Peer) Disconnect(reason ethcontract.DisconnectReason) { p.conn.Disconnect(reason) }

// MarkBlock records hash as known to this peer, first evicting arbitrary
// entries (mapset's Pop) while the set is at its bound.
func (p *Peer) MarkBlock(hash common.Hash) {
	for p.knownBlocks.Cardinality() >= maxKnownBlocks {
		p.knownBlocks.Pop()
	}
	p.knownBlocks.Add(hash)
}

func (p *Peer) KnowsBlock(hash common.Hash) bool { return p.knownBlocks.Contains(hash) }

func (p *Peer) MarkTransaction(hash common.Hash) {
	for p.knownTxs.Cardinality() >= maxKnownTxs {
		p.knownTxs.Pop()
	}
	p.knownTxs.Add(hash)
}

func (p *Peer) KnowsTransaction(hash common.Hash) bool { return p.knownTxs.Contains(hash) }

// AsyncSendNewBlock queues a full block for gossip, dropping it silently if
// the peer's outbound queue is saturated (spec §4.3 "propagation is
// best-effort").
func (p *Peer) AsyncSendNewBlock(block *types.Block, td *big.Int) {
	select {
	case p.queuedBlocks <- &blockPropagation{block: block, td: td}:
		p.MarkBlock(block.Hash())
	default:
	}
}

func (p *Peer) AsyncSendNewBlockHash(block *types.Block) {
	select {
	case p.queuedBlockAnns <- block:
		p.MarkBlock(block.Hash())
	default:
	}
}

// AsyncSendTransactions queues full transactions for gossip (spec §4.3's
// outbound transaction gossip sends the transaction itself, not just its
// hash), dropping them silently if the peer's outbound queue is saturated.
func (p *Peer) AsyncSendTransactions(txs []*types.Transaction) {
	select {
	case p.queuedTxs <- txs:
		for _, tx := range txs {
			p.MarkTransaction(tx.Hash())
		}
	default:
	}
}

func (p *Peer) broadcastLoop() {
	for {
		select {
		case prop := <-p.queuedBlocks:
			p.conn.Send(NewBlockMsg, &NewBlockPacket{Block: prop.block, TD: prop.td})
		case block := <-p.queuedBlockAnns:
			p.conn.Send(NewBlockHashesMsg, NewBlockHashesPacket{{Hash: block.Hash(), Number: block.NumberU64()}})
		case txs := <-p.queuedTxs:
			p.conn.Send(TransactionsMsg, TransactionsPacket(txs))
		case <-p.term:
			return
		}
	}
}

// Set is the registry of connected peers, implementing chainsync.PeerSet.
type Set struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewSet() *Set { return &Set{peers: make(map[string]*Peer)} }

func (s *Set) Register(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID()] = p
}

func (s *Set) Unregister(id string) {
	s.mu.Lock()
	p, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if ok {
		p.Close()
	}
}

func (s *Set) Peer(id string) (chainsync.PeerHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *Set) ForEach(fn func(chainsync.PeerHandle) bool) {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		if !fn(p) {
			return
		}
	}
}

// Len reports the number of currently registered peers.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
