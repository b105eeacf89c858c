package eth

import (
	"math"
	"math/big"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/exley-labs/chainsync/chainsync"
	"github.com/exley-labs/chainsync/ethcontract"
)

// askTimeout is how long a peer is given to answer an outstanding request
// before the watchdog drops it (spec §9 supplemented feature: ping/ask
// timeout, mirroring aleth's per-peer request timer).
const askTimeout = 10 * time.Second

const (
	// minBlockBroadcastPeers is the floor on how many peers get the full
	// block body rather than just an announcement, even on a tiny swarm
	// (aleth's c_minBlockBroadcastPeers).
	minBlockBroadcastPeers = 4
	// maxNewBlocksPerBroadcast bounds block-by-block gossip: maintainBlocks
	// only pushes blocks individually when the tip advanced by fewer than
	// this many blocks; a larger jump is left to ordinary sync (aleth's
	// maintainBlocks "fewer than 20" guard).
	maxNewBlocksPerBroadcast = 20

	// ratingTxSuccess/ratingTxMalformed are the transaction-import rating
	// deltas from spec §4.3 (aleth's onTransactionImported: +100/-100).
	ratingTxSuccess   = 100
	ratingTxMalformed = -100
)

var (
	meterHeadersIn  = metrics.NewRegisteredMeter("eth/headers/in", nil)
	meterBodiesIn   = metrics.NewRegisteredMeter("eth/bodies/in", nil)
	meterTxsIn      = metrics.NewRegisteredMeter("eth/txs/in", nil)
	meterWatchdogKicked = metrics.NewRegisteredCounter("eth/watchdog/kicked", nil)
)

// Handler dispatches inbound eth/68 messages: it owns no session state of
// its own, delegating to chainsync.Sync for sync decisions and to the
// chain/tx-pool collaborators for servicing requests (spec §4.3).
type Handler struct {
	networkID uint64
	genesis   common.Hash

	chain ethcontract.ChainReader
	pool  ethcontract.TxPool
	sync  *chainsync.Sync
	peers *Set

	recentWindow uint64

	log log.Logger

	mu              sync.Mutex
	latestBlockSent common.Hash

	stopped chan struct{}
	once    sync.Once
}

// NewHandler constructs a Handler. sync must already be wired to the same
// chain/queue/peers the handler itself uses.
func NewHandler(networkID uint64, genesis common.Hash, chain ethcontract.ChainReader, pool ethcontract.TxPool, sync *chainsync.Sync, peers *Set) *Handler {
	return &Handler{
		networkID:       networkID,
		genesis:         genesis,
		chain:           chain,
		pool:            pool,
		sync:            sync,
		peers:           peers,
		recentWindow:    sync.RecentChainWindow(),
		log:             log.New("component", "eth"),
		latestBlockSent: chain.CurrentHash(),
		stopped:         make(chan struct{}),
	}
}

// Close stops any running RunBlockPropagationLoop. Safe to call once.
func (h *Handler) Close() { h.once.Do(func() { close(h.stopped) }) }

// HandleStatus performs the inbound half of the handshake on an already
// decoded status: validate via chainsync, then reply in kind. p must already have been constructed
// with NewPeer so its Sender is live.
func (h *Handler) HandleStatus(p *Peer, ourTD *big.Int, ourHead common.Hash, status *StatusPacket) error {
	err := h.sync.OnPeerStatus(p, status.ProtocolVersion, new(big.Int).SetUint64(status.NetworkID), status.TD, status.Head, status.Genesis, "")
	if err != nil {
		return err
	}
	p.SetHead(status.Head, 0, status.TD)
	return p.conn.Send(StatusMsg, &StatusPacket{
		ProtocolVersion: ProtocolVersion,
		NetworkID:       h.networkID,
		TD:              ourTD,
		Head:            ourHead,
		Genesis:         h.genesis,
	})
}

// HandleMessage decodes code and dispatches to the matching handler. It is
// the single entry point a transport session calls per inbound frame.
func (h *Handler) HandleMessage(p *Peer, code uint64, payload []byte) error {
	switch code {
	case GetBlockHeadersMsg:
		var req GetBlockHeadersPacket
		if err := rlp.DecodeBytes(payload, &req); err != nil {
			return err
		}
		return h.answerGetBlockHeaders(p, &req)

	case BlockHeadersMsg:
		var headers BlockHeadersPacket
		if err := rlp.DecodeBytes(payload, &headers); err != nil {
			return err
		}
		meterHeadersIn.Mark(int64(len(headers)))
		h.sync.OnPeerBlockHeaders(p, headers)
		return nil

	case GetBlockBodiesMsg:
		var req GetBlockBodiesPacket
		if err := rlp.DecodeBytes(payload, &req); err != nil {
			return err
		}
		return h.answerGetBlockBodies(p, req)

	case BlockBodiesMsg:
		var bodies BlockBodiesPacket
		if err := rlp.DecodeBytes(payload, &bodies); err != nil {
			return err
		}
		raw := make([][]byte, len(bodies))
		for i, b := range bodies {
			data, err := rlp.EncodeToBytes(b)
			if err != nil {
				return err
			}
			raw[i] = data
		}
		meterBodiesIn.Mark(int64(len(raw)))
		h.sync.OnPeerBlockBodies(p, raw)
		return nil

	case GetReceiptsMsg:
		var req GetReceiptsPacket
		if err := rlp.DecodeBytes(payload, &req); err != nil {
			return err
		}
		return h.answerGetReceipts(p, req)

	case GetNodeDataMsg:
		// Node-data (state trie) service is out of this module's scope
		// (spec Non-goals: state sync). Answer empty to stay protocol
		// compliant without implementing a trie-data source.
		return p.conn.Send(NodeDataMsg, NodeDataPacket{})

	case NewBlockMsg:
		var req NewBlockPacket
		if err := rlp.DecodeBytes(payload, &req); err != nil {
			return err
		}
		data, err := rlp.EncodeToBytes(req.Block)
		if err != nil {
			return err
		}
		p.MarkBlock(req.Block.Hash())
		h.sync.OnPeerNewBlock(p, data, req.TD)
		return nil

	case NewBlockHashesMsg:
		var req NewBlockHashesPacket
		if err := rlp.DecodeBytes(payload, &req); err != nil {
			return err
		}
		return h.handleNewBlockHashes(p, req)

	case TransactionsMsg:
		var txs TransactionsPacket
		if err := rlp.DecodeBytes(payload, &txs); err != nil {
			return err
		}
		meterTxsIn.Mark(int64(len(txs)))
		h.handleTransactions(p, txs)
		return nil

	case NewPooledTxHashesMsg:
		var hashes NewPooledTransactionHashesPacket
		if err := rlp.DecodeBytes(payload, &hashes); err != nil {
			return err
		}
		return h.handleNewPooledTxHashes(p, hashes)

	case GetPooledTxsMsg:
		var req GetPooledTransactionsPacket
		if err := rlp.DecodeBytes(payload, &req); err != nil {
			return err
		}
		return h.answerGetPooledTransactions(p, req)

	case PooledTxsMsg:
		var txs PooledTransactionsPacket
		if err := rlp.DecodeBytes(payload, &txs); err != nil {
			return err
		}
		h.handleTransactions(p, txs)
		return nil

	default:
		return nil
	}
}

// answerGetBlockHeaders implements the dual-mode lookup from spec §6.1 and
// §6's RecentChainWindow: a reverse walk anchored on a hash within the last
// recentWindow blocks of the head follows literal parent-hash pointers, so
// it serves correctly even if that hash hasn't (yet) been canonicalized into
// the number index; everything else — forward walks, number-anchored
// requests, and hash origins beyond the window — uses the canonical
// number-indexed walk. Grounded on the go-ethereum family's hashMode/
// GetAncestor split in its GetBlockHeaders servicing.
func (h *Handler) answerGetBlockHeaders(p *Peer, req *GetBlockHeadersPacket) error {
	amount := req.Amount
	if amount > maxHeadersServe {
		amount = maxHeadersServe
	}

	origin := req.Origin.Number
	hash := req.Origin.Hash
	hashWalk := false
	if hash != (common.Hash{}) {
		n, ok := h.chain.GetNumber(hash)
		if !ok {
			return p.conn.Send(BlockHeadersMsg, BlockHeadersPacket{})
		}
		origin = n
		if req.Reverse {
			if head := h.chain.CurrentNumber(); head >= n && head-n <= h.recentWindow {
				hashWalk = true
			}
		}
	}

	// Skip+1 as a stride; req.Skip == math.MaxUint64 would otherwise wrap
	// to a zero stride and loop on the same header.
	step := req.Skip + 1
	if step == 0 {
		step = 1
	}
	var headers BlockHeadersPacket
	num := origin
	for i := uint64(0); i < amount; i++ {
		var (
			header *types.Header
			ok     bool
		)
		if hashWalk {
			header, ok = h.chain.GetHeader(hash)
		} else {
			var hh common.Hash
			if hh, ok = h.chain.NumberToHash(num); ok {
				header, ok = h.chain.GetHeader(hh)
			}
		}
		if !ok {
			break
		}
		headers = append(headers, header)

		if req.Reverse {
			if num < step {
				break
			}
			if hashWalk {
				parent, pok := h.walkParentHash(hash, step)
				if !pok {
					break
				}
				hash = parent
			}
			num -= step
		} else {
			num += step
		}
	}
	return p.conn.Send(BlockHeadersMsg, headers)
}

// walkParentHash follows hops parent pointers starting from hash, letting
// the recent-window reverse serve path honor a request anchored on a hash
// that may not be reachable through the canonical number index.
func (h *Handler) walkParentHash(hash common.Hash, hops uint64) (common.Hash, bool) {
	for i := uint64(0); i < hops; i++ {
		header, ok := h.chain.GetHeader(hash)
		if !ok {
			return common.Hash{}, false
		}
		hash = header.ParentHash
	}
	return hash, true
}

func (h *Handler) answerGetBlockBodies(p *Peer, req GetBlockBodiesPacket) error {
	var bodies BlockBodiesPacket
	bytesSent := 0
	for _, hash := range req {
		if len(bodies) >= maxBodiesServe || bytesSent > protocolMaxMsgSize {
			break
		}
		block, ok := h.chain.GetBlock(hash)
		if !ok {
			continue
		}
		body := &BlockBody{Transactions: block.Transactions(), Uncles: block.Uncles()}
		bodies = append(bodies, body)
		bytesSent += block.Size()
	}
	return p.conn.Send(BlockBodiesMsg, bodies)
}

func (h *Handler) answerGetReceipts(p *Peer, req GetReceiptsPacket) error {
	var receipts ReceiptsPacket
	for _, hash := range req {
		if len(receipts) >= maxReceiptsServe {
			break
		}
		r, ok := h.chain.GetReceipts(hash)
		if !ok {
			continue
		}
		receipts = append(receipts, r)
	}
	return p.conn.Send(ReceiptsMsg, receipts)
}

// handleNewBlockHashes marks every announced hash as known to p and hands
// the whole announcement to chainsync, which skips the hashes already known
// to the chain or the block queue (spec §4.3).
func (h *Handler) handleNewBlockHashes(p *Peer, req NewBlockHashesPacket) error {
	hashes := make([]common.Hash, len(req))
	numbers := make([]uint64, len(req))
	for i, a := range req {
		hashes[i], numbers[i] = a.Hash, a.Number
		p.MarkBlock(a.Hash)
	}
	h.sync.OnPeerNewHashes(p, hashes, numbers)
	return nil
}

// handleTransactions applies spec §4.3's three-way rating policy to the
// pool's per-transaction verdicts: a successfully accepted transaction
// raises the sender's rating, one the pool already held is left alone (it's
// still marked seen so it isn't re-announced), and a malformed one is
// penalized heavily — mirroring aleth's onTransactionImported rating deltas.
func (h *Handler) handleTransactions(p *Peer, txs []*types.Transaction) {
	if h.pool == nil {
		return
	}
	for _, tx := range txs {
		p.MarkTransaction(tx.Hash())
	}
	for _, result := range h.pool.AddRemotes(txs) {
		switch result {
		case ethcontract.AddTxSuccess:
			p.UpdateRating(ratingTxSuccess)
		case ethcontract.AddTxMalformed:
			p.UpdateRating(ratingTxMalformed)
		case ethcontract.AddTxKnown:
			// Already known: no rating change, already marked seen above.
		}
	}
}

func (h *Handler) handleNewPooledTxHashes(p *Peer, hashes NewPooledTransactionHashesPacket) error {
	var want GetPooledTransactionsPacket
	for _, hash := range hashes {
		p.MarkTransaction(hash)
		if h.pool != nil && !h.pool.Has(hash) {
			want = append(want, hash)
		}
	}
	if len(want) == 0 {
		return nil
	}
	return p.conn.Send(GetPooledTxsMsg, want)
}

func (h *Handler) answerGetPooledTransactions(p *Peer, req GetPooledTransactionsPacket) error {
	var txs PooledTransactionsPacket
	if h.pool != nil {
		for _, hash := range req {
			if tx := h.pool.Get(hash); tx != nil {
				txs = append(txs, tx)
			}
		}
	}
	return p.conn.Send(PooledTxsMsg, txs)
}

// RunBlockPropagationLoop drives outbound new-block gossip: every time the
// chain tip advances, it re-evaluates who needs the new blocks. Runs until
// Close is called; meant to be started in its own goroutine.
func (h *Handler) RunBlockPropagationLoop() {
	ch := make(chan common.Hash, 16)
	sub := h.sync.OnChainExtended(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case hash := <-ch:
			h.maintainBlocks(hash)
		case <-sub.Err():
			return
		case <-h.stopped:
			return
		}
	}
}

// maintainBlocks implements the tree-route walk and √n gossip partition from
// spec §4.3's outbound new-block gossip: the blocks added to the canonical
// chain since the last broadcast are sent in full to a random subset of the
// peers that don't have them, and announced by hash to the rest.
func (h *Handler) maintainBlocks(currentHash common.Hash) {
	h.mu.Lock()
	last := h.latestBlockSent
	h.mu.Unlock()
	if last == currentHash {
		return
	}

	fromNum, _ := h.chain.GetNumber(last)
	toNum, ok := h.chain.GetNumber(currentHash)
	if !ok {
		return
	}
	defer func() {
		h.mu.Lock()
		h.latestBlockSent = currentHash
		h.mu.Unlock()
	}()
	if toNum <= fromNum || toNum-fromNum >= maxNewBlocksPerBroadcast {
		// Too large a jump to broadcast block-by-block; peers catch up via
		// ordinary header/body sync instead.
		return
	}

	route, _, ok := h.chain.TreeRoute(last, currentHash)
	if !ok || len(route) == 0 {
		route = []common.Hash{currentHash}
	}

	var withoutBlock []*Peer
	h.peers.ForEach(func(ph chainsync.PeerHandle) bool {
		if p, ok := ph.(*Peer); ok && !p.KnowsBlock(currentHash) {
			withoutBlock = append(withoutBlock, p)
		}
		return true
	})
	if len(withoutBlock) == 0 {
		return
	}

	sendCount := int(math.Sqrt(float64(h.peers.Len())))
	if sendCount < minBlockBroadcastPeers {
		sendCount = minBlockBroadcastPeers
	}
	if sendCount > len(withoutBlock) {
		sendCount = len(withoutBlock)
	}
	mathrand.Shuffle(len(withoutBlock), func(i, j int) {
		withoutBlock[i], withoutBlock[j] = withoutBlock[j], withoutBlock[i]
	})
	toSend, toAnnounce := withoutBlock[:sendCount], withoutBlock[sendCount:]

	for _, hash := range route {
		block, ok := h.chain.GetBlock(hash)
		if !ok {
			continue
		}
		td, _ := h.chain.TotalDifficulty(hash)
		for _, p := range toSend {
			p.AsyncSendNewBlock(block, td)
		}
		for _, p := range toAnnounce {
			p.AsyncSendNewBlockHash(block)
		}
	}
	if len(toSend) > 0 || len(toAnnounce) > 0 {
		h.log.Debug("propagated new blocks", "count", len(route), "sent", len(toSend), "announced", len(toAnnounce))
	}
}

// BroadcastTransactions announces newly accepted pool transactions to every
// peer that hasn't seen them (spec §4.3's outbound tx gossip).
func (h *Handler) BroadcastTransactions(txs []*types.Transaction) {
	byPeer := make(map[string][]*types.Transaction)
	h.peers.ForEach(func(ph chainsync.PeerHandle) bool {
		p, ok := ph.(*Peer)
		if !ok {
			return true
		}
		var want []*types.Transaction
		for _, tx := range txs {
			if !p.KnowsTransaction(tx.Hash()) {
				want = append(want, tx)
			}
		}
		if len(want) > 0 {
			byPeer[p.ID()] = want
		}
		return true
	})
	h.peers.ForEach(func(ph chainsync.PeerHandle) bool {
		p, ok := ph.(*Peer)
		if !ok {
			return true
		}
		if want, have := byPeer[p.ID()]; have {
			p.AsyncSendTransactions(want)
		}
		return true
	})
}

// WatchdogOnce scans every connected peer for an ask that has outstood
// askTimeout and disconnects it — the production response to a peer that
// stops answering mid-sync (spec §9 supplemented feature).
func (h *Handler) WatchdogOnce() {
	now := time.Now()
	h.peers.ForEach(func(ph chainsync.PeerHandle) bool {
		p, ok := ph.(*Peer)
		if !ok {
			return true
		}
		if p.Asking() != chainsync.AskNothing && !p.LastAsk().IsZero() && now.Sub(p.LastAsk()) > askTimeout {
			meterWatchdogKicked.Inc(1)
			h.sync.OnPeerAborting(p.ID())
			p.Disconnect(ethcontract.DiscReasonUselessPeer)
		}
		return true
	})
}

// RunWatchdog self-perpetuates WatchdogOnce on host's own execution
// scheduler, so the watchdog stays confined to whatever goroutine/thread the
// host runs its network loop on instead of spawning an independent timer.
func (h *Handler) RunWatchdog(host ethcontract.CapabilityHost, interval time.Duration) {
	h.WatchdogOnce()
	host.ScheduleExecution(interval, func() { h.RunWatchdog(host, interval) })
}

// LogPeerSessions writes one log line per connected peer combining its
// chainsync-visible state with the host's transport-level session metadata.
func (h *Handler) LogPeerSessions(host ethcontract.CapabilityHost) {
	host.ForEachPeer(func(peerID string) bool {
		info, ok := host.PeerSessionInfo(peerID)
		if !ok {
			return true
		}
		ph, ok := h.peers.Peer(peerID)
		if !ok {
			return true
		}
		head, num := ph.Head()
		h.log.Debug("peer session", "id", info.ID, "addr", info.Address, "head", head, "num", num)
		return true
	})
}
