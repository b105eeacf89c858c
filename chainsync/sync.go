package chainsync

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/exley-labs/chainsync/blockqueue"
	"github.com/exley-labs/chainsync/ethcontract"
)

const knownNewHashCacheSize = 4096

// Sync is BlockChainSync: the state machine that drives header/body download
// and fork reconciliation across a peer swarm, handing assembled blocks to a
// BlockQueue for verification (spec §4.2).
//
// Every exported method takes mu once and delegates to an unexported
// *_locked method that assumes it is already held — the "witness" pattern
// named in spec §9, used here in place of a recursive lock so that internal
// call chains (e.g. onPeerBlockHeaders -> collectBlocks -> continueSync)
// never have to reason about re-entrancy.
type Sync struct {
	cfg   Config
	chain ethcontract.ChainReader
	write ethcontract.ChainWriter
	queue *blockqueue.BlockQueue
	peers PeerSet
	log   log.Logger

	mu sync.Mutex

	state State

	haveCommonHeader bool
	lastImportedNum  uint64
	lastImportedHash common.Hash
	chainStart       uint64
	futureKnownCount uint64 // blocks seen with a future timestamp and a known parent (spec §4.2 collectBlocks)

	syncingTD *big.Int

	headers   *chunkMap[*types.Header]
	bodies    *chunkMap[[]byte]
	headerIDs map[HeaderId]uint64

	downloadingHeaders map[uint64]string
	downloadingBodies  map[uint64]string
	peerHeaderAssign   map[string][]uint64
	peerBodyAssign     map[string][]uint64

	daoChallenged       map[string]bool
	daoChallengePending map[string]bool
	unknownNewBlocks    map[string]int

	knownNewHashes *lru.Cache[common.Hash, struct{}]

	chainExtended event.Feed

	roomCh  chan struct{}
	roomSub event.Subscription
	stopped chan struct{}
}

// New constructs a Sync bound to chain, write, queue and peers. It starts two
// background goroutines, one reacting to the queue's room-available signal
// and one draining and committing verified blocks; callers must eventually
// call Close.
func New(cfg Config, chain ethcontract.ChainReader, write ethcontract.ChainWriter, queue *blockqueue.BlockQueue, peers PeerSet) *Sync {
	cfg.sanitize()
	s := &Sync{
		cfg:                 cfg,
		chain:               chain,
		write:               write,
		queue:               queue,
		peers:               peers,
		log:                 log.New("component", "chainsync"),
		state:               Idle,
		lastImportedNum:     chain.CurrentNumber(),
		lastImportedHash:    chain.CurrentHash(),
		chainStart:          chain.ChainStartBlockNumber(),
		syncingTD:           new(big.Int),
		headers:             newChunkMap[*types.Header](),
		bodies:              newChunkMap[[]byte](),
		headerIDs:           make(map[HeaderId]uint64),
		downloadingHeaders:  make(map[uint64]string),
		downloadingBodies:   make(map[uint64]string),
		peerHeaderAssign:    make(map[string][]uint64),
		peerBodyAssign:      make(map[string][]uint64),
		daoChallenged:       make(map[string]bool),
		daoChallengePending: make(map[string]bool),
		unknownNewBlocks:    make(map[string]int),
		knownNewHashes:      lru.NewCache[common.Hash, struct{}](knownNewHashCacheSize),
		roomCh:              make(chan struct{}, 1),
		stopped:             make(chan struct{}),
	}
	s.roomSub = queue.OnRoomAvailable(s.roomCh)
	go s.roomAvailableLoop()
	go s.drainLoop()
	return s
}

// RecentChainWindow reports the configured header-serving window (spec §6),
// for callers that need to decide between a parent-hash walk and a
// number-indexed lookup when answering GetBlockHeaders.
func (s *Sync) RecentChainWindow() uint64 { return s.cfg.RecentChainWindow }

// OnChainExtended subscribes ch to receive the chain tip hash once per
// drained batch that commits at least one block via ChainWriter (the hash of
// the last block committed in that batch) — the signal the
// wire layer uses to decide what to propagate (spec §4.3's "new-block
// gossip" trigger: a chain-tip change, not an inbound announcement).
func (s *Sync) OnChainExtended(ch chan<- common.Hash) event.Subscription {
	return s.chainExtended.Subscribe(ch)
}

// Close releases the subscription to the block queue and stops the
// background goroutines. Safe to call once.
func (s *Sync) Close() {
	s.roomSub.Unsubscribe()
	close(s.stopped)
}

// drainLoop is the consumer half of the BlockQueue pipeline: whenever a
// contiguous run of verified blocks becomes available it drains, commits and
// acknowledges them, feeding failures back as the queue's known-bad set
// (spec §4.1's drain/doneDrain contract).
func (s *Sync) drainLoop() {
	ch := make(chan struct{}, 1)
	sub := s.queue.OnReady(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ch:
			s.drainReady()
		case <-sub.Err():
			return
		case <-s.stopped:
			return
		}
	}
}

func (s *Sync) drainReady() {
	for {
		out := s.queue.Drain(128)
		if len(out) == 0 {
			return
		}
		var bad []common.Hash
		var tip common.Hash
		for _, vb := range out {
			block := types.NewBlockWithHeader(vb.Header).WithBody(vb.Transactions, vb.Uncles)
			if err := s.write.InsertBlock(block, vb.Receipts); err != nil {
				s.log.Warn("block commit failed", "hash", vb.Hash(), "err", err)
				bad = append(bad, vb.Hash())
				continue
			}
			s.queue.NoteReady(vb.Hash())
			tip = vb.Hash()
		}
		if tip != (common.Hash{}) {
			s.chainExtended.Send(tip)
		}
		if more := s.queue.DoneDrain(bad); !more {
			return
		}
	}
}

func (s *Sync) roomAvailableLoop() {
	for {
		select {
		case <-s.roomCh:
			s.mu.Lock()
			if s.state == Waiting {
				s.state = Blocks
				s.continueSyncLocked()
			}
			s.mu.Unlock()
		case <-s.roomSub.Err():
			return
		case <-s.stopped:
			return
		}
	}
}

// State reports the current sync state.
func (s *Sync) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnPeerStatus handles a peer's status handshake: genesis/protocol/network
// compatibility, banned client versions, and the DAO hard-fork challenge
// (spec §4.2, §9 supplemented feature).
func (s *Sync) OnPeerStatus(peer PeerHandle, version uint32, networkID *big.Int, td *big.Int, head common.Hash, genesis common.Hash, clientVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if genesis != s.cfg.GenesisHash {
		peer.Disconnect(ethcontract.DiscReasonSubprotocolError)
		return ErrGenesisMismatch
	}
	if s.cfg.ProtocolVersion != 0 && version != s.cfg.ProtocolVersion {
		peer.Disconnect(ethcontract.DiscReasonSubprotocolError)
		return ErrProtocolMismatch
	}
	if s.cfg.ChainID != nil && networkID != nil && s.cfg.ChainID.Cmp(networkID) != 0 {
		peer.Disconnect(ethcontract.DiscReasonSubprotocolError)
		return ErrNetworkMismatch
	}
	for _, banned := range s.cfg.BannedClientVersions {
		if banned != "" && strings.Contains(clientVersion, banned) {
			peer.Disconnect(ethcontract.DiscReasonUselessPeer)
			return ErrBannedClient
		}
	}

	peer.SetHead(head, 0, td)
	if td.Cmp(s.syncingTD) > 0 {
		s.transitionToBlocksLocked()
	}

	if s.cfg.DaoHardforkBlock != 0 && !s.daoChallenged[peer.ID()] {
		s.daoChallenged[peer.ID()] = true
		s.daoChallengePending[peer.ID()] = true
		peer.SetAsking(AskingHeaders)
		peer.SetLastAsk(time.Now())
		return peer.RequestHeadersByNumber(s.cfg.DaoHardforkBlock, 1, 0, false)
	}

	s.trySyncPeerLocked(peer, false)
	return nil
}

// SyncPeer evaluates whether peer should be put to work, optionally
// bypassing the "peer's TD must exceed our syncing TD" gate when force is
// true (used after a new-block/new-hashes announcement names an unknown
// ancestor).
func (s *Sync) SyncPeer(peer PeerHandle, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trySyncPeerLocked(peer, force)
}

func (s *Sync) trySyncPeerLocked(peer PeerHandle, force bool) {
	if peer.Asking() != AskNothing {
		return
	}
	td := peer.TotalDifficulty()
	if td == nil {
		return
	}
	ourTD := new(big.Int)
	if d, ok := s.chain.TotalDifficulty(s.chain.CurrentHash()); ok && d != nil {
		ourTD.Set(d)
	}
	ourTD.Add(ourTD, s.queue.Status().Difficulty)

	syncing := new(big.Int).Set(ourTD)
	if s.syncingTD.Cmp(syncing) > 0 {
		syncing.Set(s.syncingTD)
	}

	if force || td.Cmp(syncing) > 0 {
		if td.Cmp(s.syncingTD) > 0 {
			s.syncingTD.Set(td)
		}
		s.transitionToBlocksLocked()
		peer.SetAsking(AskingHeaders)
		peer.SetLastAsk(time.Now())
		if hash, _ := peer.Head(); hash != (common.Hash{}) {
			peer.RequestHeaderByHash(hash)
		}
		return
	}
	if s.state == Blocks {
		s.requestBlocksLocked(peer)
	}
}

func (s *Sync) transitionToBlocksLocked() {
	if s.state == Idle || s.state == NotSynced {
		s.state = Blocks
	}
}

// RequestBlocks issues the next header or body request against peer directly,
// bypassing the TD-gate in trySyncPeerLocked. Exposed for callers (tests,
// manual re-drives) that already know peer should be put to work right now.
func (s *Sync) RequestBlocks(peer PeerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer.Asking() != AskNothing {
		return
	}
	s.requestBlocksLocked(peer)
}

// requestBlocksLocked issues the next header or body request against peer,
// following the two-phase logic from spec §4.2: establish a common header
// via backward probing, then pipeline header and body chunk requests ahead
// of the assembly cursor.
func (s *Sync) requestBlocksLocked(peer PeerHandle) {
	if s.haveCommonHeader {
		if start, hdrs, ok := s.headers.Front(); ok && start == s.lastImportedNum+1 {
			var nums []uint64
			for i := range hdrs {
				num := start + uint64(i)
				if len(nums) >= s.cfg.MaxHeadersPerRequest {
					break
				}
				if _, busy := s.downloadingBodies[num]; busy {
					continue
				}
				if s.bodies.Has(num) {
					continue
				}
				nums = append(nums, num)
			}
			if len(nums) > 0 {
				hashes := make([]common.Hash, len(nums))
				for i, n := range nums {
					h, _ := s.headers.Get(n)
					hashes[i] = h.Hash()
				}
				s.peerBodyAssign[peer.ID()] = nums
				for _, n := range nums {
					s.downloadingBodies[n] = peer.ID()
				}
				peer.SetAsking(AskingBodies)
				peer.SetLastAsk(time.Now())
				peer.RequestBodies(hashes)
				return
			}
		}
	}

	if !s.haveCommonHeader {
		target := s.lastImportedNum
		if frontStart, _, ok := s.headers.Front(); ok && frontStart > 0 && frontStart-1 < target {
			target = frontStart - 1
		}
		if target <= s.chainStart {
			s.haveCommonHeader = true
			return
		}
		s.peerHeaderAssign[peer.ID()] = []uint64{target}
		s.downloadingHeaders[target] = peer.ID()
		peer.SetAsking(AskingHeaders)
		peer.SetLastAsk(time.Now())
		peer.RequestHeadersByNumber(target, 1, 0, false)
		return
	}

	gapStart := s.lastImportedNum + 1
	limit := gapStart + uint64(s.cfg.MaxHeadersPerRequest)
	if frontStart, _, ok := s.headers.Front(); ok && frontStart < limit {
		limit = frontStart
	}
	for gapStart < limit {
		if _, busy := s.downloadingHeaders[gapStart]; !busy {
			break
		}
		gapStart++
	}
	if gapStart >= limit {
		return
	}
	var nums []uint64
	for n := gapStart; n < limit; n++ {
		if _, busy := s.downloadingHeaders[n]; busy {
			break
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return
	}
	s.peerHeaderAssign[peer.ID()] = nums
	for _, n := range nums {
		s.downloadingHeaders[n] = peer.ID()
	}
	peer.SetAsking(AskingHeaders)
	peer.SetLastAsk(time.Now())
	peer.RequestHeadersByNumber(nums[0], len(nums), 0, false)
}

func (s *Sync) releaseAssignmentsLocked(peerID string) {
	for _, n := range s.peerHeaderAssign[peerID] {
		delete(s.downloadingHeaders, n)
	}
	delete(s.peerHeaderAssign, peerID)
	for _, n := range s.peerBodyAssign[peerID] {
		delete(s.downloadingBodies, n)
	}
	delete(s.peerBodyAssign, peerID)
}

// OnPeerBlockHeaders handles a GetBlockHeaders response: DAO challenge
// verification, linkage validation against already-accumulated neighbours,
// empty-body synthesis, and chunk-map insertion (spec §4.2, §6.1).
func (s *Sync) OnPeerBlockHeaders(peer PeerHandle, headers []*types.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if peer.Asking() != AskingHeaders {
		s.log.Debug("unsolicited block headers", "peer", peer.ID())
		return
	}
	peer.SetAsking(AskNothing)

	if s.daoChallengePending[peer.ID()] {
		delete(s.daoChallengePending, peer.ID())
		if len(headers) != 1 || !bytes.Equal(headers[0].Extra, s.cfg.DaoHardforkExtra) {
			peer.Disconnect(ethcontract.DiscReasonSubprotocolError)
			return
		}
		s.trySyncPeerLocked(peer, false)
		return
	}

	s.releaseAssignmentsLocked(peer.ID())

	for _, h := range headers {
		num := h.Number.Uint64()
		if num <= s.chainStart || s.headers.Has(num) {
			continue
		}
		hash := h.Hash()
		if s.chain.IsKnown(hash) || s.queue.BlockStatus(hash) != blockqueue.StatusUnknown {
			if above, ok := s.headers.Get(num + 1); ok && above.ParentHash != hash {
				peer.UpdateRating(-10)
				s.restartSyncLocked()
				return
			}
			continue
		}
		if prev, ok := s.headers.Get(num - 1); ok && prev.Hash() != h.ParentHash {
			peer.UpdateRating(-10)
			s.restartSyncLocked()
			return
		}
		if next, ok := s.headers.Get(num + 1); ok && next.ParentHash != hash {
			peer.UpdateRating(-10)
			s.restartSyncLocked()
			return
		}

		s.headers.Insert(num, h)
		if h.TxHash == types.EmptyTxsHash && h.UncleHash == types.EmptyUncleHash {
			s.bodies.Insert(num, nil)
		} else {
			s.headerIDs[HeaderId{TxsRoot: h.TxHash, OmmersHash: h.UncleHash}] = num
		}
	}

	if !s.haveCommonHeader {
		if start, hdrs, ok := s.headers.Front(); ok && len(hdrs) > 0 {
			if parentHash, known := s.chain.NumberToHash(start - 1); known && hdrs[0].ParentHash == parentHash {
				s.haveCommonHeader = true
			}
		}
	}

	s.collectBlocksLocked()
	s.continueSyncLocked()
}

// OnPeerBlockBodies handles a GetBlockBodies response, matching each body to
// its pending header via the (txsRoot, ommersHash) identity from spec §6.2.
func (s *Sync) OnPeerBlockBodies(peer PeerHandle, bodies [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if peer.Asking() != AskingBodies {
		s.log.Debug("unsolicited block bodies", "peer", peer.ID())
		return
	}
	peer.SetAsking(AskNothing)
	s.releaseAssignmentsLocked(peer.ID())

	for _, raw := range bodies {
		var body types.Body
		if err := rlp.DecodeBytes(raw, &body); err != nil {
			peer.UpdateRating(-10)
			continue
		}
		txRoot := types.DeriveSha(types.Transactions(body.Transactions), trie.NewStackTrie(nil))
		unclesHash := types.CalcUncleHash(body.Uncles)
		id := HeaderId{TxsRoot: txRoot, OmmersHash: unclesHash}
		num, ok := s.headerIDs[id]
		if !ok {
			peer.UpdateRating(-1)
			continue
		}
		delete(s.headerIDs, id)
		s.bodies.Insert(num, raw)
	}

	s.collectBlocksLocked()
	s.continueSyncLocked()
}

// CollectBlocks assembles and submits the contiguous prefix of
// fully-matched (header, body) pairs starting at lastImportedNum+1, reacting
// to each BlockQueue.Import outcome per spec §4.2's state table.
func (s *Sync) CollectBlocks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectBlocksLocked()
}

func (s *Sync) collectBlocksLocked() {
	for {
		hstart, hitems, hok := s.headers.Front()
		bstart, bitems, bok := s.bodies.Front()
		if !hok || !bok || hstart != bstart || hstart != s.lastImportedNum+1 {
			break
		}
		n := len(hitems)
		if len(bitems) < n {
			n = len(bitems)
		}

		consumed := 0
		abort := false
		for i := 0; i < n; i++ {
			header := hitems[i]
			blockRLP, err := assembleBlockRLP(header, bitems[i])
			if err != nil {
				consumed++
				s.restartSyncLocked()
				abort = true
				break
			}

			res := s.queue.Import(blockRLP, false)
			consumed++
			switch res {
			case blockqueue.AlreadyInChain:
				s.lastImportedNum = header.Number.Uint64()
				s.lastImportedHash = header.Hash()
				s.queue.NoteReady(s.lastImportedHash)
			case blockqueue.Success:
				s.lastImportedNum = header.Number.Uint64()
				s.lastImportedHash = header.Hash()
			case blockqueue.Malformed, blockqueue.BadChain:
				s.restartSyncLocked()
				abort = true
			case blockqueue.FutureTimeKnown:
				s.futureKnownCount++
			case blockqueue.AlreadyKnown, blockqueue.FutureTimeUnknown, blockqueue.UnknownParent:
				if header.Number.Uint64() > s.lastImportedNum {
					s.haveCommonHeader = false
					s.restartSyncLocked()
					abort = true
				}
			}
			if abort {
				break
			}
		}

		s.headers.TrimBelow(hstart + uint64(consumed))
		s.bodies.TrimBelow(bstart + uint64(consumed))
		if abort || consumed < n {
			return
		}
	}

	if s.headers.Empty() && s.bodies.Empty() && s.haveCommonHeader {
		s.completeSyncLocked()
		return
	}
	if s.state == Blocks && s.queue.KnownFull() {
		s.state = Waiting
	}
	if s.queue.UnknownFull() {
		s.restartSyncLocked()
	}
}

func assembleBlockRLP(header *types.Header, bodyRaw []byte) ([]byte, error) {
	if bodyRaw == nil {
		return rlp.EncodeToBytes([]interface{}{header, []*types.Transaction{}, []*types.Header{}})
	}
	var body types.Body
	if err := rlp.DecodeBytes(bodyRaw, &body); err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes([]interface{}{header, body.Transactions, body.Uncles})
}

// continueSyncLocked keeps the download pipeline full by re-driving every
// idle peer once new state (completed requests, freed queue room) makes more
// work available.
func (s *Sync) continueSyncLocked() {
	if s.state != Blocks || s.peers == nil {
		return
	}
	s.peers.ForEach(func(p PeerHandle) bool {
		if p.Asking() == AskNothing {
			s.trySyncPeerLocked(p, false)
		}
		return true
	})
}

// OnPeerNewBlock handles an unsolicited single-block announcement (spec
// §4.3 NewBlock): direct import if it extends our tip, otherwise a forced
// sync to fetch the missing ancestors.
func (s *Sync) OnPeerNewBlock(peer PeerHandle, blockRLP []byte, td *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var block types.Block
	if err := rlp.DecodeBytes(blockRLP, &block); err != nil {
		peer.UpdateRating(-10)
		return
	}
	header := block.Header()
	num := header.Number.Uint64()

	if num > s.lastImportedNum+1 {
		peer.SetHead(header.Hash(), num, td)
		s.trySyncPeerLocked(peer, true)
		return
	}

	res := s.queue.Import(blockRLP, false)
	switch res {
	case blockqueue.AlreadyInChain:
		s.lastImportedNum = num
		s.lastImportedHash = header.Hash()
		s.unknownNewBlocks[peer.ID()] = 0
		s.queue.NoteReady(s.lastImportedHash)
		peer.SetHead(header.Hash(), num, td)
	case blockqueue.Success:
		s.lastImportedNum = num
		s.lastImportedHash = header.Hash()
		s.unknownNewBlocks[peer.ID()] = 0
		peer.SetHead(header.Hash(), num, td)
	case blockqueue.UnknownParent:
		s.unknownNewBlocks[peer.ID()]++
		if s.unknownNewBlocks[peer.ID()] > s.cfg.MaxUnknownNewBlocks {
			peer.Disconnect(ethcontract.DiscReasonUselessPeer)
		}
	}
}

// OnPeerNewHashes handles a NewBlockHashes announcement: every hash not
// already known anywhere is a candidate to force a sync against its
// advertiser (spec §4.3).
func (s *Sync) OnPeerNewHashes(peer PeerHandle, hashes []common.Hash, numbers []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var anyUnknown bool
	var highestHash common.Hash
	var highestNum uint64
	for i, h := range hashes {
		if _, seen := s.knownNewHashes.Get(h); seen {
			continue
		}
		if s.chain.IsKnown(h) || s.queue.BlockStatus(h) != blockqueue.StatusUnknown {
			s.knownNewHashes.Add(h, struct{}{})
			continue
		}
		anyUnknown = true
		if i < len(numbers) && numbers[i] >= highestNum {
			highestNum = numbers[i]
			highestHash = h
		}
	}
	if anyUnknown && peer.Asking() == AskNothing {
		peer.SetHead(highestHash, highestNum, nil)
		s.trySyncPeerLocked(peer, true)
	}
}

// OnPeerAborting releases every in-flight assignment held against peerID and
// tries to keep the pipeline full from the remaining peers (spec §4.2
// "peer disconnects mid-sync").
func (s *Sync) OnPeerAborting(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseAssignmentsLocked(peerID)
	delete(s.unknownNewBlocks, peerID)
	delete(s.daoChallenged, peerID)
	delete(s.daoChallengePending, peerID)
	s.continueSyncLocked()
}

// RestartSync discards all accumulated download state and re-evaluates the
// peer swarm from scratch. Used both as an explicit operation and as the
// production response to a detected invariant violation or bad-chain
// signal (spec §7, §9).
func (s *Sync) RestartSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartSyncLocked()
}

func (s *Sync) restartSyncLocked() {
	s.headers.Clear()
	s.bodies.Clear()
	s.headerIDs = make(map[HeaderId]uint64)
	s.downloadingHeaders = make(map[uint64]string)
	s.downloadingBodies = make(map[uint64]string)
	s.peerHeaderAssign = make(map[string][]uint64)
	s.peerBodyAssign = make(map[string][]uint64)
	s.haveCommonHeader = false
	s.syncingTD = new(big.Int)
	s.lastImportedNum = s.chain.CurrentNumber()
	s.lastImportedHash = s.chain.CurrentHash()
	s.queue.Clear()
	s.state = NotSynced

	var best PeerHandle
	if s.peers != nil {
		s.peers.ForEach(func(p PeerHandle) bool {
			if best == nil || (p.TotalDifficulty() != nil && p.TotalDifficulty().Cmp(best.TotalDifficulty()) > 0) {
				best = p
			}
			return true
		})
	}
	if best != nil && best.TotalDifficulty() != nil {
		s.state = Blocks
		s.syncingTD.Set(best.TotalDifficulty())
	} else {
		s.state = Idle
	}
}

// CompleteSync transitions back to Idle once the header/body chunk maps have
// fully drained against our chain tip.
func (s *Sync) CompleteSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeSyncLocked()
}

func (s *Sync) completeSyncLocked() {
	s.state = Idle
	s.syncingTD = new(big.Int)
	s.haveCommonHeader = false
}

// Invariants performs the debug assertion set from spec §7. It returns a
// descriptive error on the first violation found rather than panicking;
// production callers restart the sync on failure instead of crashing.
func (s *Sync) Invariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkInvariantsLocked()
}

func (s *Sync) checkInvariantsLocked() error {
	if s.state == Idle {
		if !s.headers.Empty() || !s.bodies.Empty() {
			return fmt.Errorf("%w: header/body maps non-empty while Idle", ErrInvariantViolated)
		}
	}
	if start, _, ok := s.headers.Front(); ok && s.haveCommonHeader {
		if s.lastImportedNum >= start {
			return fmt.Errorf("%w: lastImportedNum %d >= header front %d", ErrInvariantViolated, s.lastImportedNum, start)
		}
	}
	for n := range s.downloadingHeaders {
		if s.headers.Has(n) {
			return fmt.Errorf("%w: block %d both downloading and present in header map", ErrInvariantViolated, n)
		}
	}
	for n := range s.downloadingBodies {
		if s.bodies.Has(n) {
			return fmt.Errorf("%w: block %d both downloading and present in body map", ErrInvariantViolated, n)
		}
	}
	return nil
}
