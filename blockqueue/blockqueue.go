// Package blockqueue implements the chain synchronization core's staging
// area between network-supplied block bytes and chain commitment: it
// parallelizes cryptographic block verification across a worker pool while
// guaranteeing that blocks drain out in the order they were successfully
// enqueued.
package blockqueue

import (
	"fmt"
	"math/big"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/exley-labs/chainsync/ethcontract"
)

// ImportResult classifies the outcome of a single Import call.
type ImportResult int

const (
	Success ImportResult = iota
	AlreadyKnown
	Malformed
	AlreadyInChain
	BadChain
	FutureTimeKnown
	FutureTimeUnknown
	UnknownParent
)

func (r ImportResult) String() string {
	switch r {
	case Success:
		return "Success"
	case AlreadyKnown:
		return "AlreadyKnown"
	case Malformed:
		return "Malformed"
	case AlreadyInChain:
		return "AlreadyInChain"
	case BadChain:
		return "BadChain"
	case FutureTimeKnown:
		return "FutureTimeKnown"
	case FutureTimeUnknown:
		return "FutureTimeUnknown"
	case UnknownParent:
		return "UnknownParent"
	default:
		return fmt.Sprintf("ImportResult(%d)", int(r))
	}
}

// QueueStatus reports where a given hash currently sits relative to the
// queue, for diagnostic use by callers (BlockChainSync fork-search in
// particular).
type QueueStatus int

const (
	StatusUnknown QueueStatus = iota // not known to us in any capacity
	StatusReady                      // verified and waiting to be drained
	StatusImporting                  // present somewhere between unverified and draining
	StatusUnknownParent              // parked because its parent is nowhere to be found
	StatusBad                        // in the known-bad set, or a descendant of one
)

// Status is the observational snapshot described in spec §6.3.
type Status struct {
	Importing int
	Verified  int
	Verifying int
	Unverified int
	Future    int
	Unknown   int
	Bad       int

	Difficulty         *big.Int // total difficulty of unverified+verifying+verified blocks
	DrainingDifficulty *big.Int // total difficulty of the batch currently out on loan via Drain
}

// VerifiedBlock is a block that has passed every seal/structural check the
// queue's policy level requires.
type VerifiedBlock struct {
	Bytes        []byte
	Header       *types.Header
	Transactions types.Transactions
	Uncles       []*types.Header
	Receipts     types.Receipts // left nil: execution/receipt generation is out of this module's scope
}

func (v *VerifiedBlock) Hash() common.Hash { return v.Header.Hash() }

// Config is the flat, externally supplied configuration surface (spec §6.5).
type Config struct {
	VerifierThreads int

	MaxKnownCount int
	MaxKnownSize  int

	MaxUnknownCount int
	MaxUnknownSize  int
}

func (c *Config) sanitize() {
	if c.VerifierThreads <= 0 {
		c.VerifierThreads = runtime.GOMAXPROCS(0)
		if c.VerifierThreads < 3 {
			c.VerifierThreads = 3
		}
		c.VerifierThreads -= 2
		if c.VerifierThreads < 1 {
			c.VerifierThreads = 1
		}
	}
	if c.MaxKnownCount <= 0 {
		c.MaxKnownCount = 100_000
	}
	if c.MaxKnownSize <= 0 {
		c.MaxKnownSize = 128 * 1024 * 1024
	}
	if c.MaxUnknownCount <= 0 {
		c.MaxUnknownCount = 100_000
	}
	if c.MaxUnknownSize <= 0 {
		c.MaxUnknownSize = 512 * 1024 * 1024
	}
}

type unverifiedBlock struct {
	hash       common.Hash
	parentHash common.Hash
	data       []byte
}

type verifyingEntry struct {
	hash       common.Hash
	parentHash common.Hash
	size       int
	done       bool
	result     *VerifiedBlock
	err        error
}

type unknownEntry struct {
	hash       common.Hash
	parentHash common.Hash
	data       []byte
	isLocal    bool
}

type futureEntry struct {
	timestamp  uint64
	hash       common.Hash
	parentHash common.Hash
	data       []byte
}

var (
	gaugeVerified   = metrics.NewRegisteredGauge("blockqueue/verified", nil)
	gaugeVerifying  = metrics.NewRegisteredGauge("blockqueue/verifying", nil)
	gaugeUnverified = metrics.NewRegisteredGauge("blockqueue/unverified", nil)
	gaugeFuture     = metrics.NewRegisteredGauge("blockqueue/future", nil)
	gaugeUnknown    = metrics.NewRegisteredGauge("blockqueue/unknown", nil)
	gaugeBad        = metrics.NewRegisteredGauge("blockqueue/bad", nil)
)

// BlockQueue is the multi-producer, multi-consumer staging area described in
// spec §4.1. It is safe for concurrent use by many goroutines.
type BlockQueue struct {
	cfg   Config
	chain ethcontract.ChainReader
	seal  ethcontract.SealEngine
	log   log.Logger

	// extMu guards every field in this block. Lock order (spec §5): when
	// both extMu and verifyMu are needed, extMu is always taken first.
	extMu        sync.RWMutex
	knownSet     map[common.Hash]struct{} // in unverified ∪ verifying ∪ verified ∪ draining
	readySet     map[common.Hash]struct{} // in verified (not yet draining)
	drainingSet  map[common.Hash]struct{}
	drainingDiff map[common.Hash]*big.Int
	unknownSet   map[common.Hash]struct{}            // hashes parked because their parent is unknown
	unknown      map[common.Hash][]unknownEntry      // parentHash -> pending children
	knownBad     map[common.Hash]struct{}
	future       []futureEntry // ordered ascending by timestamp
	difficulty   *big.Int
	drainDiff    *big.Int
	unknownSize  int

	// verifyMu guards the three FIFOs.
	verifyMu     sync.Mutex
	moreToVerify *sync.Cond
	unverified   []*unverifiedBlock
	unverifiedSz int
	verifying    []*verifyingEntry
	verifyingSz  int
	verified     []*VerifiedBlock
	verifiedSz   int

	onReadyFeed         event.Feed
	onRoomAvailableFeed event.Feed

	deleting bool
	wg       sync.WaitGroup
}

// New constructs a BlockQueue and starts its verifier worker pool.
func New(cfg Config, chain ethcontract.ChainReader, seal ethcontract.SealEngine) *BlockQueue {
	cfg.sanitize()
	q := &BlockQueue{
		cfg:          cfg,
		chain:        chain,
		seal:         seal,
		log:          log.New("component", "blockqueue"),
		knownSet:     make(map[common.Hash]struct{}),
		readySet:     make(map[common.Hash]struct{}),
		drainingSet:  make(map[common.Hash]struct{}),
		drainingDiff: make(map[common.Hash]*big.Int),
		unknownSet:   make(map[common.Hash]struct{}),
		unknown:      make(map[common.Hash][]unknownEntry),
		knownBad:     make(map[common.Hash]struct{}),
		difficulty:   new(big.Int),
		drainDiff:    new(big.Int),
	}
	q.moreToVerify = sync.NewCond(&q.verifyMu)
	for i := 0; i < cfg.VerifierThreads; i++ {
		q.wg.Add(1)
		go q.verifierLoop()
	}
	return q
}

// OnReady subscribes to the signal fired whenever a subsequent Drain call
// would return a non-empty slice.
func (q *BlockQueue) OnReady(ch chan struct{}) event.Subscription {
	return q.onReadyFeed.Subscribe(ch)
}

// OnRoomAvailable subscribes to the signal fired whenever queue occupancy
// drops back under the hard caps following a DoneDrain.
func (q *BlockQueue) OnRoomAvailable(ch chan struct{}) event.Subscription {
	return q.onRoomAvailableFeed.Subscribe(ch)
}

// Import classifies and, if eligible, enqueues a candidate block. See spec
// §4.1 for the full decision tree.
func (q *BlockQueue) Import(data []byte, isLocal bool) ImportResult {
	var block types.Block
	if err := rlp.DecodeBytes(data, &block); err != nil {
		return Malformed
	}
	header := block.Header()
	if header.Number == nil || header.ParentHash == (common.Hash{}) && header.Number.Sign() != 0 {
		return Malformed
	}
	hash := block.Hash()
	parent := header.ParentHash

	q.extMu.Lock()
	defer q.extMu.Unlock()

	if _, ok := q.knownSet[hash]; ok {
		return AlreadyKnown
	}
	if _, ok := q.knownBad[hash]; ok {
		return AlreadyKnown
	}
	if _, ok := q.unknownSet[hash]; ok {
		return AlreadyKnown
	}
	if q.inFuture(hash) {
		return AlreadyKnown
	}
	if q.chain.IsKnown(hash) {
		return AlreadyInChain
	}
	if _, bad := q.knownBad[parent]; bad {
		q.poisonDescendantsLocked(hash)
		return BadChain
	}

	now := uint64(time.Now().Unix())
	parentPresent := q.chain.IsKnown(parent) || q.presentLocked(parent)

	if header.Time > now && !isLocal {
		q.insertFutureLocked(futureEntry{timestamp: header.Time, hash: hash, parentHash: parent, data: data})
		if parentPresent {
			return FutureTimeKnown
		}
		return FutureTimeUnknown
	}

	if !parentPresent {
		q.unknown[parent] = append(q.unknown[parent], unknownEntry{hash: hash, parentHash: parent, data: data, isLocal: isLocal})
		q.unknownSet[hash] = struct{}{}
		q.unknownSize += len(data)
		gaugeUnknown.Update(int64(len(q.unknownSet)))
		return UnknownParent
	}

	q.enqueueUnverifiedLocked(hash, parent, data, header.Difficulty)
	return Success
}

// presentLocked reports whether hash is currently held anywhere inside the
// queue (unverified, verifying, verified or draining). Caller holds extMu.
func (q *BlockQueue) presentLocked(hash common.Hash) bool {
	_, ok := q.knownSet[hash]
	return ok
}

func (q *BlockQueue) inFuture(hash common.Hash) bool {
	for _, f := range q.future {
		if f.hash == hash {
			return true
		}
	}
	return false
}

// insertFutureLocked inserts into the future bucket keeping it ordered
// ascending by timestamp. Caller holds extMu. unknownSize tracks this
// bucket's bytes alongside the unknown-parent bucket's, since spec §4.1's
// 512 MiB cap is over their combined occupancy.
func (q *BlockQueue) insertFutureLocked(e futureEntry) {
	i := sort.Search(len(q.future), func(i int) bool { return q.future[i].timestamp >= e.timestamp })
	q.future = append(q.future, futureEntry{})
	copy(q.future[i+1:], q.future[i:])
	q.future[i] = e
	q.unknownSize += len(e.data)
	gaugeFuture.Update(int64(len(q.future)))
}

// enqueueUnverifiedLocked pushes a block into the unverified FIFO. Caller
// holds extMu; this method additionally takes verifyMu, preserving the
// documented external-then-internal lock order.
func (q *BlockQueue) enqueueUnverifiedLocked(hash, parent common.Hash, data []byte, difficulty *big.Int) {
	q.knownSet[hash] = struct{}{}
	if difficulty != nil {
		q.difficulty.Add(q.difficulty, difficulty)
	}

	q.verifyMu.Lock()
	q.unverified = append(q.unverified, &unverifiedBlock{hash: hash, parentHash: parent, data: data})
	q.unverifiedSz += len(data)
	q.moreToVerify.Signal()
	q.verifyMu.Unlock()

	gaugeUnverified.Update(int64(len(q.unverified)))
}

// poisonDescendantsLocked adds hash, and transitively every block parked in
// the unknown bucket waiting on it (directly or indirectly), to the
// known-bad set. Caller holds extMu.
func (q *BlockQueue) poisonDescendantsLocked(hash common.Hash) {
	if _, already := q.knownBad[hash]; already {
		return
	}
	q.knownBad[hash] = struct{}{}
	gaugeBad.Update(int64(len(q.knownBad)))

	children := q.unknown[hash]
	delete(q.unknown, hash)
	for _, c := range children {
		delete(q.unknownSet, c.hash)
		q.unknownSize -= len(c.data)
		q.poisonDescendantsLocked(c.hash)
	}
}

// Tick promotes future-bucket entries whose timestamp has elapsed by
// re-importing them.
func (q *BlockQueue) Tick() {
	now := uint64(time.Now().Unix())

	q.extMu.Lock()
	var ready []futureEntry
	i := 0
	for ; i < len(q.future); i++ {
		if q.future[i].timestamp > now {
			break
		}
		ready = append(ready, q.future[i])
	}
	q.future = q.future[i:]
	for _, e := range ready {
		q.unknownSize -= len(e.data)
	}
	gaugeFuture.Update(int64(len(q.future)))
	q.extMu.Unlock()

	for _, e := range ready {
		q.Import(e.data, false)
	}
}

// RetryAllUnknown forces every unknown-parent entry back through Import,
// regardless of whether its specific parent hash was noted ready. Useful
// after a fork switch makes a whole batch of ancestors known at once.
func (q *BlockQueue) RetryAllUnknown() {
	q.extMu.Lock()
	var pending []unknownEntry
	for parent, entries := range q.unknown {
		pending = append(pending, entries...)
		delete(q.unknown, parent)
	}
	for _, e := range pending {
		delete(q.unknownSet, e.hash)
		q.unknownSize -= len(e.data)
	}
	q.extMu.Unlock()

	for _, e := range pending {
		q.Import(e.data, e.isLocal)
	}
}

// NoteReady is called when hash appears in the chain. It promotes every
// block directly or transitively parked behind hash in the unknown bucket
// into the unverified FIFO.
func (q *BlockQueue) NoteReady(hash common.Hash) {
	q.extMu.Lock()
	defer q.extMu.Unlock()
	q.noteReadyLocked(hash)
}

func (q *BlockQueue) noteReadyLocked(hash common.Hash) {
	frontier := []common.Hash{hash}
	for len(frontier) > 0 {
		h := frontier[0]
		frontier = frontier[1:]

		entries := q.unknown[h]
		delete(q.unknown, h)
		for _, e := range entries {
			delete(q.unknownSet, e.hash)
			q.unknownSize -= len(e.data)

			var diff *big.Int
			var blk types.Block
			if rlp.DecodeBytes(e.data, &blk) == nil {
				diff = blk.Header().Difficulty
			}
			q.enqueueUnverifiedLocked(e.hash, e.parentHash, e.data, diff)
			frontier = append(frontier, e.hash)
		}
	}
}

// Drain returns up to max consecutive head entries from the verified FIFO,
// marking them draining. Only a single outstanding drain is permitted; a
// second call before DoneDrain returns nil.
func (q *BlockQueue) Drain(max int) []*VerifiedBlock {
	q.extMu.Lock()
	if len(q.drainingSet) > 0 {
		q.extMu.Unlock()
		return nil
	}

	q.verifyMu.Lock()
	n := max
	if n > len(q.verified) {
		n = len(q.verified)
	}
	out := q.verified[:n]
	q.verified = q.verified[n:]
	for _, b := range out {
		q.verifiedSz -= len(b.Bytes)
	}
	q.verifyMu.Unlock()

	for _, b := range out {
		h := b.Hash()
		delete(q.readySet, h)
		q.drainingSet[h] = struct{}{}
		d := new(big.Int).Set(b.Header.Difficulty)
		q.drainingDiff[h] = d
		q.drainDiff.Add(q.drainDiff, d)
		q.difficulty.Sub(q.difficulty, d)
	}
	q.extMu.Unlock()

	gaugeVerified.Update(int64(len(out)))
	return out
}

// DoneDrain must be called after Drain once the caller has committed (or
// rejected) the drained batch. knownBad carries the hashes of any drained
// blocks that turned out to be invalid once fully assembled; their
// descendants (still parked in the unknown bucket) are pruned too.
func (q *BlockQueue) DoneDrain(knownBad []common.Hash) bool {
	q.extMu.Lock()

	wasFull := q.knownFullLocked()

	for _, d := range q.drainingDiff {
		q.drainDiff.Sub(q.drainDiff, d)
	}
	for h := range q.drainingSet {
		delete(q.knownSet, h)
	}
	q.drainingSet = make(map[common.Hash]struct{})
	q.drainingDiff = make(map[common.Hash]*big.Int)

	for _, bad := range knownBad {
		q.poisonDescendantsLocked(bad)
	}

	nowFull := q.knownFullLocked()
	moreReady := len(q.readySet) > 0
	q.extMu.Unlock()

	if wasFull && !nowFull {
		q.onRoomAvailableFeed.Send(struct{}{})
	}
	return moreReady
}

// Status returns the observational snapshot from spec §6.3.
func (q *BlockQueue) Status() Status {
	q.extMu.RLock()
	defer q.extMu.RUnlock()
	q.verifyMu.Lock()
	defer q.verifyMu.Unlock()
	return Status{
		Importing:          len(q.drainingSet),
		Verified:           len(q.verified),
		Verifying:          len(q.verifying),
		Unverified:         len(q.unverified),
		Future:             len(q.future),
		Unknown:            len(q.unknownSet),
		Bad:                len(q.knownBad),
		Difficulty:         new(big.Int).Set(q.difficulty),
		DrainingDifficulty: new(big.Int).Set(q.drainDiff),
	}
}

// BlockStatus reports where hash currently sits relative to the queue.
func (q *BlockQueue) BlockStatus(hash common.Hash) QueueStatus {
	q.extMu.RLock()
	defer q.extMu.RUnlock()
	if _, ok := q.knownBad[hash]; ok {
		return StatusBad
	}
	if _, ok := q.readySet[hash]; ok {
		return StatusReady
	}
	if _, ok := q.knownSet[hash]; ok {
		return StatusImporting
	}
	if _, ok := q.unknownSet[hash]; ok {
		return StatusUnknownParent
	}
	return StatusUnknown
}

// FirstUnknown returns the lowest hash (by byte order) currently parked in
// the unknown-parent bucket, or the zero hash if none.
func (q *BlockQueue) FirstUnknown() common.Hash {
	q.extMu.RLock()
	defer q.extMu.RUnlock()
	var first common.Hash
	found := false
	for h := range q.unknownSet {
		if !found || h.Cmp(first) < 0 {
			first, found = h, true
		}
	}
	return first
}

func (q *BlockQueue) knownFullLocked() bool {
	count := len(q.knownSet)
	q.verifyMu.Lock()
	size := q.unverifiedSz + q.verifyingSz + q.verifiedSz
	q.verifyMu.Unlock()
	return count >= q.cfg.MaxKnownCount || size >= q.cfg.MaxKnownSize
}

// KnownFull reports whether the known bucket (unverified+verifying+verified)
// is at capacity; callers should pause network downloads while this holds.
func (q *BlockQueue) KnownFull() bool {
	q.extMu.RLock()
	defer q.extMu.RUnlock()
	return q.knownFullLocked()
}

// UnknownFull reports whether the unknown bucket (future+unknown-parent) is
// at capacity.
func (q *BlockQueue) UnknownFull() bool {
	q.extMu.RLock()
	defer q.extMu.RUnlock()
	return len(q.unknownSet)+len(q.future) >= q.cfg.MaxUnknownCount || q.unknownSize >= q.cfg.MaxUnknownSize
}

// Clear empties every bucket, discarding all queued work. The known-bad set
// is kept.
func (q *BlockQueue) Clear() {
	q.extMu.Lock()
	q.knownSet = make(map[common.Hash]struct{})
	q.readySet = make(map[common.Hash]struct{})
	q.drainingSet = make(map[common.Hash]struct{})
	q.drainingDiff = make(map[common.Hash]*big.Int)
	q.unknownSet = make(map[common.Hash]struct{})
	q.unknown = make(map[common.Hash][]unknownEntry)
	q.future = nil
	q.unknownSize = 0
	q.difficulty = new(big.Int)
	q.drainDiff = new(big.Int)
	q.extMu.Unlock()

	q.verifyMu.Lock()
	q.unverified = nil
	q.unverifiedSz = 0
	q.verifying = nil
	q.verifyingSz = 0
	q.verified = nil
	q.verifiedSz = 0
	q.verifyMu.Unlock()
}

// Stop shuts down the verifier pool and blocks until every worker has
// exited. It clears no bucket: queued blocks and the known-bad set stay as
// they are, and blocks still unverified are no longer verified.
func (q *BlockQueue) Stop() {
	q.verifyMu.Lock()
	q.deleting = true
	q.moreToVerify.Broadcast()
	q.verifyMu.Unlock()
	q.wg.Wait()
}

func (q *BlockQueue) verifierLoop() {
	defer q.wg.Done()
	for {
		q.verifyMu.Lock()
		for len(q.unverified) == 0 && !q.deleting {
			q.moreToVerify.Wait()
		}
		if q.deleting {
			q.verifyMu.Unlock()
			return
		}
		blk := q.unverified[0]
		q.unverified = q.unverified[1:]
		q.unverifiedSz -= len(blk.data)

		entry := &verifyingEntry{hash: blk.hash, parentHash: blk.parentHash, size: len(blk.data)}
		q.verifying = append(q.verifying, entry)
		q.verifyingSz += entry.size
		q.verifyMu.Unlock()

		result, err := q.verify(blk)

		q.completeVerification(entry, result, err)
	}
}

// verify performs the expensive, lock-free seal/structural check. It never
// panics out of a worker: any exception-shaped failure is returned as err,
// marking the block known-bad without stopping the worker (spec §4.1
// "Failure semantics").
func (q *BlockQueue) verify(blk *unverifiedBlock) (result *VerifiedBlock, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during block verification: %v", r)
		}
	}()

	var block types.Block
	if err := rlp.DecodeBytes(blk.data, &block); err != nil {
		return nil, err
	}
	header := block.Header()
	if header.ParentHash != blk.parentHash {
		return nil, fmt.Errorf("parent hash mismatch")
	}
	if err := q.seal.VerifyHeader(header); err != nil {
		return nil, err
	}
	if err := q.seal.VerifyUncles(&block); err != nil {
		return nil, err
	}
	return &VerifiedBlock{
		Bytes:        blk.data,
		Header:       header,
		Transactions: block.Transactions(),
		Uncles:       block.Uncles(),
	}, nil
}

// completeVerification is called by a worker once it has a result for
// entry. If entry isn't (yet) at the front of the verifying FIFO, the
// result is simply recorded in place for a later worker to drain.
func (q *BlockQueue) completeVerification(entry *verifyingEntry, result *VerifiedBlock, verr error) {
	q.verifyMu.Lock()
	entry.result, entry.err, entry.done = result, verr, true
	isFront := len(q.verifying) > 0 && q.verifying[0] == entry
	q.verifyMu.Unlock()
	if !isFront {
		return
	}

	// Lock order: external (write) lock first, then internal mutex.
	q.extMu.Lock()
	q.verifyMu.Lock()
	var produced bool
	for len(q.verifying) > 0 && q.verifying[0].done {
		e := q.verifying[0]
		q.verifying = q.verifying[1:]
		q.verifyingSz -= e.size

		if e.err != nil {
			q.log.Debug("block failed verification", "hash", e.hash, "err", e.err)
			q.poisonDescendantsLocked(e.hash)
			delete(q.knownSet, e.hash)
			continue
		}
		if _, bad := q.knownBad[e.parentHash]; bad {
			q.poisonDescendantsLocked(e.hash)
			delete(q.knownSet, e.hash)
			continue
		}
		q.verified = append(q.verified, e.result)
		q.verifiedSz += e.size
		q.readySet[e.hash] = struct{}{}
		produced = true
	}
	q.verifyMu.Unlock()
	q.extMu.Unlock()

	gaugeVerifying.Update(int64(q.verifyingLen()))
	gaugeUnverified.Update(int64(q.unverifiedLen()))
	if produced {
		q.onReadyFeed.Send(struct{}{})
	}
}

func (q *BlockQueue) verifyingLen() int {
	q.verifyMu.Lock()
	defer q.verifyMu.Unlock()
	return len(q.verifying)
}

func (q *BlockQueue) unverifiedLen() int {
	q.verifyMu.Lock()
	defer q.verifyMu.Unlock()
	return len(q.unverified)
}
