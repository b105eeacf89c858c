package blockqueue

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	mu      sync.Mutex
	known   map[common.Hash]uint64
	genesis common.Hash
}

func newFakeChain() *fakeChain {
	genesis := common.HexToHash("0x01")
	return &fakeChain{known: map[common.Hash]uint64{genesis: 0}, genesis: genesis}
}

func (c *fakeChain) insert(hash common.Hash, number uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[hash] = number
}

func (c *fakeChain) IsKnown(hash common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.known[hash]
	return ok
}

func (c *fakeChain) GetNumber(hash common.Hash) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.known[hash]
	return n, ok
}

func (c *fakeChain) CurrentNumber() uint64                                 { return 0 }
func (c *fakeChain) NumberToHash(uint64) (common.Hash, bool)                { return common.Hash{}, false }
func (c *fakeChain) GetHeader(common.Hash) (*types.Header, bool)            { return nil, false }
func (c *fakeChain) GetBlock(common.Hash) (*types.Block, bool)              { return nil, false }
func (c *fakeChain) GetReceipts(common.Hash) (types.Receipts, bool)         { return nil, false }
func (c *fakeChain) TreeRoute(_, _ common.Hash) ([]common.Hash, common.Hash, bool) {
	return nil, common.Hash{}, false
}
func (c *fakeChain) CurrentHash() common.Hash        { return c.genesis }
func (c *fakeChain) GenesisHash() common.Hash        { return c.genesis }
func (c *fakeChain) ChainStartBlockNumber() uint64   { return 0 }
func (c *fakeChain) TotalDifficulty(common.Hash) (*big.Int, bool) { return nil, false }

type fakeSeal struct {
	mu   sync.Mutex
	fail map[common.Hash]bool
}

func newFakeSeal() *fakeSeal { return &fakeSeal{fail: make(map[common.Hash]bool)} }

func (s *fakeSeal) rejectHeader(h *types.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[h.Hash()] = true
}

func (s *fakeSeal) VerifyHeader(h *types.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[h.Hash()] {
		return errors.New("seal check failed")
	}
	return nil
}

func (s *fakeSeal) VerifyUncles(*types.Block) error { return nil }

// buildChain creates a linear run of n blocks on top of parent/parentNumber,
// each with strictly increasing timestamps starting at baseTime.
func buildChain(t *testing.T, parent common.Hash, parentNumber uint64, n int, baseTime uint64) []*types.Header {
	t.Helper()
	headers := make([]*types.Header, 0, n)
	for i := 0; i < n; i++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     new(big.Int).SetUint64(parentNumber + uint64(i) + 1),
			Difficulty: big.NewInt(1),
			GasLimit:   8_000_000,
			Time:       baseTime + uint64(i),
			TxHash:     types.EmptyTxsHash,
			UncleHash:  types.EmptyUncleHash,
			Extra:      []byte{byte(i)},
		}
		headers = append(headers, h)
		parent = h.Hash()
	}
	return headers
}

func encodeHeader(t *testing.T, h *types.Header) []byte {
	t.Helper()
	block := types.NewBlockWithHeader(h)
	data, err := rlp.EncodeToBytes(block)
	require.NoError(t, err)
	return data
}

func TestImportUnknownParentThenNoteReady(t *testing.T) {
	chain := newFakeChain()
	seal := newFakeSeal()
	q := New(Config{VerifierThreads: 1}, chain, seal)
	defer q.Stop()

	headers := buildChain(t, chain.genesis, 0, 2, uint64(time.Now().Unix())-100)

	// Import block 2 before block 1 is known anywhere: its parent (block 1's
	// hash) isn't in the chain and isn't queued.
	res := q.Import(encodeHeader(t, headers[1]), false)
	require.Equal(t, UnknownParent, res)
	require.Equal(t, StatusUnknownParent, q.BlockStatus(headers[1].Hash()))

	// Now import block 1: its parent is genesis, which is known.
	res = q.Import(encodeHeader(t, headers[0]), false)
	require.Equal(t, Success, res)

	// Block 1 must drain before block 2 becomes unverified via NoteReady.
	waitForReady(t, q)
	out := q.Drain(10)
	require.Len(t, out, 1)
	require.Equal(t, headers[0].Hash(), out[0].Hash())
	chain.insert(headers[0].Hash(), 1)
	q.DoneDrain(nil)

	q.NoteReady(headers[0].Hash())
	require.Eventually(t, func() bool {
		return q.BlockStatus(headers[1].Hash()) != StatusUnknown
	}, time.Second, time.Millisecond)
}

func TestAlreadyKnownIdempotent(t *testing.T) {
	chain := newFakeChain()
	seal := newFakeSeal()
	q := New(Config{VerifierThreads: 1}, chain, seal)
	defer q.Stop()

	headers := buildChain(t, chain.genesis, 0, 1, uint64(time.Now().Unix())-10)
	data := encodeHeader(t, headers[0])

	require.Equal(t, Success, q.Import(data, false))
	before := q.Status()
	require.Equal(t, AlreadyKnown, q.Import(data, false))
	after := q.Status()
	require.Equal(t, before, after)
}

func TestFutureTimeParkingAndTick(t *testing.T) {
	chain := newFakeChain()
	seal := newFakeSeal()
	q := New(Config{VerifierThreads: 1}, chain, seal)
	defer q.Stop()

	future := uint64(time.Now().Unix()) + 2
	headers := buildChain(t, chain.genesis, 0, 1, future)

	res := q.Import(encodeHeader(t, headers[0]), false)
	require.Equal(t, FutureTimeKnown, res)
	require.Equal(t, 1, q.Status().Future)

	q.Tick()
	require.Equal(t, 1, q.Status().Future, "not yet due")

	time.Sleep(2500 * time.Millisecond)
	q.Tick()
	require.Eventually(t, func() bool {
		s := q.Status()
		return s.Future == 0 && (s.Verified > 0 || s.Verifying > 0 || s.Unverified > 0)
	}, time.Second, time.Millisecond)
}

func TestFutureBucketCountsTowardUnknownSize(t *testing.T) {
	chain := newFakeChain()
	seal := newFakeSeal()
	future := uint64(time.Now().Unix()) + 1000
	headers := buildChain(t, chain.genesis, 0, 1, future)
	data := encodeHeader(t, headers[0])

	q := New(Config{VerifierThreads: 1, MaxUnknownSize: len(data)}, chain, seal)
	defer q.Stop()

	res := q.Import(data, false)
	require.Equal(t, FutureTimeKnown, res)
	require.True(t, q.UnknownFull(), "a future-timestamped entry must count toward the combined unknown-bucket byte cap")
}

func TestBadChainPropagation(t *testing.T) {
	chain := newFakeChain()
	seal := newFakeSeal()
	q := New(Config{VerifierThreads: 2}, chain, seal)
	defer q.Stop()

	headers := buildChain(t, chain.genesis, 0, 4, uint64(time.Now().Unix())-100)
	seal.rejectHeader(headers[1]) // block "2" fails verification

	for _, h := range headers {
		res := q.Import(encodeHeader(t, h), false)
		require.Equal(t, Success, res)
	}

	require.Eventually(t, func() bool {
		s := q.Status()
		return s.Bad == 3 // headers[1], headers[2], headers[3]
	}, time.Second, time.Millisecond)

	for _, h := range headers[1:] {
		require.Equal(t, StatusBad, q.BlockStatus(h.Hash()))
	}
	require.Equal(t, StatusReady, q.BlockStatus(headers[0].Hash()))
}

func TestDrainPreservesArrivalOrder(t *testing.T) {
	chain := newFakeChain()
	seal := newFakeSeal()
	q := New(Config{VerifierThreads: 4}, chain, seal)
	defer q.Stop()

	const n = 100
	headers := buildChain(t, chain.genesis, 0, n, uint64(time.Now().Unix())-1000)
	for _, h := range headers {
		require.Equal(t, Success, q.Import(encodeHeader(t, h), false))
	}

	var drained []*VerifiedBlock
	require.Eventually(t, func() bool {
		drained = append(drained, q.Drain(n)...)
		if len(drained) < n {
			q.DoneDrain(nil)
			return false
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	require.Len(t, drained, n)
	for i, h := range headers {
		require.Equal(t, h.Hash(), drained[i].Hash(), "index %d out of order", i)
	}
}

func TestDoneDrainFiresOnRoomAvailable(t *testing.T) {
	chain := newFakeChain()
	seal := newFakeSeal()
	q := New(Config{VerifierThreads: 1, MaxKnownCount: 2}, chain, seal)
	defer q.Stop()

	ch := make(chan struct{}, 1)
	sub := q.OnRoomAvailable(ch)
	defer sub.Unsubscribe()

	headers := buildChain(t, chain.genesis, 0, 2, uint64(time.Now().Unix())-100)
	for _, h := range headers {
		require.Equal(t, Success, q.Import(encodeHeader(t, h), false))
	}
	require.True(t, q.KnownFull())

	require.Eventually(t, func() bool { return q.Status().Verified == 2 }, time.Second, time.Millisecond)
	out := q.Drain(2)
	require.Len(t, out, 2)
	q.DoneDrain(nil)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected onRoomAvailable to fire")
	}
}

func waitForReady(t *testing.T, q *BlockQueue) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Status().Verified > 0 }, time.Second, time.Millisecond)
}
