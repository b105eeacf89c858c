package eth

import (
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"github.com/exley-labs/chainsync/blockqueue"
	"github.com/exley-labs/chainsync/chainsync"
	"github.com/exley-labs/chainsync/ethcontract"
)

type fakeChain struct {
	mu       sync.Mutex
	genesis  common.Hash
	current  uint64
	byNumber map[uint64]common.Hash
	byHash   map[common.Hash]uint64
	headers  map[common.Hash]*types.Header
	blocks   map[common.Hash]*types.Block
}

func newFakeChain() *fakeChain {
	genesis := common.HexToHash("0x01")
	return &fakeChain{
		genesis:  genesis,
		byNumber: map[uint64]common.Hash{0: genesis},
		byHash:   map[common.Hash]uint64{genesis: 0},
		headers:  make(map[common.Hash]*types.Header),
		blocks:   make(map[common.Hash]*types.Block),
	}
}

func (c *fakeChain) insert(h *types.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := h.Hash()
	num := h.Number.Uint64()
	c.byNumber[num] = hash
	c.byHash[hash] = num
	c.headers[hash] = h
	c.blocks[hash] = types.NewBlockWithHeader(h)
	if num > c.current {
		c.current = num
	}
}

func (c *fakeChain) IsKnown(hash common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byHash[hash]
	return ok
}
func (c *fakeChain) GetNumber(hash common.Hash) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byHash[hash]
	return n, ok
}
func (c *fakeChain) CurrentNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
func (c *fakeChain) NumberToHash(number uint64) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byNumber[number]
	return h, ok
}
func (c *fakeChain) GetHeader(hash common.Hash) (*types.Header, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.headers[hash]
	return h, ok
}
func (c *fakeChain) GetBlock(hash common.Hash) (*types.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[hash]
	return b, ok
}
func (c *fakeChain) GetReceipts(common.Hash) (types.Receipts, bool) { return nil, false }
// TreeRoute assumes a single canonical chain (no forks), matching what
// this fake ever builds: it walks from just after fromHash's number up to
// toHash's number.
func (c *fakeChain) TreeRoute(fromHash, toHash common.Hash) ([]common.Hash, common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fromNum, fromOK := c.byHash[fromHash]
	toNum, toOK := c.byHash[toHash]
	if !toOK {
		return nil, common.Hash{}, false
	}
	if !fromOK {
		fromNum = 0
	}
	if toNum <= fromNum {
		return nil, fromHash, true
	}
	route := make([]common.Hash, 0, toNum-fromNum)
	for n := fromNum + 1; n <= toNum; n++ {
		h, ok := c.byNumber[n]
		if !ok {
			break
		}
		route = append(route, h)
	}
	return route, fromHash, true
}
func (c *fakeChain) CurrentHash() common.Hash        { return c.genesis }
func (c *fakeChain) GenesisHash() common.Hash        { return c.genesis }
func (c *fakeChain) ChainStartBlockNumber() uint64   { return 0 }
func (c *fakeChain) TotalDifficulty(common.Hash) (*big.Int, bool) {
	return big.NewInt(1), true
}

type fakeWriter struct{}

func (fakeWriter) InsertBlock(*types.Block, types.Receipts) error { return nil }

type fakeSeal struct{}

func (fakeSeal) VerifyHeader(*types.Header) error { return nil }
func (fakeSeal) VerifyUncles(*types.Block) error  { return nil }

type fakePool struct {
	mu  sync.Mutex
	txs map[common.Hash]*types.Transaction
}

func newFakePool() *fakePool { return &fakePool{txs: make(map[common.Hash]*types.Transaction)} }
func (p *fakePool) Has(hash common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.txs[hash]
	return ok
}
func (p *fakePool) Get(hash common.Hash) *types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txs[hash]
}
func (p *fakePool) Pending(int) []*types.Transaction { return nil }

// AddRemotes reports AddTxKnown for a transaction already held, AddTxMalformed
// for one whose value is exactly zero (the test's stand-in for "invalid"),
// and AddTxSuccess otherwise.
func (p *fakePool) AddRemotes(txs []*types.Transaction) []ethcontract.AddTxResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	results := make([]ethcontract.AddTxResult, len(txs))
	for i, tx := range txs {
		switch {
		case p.txs[tx.Hash()] != nil:
			results[i] = ethcontract.AddTxKnown
		case tx.Value() != nil && tx.Value().Sign() == 0:
			results[i] = ethcontract.AddTxMalformed
		default:
			p.txs[tx.Hash()] = tx
			results[i] = ethcontract.AddTxSuccess
		}
	}
	return results
}
func (p *fakePool) SubscribeNewTxsEvent(chan<- ethcontract.NewTxsEvent) event.Subscription {
	return nil
}

func buildHeaders(parent common.Hash, parentNumber uint64, n int) []*types.Header {
	headers := make([]*types.Header, 0, n)
	baseTime := uint64(time.Now().Unix()) - 1000
	for i := 0; i < n; i++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     new(big.Int).SetUint64(parentNumber + uint64(i) + 1),
			Difficulty: big.NewInt(1),
			GasLimit:   8_000_000,
			Time:       baseTime + uint64(i),
			TxHash:     types.EmptyTxsHash,
			UncleHash:  types.EmptyUncleHash,
		}
		headers = append(headers, h)
		parent = h.Hash()
	}
	return headers
}

func newTestHandler(t *testing.T) (*Handler, *fakeChain, *Set) {
	t.Helper()
	chain := newFakeChain()
	q := blockqueue.New(blockqueue.Config{VerifierThreads: 1}, chain, fakeSeal{})
	peers := NewSet()
	s := chainsync.New(chainsync.Config{GenesisHash: chain.genesis}, chain, fakeWriter{}, q, peers)
	t.Cleanup(func() { s.Close(); q.Stop() })
	return NewHandler(1, chain.genesis, chain, newFakePool(), s, peers), chain, peers
}

func TestAnswerGetBlockHeadersByNumber(t *testing.T) {
	h, chain, _ := newTestHandler(t)
	headers := buildHeaders(chain.genesis, 0, 5)
	for _, hd := range headers {
		chain.insert(hd)
	}

	sender := &fakeSender{}
	p := NewPeer("p1", sender)
	defer p.Close()

	err := h.answerGetBlockHeaders(p, &GetBlockHeadersPacket{
		Origin: HashOrNumber{Number: 1},
		Amount: 3,
	})
	require.NoError(t, err)
	require.Contains(t, sender.sent, uint64(BlockHeadersMsg))
}

func TestAnswerGetBlockHeadersByHash(t *testing.T) {
	h, chain, _ := newTestHandler(t)
	headers := buildHeaders(chain.genesis, 0, 3)
	for _, hd := range headers {
		chain.insert(hd)
	}

	sender := &fakeSender{}
	p := NewPeer("p1", sender)
	defer p.Close()

	err := h.answerGetBlockHeaders(p, &GetBlockHeadersPacket{
		Origin: HashOrNumber{Hash: headers[0].Hash()},
		Amount: 2,
	})
	require.NoError(t, err)
	require.Contains(t, sender.sent, uint64(BlockHeadersMsg))
}

func TestAnswerGetBlockHeadersHashWalkWithinRecentWindow(t *testing.T) {
	h, chain, _ := newTestHandler(t)
	headers := buildHeaders(chain.genesis, 0, 5)
	for _, hd := range headers {
		chain.insert(hd)
	}
	// Detach the tip header's number index entry so only a parent-hash walk
	// — not a NumberToHash lookup — can serve this request.
	tip := headers[len(headers)-1]
	delete(chain.byNumber, tip.Number.Uint64())

	sender := &fakeSender{}
	p := NewPeer("p1", sender)
	defer p.Close()

	err := h.answerGetBlockHeaders(p, &GetBlockHeadersPacket{
		Origin:  HashOrNumber{Hash: tip.Hash()},
		Amount:  3,
		Reverse: true,
	})
	require.NoError(t, err)
	require.Contains(t, sender.sent, uint64(BlockHeadersMsg))

	sender.mu.Lock()
	got, ok := sender.data[len(sender.data)-1].(BlockHeadersPacket)
	sender.mu.Unlock()
	require.True(t, ok)
	require.Len(t, got, 3)
	require.Equal(t, tip.Hash(), got[0].Hash())
}

func TestAnswerGetBlockHeadersUnknownHash(t *testing.T) {
	h, _, _ := newTestHandler(t)
	sender := &fakeSender{}
	p := NewPeer("p1", sender)
	defer p.Close()

	err := h.answerGetBlockHeaders(p, &GetBlockHeadersPacket{
		Origin: HashOrNumber{Hash: common.HexToHash("0xdeadbeef")},
		Amount: 5,
	})
	require.NoError(t, err)
	require.Contains(t, sender.sent, uint64(BlockHeadersMsg))
}

func TestHandleNewBlockHashesForwardsUnknownToSync(t *testing.T) {
	h, chain, peers := newTestHandler(t)
	sender := &fakeSender{}
	p := NewPeer("p1", sender)
	peers.Register(p)
	defer p.Close()

	unknown := common.HexToHash("0xcafebabe")
	req := NewBlockHashesPacket{{Hash: unknown, Number: 42}}
	err := h.handleNewBlockHashes(p, req)
	require.NoError(t, err)
	require.True(t, p.KnowsBlock(unknown))
	require.Equal(t, chainsync.AskingHeaders, p.Asking(), "an unknown announced hash must force a header request against the announcer")
	_ = chain
}

type fakeHost struct {
	mu      sync.Mutex
	id      string
	sent    []uint64
	rating  int
	disced  bool
	ready   bool
	scheduled int
}

func (h *fakeHost) Prep(peerID string) bool { return h.ready }
func (h *fakeHost) SealAndSend(peerID string, msgcode uint64, data interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msgcode)
	return nil
}
func (h *fakeHost) UpdateRating(peerID string, delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rating += delta
}
func (h *fakeHost) Disconnect(peerID string, reason ethcontract.DisconnectReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disced = true
}
func (h *fakeHost) ScheduleExecution(delay time.Duration, fn func()) {
	h.mu.Lock()
	h.scheduled++
	h.mu.Unlock()
	// Only record the call; fn is never run, so RunWatchdog does not
	// recurse and the test stays deterministic.
}
func (h *fakeHost) PeerSessionInfo(peerID string) (ethcontract.PeerSessionInfo, bool) {
	if peerID != h.id {
		return ethcontract.PeerSessionInfo{}, false
	}
	return ethcontract.PeerSessionInfo{ID: h.id, Address: "127.0.0.1:30303"}, true
}
func (h *fakeHost) ForEachPeer(fn func(peerID string) bool) {
	fn(h.id)
}

func TestHostConnPrepGatesSend(t *testing.T) {
	host := &fakeHost{id: "p1", ready: false}
	p := NewPeerFromHost("p1", host)
	defer p.Close()

	require.Error(t, p.RequestHeaderByHash(common.HexToHash("0x01")))

	host.ready = true
	require.NoError(t, p.RequestHeaderByHash(common.HexToHash("0x01")))
	require.Contains(t, host.sent, uint64(GetBlockHeadersMsg))
}

func TestHandlerRunWatchdogUsesHostScheduler(t *testing.T) {
	h, _, peers := newTestHandler(t)
	host := &fakeHost{id: "p1", ready: true}
	p := NewPeerFromHost("p1", host)
	peers.Register(p)
	defer p.Close()

	h.RunWatchdog(host, time.Millisecond)
	require.Equal(t, 1, host.scheduled)
}

func TestHandlerLogPeerSessions(t *testing.T) {
	h, _, peers := newTestHandler(t)
	host := &fakeHost{id: "p1", ready: true}
	p := NewPeerFromHost("p1", host)
	peers.Register(p)
	defer p.Close()

	// Must not panic when combining host session info with peer state.
	h.LogPeerSessions(host)
}

func TestMaintainBlocksSendsFullBlockToSubsetAndAnnouncesRest(t *testing.T) {
	h, chain, peers := newTestHandler(t)
	headers := buildHeaders(chain.genesis, 0, 1)
	chain.insert(headers[0])
	block1 := headers[0].Hash()

	const n = 5
	senders := make([]*fakeSender, n)
	for i := range senders {
		senders[i] = &fakeSender{}
		p := NewPeer(fmt.Sprintf("p%d", i), senders[i])
		peers.Register(p)
		t.Cleanup(p.Close)
	}

	h.maintainBlocks(block1)

	var sentFull, announced int
	require.Eventually(t, func() bool {
		sentFull, announced = 0, 0
		for _, s := range senders {
			s.mu.Lock()
			for _, code := range s.sent {
				switch code {
				case uint64(NewBlockMsg):
					sentFull++
				case uint64(NewBlockHashesMsg):
					announced++
				}
			}
			s.mu.Unlock()
		}
		return sentFull+announced == n
	}, time.Second, 5*time.Millisecond)

	// max(minBlockBroadcastPeers, sqrt(5)) == 4, leaving 1 peer announce-only.
	require.Equal(t, minBlockBroadcastPeers, sentFull)
	require.Equal(t, n-minBlockBroadcastPeers, announced)
}

func TestMaintainBlocksSkipsLargeGaps(t *testing.T) {
	h, chain, peers := newTestHandler(t)
	headers := buildHeaders(chain.genesis, 0, maxNewBlocksPerBroadcast+1)
	for _, hd := range headers {
		chain.insert(hd)
	}
	last := headers[len(headers)-1].Hash()

	sender := &fakeSender{}
	p := NewPeer("p1", sender)
	peers.Register(p)
	defer p.Close()

	h.maintainBlocks(last)

	time.Sleep(20 * time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Empty(t, sender.sent, "a jump spanning more than maxNewBlocksPerBroadcast must not trigger per-block gossip")
}

func newTestTx(nonce uint64, value int64) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		Value:    big.NewInt(value),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
}

func TestHandleTransactionsAppliesThreeWayRating(t *testing.T) {
	h, _, _ := newTestHandler(t)
	pool := newFakePool()
	h.pool = pool

	known := newTestTx(0, 1)
	pool.txs[known.Hash()] = known
	fresh := newTestTx(1, 1)
	malformed := newTestTx(2, 0)

	sender := &fakeSender{}
	p := NewPeer("p1", sender)
	defer p.Close()

	h.handleTransactions(p, []*types.Transaction{known, fresh, malformed})

	sender.mu.Lock()
	rating := sender.rating
	sender.mu.Unlock()
	require.Equal(t, ratingTxSuccess+ratingTxMalformed, rating)
	require.True(t, p.KnowsTransaction(known.Hash()))
	require.True(t, p.KnowsTransaction(fresh.Hash()))
	require.True(t, p.KnowsTransaction(malformed.Hash()))
}

func TestHandleMessageNewBlockMarksSenderWithoutRelaying(t *testing.T) {
	h, chain, peers := newTestHandler(t)
	headers := buildHeaders(chain.genesis, 0, 1)
	block := types.NewBlockWithHeader(headers[0])

	recv := &fakeSender{}
	other := NewPeer("other", &fakeSender{})
	peers.Register(NewPeer("recv", recv))
	peers.Register(other)
	defer other.Close()

	packet := &NewBlockPacket{Block: block, TD: big.NewInt(2)}
	data, err := rlp.EncodeToBytes(packet)
	require.NoError(t, err)

	sender := NewPeer("sender", &fakeSender{})
	defer sender.Close()
	require.NoError(t, h.HandleMessage(sender, NewBlockMsg, data))
	require.True(t, sender.KnowsBlock(block.Hash()))
	// Outbound gossip is driven by chain-tip changes (RunBlockPropagationLoop),
	// not by receiving a NewBlock, so no other peer learns the block here.
	require.False(t, other.KnowsBlock(block.Hash()))
}
