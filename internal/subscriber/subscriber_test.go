package subscriber

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RedBird96/detect-amm-imbalance/internal/config"
)

type sinkCall struct {
	pool   common.Address
	r0, r1 *big.Int
}

type mockSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (m *mockSink) UpdateAndEvaluate(pool common.Address, r0, r1 *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sinkCall{pool: pool, r0: r0, r1: r1})
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakeSubscription struct {
	errc chan error
}

func (s *fakeSubscription) Unsubscribe()      {}
func (s *fakeSubscription) Err() <-chan error { return s.errc }

type fakeBackend struct {
	mu      sync.Mutex
	queries []ethereum.FilterQuery
	streams []chan<- gethtypes.Log
	subs    []*fakeSubscription
}

func (b *fakeBackend) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSubscription{errc: make(chan error, 1)}
	b.queries = append(b.queries, q)
	b.streams = append(b.streams, ch)
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *fakeBackend) Close() {}

func (b *fakeBackend) subCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBackend) push(i int, lg gethtypes.Log) {
	b.mu.Lock()
	ch := b.streams[i]
	b.mu.Unlock()
	ch <- lg
}

func (b *fakeBackend) breakConn(i int) {
	b.mu.Lock()
	sub := b.subs[i]
	b.mu.Unlock()
	sub.errc <- errors.New("connection reset")
}

func poolAddrs(n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		out[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
	}
	return out
}

func newTestConfig(batchSize int) *config.Config {
	cfg := &config.Config{}
	cfg.Engine.BatchSize = batchSize
	cfg.Timings.ReconnectMs = 20
	cfg.Timings.SubscribeDelayMs = 1
	cfg.Timings.DedupCapacity = 1024
	cfg.Timings.DedupTTLMs = 300_000
	cfg.Timings.DispatchWorkers = 5
	cfg.Timings.EventBufferLength = 64
	return cfg
}

func newTestSubscriber(t *testing.T, be *fakeBackend, pools []common.Address, batchSize int, sink Sink) *Subscriber {
	t.Helper()
	s, err := New(newTestConfig(batchSize), pools, sink, zap.NewNop(),
		WithDialer(func(ctx context.Context, url string) (Backend, error) { return be, nil }))
	require.NoError(t, err)
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func syncData(r0, r1 int64) []byte {
	out := make([]byte, 0, 64)
	out = append(out, common.LeftPadBytes(big.NewInt(r0).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(r1).Bytes(), 32)...)
	return out
}

func TestBatchTopology(t *testing.T) {
	be := &fakeBackend{}
	sink := &mockSink{}
	s := newTestSubscriber(t, be, poolAddrs(5), 2, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	waitFor(t, func() bool { return be.subCount() == 3 }, "expected 3 batch subscriptions")

	be.mu.Lock()
	sizes := []int{len(be.queries[0].Addresses), len(be.queries[1].Addresses), len(be.queries[2].Addresses)}
	topic := be.queries[0].Topics[0][0]
	be.mu.Unlock()
	assert.ElementsMatch(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, s.syncTopic, topic)
	assert.Equal(t,
		common.HexToHash("0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"),
		topic, "topic0 must be keccak256 of Sync(uint112,uint112)")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestDispatchAndDedup(t *testing.T) {
	be := &fakeBackend{}
	sink := &mockSink{}
	pools := poolAddrs(2)
	s := newTestSubscriber(t, be, pools, 10, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, func() bool { return be.subCount() == 1 }, "no subscription")

	tx := common.HexToHash("0xabc1")
	lg := gethtypes.Log{Address: pools[0], TxHash: tx, Data: syncData(1000, 2000)}
	be.push(0, lg)
	waitFor(t, func() bool { return sink.count() == 1 }, "first event not dispatched")

	// identical tx hash must be suppressed
	be.push(0, lg)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	// a fresh hash goes through
	lg2 := lg
	lg2.TxHash = common.HexToHash("0xabc2")
	be.push(0, lg2)
	waitFor(t, func() bool { return sink.count() == 2 }, "second event not dispatched")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, pools[0], sink.calls[0].pool)
	assert.Equal(t, big.NewInt(1000), sink.calls[0].r0)
	assert.Equal(t, big.NewInt(2000), sink.calls[0].r1)
}

func TestUndecodableLogSkipped(t *testing.T) {
	be := &fakeBackend{}
	sink := &mockSink{}
	pools := poolAddrs(1)
	s := newTestSubscriber(t, be, pools, 10, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, func() bool { return be.subCount() == 1 }, "no subscription")

	be.push(0, gethtypes.Log{Address: pools[0], TxHash: common.HexToHash("0xdead"), Data: []byte{1, 2, 3}})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.count())

	// the pipeline keeps flowing afterwards
	be.push(0, gethtypes.Log{Address: pools[0], TxHash: common.HexToHash("0xbeef"), Data: syncData(5, 6)})
	waitFor(t, func() bool { return sink.count() == 1 }, "valid event after bad one not dispatched")
}

func TestReconnect(t *testing.T) {
	be := &fakeBackend{}
	sink := &mockSink{}
	pools := poolAddrs(1)
	s := newTestSubscriber(t, be, pools, 10, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitFor(t, func() bool { return be.subCount() == 1 }, "no subscription")

	be.breakConn(0)
	waitFor(t, func() bool { return be.subCount() == 2 }, "batch did not reconnect")

	// events on the new connection still reach the sink
	be.push(1, gethtypes.Log{Address: pools[0], TxHash: common.HexToHash("0x111"), Data: syncData(7, 8)})
	waitFor(t, func() bool { return sink.count() == 1 }, "event after reconnect not dispatched")
}

func TestDecodeSync(t *testing.T) {
	s, err := New(newTestConfig(1), nil, &mockSink{}, zap.NewNop())
	require.NoError(t, err)

	r0, r1, err := s.decodeSync(syncData(123, 456))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(123), r0)
	assert.Equal(t, big.NewInt(456), r1)

	_, _, err = s.decodeSync([]byte("nonsense"))
	assert.Error(t, err)
}
