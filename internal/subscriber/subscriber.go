package subscriber

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RedBird96/detect-amm-imbalance/internal/config"
	"github.com/RedBird96/detect-amm-imbalance/internal/metrics"
	"github.com/RedBird96/detect-amm-imbalance/internal/store"
)

const pairABI = `[
{
    "anonymous": false,
    "inputs": [
        {
            "indexed": false,
            "internalType": "uint112",
            "name": "reserve0",
            "type": "uint112"
        },
        {
            "indexed": false,
            "internalType": "uint112",
            "name": "reserve1",
            "type": "uint112"
        }
    ],
    "name": "Sync",
    "type": "event"
}
]`

// Sink receives every deduplicated, decoded Sync event.
type Sink interface {
	UpdateAndEvaluate(pool common.Address, r0, r1 *big.Int)
}

// Backend is the slice of the streaming client the subscriber needs; tests
// substitute a fake, production uses *ethclient.Client as-is.
type Backend interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
	Close()
}

type DialFunc func(ctx context.Context, url string) (Backend, error)

func dialWS(ctx context.Context, url string) (Backend, error) {
	return ethclient.DialContext(ctx, url)
}

type job struct {
	pool   common.Address
	r0, r1 *big.Int
}

// Subscriber opens one long-lived connection per pool batch, installs a Sync
// log filter on each, and feeds deduplicated events into a bounded worker
// pool. A broken batch reconnects on its own timer without touching the
// others.
type Subscriber struct {
	wsURL     string
	pools     []common.Address
	batchSize int
	reconnect time.Duration
	stagger   time.Duration
	workers   int

	sink Sink
	dial DialFunc

	abi       abi.ABI
	syncTopic common.Hash
	seen      *lru.LRU[common.Hash, struct{}]
	jobs      chan job
	log       *zap.Logger
}

type Option func(*Subscriber)

// WithDialer replaces the websocket dialer, for tests.
func WithDialer(d DialFunc) Option {
	return func(s *Subscriber) { s.dial = d }
}

func New(cfg *config.Config, pools []common.Address, sink Sink, log *zap.Logger, opts ...Option) (*Subscriber, error) {
	parsed, err := abi.JSON(strings.NewReader(pairABI))
	if err != nil {
		return nil, fmt.Errorf("bad pair abi: %w", err)
	}

	s := &Subscriber{
		wsURL:     cfg.WSEndpoint(),
		pools:     pools,
		batchSize: cfg.Engine.BatchSize,
		reconnect: cfg.ReconnectInterval(),
		stagger:   cfg.SubscribeDelay(),
		workers:   cfg.Timings.DispatchWorkers,
		sink:      sink,
		dial:      dialWS,
		abi:       parsed,
		syncTopic: parsed.Events["Sync"].ID,
		seen:      lru.NewLRU[common.Hash, struct{}](cfg.Timings.DedupCapacity, nil, cfg.DedupTTL()),
		jobs:      make(chan job, cfg.Timings.EventBufferLength),
		log:       log,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run blocks until ctx is cancelled and every batch connection and worker
// has drained.
func (s *Subscriber) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}

	batches := store.Partition(s.pools, s.batchSize)
	s.log.Info("подписка на Sync",
		zap.Int("pools", len(s.pools)),
		zap.Int("batches", len(batches)),
	)

launch:
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			s.runBatch(ctx, i, batch)
			return nil
		})
		// пауза между батчами, чтобы не упереться в лимиты endpoint'а
		select {
		case <-ctx.Done():
			break launch
		case <-time.After(s.stagger):
		}
	}

	_ = g.Wait()
	s.log.Info("subscriber stopped")
}

func (s *Subscriber) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			s.sink.UpdateAndEvaluate(j.pool, j.r0, j.r1)
		}
	}
}

// runBatch owns one connection for the life of the process. Any dial,
// subscribe, or stream error tears the connection down and retries after the
// reconnect interval; other batches are unaffected.
func (s *Subscriber) runBatch(ctx context.Context, idx int, batch []common.Address) {
	q := ethereum.FilterQuery{
		Addresses: batch,
		Topics:    [][]common.Hash{{s.syncTopic}},
	}

	for ctx.Err() == nil {
		client, err := s.dial(ctx, s.wsURL)
		if err != nil {
			s.log.Warn("batch dial failed", zap.Int("batch", idx), zap.Error(err))
			if !s.backoff(ctx) {
				return
			}
			continue
		}

		logs := make(chan gethtypes.Log, 256)
		sub, err := client.SubscribeFilterLogs(ctx, q, logs)
		if err != nil {
			client.Close()
			s.log.Warn("batch subscribe failed", zap.Int("batch", idx), zap.Error(err))
			if !s.backoff(ctx) {
				return
			}
			continue
		}

		s.log.Info("batch subscribed", zap.Int("batch", idx), zap.Int("size", len(batch)))
		s.consume(ctx, idx, sub, logs)
		sub.Unsubscribe()
		client.Close()

		if ctx.Err() != nil {
			return
		}
		metrics.Reconnects.Inc()
		if !s.backoff(ctx) {
			return
		}
	}
}

// consume returns when the subscription errors out or ctx is cancelled.
func (s *Subscriber) consume(ctx context.Context, idx int, sub ethereum.Subscription, logs <-chan gethtypes.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			s.log.Warn("batch connection lost", zap.Int("batch", idx), zap.Error(err))
			return
		case lg := <-logs:
			s.handleLog(ctx, lg)
		}
	}
}

func (s *Subscriber) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.reconnect):
		return true
	}
}

// handleLog dedups by transaction hash, decodes, and enqueues. The queue
// send blocks so the worker cap bounds dispatch concurrency.
func (s *Subscriber) handleLog(ctx context.Context, lg gethtypes.Log) {
	metrics.SyncEvents.Inc()

	if _, dup := s.seen.Get(lg.TxHash); dup {
		metrics.DuplicateEvents.Inc()
		return
	}
	s.seen.Add(lg.TxHash, struct{}{})

	r0, r1, err := s.decodeSync(lg.Data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		s.log.Warn("undecodable Sync log",
			zap.String("pool", strings.ToLower(lg.Address.Hex())),
			zap.String("tx", lg.TxHash.Hex()),
			zap.Error(err),
		)
		return
	}

	select {
	case <-ctx.Done():
	case s.jobs <- job{pool: lg.Address, r0: r0, r1: r1}:
	}
}

func (s *Subscriber) decodeSync(data []byte) (*big.Int, *big.Int, error) {
	vals, err := s.abi.Unpack("Sync", data)
	if err != nil {
		return nil, nil, err
	}
	if len(vals) != 2 {
		return nil, nil, fmt.Errorf("sync: got %d values", len(vals))
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("sync: unexpected value types")
	}
	return r0, r1, nil
}
