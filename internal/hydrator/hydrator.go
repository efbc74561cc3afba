package hydrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/RedBird96/detect-amm-imbalance/internal/metrics"
	"github.com/RedBird96/detect-amm-imbalance/internal/store"
	"github.com/RedBird96/detect-amm-imbalance/internal/viewer"
)

// Hydrator performs the one-shot batched reserve read that runs after the
// catalog is loaded and before any subscription is opened.
type Hydrator struct {
	st        *store.Store
	vc        viewer.IClient
	batchSize int
	log       *zap.Logger
}

func New(st *store.Store, vc viewer.IClient, batchSize int, log *zap.Logger) *Hydrator {
	return &Hydrator{st: st, vc: vc, batchSize: batchSize, log: log}
}

// Hydrate walks every known pool in fixed-size batches. A failed batch is
// logged and skipped; its pools keep zero reserves until the first Sync.
func (h *Hydrator) Hydrate(ctx context.Context) {
	pools := h.st.Pools()
	batches := store.Partition(pools, h.batchSize)

	h.log.Info("гидратация резервов",
		zap.Int("pools", len(pools)),
		zap.Int("batches", len(batches)),
	)

	for i, batch := range batches {
		if ctx.Err() != nil {
			h.log.Warn("hydration aborted", zap.Int("batch", i))
			return
		}

		reserves, err := h.vc.ViewPair(ctx, batch)
		if err != nil {
			h.log.Warn("hydration batch failed; skipping",
				zap.Int("batch", i),
				zap.Int("size", len(batch)),
				zap.String("first", strings.ToLower(batch[0].Hex())),
				zap.Error(err),
			)
			metrics.HydrationBatchErrors.Inc()
			continue
		}

		for j, pool := range batch {
			h.st.SetReserves(pool, reserves[2*j], reserves[2*j+1])
		}
		metrics.HydratedPools.Add(float64(len(batch)))
	}
}
