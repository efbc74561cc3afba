package redisfeed

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/RedBird96/detect-amm-imbalance/internal/config"
	"github.com/RedBird96/detect-amm-imbalance/internal/types"
)

type Publisher struct {
	rdb    *redis.Client
	stream string
}

func NewPublisher(cfg *config.Config) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})
	stream := cfg.Redis.Stream
	if stream == "" {
		stream = "rate:stream"
	}
	return &Publisher{rdb: rdb, stream: stream}
}

// PublishRateUpdate mirrors one rate update into the Redis stream and bumps
// the path in the active-set ZSET so consumers can find live cycles.
func (p *Publisher) PublishRateUpdate(ctx context.Context, u types.RateUpdate) error {
	tsMs := u.Ts.UnixMilli()
	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"pathId":          u.PathID,
			"pathDescription": u.PathDescription,
			"rate":            strconv.FormatFloat(u.Rate, 'g', -1, 64),
			"ts_ms":           tsMs,
		},
	}).Err(); err != nil {
		return err
	}
	// индекс «активных» путей
	return p.rdb.ZAdd(ctx, "rate:active", redis.Z{
		Score: float64(tsMs), Member: u.PathID,
	}).Err()
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}
