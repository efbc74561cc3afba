package redisfeed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RedBird96/detect-amm-imbalance/internal/config"
	"github.com/RedBird96/detect-amm-imbalance/internal/types"
)

func TestPublishRateUpdate(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	p := NewPublisher(cfg)
	defer p.Close()

	ctx := context.Background()
	upd := types.RateUpdate{
		PathID:          "7",
		PathDescription: "WETH -> DAI -> WETH",
		Rate:            -0.004,
		Ts:              time.UnixMilli(1700000000000),
	}
	require.NoError(t, p.PublishRateUpdate(ctx, upd))

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	n, err := rdb.XLen(ctx, "rate:stream").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := rdb.XRange(ctx, "rate:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "7", msgs[0].Values["pathId"])
	assert.Equal(t, "WETH -> DAI -> WETH", msgs[0].Values["pathDescription"])
	assert.Equal(t, "-0.004", msgs[0].Values["rate"])

	score, err := rdb.ZScore(ctx, "rate:active", "7").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(1700000000000), score)
}

func TestPublisher_CustomStream(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Stream = "custom:stream"
	p := NewPublisher(cfg)
	defer p.Close()

	require.NoError(t, p.PublishRateUpdate(context.Background(), types.RateUpdate{PathID: "1", Ts: time.Now()}))

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	n, err := rdb.XLen(context.Background(), "custom:stream").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
