package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RedBird96/detect-amm-imbalance/internal/broadcaster"
	"github.com/RedBird96/detect-amm-imbalance/internal/config"
	"github.com/RedBird96/detect-amm-imbalance/internal/connectors/redisfeed"
	"github.com/RedBird96/detect-amm-imbalance/internal/evaluator"
	"github.com/RedBird96/detect-amm-imbalance/internal/hydrator"
	"github.com/RedBird96/detect-amm-imbalance/internal/metrics"
	"github.com/RedBird96/detect-amm-imbalance/internal/store"
	"github.com/RedBird96/detect-amm-imbalance/internal/subscriber"
	"github.com/RedBird96/detect-amm-imbalance/internal/viewer"
)

func newRussianLogger(logFile string) (*zap.Logger, error) {
	ruLevel := func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		switch l {
		case zapcore.DebugLevel:
			enc.AppendString("debug")
		case zapcore.InfoLevel:
			enc.AppendString("info")
		case zapcore.WarnLevel:
			enc.AppendString("warning")
		case zapcore.ErrorLevel:
			enc.AppendString("error")
		case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
			enc.AppendString("fatality")
		default:
			enc.AppendString(l.String())
		}
	}
	ruTime := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	}

	outputs := []string{"stdout"}
	if logFile != "" {
		outputs = append(outputs, logFile)
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.DebugLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "время",
			LevelKey:       "уровень",
			NameKey:        "лог",
			CallerKey:      "файл",
			MessageKey:     "сообщение",
			StacktraceKey:  "стек",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    ruLevel,
			EncodeTime:     ruTime,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "./config.yaml", "путь к конфигу")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ошибка загрузки конфига:", err)
		os.Exit(1)
	}

	logger, err := newRussianLogger(cfg.Log.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Warn("получен сигнал, выходим…")
		cancel()
	}()

	metrics.Serve(ctx, cfg.Metrics.ListenAddr, nil, logger)

	// 1. Store
	st := store.New(logger)
	if err := st.Load(cfg.Catalog.DBName); err != nil {
		logger.Fatal("ошибка загрузки каталога", zap.Error(err))
	}

	// 2. Evaluator
	eval, err := evaluator.New(st, cfg, logger)
	if err != nil {
		logger.Fatal("инициализация evaluator", zap.Error(err))
	}

	// 3. Broadcaster + wiring RateUpdate → broadcast
	bc := broadcaster.New(logger)
	if err := bc.Start(cfg.Server.Port); err != nil {
		logger.Fatal("инициализация broadcast-сервера", zap.Error(err))
	}

	var pub *redisfeed.Publisher
	if cfg.Redis.Addr != "" {
		pub = redisfeed.NewPublisher(cfg)
		logger.Info("redis feed enabled", zap.String("addr", cfg.Redis.Addr))
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for upd := range eval.Updates() {
			bc.Broadcast(upd)
			if pub != nil {
				if err := pub.PublishRateUpdate(ctx, upd); err != nil {
					logger.Warn("redis publish failed", zap.Error(err))
				}
			}
		}
	}()

	// 4. Hydrate, then subscribe
	hydrate(ctx, cfg, st, logger)

	sub, err := subscriber.New(cfg, st.Pools(), eval, logger)
	if err != nil {
		logger.Fatal("инициализация subscriber", zap.Error(err))
	}

	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		sub.Run(ctx)
	}()

	logger.Info("движок запущен",
		zap.Int("port", cfg.Server.Port),
		zap.Int("batch_size", cfg.Engine.BatchSize),
		zap.String("base", cfg.Engine.StartCurrency),
		zap.Float64("fee_percent", cfg.Engine.FeePercent),
	)

	<-ctx.Done()

	// порядок остановки: подписки → evaluator → broadcast
	<-subDone
	eval.Quiesce()
	eval.Close()
	<-pumpDone
	bc.Close()
	if pub != nil {
		_ = pub.Close()
	}
	logger.Info("движок остановлен")
}

// hydrate performs the one-shot reserve read. Any failure here is local:
// pools keep zero reserves until their first Sync event.
func hydrate(ctx context.Context, cfg *config.Config, st *store.Store, logger *zap.Logger) {
	if cfg.Engine.ViewerAddress == "" {
		logger.Warn("viewer address not set; skipping hydration")
		return
	}
	viewerAddr, err := store.ParseAddress(cfg.Engine.ViewerAddress)
	if err != nil {
		logger.Warn("bad viewer address; skipping hydration", zap.Error(err))
		return
	}

	ec, err := ethclient.DialContext(ctx, cfg.HTTPEndpoint())
	if err != nil {
		logger.Warn("HTTP endpoint unavailable; skipping hydration", zap.Error(err))
		return
	}
	defer ec.Close()

	vc, err := viewer.New(ec, viewerAddr)
	if err != nil {
		logger.Warn("viewer init failed; skipping hydration", zap.Error(err))
		return
	}

	hydrator.New(st, vc, cfg.Engine.BatchSize, logger).Hydrate(ctx)
}
