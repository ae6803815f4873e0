package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"CallWave/config"
	"CallWave/internal/orchestrator"
	"CallWave/internal/pace"
	"CallWave/internal/queue"
	"CallWave/internal/ratelimit"
	"CallWave/internal/selector"
	pkgdatabase "CallWave/pkg/database"
	"CallWave/pkg/logger"
	"CallWave/pkg/metrics"
	mqotel "CallWave/pkg/mq"
	pkgotel "CallWave/pkg/otel"
	"CallWave/pkg/predictor"
	pkgredis "CallWave/pkg/redis"
	"CallWave/pkg/snowflake"
	"CallWave/storage"
	"CallWave/storage/database"
	"CallWave/storage/redis"
)

// 编排进程是控制面单例：活动生命周期推进、批量筛选派发、自适应调速都在这里跑。
// 拨号数据面（worker）可以水平扩，这个进程只起一个。
func main() {

	logger.Init()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Logger.Info("Orchestrator received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	if config.Cfg.OTLPEndpoint != "" {
		shutdown, err := pkgotel.InitOpenTelemetry(ctx, pkgotel.Config{
			ServiceName:    config.Cfg.ServiceName + "-orchestrator",
			ServiceVersion: config.Cfg.ServiceVersion,
			Environment:    config.Cfg.Environment,
			OTLPEndpoint:   config.Cfg.OTLPEndpoint,
		})
		if err != nil {
			logger.Logger.Warn("Failed to initialize OpenTelemetry, telemetry disabled", zap.Error(err))
		} else {
			defer shutdown(context.Background())
		}
	}
	if err := initInstruments(); err != nil {
		logger.Logger.Fatal("Failed to initialize metric instruments", zap.Error(err))
	}

	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage for orchestrator", zap.Error(err))
	}
	defer storage.Close()

	if err := snowflake.Init(config.Cfg.SnowflakeMachineID, config.Cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake for orchestrator", zap.Error(err))
	}

	predictor.Init()

	newMessageID := func() string {
		id, _ := snowflake.NextString()
		return id
	}

	sel := selector.New(database.DB(), queue.PublishDialTask, newMessageID, config.Cfg.DialBatchSize)
	prio := selector.NewPrioritizer(database.DB(), predictor.GetClient())

	orch := orchestrator.Get(database.DB(), sel, prio)
	go orch.Run(ctx)

	// 调速器：限速值放在 Redis，worker 的准入实时读到
	limiter := ratelimit.NewLimiter(redis.Client(), config.Cfg.DialGlobalCPS)
	controller := pace.NewController(limiter, database.DB(), pace.NewSampler())
	go controller.Run(ctx)

	logger.Logger.Info("Orchestrator service starting",
		zap.String("service", config.Cfg.ServiceName+"-orchestrator"),
		zap.String("environment", config.Cfg.Environment),
	)

	<-ctx.Done()

	logger.Logger.Info("Orchestrator service shutting down gracefully")
}

func initInstruments() error {
	meter := otel.Meter(config.Cfg.ServiceName)

	if err := pkgdatabase.InitDatabaseMetrics(meter); err != nil {
		return err
	}
	if err := pkgredis.InitRedisMetrics(meter); err != nil {
		return err
	}
	if err := mqotel.InitMQMetrics(meter); err != nil {
		return err
	}
	return metrics.InitMetrics()
}
