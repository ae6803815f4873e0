package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"CallWave/config"
	"CallWave/internal/callsession"
	"CallWave/internal/dialer"
	"CallWave/internal/events"
	"CallWave/internal/handler"
	"CallWave/internal/middleware"
	"CallWave/internal/queue"
	"CallWave/internal/ratelimit"
	"CallWave/internal/router"
	pkgdatabase "CallWave/pkg/database"
	"CallWave/pkg/logger"
	"CallWave/pkg/metrics"
	mqotel "CallWave/pkg/mq"
	pkgotel "CallWave/pkg/otel"
	pkgredis "CallWave/pkg/redis"
	"CallWave/pkg/sms"
	"CallWave/pkg/snowflake"
	"CallWave/pkg/voice"
	"CallWave/storage"
	"CallWave/storage/database"
	"CallWave/storage/redis"
)

func main() {

	logger.Init()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Logger.Info("Received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	if config.Cfg.OTLPEndpoint != "" {
		shutdown, err := pkgotel.InitOpenTelemetry(ctx, pkgotel.Config{
			ServiceName:    config.Cfg.ServiceName + "-worker",
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
		logger.Logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close()

	if err := snowflake.Init(config.Cfg.SnowflakeMachineID, config.Cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake", zap.Error(err))
	}

	if err := sms.Init(); err != nil {
		logger.Logger.Warn("Failed to initialize SMS service", zap.Error(err))
		logger.Logger.Info("SMS follow-ups will fail until the provider is reachable")
	}

	if err := voice.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize voice provider", zap.Error(err))
	}

	newMessageID := func() string {
		id, _ := snowflake.NextString()
		return id
	}

	manager := callsession.NewManager(
		database.DB(),
		voice.GetClient(),
		queue.PublishCallEvent,
		newMessageID,
		time.Duration(config.Cfg.RingTimeoutSeconds)*time.Second,
		time.Duration(config.Cfg.IVRDigitTimeoutSeconds)*time.Second,
		config.Cfg.IVRInvalidInputCap,
	)
	handler.SetSessionManager(manager)

	limiter := ratelimit.NewLimiter(redis.Client(), config.Cfg.DialGlobalCPS)

	d := dialer.New(
		database.DB(),
		limiter,
		voice.GetClient(),
		manager,
		queue.PublishCallEvent,
		queue.PublishDelayedDialTask,
		newMessageID,
	)

	r := events.NewRouter(database.DB(), queue.PublishSMSTrigger, newMessageID)

	// 话务回调必须打到持有活跃会话的进程，worker 自己起回调服务
	addr := net.JoinHostPort(config.Cfg.ServerHost, config.Cfg.WorkerPort)
	h := server.Default(server.WithHostPorts(addr))
	router.RegisterTelephony(h)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("Failed to shutdown telephony callback server", zap.Error(err))
		}
	}()
	go h.Spin()

	logger.Logger.Info("Worker service starting",
		zap.String("service", config.Cfg.ServiceName+"-worker"),
		zap.String("telephony_callback_addr", addr),
		zap.String("environment", config.Cfg.Environment),
	)

	// 启动所有的消费者，阻塞到 ctx 取消
	queue.StartAllConsumers(ctx, d, r)

	// 等在途 IVR 会话跑完再退出，避免呼叫悬挂
	manager.Wait()

	logger.Logger.Info("Worker service shutting down gracefully")
}

func initInstruments() error {
	meter := otel.Meter(config.Cfg.ServiceName)

	if err := middleware.InitMetrics(meter); err != nil {
		return err
	}
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
