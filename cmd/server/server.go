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
	"CallWave/internal/middleware"
	"CallWave/internal/router"
	pkgdatabase "CallWave/pkg/database"
	"CallWave/pkg/logger"
	"CallWave/pkg/metrics"
	mqotel "CallWave/pkg/mq"
	pkgotel "CallWave/pkg/otel"
	pkgredis "CallWave/pkg/redis"
	"CallWave/storage"
)

func main() {
	// 日志部分
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

	// OTLP endpoint 配置了才导出遥测，指标注册在任何情况下都要做，
	// 否则中间件和存储层的计数器是 nil
	if config.Cfg.OTLPEndpoint != "" {
		shutdown, err := pkgotel.InitOpenTelemetry(ctx, pkgotel.Config{
			ServiceName:    config.Cfg.ServiceName + "-api",
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

	// 初始化存储层，记得关闭外部连接
	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close()

	logger.Logger.Info("API server starting",
		zap.String("service", config.Cfg.ServiceName),
		zap.String("port", config.Cfg.ServerPort),
		zap.String("environment", config.Cfg.Environment),
	)

	addr := net.JoinHostPort(config.Cfg.ServerHost, config.Cfg.ServerPort)
	h := server.Default(server.WithHostPorts(addr))

	router.Register(h)

	// 优雅关闭：在单独的 goroutine 中监听关闭信号并调用 Shutdown
	go func() {
		<-ctx.Done()
		logger.Logger.Info("Initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		}
	}()

	logger.Logger.Info("HTTP server listening", zap.String("addr", addr))

	h.Spin()

	logger.Logger.Info("Server shutting down gracefully")
}

// initInstruments 注册所有指标仪表。没有 MeterProvider 时落到 noop，开销可忽略。
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
