package pace

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"CallWave/config"
	"CallWave/internal/model"
	"CallWave/internal/ratelimit"
	"CallWave/pkg/logger"
	"CallWave/pkg/metrics"
)

// Controller 自适应调速。周期采样系统健康信号：
//   - 任一信号越限：全局 CPS 上限减半（不低于下限）。持续越限只砍一次，
//     信号回落后才允许再次减半
//   - 连续 N 个周期全部正常：上限 +1（不超过上限天花板）
//
// 新上限写进 Redis，所有 dialer worker 下一次准入立即生效。
// 每次变化恰好落一条 pace_adjustments 审计记录。
type Controller struct {
	limiter *ratelimit.Limiter
	db      *gorm.DB
	sampler interface {
		Sample(ctx context.Context) (HealthSample, error)
	}

	floor   int
	ceiling int

	cpuThreshold   float64
	memThreshold   float64
	maxActiveCalls int
	minAnswerRate  float64

	recoverySamples int
	nominalStreak   int

	// breached 减半后的闩锁：同一波持续越限只砍一刀，
	// 信号回落到正常后才允许再次减半
	breached bool

	interval time.Duration
	now      func() time.Time

	// audit 每次调整恰好写一条审计记录，注入以便测试
	audit func(ctx context.Context, adjustment *model.PaceAdjustment) error
}

func NewController(limiter *ratelimit.Limiter, db *gorm.DB, sampler *Sampler) *Controller {
	cfg := config.Cfg
	c := &Controller{
		limiter:         limiter,
		db:              db,
		sampler:         sampler,
		floor:           cfg.DialCPSFloor,
		ceiling:         cfg.DialCPSCeiling,
		cpuThreshold:    cfg.PaceCPUThreshold,
		memThreshold:    cfg.PaceMemThreshold,
		maxActiveCalls:  cfg.PaceMaxActiveCalls,
		minAnswerRate:   cfg.PaceMinAnswerRate,
		recoverySamples: cfg.PaceRecoverySamples,
		interval:        time.Duration(cfg.PaceSampleIntervalSeconds) * time.Second,
		now:             time.Now,
	}
	c.audit = func(ctx context.Context, adjustment *model.PaceAdjustment) error {
		return c.db.WithContext(ctx).Create(adjustment).Error
	}
	return c
}

// Run 调速主循环，ctx 取消时退出。
func (c *Controller) Run(ctx context.Context) {
	logger.Logger.Info("pace controller started",
		zap.Duration("interval", c.interval),
		zap.Int("floor", c.floor),
		zap.Int("ceiling", c.ceiling),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info("pace controller stopped")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	sample, err := c.sampler.Sample(ctx)
	if err != nil {
		// 采不到信号就维持现有限速，绝不在黑暗中调速
		logger.Logger.Warn("health sample failed, holding current limit", zap.Error(err))
		return
	}
	c.Evaluate(ctx, sample)
}

// Evaluate 用一份采样驱动一次调速决策。
func (c *Controller) Evaluate(ctx context.Context, sample HealthSample) {
	current, err := c.limiter.CurrentLimit(ctx)
	if err != nil {
		logger.Logger.Warn("failed to read current cps limit, holding", zap.Error(err))
		return
	}

	signal, value := c.breach(sample)
	if signal != "" {
		c.nominalStreak = 0

		if c.breached {
			// 这一波越限已经砍过一刀，减半后的上限先观察一个回落周期
			logger.Logger.Debug("health still breached, holding halved limit",
				zap.String("signal", signal),
				zap.Float64("value", value),
				zap.Int("limit", current),
			)
			return
		}
		c.breached = true

		next := current / 2
		if next < c.floor {
			next = c.floor
		}
		if next == current {
			// 已经贴着下限，只能扛着
			logger.Logger.Warn("health breach at cps floor, cannot reduce further",
				zap.String("signal", signal),
				zap.Float64("value", value),
				zap.Int("limit", current),
			)
			return
		}

		c.apply(ctx, current, next, signal, value)
		return
	}

	c.breached = false
	c.nominalStreak++
	if c.nominalStreak >= c.recoverySamples && current < c.ceiling {
		c.nominalStreak = 0
		c.apply(ctx, current, current+1, "recovery", sample.CPUUsage)
	}
}

// breach 返回第一个越限的信号名，全部正常返回空串。
func (c *Controller) breach(sample HealthSample) (string, float64) {
	if sample.CPUUsage > c.cpuThreshold {
		return "cpu", sample.CPUUsage
	}
	if sample.MemUsage > c.memThreshold {
		return "memory", sample.MemUsage
	}
	if c.maxActiveCalls > 0 && sample.ActiveCalls > c.maxActiveCalls {
		return "active_calls", float64(sample.ActiveCalls)
	}
	// 没有拨号样本时应答率无意义，跳过该信号
	if sample.Dials > 0 && sample.AnswerRate < c.minAnswerRate {
		return "answer_rate", sample.AnswerRate
	}
	return "", 0
}

func (c *Controller) apply(ctx context.Context, oldLimit, newLimit int, signal string, value float64) {
	if err := c.limiter.SetLimit(ctx, newLimit); err != nil {
		logger.Logger.Error("failed to apply new cps limit", zap.Error(err))
		return
	}

	logger.Logger.Info("cps limit adjusted",
		zap.Int("old_limit", oldLimit),
		zap.Int("new_limit", newLimit),
		zap.String("signal", signal),
		zap.Float64("value", value),
	)

	adjustment := model.PaceAdjustment{
		OldLimit:      oldLimit,
		NewLimit:      newLimit,
		TriggerSignal: signal,
		SampledValue:  value,
		AdjustedAt:    c.now(),
	}
	if err := c.audit(ctx, &adjustment); err != nil {
		logger.Logger.Error("failed to persist pace adjustment", zap.Error(err))
	}

	metrics.RecordPaceLimit(ctx, newLimit)
}
