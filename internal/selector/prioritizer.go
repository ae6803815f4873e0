package selector

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"CallWave/internal/cache"
	"CallWave/internal/model"
	"CallWave/pkg/breaker"
	"CallWave/pkg/logger"
	"CallWave/pkg/predictor"
)

// Prioritizer 用外部预测服务刷新联系人的优先级提示。
// 优先级只影响同批候选的排序，预测服务挂了就保持中性优先级，
// 拨号照常进行。
type Prioritizer struct {
	db        *gorm.DB
	predictor predictor.Client

	mu          sync.Mutex
	lastRefresh map[int64]time.Time

	now func() time.Time
}

// 每个活动每小时刷一次就够了，模型特征粒度就是小时
const refreshInterval = time.Hour

func NewPrioritizer(db *gorm.DB, client predictor.Client) *Prioritizer {
	return &Prioritizer{
		db:          db,
		predictor:   client,
		lastRefresh: make(map[int64]time.Time),
		now:         time.Now,
	}
}

// Refresh 给活动的待拨联系人刷新优先级。限频，过于频繁的调用直接返回。
func (p *Prioritizer) Refresh(ctx context.Context, campaign *model.Campaign) {
	now := p.now()

	p.mu.Lock()
	if last, ok := p.lastRefresh[campaign.ID]; ok && now.Sub(last) < refreshInterval {
		p.mu.Unlock()
		return
	}
	p.lastRefresh[campaign.ID] = now
	p.mu.Unlock()

	rate := p.answerRate(ctx, campaign.ID)

	// 预测服务走熔断器：端点持续超时就直接跳过，别拖慢派发周期
	var prediction predictor.Prediction
	err := breaker.Predictor.Call(ctx, func() error {
		var callErr error
		prediction, callErr = p.predictor.PredictOptimalHour(ctx, predictor.Features{
			DayOfWeek:          int(now.Weekday()),
			HourOfDay:          now.Hour(),
			PreviousAnswerRate: rate,
		})
		return callErr
	})
	if err != nil {
		logger.Logger.Warn("prediction unavailable, keeping neutral priority",
			zap.Int64("campaign_id", campaign.ID),
			zap.Error(err),
		)
		return
	}

	priority := Score(now.Hour(), prediction)
	err = p.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("campaign_id = ? AND status = ?", campaign.ID, model.ContactStatusPending).
		Update("priority", priority).Error
	if err != nil {
		logger.Logger.Error("failed to refresh contact priority",
			zap.Int64("campaign_id", campaign.ID),
			zap.Error(err),
		)
		return
	}

	logger.Logger.Info("contact priority refreshed",
		zap.Int64("campaign_id", campaign.ID),
		zap.Int("optimal_hour", prediction.OptimalHour),
		zap.Float64("priority", priority),
	)
}

// Score 把"当前小时离最优小时多远"折算成 0-1 的排序权重，
// 置信度为 0 的预测折算出中性的 0。
func Score(currentHour int, prediction predictor.Prediction) float64 {
	distance := math.Abs(float64(currentHour - prediction.OptimalHour))
	if distance > 12 {
		distance = 24 - distance
	}
	return prediction.Confidence * (1 - distance/12)
}

func (p *Prioritizer) answerRate(ctx context.Context, campaignID int64) float64 {
	stats, err := cache.CampaignStats(ctx, campaignID)
	if err != nil {
		return 0.5
	}
	dialed, _ := strconv.Atoi(stats["dialed"])
	answered, _ := strconv.Atoi(stats["answered"])
	if dialed == 0 {
		return 0.5
	}
	return float64(answered) / float64(dialed)
}
