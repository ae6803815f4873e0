package predictor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"CallWave/config"
	"CallWave/pkg/logger"
)

// Features 最优外呼时间模型的输入特征
type Features struct {
	DayOfWeek          int     `json:"day_of_week"` // 0 = Sunday
	HourOfDay          int     `json:"hour_of_day"`
	PreviousAnswerRate float64 `json:"previous_answer_rate"`
}

// Prediction 模型输出
type Prediction struct {
	OptimalHour int     `json:"optimal_hour"`
	Confidence  float64 `json:"confidence"`
}

// Client 外部预测服务客户端接口
type Client interface {
	// PredictOptimalHour 预测某个应答率画像下的最优外呼小时。
	// 预测服务只是个提示源：失败时调用方继续用中性优先级拨号。
	PredictOptimalHour(ctx context.Context, features Features) (Prediction, error)
}

var (
	predictorClient Client
	predictorOnce   sync.Once
)

// Init 初始化预测客户端。没配端点时退化为 mock，拨号照常进行。
func Init() {
	predictorOnce.Do(func() {
		cfg := config.Cfg

		if cfg.PredictorEndpoint == "" {
			predictorClient = NewMockClient()
			logger.Logger.Info("Predictor endpoint not configured, using neutral predictions")
			return
		}

		predictorClient = NewHTTPClient(cfg.PredictorEndpoint, cfg.PredictorTimeoutMs)
		logger.Logger.Info("Predictor client initialized successfully",
			zap.String("endpoint", cfg.PredictorEndpoint),
		)
	})
}

func GetClient() Client {
	if predictorClient == nil {
		panic("Predictor client not initialized, call predictor.Init() first")
	}
	return predictorClient
}
