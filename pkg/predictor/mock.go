package predictor

import "context"

// MockClient 固定返回中性预测，端点未配置或测试时使用
type MockClient struct {
	// Next 可以预置下一次返回值
	Next Prediction
}

func NewMockClient() *MockClient {
	return &MockClient{
		Next: Prediction{OptimalHour: 12, Confidence: 0},
	}
}

func (m *MockClient) PredictOptimalHour(ctx context.Context, features Features) (Prediction, error) {
	return m.Next, nil
}
