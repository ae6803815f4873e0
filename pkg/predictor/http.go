package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient 通过 HTTP 调用推理端点（SageMaker Serverless 形态的
// JSON-in/JSON-out 接口）。没有官方 Go SDK，走裸 HTTP 足够。
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

func NewHTTPClient(endpoint string, timeoutMs int) *HTTPClient {
	if timeoutMs <= 0 {
		timeoutMs = 800
	}
	return &HTTPClient{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: time.Duration(timeoutMs) * time.Millisecond,
		},
	}
}

func (c *HTTPClient) PredictOptimalHour(ctx context.Context, features Features) (Prediction, error) {
	var prediction Prediction

	payload, err := json.Marshal(features)
	if err != nil {
		return prediction, fmt.Errorf("failed to marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return prediction, fmt.Errorf("failed to build prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return prediction, fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return prediction, fmt.Errorf("prediction endpoint returned %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return prediction, fmt.Errorf("failed to decode prediction: %w", err)
	}

	if prediction.OptimalHour < 0 || prediction.OptimalHour > 23 {
		return prediction, fmt.Errorf("prediction out of range: optimal_hour=%d", prediction.OptimalHour)
	}
	return prediction, nil
}
