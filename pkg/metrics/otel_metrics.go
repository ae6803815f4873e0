package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics OpenTelemetry 指标集合
type OTelMetrics struct {
	// 拨号相关指标
	DialAdmittedTotal     metric.Int64Counter
	DialRateRejectedTotal metric.Int64Counter
	CallsActive           metric.Int64UpDownCounter
	CallOutcomeTotal      metric.Int64Counter
	CallDuration          metric.Float64Histogram
	CallCostTotal         metric.Int64Counter
	PaceCPSLimit          metric.Int64Gauge

	// 短信跟进指标
	SMSSentTotal    metric.Int64Counter
	SMSSendDuration metric.Float64Histogram

	// HTTP 相关指标
	HTTPServerRequestTotal   metric.Int64Counter
	HTTPServerDuration       metric.Float64Histogram
	HTTPServerActiveRequests metric.Int64UpDownCounter
}

var (
	// 全局指标实例
	metrics *OTelMetrics
	// meter 用于创建指标
	meter = otel.Meter("callwave")
)

// InitMetrics 初始化 OpenTelemetry 指标
func InitMetrics() error {
	var err error

	metrics = &OTelMetrics{}

	// 拨号相关指标
	metrics.DialAdmittedTotal, err = meter.Int64Counter(
		"dial_admitted_total",
		metric.WithDescription("Total number of dials admitted by the rate limiter"),
		metric.WithUnit("{dial}"),
	)
	if err != nil {
		return err
	}

	metrics.DialRateRejectedTotal, err = meter.Int64Counter(
		"dial_rate_rejected_total",
		metric.WithDescription("Total number of dials rejected by the rate limiter"),
		metric.WithUnit("{dial}"),
	)
	if err != nil {
		return err
	}

	metrics.CallsActive, err = meter.Int64UpDownCounter(
		"calls_active",
		metric.WithDescription("Number of calls currently in flight"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	metrics.CallOutcomeTotal, err = meter.Int64Counter(
		"call_outcome_total",
		metric.WithDescription("Total number of terminated calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	metrics.CallDuration, err = meter.Float64Histogram(
		"call_duration_seconds",
		metric.WithDescription("Answered call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	metrics.CallCostTotal, err = meter.Int64Counter(
		"call_cost_cents_total",
		metric.WithDescription("Total call cost in cents"),
		metric.WithUnit("{cents}"),
	)
	if err != nil {
		return err
	}

	metrics.PaceCPSLimit, err = meter.Int64Gauge(
		"pace_cps_limit",
		metric.WithDescription("Current adaptive global CPS limit"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	// 短信跟进指标
	metrics.SMSSentTotal, err = meter.Int64Counter(
		"sms_sent_total",
		metric.WithDescription("Total number of follow-up SMS sent"),
		metric.WithUnit("{sms}"),
	)
	if err != nil {
		return err
	}

	metrics.SMSSendDuration, err = meter.Float64Histogram(
		"sms_send_duration_seconds",
		metric.WithDescription("Time spent sending SMS in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	// HTTP 相关指标
	metrics.HTTPServerRequestTotal, err = meter.Int64Counter(
		"http_server_request_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	metrics.HTTPServerDuration, err = meter.Float64Histogram(
		"http_server_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	metrics.HTTPServerActiveRequests, err = meter.Int64UpDownCounter(
		"http_server_active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// GetMetrics 获取全局指标实例
func GetMetrics() *OTelMetrics {
	return metrics
}

// RecordDialAdmitted 记录一次通过限速准入的拨号
func (m *OTelMetrics) RecordDialAdmitted(ctx context.Context, campaignID string) {
	m.DialAdmittedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("campaign_id", campaignID),
	))
}

// RecordDialRateRejected 记录一次限速拒绝
func (m *OTelMetrics) RecordDialRateRejected(ctx context.Context, campaignID string) {
	m.DialRateRejectedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("campaign_id", campaignID),
	))
}

// RecordCallOutcome 记录一次呼叫终态
func (m *OTelMetrics) RecordCallOutcome(ctx context.Context, outcome string, durationSeconds float64, costCents int64) {
	m.CallOutcomeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	if durationSeconds > 0 {
		m.CallDuration.Record(ctx, durationSeconds, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
	if costCents > 0 {
		m.CallCostTotal.Add(ctx, costCents)
	}
}

// UpdateCallsActive 在通话数增减
func (m *OTelMetrics) UpdateCallsActive(ctx context.Context, delta int64) {
	m.CallsActive.Add(ctx, delta)
}

// SetPaceCPSLimit 上报调速后的 CPS 上限
func (m *OTelMetrics) SetPaceCPSLimit(ctx context.Context, limit int64) {
	m.PaceCPSLimit.Record(ctx, limit)
}

// RecordSMSSent 记录一次短信跟进发送
func (m *OTelMetrics) RecordSMSSent(ctx context.Context, provider, status string, duration float64) {
	m.SMSSentTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	m.SMSSendDuration.Record(ctx, duration, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}
