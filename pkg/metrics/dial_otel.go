package metrics

import (
	"context"
	"strconv"
)

// 包级便捷入口。指标未初始化（如单测）时全部是 no-op。

// RecordDialAdmitted 记录一次限速准入
func RecordDialAdmitted(ctx context.Context, campaignID int64) {
	if m := GetMetrics(); m != nil {
		m.RecordDialAdmitted(ctx, strconv.FormatInt(campaignID, 10))
	}
}

// RecordDialRateRejected 记录一次限速拒绝
func RecordDialRateRejected(ctx context.Context, campaignID int64) {
	if m := GetMetrics(); m != nil {
		m.RecordDialRateRejected(ctx, strconv.FormatInt(campaignID, 10))
	}
}

// RecordCallOutcome 记录一次呼叫终态
func RecordCallOutcome(ctx context.Context, outcome string, durationSeconds float64, costCents int) {
	if m := GetMetrics(); m != nil {
		m.RecordCallOutcome(ctx, outcome, durationSeconds, int64(costCents))
	}
}

// AddActiveCall 呼叫发起
func AddActiveCall(ctx context.Context) {
	if m := GetMetrics(); m != nil {
		m.UpdateCallsActive(ctx, 1)
	}
}

// SubtractActiveCall 呼叫终止
func SubtractActiveCall(ctx context.Context) {
	if m := GetMetrics(); m != nil {
		m.UpdateCallsActive(ctx, -1)
	}
}

// RecordPaceLimit 上报调速后的 CPS 上限
func RecordPaceLimit(ctx context.Context, limit int) {
	if m := GetMetrics(); m != nil {
		m.SetPaceCPSLimit(ctx, int64(limit))
	}
}

// RecordSMSSent 记录一次短信跟进发送
func RecordSMSSent(ctx context.Context, provider, status string, duration float64) {
	if m := GetMetrics(); m != nil {
		m.RecordSMSSent(ctx, provider, status, duration)
	}
}
