package model

import "time"

// PaceAdjustment 调速审计日志，append-only。
// 每次 CPS 上限变化必须恰好产生一条记录（正确性要求，不是可选遥测）。
type PaceAdjustment struct {
	BaseModel
	OldLimit      int       `gorm:"not null" json:"old_limit"`
	NewLimit      int       `gorm:"not null" json:"new_limit"`
	TriggerSignal string    `gorm:"type:varchar(32);not null" json:"trigger_signal"` // cpu, memory, active_calls, answer_rate, recovery
	SampledValue  float64   `gorm:"not null" json:"sampled_value"`
	AdjustedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_pace_adjustments_at" json:"adjusted_at"`
}

// TableName 指定表名
func (PaceAdjustment) TableName() string {
	return "pace_adjustments"
}
