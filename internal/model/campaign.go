package model

import (
	"time"
)

// CampaignType 活动类型枚举
type CampaignType string

const (
	CampaignTypeVoice  CampaignType = "voice"
	CampaignTypeSMS    CampaignType = "sms"
	CampaignTypeHybrid CampaignType = "hybrid"
)

// CampaignStatus 活动状态枚举
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// IsTerminal 返回活动是否已进入不可变终态。
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed || s == CampaignStatusCancelled
}

// Campaign 外呼活动。状态字段只由 orchestrator 迁移，其余组件只读。
type Campaign struct {
	BaseModel
	Name   string         `gorm:"type:varchar(128);not null" json:"name"`
	Type   CampaignType   `gorm:"type:varchar(16);not null;default:'voice'" json:"type"`
	Status CampaignStatus `gorm:"type:varchar(16);not null;default:'draft';index:idx_campaigns_status" json:"status"`

	// 外呼窗口（HH:MM:SS，活动时区），联系人时区优先于活动时区
	Timezone        string `gorm:"type:varchar(64);not null;default:'UTC'" json:"timezone"`
	CallWindowStart string `gorm:"type:varchar(8);not null;default:'09:00:00'" json:"call_window_start"`
	CallWindowEnd   string `gorm:"type:varchar(8);not null;default:'20:00:00'" json:"call_window_end"`

	MaxConcurrentCalls int `gorm:"not null;default:50" json:"max_concurrent_calls"`
	MaxAttempts        int `gorm:"not null;default:3" json:"max_attempts"`
	RetryDelayMinutes  int `gorm:"not null;default:30" json:"retry_delay_minutes"`
	// MaxCPS 活动级 CPS 上限，0 表示只受全局限制
	MaxCPS int `gorm:"not null;default:0" json:"max_cps"`

	AudioRef string `gorm:"type:varchar(255)" json:"audio_ref"`
	// IVRFlow 数据驱动的按键菜单图，由 internal/ivr 解析
	IVRFlow JSONB `gorm:"type:jsonb" json:"ivr_flow"`

	StartAt *time.Time `json:"start_at,omitempty"`
	EndAt   *time.Time `json:"end_at,omitempty"`

	// LastError 进入 failed 前的最后一个错误，给运维看的
	LastError string `gorm:"type:varchar(512)" json:"last_error,omitempty"`

	// Reporting 阶段快照的聚合结果
	DialedCount    int `gorm:"not null;default:0" json:"dialed_count"`
	AnsweredCount  int `gorm:"not null;default:0" json:"answered_count"`
	OptOutCount    int `gorm:"not null;default:0" json:"opt_out_count"`
	ConvertedCount int `gorm:"not null;default:0" json:"converted_count"`
}

// TableName 指定表名
func (Campaign) TableName() string {
	return "campaigns"
}
