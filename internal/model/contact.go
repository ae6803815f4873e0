package model

import "time"

// ContactStatus 联系人状态枚举
type ContactStatus string

const (
	ContactStatusPending     ContactStatus = "pending"
	ContactStatusInProgress  ContactStatus = "in_progress"
	ContactStatusCompleted   ContactStatus = "completed"
	ContactStatusFailed      ContactStatus = "failed"
	ContactStatusBlacklisted ContactStatus = "blacklisted"
)

// Contact 活动内的被叫联系人。
// attempts 不得超过活动 max_attempts；blacklisted 的联系人不会再被筛选。
type Contact struct {
	BaseModel
	CampaignID  int64  `gorm:"not null;index:idx_contacts_campaign_status,priority:1" json:"campaign_id"`
	PhoneNumber string `gorm:"type:varchar(20);not null;index:idx_contacts_phone" json:"phone_number"` // E.164

	// Timezone 为空时回退到活动时区
	Timezone string `gorm:"type:varchar(64)" json:"timezone,omitempty"`
	// 联系人级窗口覆盖（为空时使用活动窗口）
	CallWindowStart string `gorm:"type:varchar(8)" json:"call_window_start,omitempty"`
	CallWindowEnd   string `gorm:"type:varchar(8)" json:"call_window_end,omitempty"`

	Status        ContactStatus `gorm:"type:varchar(16);not null;default:'pending';index:idx_contacts_campaign_status,priority:2" json:"status"`
	Attempts      int           `gorm:"not null;default:0" json:"attempts"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	LastOutcome   string        `gorm:"type:varchar(32)" json:"last_outcome,omitempty"`

	// Priority 外部 ML 预测的优先级提示，只做排序键，缺省 0 不拦截筛选
	Priority float64 `gorm:"not null;default:0" json:"priority"`
}

// TableName 指定表名
func (Contact) TableName() string {
	return "contacts"
}
