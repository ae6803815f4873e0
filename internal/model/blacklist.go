package model

import "time"

// BlacklistSource 黑名单条目来源
const (
	BlacklistSourceUserOptOut = "user_optout"
	BlacklistSourceImport     = "import"
	BlacklistSourceManual     = "manual"
)

// BlacklistEntry 全局黑名单条目，手机号为全局键，不按活动区分。
// 条目存在即权威事实，筛选和准入都必须实时复查，不允许长缓存。
type BlacklistEntry struct {
	BaseModel
	PhoneNumber string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_blacklist_phone" json:"phone_number"`
	Reason      string    `gorm:"type:varchar(255)" json:"reason,omitempty"`
	Source      string    `gorm:"type:varchar(32);not null" json:"source"`
	AddedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"added_at"`
}

// TableName 指定表名
func (BlacklistEntry) TableName() string {
	return "blacklist_entries"
}
