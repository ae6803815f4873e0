package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// CallState 呼叫会话状态机状态
type CallState string

const (
	CallStateQueued     CallState = "queued"
	CallStateDialing    CallState = "dialing"
	CallStateRinging    CallState = "ringing"
	CallStateAnswered   CallState = "answered"
	CallStateInProgress CallState = "in_progress"
	// 终态
	CallStateCompleted   CallState = "completed"
	CallStateFailed      CallState = "failed"
	CallStateBusy        CallState = "busy"
	CallStateNoAnswer    CallState = "no_answer"
	CallStateBlacklisted CallState = "blacklisted"
)

// IsTerminal 返回会话是否已结束。终态之后记录不可变，作为 CDR 持久化。
func (s CallState) IsTerminal() bool {
	switch s {
	case CallStateCompleted, CallStateFailed, CallStateBusy, CallStateNoAnswer, CallStateBlacklisted:
		return true
	}
	return false
}

// CallOutcome 呼叫结果
type CallOutcome string

const (
	CallOutcomeAnswered    CallOutcome = "answered"
	CallOutcomeBusy        CallOutcome = "busy"
	CallOutcomeFailed      CallOutcome = "failed"
	CallOutcomeNoAnswer    CallOutcome = "no_answer"
	CallOutcomeBlacklisted CallOutcome = "blacklisted"
	CallOutcomeConverted   CallOutcome = "converted"
	CallOutcomeOptedOut    CallOutcome = "opted_out"
)

// TriggeredAction IVR 会话中执行过的动作记录
type TriggeredAction struct {
	Type    string `json:"type"`              // optout, donation, sms, transfer
	NodeID  string `json:"node_id"`           // 触发动作的菜单节点
	Digit   string `json:"digit,omitempty"`   // 触发按键
	Payload string `json:"payload,omitempty"` // 动作附带上下文
}

// ActionList JSONB 存储的动作序列
type ActionList []TriggeredAction

func (l ActionList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *ActionList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to unmarshal ActionList value")
	}
	return json.Unmarshal(bytes, l)
}

// CallSession 一次外呼尝试，从发起到终止。
// 只由呼叫/IVR 状态机修改，结束后即为 CDR。
type CallSession struct {
	BaseModel
	CallID      string `gorm:"type:varchar(64);not null;uniqueIndex:idx_call_sessions_call_id" json:"call_id"`
	CampaignID  int64  `gorm:"not null;index:idx_call_sessions_campaign" json:"campaign_id"`
	ContactID   int64  `gorm:"not null;index:idx_call_sessions_contact" json:"contact_id"`
	PhoneNumber string `gorm:"type:varchar(20);not null" json:"phone_number"`
	Attempt     int    `gorm:"not null;default:1" json:"attempt"`

	State   CallState   `gorm:"type:varchar(16);not null;default:'queued'" json:"state"`
	Outcome CallOutcome `gorm:"type:varchar(16)" json:"outcome,omitempty"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `gorm:"not null;default:0" json:"duration_seconds"`

	// DTMFInputs 按键序列，按接收顺序拼接，如 "192"
	DTMFInputs string     `gorm:"type:varchar(64)" json:"dtmf_inputs,omitempty"`
	Actions    ActionList `gorm:"type:jsonb" json:"actions,omitempty"`

	CostCents int `gorm:"not null;default:0" json:"cost_cents"`
}

// TableName 指定表名
func (CallSession) TableName() string {
	return "call_sessions"
}
