package model

import "time"

// ========== Campaign 相关 DTO ==========

// CreateCampaignRequest 创建活动请求
type CreateCampaignRequest struct {
	Name               string     `json:"name" binding:"required"`
	Type               string     `json:"type"`
	Timezone           string     `json:"timezone"`
	CallWindowStart    string     `json:"call_window_start"`
	CallWindowEnd      string     `json:"call_window_end"`
	MaxConcurrentCalls int        `json:"max_concurrent_calls"`
	MaxAttempts        int        `json:"max_attempts"`
	RetryDelayMinutes  int        `json:"retry_delay_minutes"`
	MaxCPS             int        `json:"max_cps"`
	AudioRef           string     `json:"audio_ref"`
	IVRFlow            JSONB      `json:"ivr_flow"`
	StartAt            *time.Time `json:"start_at,omitempty"`
	EndAt              *time.Time `json:"end_at,omitempty"`
}

// CampaignItem 活动列表项
type CampaignItem struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Type           CampaignType   `json:"type"`
	Status         CampaignStatus `json:"status"`
	DialedCount    int            `json:"dialed_count"`
	AnsweredCount  int            `json:"answered_count"`
	OptOutCount    int            `json:"opt_out_count"`
	ConvertedCount int            `json:"converted_count"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AddContactsRequest 批量导入联系人请求
type AddContactsRequest struct {
	Contacts []AddContactItem `json:"contacts" binding:"required"`
}

// AddContactItem 单个联系人
type AddContactItem struct {
	PhoneNumber     string `json:"phone_number" binding:"required"`
	Timezone        string `json:"timezone"`
	CallWindowStart string `json:"call_window_start"`
	CallWindowEnd   string `json:"call_window_end"`
}

// AddContactsResponse 导入结果
type AddContactsResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Invalid  []string `json:"invalid,omitempty"` // 未通过 E.164 校验的号码
}

// ========== Blacklist 相关 DTO ==========

// BlacklistInsertRequest 黑名单插入请求
type BlacklistInsertRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Reason      string `json:"reason"`
	Source      string `json:"source"`
}

// BlacklistCheckResponse 黑名单查询响应
type BlacklistCheckResponse struct {
	PhoneNumber string `json:"phone_number"`
	Listed      bool   `json:"listed"`
}

// ========== 电话事件回调 DTO ==========

// TelephonyEventRequest 外呼服务商的呼叫事件回调
type TelephonyEventRequest struct {
	CallID    string `json:"call_id" binding:"required"`
	Event     string `json:"event" binding:"required"` // ringing, answered, dtmf, hangup, busy, failed
	Digit     string `json:"digit,omitempty"`          // event=dtmf 时的按键
	Reason    string `json:"reason,omitempty"`
	CostCents int    `json:"cost_cents,omitempty"`
	Timestamp string `json:"timestamp,omitempty"` // RFC3339
}
