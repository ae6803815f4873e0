package model

import (
	"encoding/json"
	"fmt"
)

// WindowPolicy 随拨号任务下发的外呼窗口策略，准入时复查用。
type WindowPolicy struct {
	Timezone string `json:"timezone"`
	Start    string `json:"start"` // HH:MM:SS
	End      string `json:"end"`   // HH:MM:SS
}

// DialEnrichment 筛选时附加到拨号任务上的活动上下文
type DialEnrichment struct {
	AudioRef     string          `json:"audio_ref"`
	IVRFlow      json.RawMessage `json:"ivr_flow"`
	WindowPolicy WindowPolicy    `json:"window_policy"`
	MaxCPS       int             `json:"max_cps"` // 活动级 CPS，0 表示不限
}

// DialTaskMessage 拨号任务消息（Selector -> Dialer）。
// at-least-once 投递，消费侧按 (campaign_id, contact_id, attempt) 幂等。
type DialTaskMessage struct {
	MessageID   string         `json:"message_id"`
	CampaignID  int64          `json:"campaign_id"`
	ContactID   int64          `json:"contact_id"`
	PhoneNumber string         `json:"phone_number"`
	Attempt     int            `json:"attempt"`
	Enrichment  DialEnrichment `json:"enrichment"`
	EnqueuedAt  string         `json:"enqueued_at"` // RFC3339

	// Redeliveries 限速拒绝后的延迟重投次数，驱动指数退避
	Redeliveries int `json:"redeliveries,omitempty"`
}

// DedupeKey 幂等键，同一联系人同一次尝试只拨一次。
func (m DialTaskMessage) DedupeKey() string {
	return fmt.Sprintf("dialtask:%d:%d:%d", m.CampaignID, m.ContactID, m.Attempt)
}

// CallEventMessage 终态呼叫事件（状态机 -> 事后路由）。
// CDR 持久化按 call_id 幂等。
type CallEventMessage struct {
	MessageID       string            `json:"message_id"`
	CallID          string            `json:"call_id"`
	CampaignID      int64             `json:"campaign_id"`
	ContactID       int64             `json:"contact_id"`
	PhoneNumber     string            `json:"phone_number"`
	Attempt         int               `json:"attempt"`
	Outcome         CallOutcome       `json:"outcome"`
	DTMFInputs      string            `json:"dtmf_inputs,omitempty"`
	Actions         []TriggeredAction `json:"actions,omitempty"`
	StartedAt       string            `json:"started_at,omitempty"` // RFC3339
	EndedAt         string            `json:"ended_at,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	CostCents       int               `json:"cost_cents"`
}

// SMSTriggerMessage 事后路由发给短信协作方的触发消息，独立重试域。
type SMSTriggerMessage struct {
	MessageID       string            `json:"message_id"`
	CampaignID      int64             `json:"campaign_id"`
	ContactID       int64             `json:"contact_id"`
	PhoneNumber     string            `json:"phone_number"`
	Action          string            `json:"action"` // donation, sms
	TemplateContext map[string]string `json:"template_context,omitempty"`
}
