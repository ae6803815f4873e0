package errors

import "errors"

func (d Definition) Error() string {
	return d.Message
}

// Definition 表示业务错误码及默认信息。
type Definition struct {
	Code    string
	Message string
}

// 活动（Campaign）相关错误。
var (
	CampaignNotFound      = Definition{Code: "CAMPAIGN_NOT_FOUND", Message: "Campaign not found"}
	CampaignNotEditable   = Definition{Code: "CAMPAIGN_NOT_EDITABLE", Message: "Campaign is completed or cancelled and can no longer change"}
	CampaignInvalidStatus = Definition{Code: "CAMPAIGN_INVALID_STATUS", Message: "Campaign status does not allow this transition"}
	CampaignInvalidFlow   = Definition{Code: "CAMPAIGN_INVALID_FLOW", Message: "IVR flow definition is malformed"}
	CampaignInvalidWindow = Definition{Code: "CAMPAIGN_INVALID_WINDOW", Message: "Calling window definition is malformed"}
)

// 联系人相关错误。
var (
	ContactNotFound     = Definition{Code: "CONTACT_NOT_FOUND", Message: "Contact not found"}
	ContactInvalidPhone = Definition{Code: "CONTACT_INVALID_PHONE", Message: "Phone number is not valid E.164"}
	ContactBlacklisted  = Definition{Code: "CONTACT_BLACKLISTED", Message: "Phone number is blacklisted"}
	ContactAttemptCap   = Definition{Code: "CONTACT_ATTEMPT_CAP", Message: "Contact reached the attempt cap"}
)

// 拨号/呼叫相关错误。
var (
	DialRateRejected    = Definition{Code: "DIAL_RATE_REJECTED", Message: "Dial rejected by rate limiter"}
	DialOutsideWindow   = Definition{Code: "DIAL_OUTSIDE_WINDOW", Message: "Contact is outside its calling window"}
	CallSessionNotFound = Definition{Code: "CALL_SESSION_NOT_FOUND", Message: "Call session not found"}
	CallInvalidEvent    = Definition{Code: "CALL_INVALID_EVENT", Message: "Telephony event inconsistent with call state"}
)

var (
	TooManyRequests = Definition{Code: "TOO_MANY_REQUESTS", Message: "Too many requests"}
	InvalidRequest  = Definition{Code: "INVALID_REQUEST", Message: "Invalid request"}
)

// Lookup 提供错误码查询能力。
var Lookup = map[string]Definition{
	CampaignNotFound.Code:      CampaignNotFound,
	CampaignNotEditable.Code:   CampaignNotEditable,
	CampaignInvalidStatus.Code: CampaignInvalidStatus,
	CampaignInvalidFlow.Code:   CampaignInvalidFlow,
	CampaignInvalidWindow.Code: CampaignInvalidWindow,
	ContactNotFound.Code:       ContactNotFound,
	ContactInvalidPhone.Code:   ContactInvalidPhone,
	ContactBlacklisted.Code:    ContactBlacklisted,
	ContactAttemptCap.Code:     ContactAttemptCap,
	DialRateRejected.Code:      DialRateRejected,
	DialOutsideWindow.Code:     DialOutsideWindow,
	CallSessionNotFound.Code:   CallSessionNotFound,
	CallInvalidEvent.Code:      CallInvalidEvent,
	TooManyRequests.Code:       TooManyRequests,
	InvalidRequest.Code:        InvalidRequest,
}

// Get 根据错误码返回 Definition，若不存在则返回空 Definition。
func Get(code string) Definition {
	if def, ok := Lookup[code]; ok {
		return def
	}
	return Definition{Code: code, Message: "Unexpected error"}
}

// SkipMessageError 消费者遇到重复消息或毒消息时返回，ack 后不再重试。
type SkipMessageError struct {
	Reason string
}

func (e *SkipMessageError) Error() string {
	return "skip message: " + e.Reason
}

func IsSkipMessageError(err error) bool {
	var skip *SkipMessageError
	return errors.As(err, &skip)
}

// RequeueError 处理方已经把任务副本带延迟重新入队（例如限流拒绝），
// 消费侧 ack 原消息即可。这是正常的控制流，不按错误记录。
type RequeueError struct {
	Reason string
}

func (e *RequeueError) Error() string {
	return "requeue message: " + e.Reason
}

func IsRequeueError(err error) bool {
	var rq *RequeueError
	return errors.As(err, &rq)
}
