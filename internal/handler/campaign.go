package handler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/nyaruka/phonenumbers"
	"gorm.io/gorm"

	"CallWave/internal/ivr"
	"CallWave/internal/model"
	"CallWave/internal/selector"
	"CallWave/pkg/errors"
	"CallWave/pkg/response"
	"CallWave/storage/database"
)

// CreateCampaign 创建活动（初始状态 draft）
// POST /v1/campaigns
func CreateCampaign(ctx context.Context, c *app.RequestContext) {
	var req model.CreateCampaignRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	campaign := model.Campaign{
		Name:               req.Name,
		Type:               model.CampaignTypeVoice,
		Status:             model.CampaignStatusDraft,
		Timezone:           req.Timezone,
		CallWindowStart:    req.CallWindowStart,
		CallWindowEnd:      req.CallWindowEnd,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		MaxAttempts:        req.MaxAttempts,
		RetryDelayMinutes:  req.RetryDelayMinutes,
		MaxCPS:             req.MaxCPS,
		AudioRef:           req.AudioRef,
		IVRFlow:            req.IVRFlow,
		StartAt:            req.StartAt,
		EndAt:              req.EndAt,
	}
	if req.Type != "" {
		campaign.Type = model.CampaignType(req.Type)
	}
	if campaign.Timezone == "" {
		campaign.Timezone = "UTC"
	}
	if campaign.CallWindowStart == "" {
		campaign.CallWindowStart = "09:00:00"
	}
	if campaign.CallWindowEnd == "" {
		campaign.CallWindowEnd = "20:00:00"
	}
	if campaign.MaxAttempts == 0 {
		campaign.MaxAttempts = 3
	}
	if campaign.RetryDelayMinutes == 0 {
		campaign.RetryDelayMinutes = 30
	}
	if campaign.MaxConcurrentCalls == 0 {
		campaign.MaxConcurrentCalls = 50
	}

	// 窗口和流程图在创建时就校验，不让坏配置进库
	if _, err := selector.ResolveWindow("", "", "", campaign.Timezone, campaign.CallWindowStart, campaign.CallWindowEnd); err != nil {
		response.Error(ctx, c, errors.CampaignInvalidWindow)
		return
	}
	if campaign.IVRFlow != nil {
		raw, err := json.Marshal(campaign.IVRFlow)
		if err != nil {
			response.Error(ctx, c, errors.CampaignInvalidFlow)
			return
		}
		if _, err := ivr.ParseFlow(raw); err != nil {
			response.ErrorWithDetails(ctx, c, errors.CampaignInvalidFlow, map[string]interface{}{
				"reason": err.Error(),
			})
			return
		}
	}

	if err := database.DB().WithContext(ctx).Create(&campaign).Error; err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, campaign)
}

// ListCampaigns 分页查询活动列表
// GET /v1/campaigns
func ListCampaigns(ctx context.Context, c *app.RequestContext) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	db := database.DB().WithContext(ctx).Model(&model.Campaign{})
	if status := c.Query("status"); status != "" {
		db = db.Where("status = ?", status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		response.Error(ctx, c, err)
		return
	}

	var campaigns []model.Campaign
	err := db.Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&campaigns).Error
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	items := make([]model.CampaignItem, 0, len(campaigns))
	for _, cp := range campaigns {
		items = append(items, model.CampaignItem{
			ID:             cp.ID,
			Name:           cp.Name,
			Type:           cp.Type,
			Status:         cp.Status,
			DialedCount:    cp.DialedCount,
			AnsweredCount:  cp.AnsweredCount,
			OptOutCount:    cp.OptOutCount,
			ConvertedCount: cp.ConvertedCount,
			LastError:      cp.LastError,
			CreatedAt:      cp.CreatedAt,
		})
	}

	response.SuccessWithMeta(ctx, c, items, map[string]interface{}{
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	})
}

// GetCampaign 查询单个活动
// GET /v1/campaigns/:campaign_id
func GetCampaign(ctx context.Context, c *app.RequestContext) {
	campaign, ok := loadCampaign(ctx, c)
	if !ok {
		return
	}
	response.Success(ctx, c, campaign)
}

// ScheduleCampaign 把 draft 活动排期（draft -> scheduled），到 start_at 由编排器激活
// POST /v1/campaigns/:campaign_id/schedule
func ScheduleCampaign(ctx context.Context, c *app.RequestContext) {
	transitionCampaign(ctx, c, model.CampaignStatusDraft, model.CampaignStatusScheduled)
}

// PauseCampaign 暂停活动（active -> paused），队内消息照常消费
// POST /v1/campaigns/:campaign_id/pause
func PauseCampaign(ctx context.Context, c *app.RequestContext) {
	transitionCampaign(ctx, c, model.CampaignStatusActive, model.CampaignStatusPaused)
}

// ResumeCampaign 恢复活动（paused -> active）
// POST /v1/campaigns/:campaign_id/resume
func ResumeCampaign(ctx context.Context, c *app.RequestContext) {
	transitionCampaign(ctx, c, model.CampaignStatusPaused, model.CampaignStatusActive)
}

// CancelCampaign 取消活动，任意非终态都可以取消
// POST /v1/campaigns/:campaign_id/cancel
func CancelCampaign(ctx context.Context, c *app.RequestContext) {
	campaign, ok := loadCampaign(ctx, c)
	if !ok {
		return
	}
	if campaign.Status.IsTerminal() {
		response.Error(ctx, c, errors.CampaignNotEditable)
		return
	}

	res := database.DB().WithContext(ctx).
		Model(&model.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, campaign.Status).
		Update("status", model.CampaignStatusCancelled)
	if res.Error != nil {
		response.Error(ctx, c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		// 编排器抢先迁移了状态
		response.Error(ctx, c, errors.CampaignInvalidStatus)
		return
	}

	campaign.Status = model.CampaignStatusCancelled
	response.Success(ctx, c, campaign)
}

// AddContacts 批量导入联系人。号码必须是合法 E.164，不合法的逐个回报。
// POST /v1/campaigns/:campaign_id/contacts
func AddContacts(ctx context.Context, c *app.RequestContext) {
	campaign, ok := loadCampaign(ctx, c)
	if !ok {
		return
	}
	if campaign.Status.IsTerminal() {
		response.Error(ctx, c, errors.CampaignNotEditable)
		return
	}

	var req model.AddContactsRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	var contacts []model.Contact
	var invalid []string
	for _, item := range req.Contacts {
		normalized, err := normalizeE164(item.PhoneNumber)
		if err != nil {
			invalid = append(invalid, item.PhoneNumber)
			continue
		}
		contacts = append(contacts, model.Contact{
			CampaignID:      campaign.ID,
			PhoneNumber:     normalized,
			Timezone:        item.Timezone,
			CallWindowStart: item.CallWindowStart,
			CallWindowEnd:   item.CallWindowEnd,
			Status:          model.ContactStatusPending,
		})
	}

	if len(contacts) > 0 {
		if err := database.DB().WithContext(ctx).CreateInBatches(contacts, 500).Error; err != nil {
			response.Error(ctx, c, err)
			return
		}
	}

	response.Success(ctx, c, model.AddContactsResponse{
		Accepted: len(contacts),
		Rejected: len(invalid),
		Invalid:  invalid,
	})
}

// normalizeE164 校验并归一化成 E.164，要求号码自带国家码（+ 前缀）。
func normalizeE164(raw string) (string, error) {
	num, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.ContactInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func loadCampaign(ctx context.Context, c *app.RequestContext) (*model.Campaign, bool) {
	id, err := strconv.ParseInt(c.Param("campaign_id"), 10, 64)
	if err != nil {
		response.Error(ctx, c, errors.InvalidRequest)
		return nil, false
	}

	var campaign model.Campaign
	err = database.DB().WithContext(ctx).First(&campaign, id).Error
	if err == gorm.ErrRecordNotFound {
		response.Error(ctx, c, errors.CampaignNotFound)
		return nil, false
	}
	if err != nil {
		response.Error(ctx, c, err)
		return nil, false
	}
	return &campaign, true
}

func transitionCampaign(ctx context.Context, c *app.RequestContext, from, to model.CampaignStatus) {
	campaign, ok := loadCampaign(ctx, c)
	if !ok {
		return
	}
	if campaign.Status != from {
		response.Error(ctx, c, errors.CampaignInvalidStatus)
		return
	}

	updates := map[string]interface{}{"status": to}
	if to == model.CampaignStatusScheduled && campaign.StartAt == nil {
		now := time.Now()
		updates["start_at"] = &now
	}

	res := database.DB().WithContext(ctx).
		Model(&model.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, from).
		Updates(updates)
	if res.Error != nil {
		response.Error(ctx, c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		response.Error(ctx, c, errors.CampaignInvalidStatus)
		return
	}

	campaign.Status = to
	response.Success(ctx, c, campaign)
}
