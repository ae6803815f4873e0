package handler

import (
	"context"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"gorm.io/gorm"

	"CallWave/internal/model"
	"CallWave/pkg/errors"
	"CallWave/pkg/response"
	"CallWave/storage/database"
)

// ListCallSessions 按活动分页查询通话记录（CDR）。
// GET /v1/campaigns/:campaign_id/calls
func ListCallSessions(ctx context.Context, c *app.RequestContext) {
	campaign, ok := loadCampaign(ctx, c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	db := database.DB().WithContext(ctx).
		Model(&model.CallSession{}).
		Where("campaign_id = ?", campaign.ID)
	if outcome := c.Query("outcome"); outcome != "" {
		db = db.Where("outcome = ?", outcome)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		response.Error(ctx, c, err)
		return
	}

	var sessions []model.CallSession
	err := db.Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&sessions).Error
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.SuccessWithMeta(ctx, c, sessions, map[string]interface{}{
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	})
}

// GetCallSession 按 call_id 查询单条通话记录
// GET /v1/calls/:call_id
func GetCallSession(ctx context.Context, c *app.RequestContext) {
	callID := c.Param("call_id")
	if callID == "" {
		response.Error(ctx, c, errors.InvalidRequest)
		return
	}

	var sess model.CallSession
	err := database.DB().WithContext(ctx).
		Where("call_id = ?", callID).
		First(&sess).Error
	if err == gorm.ErrRecordNotFound {
		response.Error(ctx, c, errors.CallSessionNotFound)
		return
	}
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, sess)
}
