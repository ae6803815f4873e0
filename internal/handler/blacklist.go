package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"CallWave/internal/cache"
	"CallWave/internal/model"
	"CallWave/pkg/errors"
	"CallWave/pkg/logger"
	"CallWave/pkg/response"
	"CallWave/storage/database"
)

// InsertBlacklist 插入黑名单条目，重复插入幂等。
// 先写库（权威事实），库成功后同步快查缓存。
// POST /v1/blacklist
func InsertBlacklist(ctx context.Context, c *app.RequestContext) {
	var req model.BlacklistInsertRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	phone, err := normalizeE164(req.PhoneNumber)
	if err != nil {
		response.Error(ctx, c, errors.ContactInvalidPhone)
		return
	}
	source := req.Source
	if source == "" {
		source = model.BlacklistSourceManual
	}

	entry := model.BlacklistEntry{
		PhoneNumber: phone,
		Reason:      req.Reason,
		Source:      source,
	}
	err = database.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry).Error
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	if err := cache.BlacklistAdd(ctx, phone); err != nil {
		// 缓存只是加速，写失败不影响正确性，准入路径会回源数据库
		logger.Logger.Warn("failed to sync blacklist cache",
			zap.String("phone_number", phone),
			zap.Error(err),
		)
	}

	response.Success(ctx, c, entry)
}

// CheckBlacklist 查询号码是否在黑名单里，直接读数据库保证权威。
// GET /v1/blacklist/:phone_number
func CheckBlacklist(ctx context.Context, c *app.RequestContext) {
	phone, err := normalizeE164(c.Param("phone_number"))
	if err != nil {
		response.Error(ctx, c, errors.ContactInvalidPhone)
		return
	}

	var count int64
	err = database.DB().WithContext(ctx).
		Model(&model.BlacklistEntry{}).
		Where("phone_number = ?", phone).
		Count(&count).Error
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, model.BlacklistCheckResponse{
		PhoneNumber: phone,
		Listed:      count > 0,
	})
}

// DeleteBlacklist 移除黑名单条目并同步清缓存
// DELETE /v1/blacklist/:phone_number
func DeleteBlacklist(ctx context.Context, c *app.RequestContext) {
	phone, err := normalizeE164(c.Param("phone_number"))
	if err != nil {
		response.Error(ctx, c, errors.ContactInvalidPhone)
		return
	}

	err = database.DB().WithContext(ctx).
		Where("phone_number = ?", phone).
		Delete(&model.BlacklistEntry{}).Error
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	if err := cache.BlacklistRemove(ctx, phone); err != nil {
		logger.Logger.Warn("failed to remove blacklist cache entry",
			zap.String("phone_number", phone),
			zap.Error(err),
		)
	}

	response.NoContent(ctx, c)
}
