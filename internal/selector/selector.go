package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"CallWave/internal/model"
	"CallWave/pkg/logger"
)

// Selector 按批筛选可拨打联系人并投递拨号任务。
// 多个实例并发跑同一个活动也不会重复投递：每行联系人先用
// 条件 UPDATE 抢占（status pending -> in_progress），抢不到就让行。
type Selector struct {
	db *gorm.DB

	// publish 把拨号任务交给持久化队列，注入以便测试
	publish      func(ctx context.Context, task model.DialTaskMessage) error
	newMessageID func() string

	batchSize int
	now       func() time.Time
}

func New(db *gorm.DB, publish func(ctx context.Context, task model.DialTaskMessage) error, newMessageID func() string, batchSize int) *Selector {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Selector{
		db:           db,
		publish:      publish,
		newMessageID: newMessageID,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

// BatchResult 一次筛选的产出
type BatchResult struct {
	Published int
	Skipped   int
	// More 为 true 表示候选集还没见底，orchestrator 应继续调度下一批
	More bool
}

// SelectBatch 跑一轮筛选：取候选、过窗口、抢占、投递。
// 单个联系人的失败只影响它自己，不中断整批。
func (s *Selector) SelectBatch(ctx context.Context, campaign *model.Campaign) (BatchResult, error) {
	now := s.now()
	retryCutoff := now.Add(-time.Duration(campaign.RetryDelayMinutes) * time.Minute)

	var candidates []model.Contact
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaign.ID).
		Where("status = ?", model.ContactStatusPending).
		Where("attempts < ?", campaign.MaxAttempts).
		Where("last_attempt_at IS NULL OR last_attempt_at <= ?", retryCutoff).
		Where("NOT EXISTS (SELECT 1 FROM blacklist_entries b WHERE b.phone_number = contacts.phone_number)").
		Order("attempts ASC, priority DESC, id ASC").
		Limit(s.batchSize).
		Find(&candidates).Error
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to query eligible contacts: %w", err)
	}

	result := BatchResult{More: len(candidates) == s.batchSize}

	for i := range candidates {
		contact := &candidates[i]

		window, err := ResolveWindow(
			contact.Timezone, contact.CallWindowStart, contact.CallWindowEnd,
			campaign.Timezone, campaign.CallWindowStart, campaign.CallWindowEnd,
		)
		if err != nil {
			// 配置坏了就标记跳过，窗口猜错比少拨一个电话严重得多
			logger.Logger.Warn("contact window unresolvable, skipping",
				zap.Int64("contact_id", contact.ID),
				zap.Error(err),
			)
			s.markConfigError(ctx, contact)
			result.Skipped++
			continue
		}
		if !window.Contains(now) {
			result.Skipped++
			continue
		}

		claimed, err := s.claim(ctx, contact, now)
		if err != nil {
			logger.Logger.Error("failed to claim contact",
				zap.Int64("contact_id", contact.ID),
				zap.Error(err),
			)
			result.Skipped++
			continue
		}
		if !claimed {
			// 被别的 selector 实例抢走了
			result.Skipped++
			continue
		}

		task := s.buildTask(campaign, contact, now)
		if err := s.publish(ctx, task); err != nil {
			// 投递失败回滚抢占，联系人留给下一轮
			logger.Logger.Error("failed to publish dial task, releasing claim",
				zap.Int64("contact_id", contact.ID),
				zap.Error(err),
			)
			s.releaseClaim(ctx, contact)
			result.Skipped++
			continue
		}
		result.Published++
	}

	return result, nil
}

// claim 条件更新抢占联系人。attempts 在抢占时原子自增，
// RowsAffected == 0 表示这一行已被并发方处理。
func (s *Selector) claim(ctx context.Context, contact *model.Contact, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("id = ? AND status = ? AND attempts = ?", contact.ID, model.ContactStatusPending, contact.Attempts).
		Updates(map[string]interface{}{
			"status":          model.ContactStatusInProgress,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	contact.Attempts++
	contact.Status = model.ContactStatusInProgress
	return true, nil
}

func (s *Selector) releaseClaim(ctx context.Context, contact *model.Contact) {
	err := s.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("id = ? AND status = ?", contact.ID, model.ContactStatusInProgress).
		Updates(map[string]interface{}{
			"status":   model.ContactStatusPending,
			"attempts": gorm.Expr("attempts - 1"),
		}).Error
	if err != nil {
		logger.Logger.Error("failed to release contact claim",
			zap.Int64("contact_id", contact.ID),
			zap.Error(err),
		)
	}
}

func (s *Selector) markConfigError(ctx context.Context, contact *model.Contact) {
	err := s.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("id = ?", contact.ID).
		Updates(map[string]interface{}{
			"status":       model.ContactStatusFailed,
			"last_outcome": "config_error",
		}).Error
	if err != nil {
		logger.Logger.Error("failed to flag contact config error",
			zap.Int64("contact_id", contact.ID),
			zap.Error(err),
		)
	}
}

func (s *Selector) buildTask(campaign *model.Campaign, contact *model.Contact, now time.Time) model.DialTaskMessage {
	var flow json.RawMessage
	if campaign.IVRFlow != nil {
		if raw, err := json.Marshal(campaign.IVRFlow); err == nil {
			flow = raw
		}
	}

	// 窗口策略随任务下发，准入时用同一份配置复查
	policy := model.WindowPolicy{
		Timezone: contact.Timezone,
		Start:    contact.CallWindowStart,
		End:      contact.CallWindowEnd,
	}
	if policy.Timezone == "" {
		policy.Timezone = campaign.Timezone
	}
	if policy.Start == "" {
		policy.Start = campaign.CallWindowStart
	}
	if policy.End == "" {
		policy.End = campaign.CallWindowEnd
	}

	return model.DialTaskMessage{
		MessageID:   s.newMessageID(),
		CampaignID:  campaign.ID,
		ContactID:   contact.ID,
		PhoneNumber: contact.PhoneNumber,
		Attempt:     contact.Attempts,
		Enrichment: model.DialEnrichment{
			AudioRef:     campaign.AudioRef,
			IVRFlow:      flow,
			WindowPolicy: policy,
			MaxCPS:       campaign.MaxCPS,
		},
		EnqueuedAt: now.Format(time.RFC3339),
	}
}
