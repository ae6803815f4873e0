package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"CallWave/internal/cache"
	"CallWave/internal/ivr"
	"CallWave/internal/model"
	"CallWave/pkg/errors"
	"CallWave/pkg/logger"
)

const eventDedupeTTL = 48 * time.Hour

// Router 事后路由：消费终态呼叫事件，更新联系人、活动聚合，
// 并分发后续动作（短信跟进）。队列 at-least-once，按 call_id 幂等；
// 任何一步失败都把消息退回队列重试，事件绝不允许丢。
type Router struct {
	db *gorm.DB

	publishSMS   func(ctx context.Context, msg model.SMSTriggerMessage) error
	newMessageID func() string
}

func NewRouter(db *gorm.DB, publishSMS func(ctx context.Context, msg model.SMSTriggerMessage) error, newMessageID func() string) *Router {
	return &Router{
		db:           db,
		publishSMS:   publishSMS,
		newMessageID: newMessageID,
	}
}

// HandleEvent 处理一条终态呼叫事件。
func (r *Router) HandleEvent(ctx context.Context, ev model.CallEventMessage) error {
	dedupeKey := "callevent:" + ev.CallID
	first, err := cache.TryMarkMessageProcessing(ctx, dedupeKey, eventDedupeTTL)
	if err != nil {
		return fmt.Errorf("failed to check event dedupe: %w", err)
	}
	if !first {
		logger.Logger.Info("duplicate call event, skipping",
			zap.String("call_id", ev.CallID),
		)
		return &errors.SkipMessageError{Reason: "duplicate call event"}
	}

	if err := r.route(ctx, ev); err != nil {
		// 处理失败必须解除标记，否则重投会被幂等层吞掉，事件就丢了
		_ = cache.UnmarkMessageProcessing(ctx, dedupeKey)
		return err
	}

	_ = cache.MarkMessageProcessed(ctx, dedupeKey, eventDedupeTTL)
	return nil
}

func (r *Router) route(ctx context.Context, ev model.CallEventMessage) error {
	var campaign model.Campaign
	if err := r.db.WithContext(ctx).First(&campaign, ev.CampaignID).Error; err != nil {
		return fmt.Errorf("failed to load campaign %d: %w", ev.CampaignID, err)
	}

	if err := r.updateContact(ctx, ev, &campaign); err != nil {
		return err
	}

	r.recordAggregates(ctx, ev)

	return r.dispatchFollowUps(ctx, ev)
}

// updateContact 按结果迁移联系人状态。
// busy / no_answer / failed 在尝试次数未用尽时放回 pending 等待重拨。
func (r *Router) updateContact(ctx context.Context, ev model.CallEventMessage, campaign *model.Campaign) error {
	updates := map[string]interface{}{
		"last_outcome": string(ev.Outcome),
	}

	switch ev.Outcome {
	case model.CallOutcomeAnswered, model.CallOutcomeConverted:
		updates["status"] = model.ContactStatusCompleted

	case model.CallOutcomeOptedOut, model.CallOutcomeBlacklisted:
		updates["status"] = model.ContactStatusBlacklisted

	case model.CallOutcomeBusy, model.CallOutcomeNoAnswer, model.CallOutcomeFailed:
		if ev.Attempt < campaign.MaxAttempts {
			updates["status"] = model.ContactStatusPending
		} else {
			updates["status"] = model.ContactStatusFailed
		}

	default:
		logger.Logger.Warn("unknown call outcome, marking contact failed",
			zap.String("call_id", ev.CallID),
			zap.String("outcome", string(ev.Outcome)),
		)
		updates["status"] = model.ContactStatusFailed
	}

	err := r.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("id = ?", ev.ContactID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update contact %d: %w", ev.ContactID, err)
	}
	return nil
}

// recordAggregates 实时聚合只进 Redis，Reporting 阶段再快照进数据库。
// 聚合写失败不值得重放整条事件，记日志继续。
func (r *Router) recordAggregates(ctx context.Context, ev model.CallEventMessage) {
	incr := func(field string) {
		if err := cache.IncrCampaignStat(ctx, ev.CampaignID, field, 1); err != nil {
			logger.Logger.Warn("failed to incr campaign stat",
				zap.Int64("campaign_id", ev.CampaignID),
				zap.String("field", field),
				zap.Error(err),
			)
		}
	}

	incr("dialed")
	switch ev.Outcome {
	case model.CallOutcomeAnswered:
		incr("answered")
	case model.CallOutcomeConverted:
		incr("answered")
		incr("converted")
	case model.CallOutcomeOptedOut:
		incr("answered")
		incr("opt_out")
	}
	if ev.CostCents > 0 {
		if err := cache.IncrCampaignStat(ctx, ev.CampaignID, "cost_cents", int64(ev.CostCents)); err != nil {
			logger.Logger.Warn("failed to incr campaign cost", zap.Error(err))
		}
	}
}

// dispatchFollowUps 把 IVR 里登记的动作分发到各自的协作队列。
// 短信确认走独立队列、独立重试域，不阻塞事件路由。
func (r *Router) dispatchFollowUps(ctx context.Context, ev model.CallEventMessage) error {
	for _, action := range ev.Actions {
		switch action.Type {
		case string(ivr.ActionDonation), string(ivr.ActionSMS):
			msg := model.SMSTriggerMessage{
				MessageID:   r.newMessageID(),
				CampaignID:  ev.CampaignID,
				ContactID:   ev.ContactID,
				PhoneNumber: ev.PhoneNumber,
				Action:      action.Type,
				TemplateContext: map[string]string{
					"payload": action.Payload,
					"call_id": ev.CallID,
				},
			}
			if err := r.publishSMS(ctx, msg); err != nil {
				return fmt.Errorf("failed to publish sms trigger: %w", err)
			}

		case string(ivr.ActionTransfer):
			// 转接在通话内已经发生，这里只留痕
			logger.Logger.Info("transfer action recorded",
				zap.String("call_id", ev.CallID),
				zap.String("payload", action.Payload),
			)

		case string(ivr.ActionOptOut):
			// 黑名单在 IVR 会话里已同步写入，联系人状态也已迁移
		}
	}
	return nil
}
