package dialer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"CallWave/internal/cache"
	"CallWave/internal/callsession"
	"CallWave/internal/ivr"
	"CallWave/internal/model"
	"CallWave/internal/ratelimit"
	"CallWave/internal/selector"
	"CallWave/pkg/breaker"
	"CallWave/pkg/errors"
	"CallWave/pkg/logger"
	"CallWave/pkg/metrics"
	"CallWave/pkg/voice"
)

const (
	// 限速拒绝后的延迟重投退避
	requeueBaseDelay = time.Second
	requeueMaxDelay  = 30 * time.Second

	dedupeTTL = 48 * time.Hour
)

// Dialer 拨号任务消费者的核心逻辑。一条任务走完：
// 幂等检查 -> 流程校验 -> 窗口复查 -> CPS 准入 -> 黑名单复查 -> 发起呼叫。
// 任何一步失败都不能让额度或抢占泄漏。
type Dialer struct {
	db      *gorm.DB
	limiter *ratelimit.Limiter
	voice   voice.Client
	manager *callsession.Manager

	publishEvent     func(ctx context.Context, event model.CallEventMessage) error
	republishDelayed func(ctx context.Context, task model.DialTaskMessage, delay time.Duration) error
	newMessageID     func() string

	now func() time.Time
}

func New(
	db *gorm.DB,
	limiter *ratelimit.Limiter,
	voiceClient voice.Client,
	manager *callsession.Manager,
	publishEvent func(ctx context.Context, event model.CallEventMessage) error,
	republishDelayed func(ctx context.Context, task model.DialTaskMessage, delay time.Duration) error,
	newMessageID func() string,
) *Dialer {
	return &Dialer{
		db:               db,
		limiter:          limiter,
		voice:            voiceClient,
		manager:          manager,
		publishEvent:     publishEvent,
		republishDelayed: republishDelayed,
		newMessageID:     newMessageID,
		now:              time.Now,
	}
}

// HandleTask 处理一条拨号任务。返回值语义对齐消费循环：
//   - SkipMessageError: ack，任务作废（重复消息、配置坏、窗口外）
//   - RequeueError: ack 原消息，副本已经带延迟重新入队
//   - 其他错误: nack requeue，基础设施故障等原地重试
func (d *Dialer) HandleTask(ctx context.Context, task model.DialTaskMessage) error {
	dedupeKey := task.DedupeKey()
	first, err := cache.TryMarkMessageProcessing(ctx, dedupeKey, dedupeTTL)
	if err != nil {
		return fmt.Errorf("failed to check dial task dedupe: %w", err)
	}
	if !first {
		logger.Logger.Info("duplicate dial task, skipping",
			zap.String("dedupe_key", dedupeKey),
		)
		return &errors.SkipMessageError{Reason: "duplicate dial task"}
	}

	// IVR 流程在拨出前校验，坏配置绝不占用呼叫额度
	var flow *ivr.Flow
	if len(task.Enrichment.IVRFlow) > 0 {
		flow, err = ivr.ParseFlow(task.Enrichment.IVRFlow)
		if err != nil {
			logger.Logger.Warn("malformed ivr flow, skipping task",
				zap.Int64("campaign_id", task.CampaignID),
				zap.Int64("contact_id", task.ContactID),
				zap.Error(err),
			)
			d.failContact(ctx, task, "config_error")
			_ = cache.MarkMessageProcessed(ctx, dedupeKey, dedupeTTL)
			return &errors.SkipMessageError{Reason: "malformed ivr flow"}
		}
	}

	// 入队到拨出之间可能隔了很久（延迟重投），窗口必须复查
	inWindow, err := d.inWindow(task)
	if err != nil {
		d.failContact(ctx, task, "config_error")
		_ = cache.MarkMessageProcessed(ctx, dedupeKey, dedupeTTL)
		return &errors.SkipMessageError{Reason: "unresolvable call window"}
	}
	if !inWindow {
		// 还回抢占，等窗口再开时由 selector 重新投递
		d.releaseContact(ctx, task)
		_ = cache.UnmarkMessageProcessing(ctx, dedupeKey)
		logger.Logger.Info("outside call window at admission, releasing contact",
			zap.Int64("contact_id", task.ContactID),
		)
		return &errors.SkipMessageError{Reason: "outside call window"}
	}

	admitted, err := d.limiter.TryAdmit(ctx, task.CampaignID, task.Enrichment.MaxCPS)
	if err != nil {
		_ = cache.UnmarkMessageProcessing(ctx, dedupeKey)
		return fmt.Errorf("failed to check cps admission: %w", err)
	}
	if !admitted {
		_ = cache.UnmarkMessageProcessing(ctx, dedupeKey)
		metrics.RecordDialRateRejected(ctx, task.CampaignID)
		return d.requeue(ctx, task)
	}
	metrics.RecordDialAdmitted(ctx, task.CampaignID)

	// 黑名单在准入之后仍要查一次：退订可能发生在入队之后。
	// 命中时退回刚占的额度。
	listed, err := d.isBlacklisted(ctx, task.PhoneNumber)
	if err != nil {
		_ = d.limiter.Release(ctx, task.CampaignID, task.Enrichment.MaxCPS)
		_ = cache.UnmarkMessageProcessing(ctx, dedupeKey)
		return fmt.Errorf("failed to check blacklist: %w", err)
	}
	if listed {
		_ = d.limiter.Release(ctx, task.CampaignID, task.Enrichment.MaxCPS)
		d.finishBlacklisted(ctx, task)
		_ = cache.MarkMessageProcessed(ctx, dedupeKey, dedupeTTL)
		return &errors.SkipMessageError{Reason: "phone number blacklisted"}
	}

	sess, err := d.originate(ctx, task, flow)
	if err != nil {
		if sess == nil {
			// 会话行都没落下来，按基础设施故障退回队列重试
			_ = d.limiter.Release(ctx, task.CampaignID, task.Enrichment.MaxCPS)
			_ = cache.UnmarkMessageProcessing(ctx, dedupeKey)
			return fmt.Errorf("failed to create call session: %w", err)
		}

		// 呼叫发起失败是这次尝试的终态，走事件路由决定是否重试。
		// 终态事件必须引用 originate 已持久化的那条 CDR。
		logger.Logger.Error("failed to originate call",
			zap.String("call_id", sess.CallID),
			zap.Int64("contact_id", task.ContactID),
			zap.String("phone_number", task.PhoneNumber),
			zap.Error(err),
		)
		if sess.Outcome == "" {
			sess.Outcome = model.CallOutcomeFailed
		}
		d.publishTerminal(ctx, sess)
		_ = cache.MarkMessageProcessed(ctx, dedupeKey, dedupeTTL)
		return &errors.SkipMessageError{Reason: "originate failed"}
	}

	_ = cache.MarkMessageProcessed(ctx, dedupeKey, dedupeTTL)
	return nil
}

// requeue 限速拒绝：带指数退避延迟重投一个副本，原消息由消费循环 ack。
func (d *Dialer) requeue(ctx context.Context, task model.DialTaskMessage) error {
	delay := requeueBaseDelay << task.Redeliveries
	if delay > requeueMaxDelay || delay <= 0 {
		delay = requeueMaxDelay
	}

	retry := task
	retry.Redeliveries++
	if err := d.republishDelayed(ctx, retry, delay); err != nil {
		// 副本没投出去，让原消息 nack 回队列，宁可立即重试也不能丢任务
		return fmt.Errorf("failed to requeue rate limited task: %w", err)
	}

	logger.Logger.Debug("rate limited, requeued with delay",
		zap.Int64("contact_id", task.ContactID),
		zap.Duration("delay", delay),
		zap.Int("redeliveries", retry.Redeliveries),
	)
	return &errors.RequeueError{Reason: "cps limit reached"}
}

func (d *Dialer) inWindow(task model.DialTaskMessage) (bool, error) {
	policy := task.Enrichment.WindowPolicy
	if policy.Start == "" || policy.End == "" {
		return true, nil
	}
	window, err := selector.ResolveWindow(policy.Timezone, policy.Start, policy.End, "", policy.Start, policy.End)
	if err != nil {
		return false, err
	}
	return window.Contains(d.now()), nil
}

func (d *Dialer) isBlacklisted(ctx context.Context, phoneNumber string) (bool, error) {
	hit, err := cache.BlacklistHit(ctx, phoneNumber)
	if err != nil {
		logger.Logger.Warn("blacklist cache unavailable, falling back to database", zap.Error(err))
	} else if hit {
		return true, nil
	}

	// 缓存只做正向命中，未命中必须回源
	var count int64
	err = d.db.WithContext(ctx).
		Model(&model.BlacklistEntry{}).
		Where("phone_number = ?", phoneNumber).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		_ = cache.BlacklistAdd(ctx, phoneNumber)
		return true, nil
	}
	return false, nil
}

// originate 建 CDR 行并向服务商发起呼叫。会话一旦落库就随错误一并返回，
// 调用方用同一个 call_id 发布终态事件。
func (d *Dialer) originate(ctx context.Context, task model.DialTaskMessage, flow *ivr.Flow) (*model.CallSession, error) {
	sess := &model.CallSession{
		CallID:      uuid.NewString(),
		CampaignID:  task.CampaignID,
		ContactID:   task.ContactID,
		PhoneNumber: task.PhoneNumber,
		Attempt:     task.Attempt,
		State:       model.CallStateQueued,
	}
	if err := d.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, err
	}

	// 服务商接口走熔断器，持续故障时快速失败而不是逐条超时
	err := breaker.Voice.Call(ctx, func() error {
		return d.voice.Originate(ctx, voice.OriginateRequest{
			CallID:      sess.CallID,
			PhoneNumber: task.PhoneNumber,
			AudioRef:    task.Enrichment.AudioRef,
		})
	})
	if err != nil {
		now := d.now()
		sess.State = model.CallStateFailed
		sess.Outcome = model.CallOutcomeFailed
		sess.EndedAt = &now
		if dbErr := d.db.WithContext(ctx).Save(sess).Error; dbErr != nil {
			logger.Logger.Error("failed to persist originate failure", zap.Error(dbErr))
		}
		return sess, err
	}

	return sess, d.manager.Track(ctx, sess, flow)
}

// finishBlacklisted 不拨号直接落终态，事件照常发布让路由更新联系人。
func (d *Dialer) finishBlacklisted(ctx context.Context, task model.DialTaskMessage) {
	now := d.now()
	sess := &model.CallSession{
		CallID:      uuid.NewString(),
		CampaignID:  task.CampaignID,
		ContactID:   task.ContactID,
		PhoneNumber: task.PhoneNumber,
		Attempt:     task.Attempt,
		State:       model.CallStateBlacklisted,
		Outcome:     model.CallOutcomeBlacklisted,
		EndedAt:     &now,
	}
	if err := d.db.WithContext(ctx).Create(sess).Error; err != nil {
		logger.Logger.Error("failed to persist blacklisted session", zap.Error(err))
	}
	d.publishTerminal(ctx, sess)
}

func (d *Dialer) publishTerminal(ctx context.Context, sess *model.CallSession) {
	event := model.CallEventMessage{
		MessageID:   d.newMessageID(),
		CallID:      sess.CallID,
		CampaignID:  sess.CampaignID,
		ContactID:   sess.ContactID,
		PhoneNumber: sess.PhoneNumber,
		Attempt:     sess.Attempt,
		Outcome:     sess.Outcome,
		EndedAt:     d.now().Format(time.RFC3339),
	}
	if err := d.publishEvent(ctx, event); err != nil {
		logger.Logger.Error("failed to publish terminal event",
			zap.String("call_id", sess.CallID),
			zap.Error(err),
		)
	}
}

func (d *Dialer) failContact(ctx context.Context, task model.DialTaskMessage, outcome string) {
	err := d.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("id = ?", task.ContactID).
		Updates(map[string]interface{}{
			"status":       model.ContactStatusFailed,
			"last_outcome": outcome,
		}).Error
	if err != nil {
		logger.Logger.Error("failed to mark contact failed",
			zap.Int64("contact_id", task.ContactID),
			zap.Error(err),
		)
	}
}

func (d *Dialer) releaseContact(ctx context.Context, task model.DialTaskMessage) {
	err := d.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("id = ? AND status = ?", task.ContactID, model.ContactStatusInProgress).
		Updates(map[string]interface{}{
			"status":   model.ContactStatusPending,
			"attempts": gorm.Expr("attempts - 1"),
		}).Error
	if err != nil {
		logger.Logger.Error("failed to release contact",
			zap.Int64("contact_id", task.ContactID),
			zap.Error(err),
		)
	}
}
