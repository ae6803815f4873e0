package orchestrator

// 活动编排器：驱动每个活动走完生命周期
// scheduled -> active（校验通过后开始派发）-> completed/failed/cancelled。
// 派发失败按活动独立退避，单个活动的故障不影响其他活动。

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"CallWave/config"
	"CallWave/internal/cache"
	"CallWave/internal/ivr"
	"CallWave/internal/model"
	"CallWave/internal/selector"
	"CallWave/pkg/logger"
)

const (
	dispatchBaseBackoff = 5 * time.Second
	dispatchMaxBackoff  = 5 * time.Minute
	// 连续失败超过这个次数，活动转 failed
	dispatchFailureCap = 8

	dispatchLockKey = "orchestrator:dispatch"
)

var (
	orchestratorOnce sync.Once
	orchestratorInst *Orchestrator
)

// Orchestrator 活动生命周期编排
type Orchestrator struct {
	logger *zap.Logger
	db     *gorm.DB
	sel    *selector.Selector
	prio   *selector.Prioritizer

	interval time.Duration

	mu sync.Mutex
	// 每个活动的派发退避状态
	backoffs map[int64]*backoffState

	now func() time.Time
}

type backoffState struct {
	failures  int
	nextRetry time.Time
}

// Get 获取编排器单例
func Get(db *gorm.DB, sel *selector.Selector, prio *selector.Prioritizer) *Orchestrator {
	orchestratorOnce.Do(func() {
		orchestratorInst = &Orchestrator{
			logger:   logger.Logger,
			db:       db,
			sel:      sel,
			prio:     prio,
			interval: time.Duration(config.Cfg.DialDispatchInterval) * time.Second,
			backoffs: make(map[int64]*backoffState),
			now:      time.Now,
		}
	})
	return orchestratorInst
}

// Run 编排主循环，ctx 取消时退出。
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("Campaign orchestrator started",
		zap.Duration("interval", o.interval),
	)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Campaign orchestrator stopped")
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick 跑一轮编排：激活到期活动，推进所有 active 活动。
// 周期锁保证同一时刻只有一个编排进程在派发。
func (o *Orchestrator) Tick(ctx context.Context) {
	held, err := cache.TryLock(ctx, dispatchLockKey, 2*o.interval)
	if err != nil {
		o.logger.Warn("Failed to acquire dispatch lock, skipping cycle", zap.Error(err))
		return
	}
	if !held {
		return
	}
	defer func() {
		if err := cache.Unlock(ctx, dispatchLockKey); err != nil {
			o.logger.Warn("Failed to release dispatch lock", zap.Error(err))
		}
	}()

	if err := o.activateDue(ctx); err != nil {
		o.logger.Error("Failed to activate scheduled campaigns", zap.Error(err))
	}

	var campaigns []model.Campaign
	err = o.db.WithContext(ctx).
		Where("status = ?", model.CampaignStatusActive).
		Find(&campaigns).Error
	if err != nil {
		o.logger.Error("Failed to load active campaigns", zap.Error(err))
		return
	}

	for i := range campaigns {
		o.advance(ctx, &campaigns[i])
	}
}

// activateDue 把到了 start_at 的 scheduled 活动校验后转 active。
// 校验不过的活动直接转 failed 并写 last_error，绝不带病派发。
func (o *Orchestrator) activateDue(ctx context.Context) error {
	now := o.now()

	var due []model.Campaign
	err := o.db.WithContext(ctx).
		Where("status = ?", model.CampaignStatusScheduled).
		Where("start_at IS NULL OR start_at <= ?", now).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("failed to query scheduled campaigns: %w", err)
	}

	for i := range due {
		campaign := &due[i]
		if err := o.validate(campaign); err != nil {
			o.logger.Warn("Campaign failed validation",
				zap.Int64("campaign_id", campaign.ID),
				zap.Error(err),
			)
			o.transition(ctx, campaign, model.CampaignStatusFailed, err.Error())
			continue
		}
		o.transition(ctx, campaign, model.CampaignStatusActive, "")
	}
	return nil
}

// validate 激活前做一次完整校验：窗口可解析、IVR 流程图合法。
func (o *Orchestrator) validate(campaign *model.Campaign) error {
	_, err := selector.ResolveWindow("", "", "", campaign.Timezone, campaign.CallWindowStart, campaign.CallWindowEnd)
	if err != nil {
		return fmt.Errorf("invalid call window: %w", err)
	}

	if campaign.IVRFlow != nil {
		raw, err := json.Marshal(campaign.IVRFlow)
		if err != nil {
			return fmt.Errorf("invalid ivr flow: %w", err)
		}
		if _, err := ivr.ParseFlow(raw); err != nil {
			return fmt.Errorf("invalid ivr flow: %w", err)
		}
	}

	if campaign.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	return nil
}

// advance 推进一个 active 活动一步。
func (o *Orchestrator) advance(ctx context.Context, campaign *model.Campaign) {
	now := o.now()

	// 过了结束时间的活动收尾归档
	if campaign.EndAt != nil && now.After(*campaign.EndAt) {
		o.finish(ctx, campaign, model.CampaignStatusCompleted)
		return
	}

	if !o.readyToDispatch(campaign.ID, now) {
		return
	}

	if o.prio != nil {
		o.prio.Refresh(ctx, campaign)
	}

	result, err := o.sel.SelectBatch(ctx, campaign)
	if err != nil {
		o.recordDispatchFailure(ctx, campaign, err)
		return
	}
	o.clearBackoff(campaign.ID)

	if result.Published > 0 || result.More {
		return
	}

	// 这一轮一个都没派出去：看看是不是整个活动都做完了
	exhausted, err := o.exhausted(ctx, campaign)
	if err != nil {
		o.logger.Error("Failed to check campaign exhaustion",
			zap.Int64("campaign_id", campaign.ID),
			zap.Error(err),
		)
		return
	}
	if exhausted {
		o.finish(ctx, campaign, model.CampaignStatusCompleted)
	}
}

// exhausted 活动已经没有任何可推进的联系人
func (o *Orchestrator) exhausted(ctx context.Context, campaign *model.Campaign) (bool, error) {
	var remaining int64
	err := o.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("campaign_id = ?", campaign.ID).
		Where("status IN ?", []model.ContactStatus{model.ContactStatusPending, model.ContactStatusInProgress}).
		Where("attempts < ? OR status = ?", campaign.MaxAttempts, model.ContactStatusInProgress).
		Count(&remaining).Error
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

// finish 收尾：先把 Redis 里的实时聚合快照进活动行，再落终态。
func (o *Orchestrator) finish(ctx context.Context, campaign *model.Campaign, status model.CampaignStatus) {
	if err := o.snapshotStats(ctx, campaign); err != nil {
		// 快照失败不阻塞归档，下一轮还有机会补
		o.logger.Error("Failed to snapshot campaign stats",
			zap.Int64("campaign_id", campaign.ID),
			zap.Error(err),
		)
		return
	}
	o.transition(ctx, campaign, status, "")
	o.clearBackoff(campaign.ID)
}

// snapshotStats 把实时聚合写进数据库，报表从这里读。
func (o *Orchestrator) snapshotStats(ctx context.Context, campaign *model.Campaign) error {
	stats, err := cache.CampaignStats(ctx, campaign.ID)
	if err != nil {
		return err
	}

	asInt := func(field string) int {
		v, _ := strconv.Atoi(stats[field])
		return v
	}

	return o.db.WithContext(ctx).
		Model(&model.Campaign{}).
		Where("id = ?", campaign.ID).
		Updates(map[string]interface{}{
			"dialed_count":    asInt("dialed"),
			"answered_count":  asInt("answered"),
			"opt_out_count":   asInt("opt_out"),
			"converted_count": asInt("converted"),
		}).Error
}

// transition 迁移活动状态。终态活动不再接受任何迁移。
func (o *Orchestrator) transition(ctx context.Context, campaign *model.Campaign, status model.CampaignStatus, lastError string) {
	if campaign.Status.IsTerminal() {
		o.logger.Warn("Refusing to transition terminal campaign",
			zap.Int64("campaign_id", campaign.ID),
			zap.String("from", string(campaign.Status)),
			zap.String("to", string(status)),
		)
		return
	}

	updates := map[string]interface{}{"status": status}
	if lastError != "" {
		updates["last_error"] = lastError
	}

	res := o.db.WithContext(ctx).
		Model(&model.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, campaign.Status).
		Updates(updates)
	if res.Error != nil {
		o.logger.Error("Failed to transition campaign",
			zap.Int64("campaign_id", campaign.ID),
			zap.Error(res.Error),
		)
		return
	}
	if res.RowsAffected == 0 {
		// 并发方（API 暂停/取消）先改了状态，放弃本次迁移
		return
	}

	o.logger.Info("Campaign transitioned",
		zap.Int64("campaign_id", campaign.ID),
		zap.String("from", string(campaign.Status)),
		zap.String("to", string(status)),
	)
	campaign.Status = status
}

func (o *Orchestrator) readyToDispatch(campaignID int64, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.backoffs[campaignID]
	if !ok {
		return true
	}
	return !now.Before(state.nextRetry)
}

// recordDispatchFailure 派发失败按活动退避，超过上限转 failed。
func (o *Orchestrator) recordDispatchFailure(ctx context.Context, campaign *model.Campaign, cause error) {
	o.mu.Lock()
	state, ok := o.backoffs[campaign.ID]
	if !ok {
		state = &backoffState{}
		o.backoffs[campaign.ID] = state
	}
	state.failures++
	failures := state.failures

	delay := dispatchBaseBackoff << (failures - 1)
	if delay > dispatchMaxBackoff || delay <= 0 {
		delay = dispatchMaxBackoff
	}
	state.nextRetry = o.now().Add(delay)
	o.mu.Unlock()

	o.logger.Error("Campaign dispatch failed",
		zap.Int64("campaign_id", campaign.ID),
		zap.Int("consecutive_failures", failures),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)

	if failures >= dispatchFailureCap {
		o.transition(ctx, campaign, model.CampaignStatusFailed, cause.Error())
	}
}

func (o *Orchestrator) clearBackoff(campaignID int64) {
	o.mu.Lock()
	delete(o.backoffs, campaignID)
	o.mu.Unlock()
}
