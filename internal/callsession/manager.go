package callsession

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"CallWave/internal/cache"
	"CallWave/internal/ivr"
	"CallWave/internal/model"
	"CallWave/pkg/logger"
	"CallWave/pkg/metrics"
)

// Manager 持有所有进行中的呼叫会话，把话务回调翻译成状态机事件，
// 并在接通后驱动 IVR 会话。每路通话的按键通过独立通道送进对应的
// Runner goroutine，彼此互不阻塞。
type Manager struct {
	db        *gorm.DB
	telephony ivr.Telephony

	// publish 把终态事件交给事后路由队列，注入以便测试
	publish      func(ctx context.Context, event model.CallEventMessage) error
	newMessageID func() string

	ringTimeout     time.Duration
	digitTimeout    time.Duration
	invalidInputCap int

	mu   sync.Mutex
	live map[string]*liveSession

	wg sync.WaitGroup
}

type liveSession struct {
	// mu 串行化本路会话的状态迁移：话务回调、响铃超时定时器、
	// IVR goroutine 三方都会碰 sess，必须持锁
	mu sync.Mutex

	sess *model.CallSession
	flow *ivr.Flow

	digits       chan string
	digitsClosed bool
	ringTimer    *time.Timer
	ivrRunning   bool
	finalized    bool
}

func NewManager(
	db *gorm.DB,
	telephony ivr.Telephony,
	publish func(ctx context.Context, event model.CallEventMessage) error,
	newMessageID func() string,
	ringTimeout, digitTimeout time.Duration,
	invalidInputCap int,
) *Manager {
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	return &Manager{
		db:              db,
		telephony:       telephony,
		publish:         publish,
		newMessageID:    newMessageID,
		ringTimeout:     ringTimeout,
		digitTimeout:    digitTimeout,
		invalidInputCap: invalidInputCap,
		live:            make(map[string]*liveSession),
	}
}

// Track 开始跟踪一路刚发起的呼叫。dialer 在服务商 originate 成功后调用。
func (m *Manager) Track(ctx context.Context, sess *model.CallSession, flow *ivr.Flow) error {
	next, ok := Transition(sess.State, EventDialStarted)
	if !ok {
		logger.Logger.Warn("illegal transition, dropping",
			zap.String("call_id", sess.CallID),
			zap.String("state", string(sess.State)),
			zap.String("event", string(EventDialStarted)),
		)
		return nil
	}

	now := time.Now()
	sess.State = next
	sess.StartedAt = &now
	if err := m.db.WithContext(ctx).Save(sess).Error; err != nil {
		return err
	}

	ls := &liveSession{
		sess:   sess,
		flow:   flow,
		digits: make(chan string, 16),
	}
	ls.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.onRingTimeout(sess.CallID)
	})

	m.mu.Lock()
	m.live[sess.CallID] = ls
	m.mu.Unlock()

	if err := cache.IncrActiveCalls(ctx); err != nil {
		logger.Logger.Warn("failed to incr active calls", zap.Error(err))
	}
	metrics.AddActiveCall(ctx)
	return nil
}

// HandleEvent 话务回调入口。未知 call_id 与非法转移都只记日志，
// 绝不让一条坏回调打断 webhook 处理。
func (m *Manager) HandleEvent(ctx context.Context, ev model.TelephonyEventRequest) error {
	m.mu.Lock()
	ls, ok := m.live[ev.CallID]
	m.mu.Unlock()
	if !ok {
		logger.Logger.Warn("event for unknown or finished call, ignoring",
			zap.String("call_id", ev.CallID),
			zap.String("event", ev.Event),
		)
		return nil
	}

	if ev.Event == "dtmf" {
		m.pushDigit(ls, ev.Digit)
		return nil
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	event := Event(ev.Event)
	next, legal := Transition(ls.sess.State, event)
	if !legal {
		logger.Logger.Warn("illegal transition, dropping",
			zap.String("call_id", ev.CallID),
			zap.String("state", string(ls.sess.State)),
			zap.String("event", ev.Event),
		)
		return nil
	}

	ls.sess.State = next
	if ev.CostCents > 0 {
		ls.sess.CostCents = ev.CostCents
	}

	switch {
	case next == model.CallStateAnswered:
		now := time.Now()
		ls.sess.AnsweredAt = &now
		ls.ringTimer.Stop()
		if err := m.db.WithContext(ctx).Save(ls.sess).Error; err != nil {
			return err
		}
		// 没配 IVR 的纯播音活动停在 answered，等服务商挂断回调收尾
		if ls.flow != nil {
			m.startIVR(ls)
		}
		return nil

	case next.IsTerminal():
		ls.ringTimer.Stop()
		if ls.ivrRunning {
			// IVR 还在跑：关通道让 Runner 退出，收尾由它完成
			m.closeDigits(ls)
			return nil
		}
		return m.finalize(ctx, ls, OutcomeForState(next))

	default:
		return m.db.WithContext(ctx).Save(ls.sess).Error
	}
}

// ActiveCount 进行中的会话数（健康采样用）。
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Wait 等所有 IVR goroutine 收尾，优雅停机时调用。
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) pushDigit(ls *liveSession, digit string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls.digitsClosed || digit == "" {
		return
	}
	select {
	case ls.digits <- digit:
	default:
		logger.Logger.Warn("digit buffer full, dropping",
			zap.String("call_id", ls.sess.CallID),
		)
	}
}

func (m *Manager) closeDigits(ls *liveSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ls.digitsClosed {
		ls.digitsClosed = true
		close(ls.digits)
	}
}

// startIVR 启动 IVR goroutine，调用方持有会话锁。
func (m *Manager) startIVR(ls *liveSession) {
	next, _ := Transition(ls.sess.State, EventIVRStarted)
	ls.sess.State = next
	ls.ivrRunning = true

	callID := ls.sess.CallID
	phoneNumber := ls.sess.PhoneNumber

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := context.Background()

		// Run 阻塞到通话结束，期间不持锁，按键和挂断回调照常进来
		runner := ivr.NewRunner(ls.flow, m.telephony, &sessionHooks{db: m.db}, m.digitTimeout, m.invalidInputCap)
		result, err := runner.Run(ctx, callID, phoneNumber, ls.digits)
		if err != nil {
			logger.Logger.Error("ivr session failed",
				zap.String("call_id", callID),
				zap.Error(err),
			)
		}

		ls.mu.Lock()
		defer ls.mu.Unlock()

		for _, digit := range result.DTMFInputs {
			ls.sess.DTMFInputs += digit
		}
		ls.sess.Actions = append(ls.sess.Actions, result.Actions...)

		switch result.Outcome {
		case model.CallOutcomeFailed:
			ls.sess.State = model.CallStateFailed
		default:
			ls.sess.State = model.CallStateCompleted
		}

		if err := m.finalize(ctx, ls, result.Outcome); err != nil {
			logger.Logger.Error("failed to finalize call session",
				zap.String("call_id", ls.sess.CallID),
				zap.Error(err),
			)
		}
	}()
}

// finalize 落终态：持久化 CDR、更新实时计数、向事后路由发布终态事件。
// 事件发布失败时会话保持在注册表里等待重试方重放，宁可重复不可丢失。
// 调用方必须持有会话锁。
func (m *Manager) finalize(ctx context.Context, ls *liveSession, outcome model.CallOutcome) error {
	if ls.finalized {
		return nil
	}
	ls.finalized = true

	now := time.Now()
	sess := ls.sess
	sess.Outcome = outcome
	sess.EndedAt = &now
	if sess.AnsweredAt != nil {
		sess.DurationSeconds = int(now.Sub(*sess.AnsweredAt).Seconds())
	}

	if err := m.db.WithContext(ctx).Save(sess).Error; err != nil {
		return err
	}

	if err := cache.DecrActiveCalls(ctx); err != nil {
		logger.Logger.Warn("failed to decr active calls", zap.Error(err))
	}
	answered := sess.AnsweredAt != nil
	if err := cache.RecordDialOutcome(ctx, answered, now); err != nil {
		logger.Logger.Warn("failed to record dial outcome", zap.Error(err))
	}
	metrics.SubtractActiveCall(ctx)
	metrics.RecordCallOutcome(ctx, string(outcome), float64(sess.DurationSeconds), sess.CostCents)

	event := model.CallEventMessage{
		MessageID:       m.newMessageID(),
		CallID:          sess.CallID,
		CampaignID:      sess.CampaignID,
		ContactID:       sess.ContactID,
		PhoneNumber:     sess.PhoneNumber,
		Attempt:         sess.Attempt,
		Outcome:         outcome,
		DTMFInputs:      sess.DTMFInputs,
		Actions:         sess.Actions,
		DurationSeconds: sess.DurationSeconds,
		CostCents:       sess.CostCents,
		EndedAt:         now.Format(time.RFC3339),
	}
	if sess.StartedAt != nil {
		event.StartedAt = sess.StartedAt.Format(time.RFC3339)
	}
	if err := m.publish(ctx, event); err != nil {
		logger.Logger.Error("failed to publish call event",
			zap.String("call_id", sess.CallID),
			zap.Error(err),
		)
		return err
	}

	m.mu.Lock()
	delete(m.live, sess.CallID)
	m.mu.Unlock()
	m.closeDigits(ls)
	return nil
}

func (m *Manager) onRingTimeout(callID string) {
	m.mu.Lock()
	ls, ok := m.live[callID]
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	// 持锁后再查状态：answered 回调可能刚抢先一步
	next, legal := Transition(ls.sess.State, EventRingTimeout)
	if !legal {
		return
	}
	ls.sess.State = next

	logger.Logger.Info("ring timeout, marking no answer",
		zap.String("call_id", callID),
	)
	if err := m.finalize(ctx, ls, model.CallOutcomeNoAnswer); err != nil {
		logger.Logger.Error("failed to finalize timed out call",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}
}

// sessionHooks IVR 的业务副作用实现。退订在这里同步落库，
// 然后写正向缓存，保证挂断前黑名单已经可查。
type sessionHooks struct {
	db *gorm.DB
}

func (h *sessionHooks) OptOut(ctx context.Context, callID string, phoneNumber string) error {
	entry := model.BlacklistEntry{
		PhoneNumber: phoneNumber,
		Reason:      "user opted out via ivr",
		Source:      model.BlacklistSourceUserOptOut,
		AddedAt:     time.Now(),
	}
	err := h.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "phone_number"}}, DoNothing: true}).
		Create(&entry).Error
	if err != nil {
		return err
	}

	if err := cache.BlacklistAdd(ctx, phoneNumber); err != nil {
		logger.Logger.Warn("failed to warm blacklist cache",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}
	return nil
}

func (h *sessionHooks) TriggerAction(ctx context.Context, callID string, action model.TriggeredAction) error {
	logger.Logger.Info("ivr action triggered",
		zap.String("call_id", callID),
		zap.String("action", action.Type),
		zap.String("digit", action.Digit),
	)
	return nil
}
