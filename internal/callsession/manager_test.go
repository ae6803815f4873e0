package callsession

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"CallWave/config"
	"CallWave/internal/model"
	"CallWave/pkg/logger"
	pkgredis "CallWave/pkg/redis"
	"CallWave/storage/redis"
)

func TestMain(m *testing.M) {
	logger.Logger = zap.NewNop()

	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	config.Cfg.RedisAddr = mr.Addr()
	if err := pkgredis.InitRedisMetrics(otel.Meter("callsession-test")); err != nil {
		panic(err)
	}
	if err := redis.Init(); err != nil {
		panic(err)
	}

	code := m.Run()
	mr.Close()
	os.Exit(code)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)

	// 内存库每个连接各自一份数据，必须收敛到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.CallSession{},
		&model.BlacklistEntry{},
	))
	return db
}

type eventSink struct {
	mu     sync.Mutex
	events []model.CallEventMessage
}

func (s *eventSink) publish(_ context.Context, ev model.CallEventMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) all() []model.CallEventMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CallEventMessage(nil), s.events...)
}

func newTrackedSession(t *testing.T, db *gorm.DB, m *Manager, callID string) *model.CallSession {
	t.Helper()
	sess := &model.CallSession{
		CallID:      callID,
		CampaignID:  1,
		ContactID:   2,
		PhoneNumber: "+14155550100",
		Attempt:     1,
		State:       model.CallStateQueued,
	}
	require.NoError(t, db.Create(sess).Error)
	require.NoError(t, m.Track(context.Background(), sess, nil))
	return sess
}

// 接通后的响铃超时是迟到信号，不得覆盖会话；挂断时终态事件引用同一个 call_id
func TestHandleEventLifecycleKeepsCallID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	sink := &eventSink{}
	m := NewManager(db, nil, sink.publish, func() string { return "evt-1" }, time.Hour, time.Second, 2)

	newTrackedSession(t, db, m, "call-lifecycle")
	assert.Equal(t, 1, m.ActiveCount())

	require.NoError(t, m.HandleEvent(ctx, model.TelephonyEventRequest{CallID: "call-lifecycle", Event: "answered"}))

	// 定时器晚到：answered 之后的超时必须被状态机吞掉
	m.onRingTimeout("call-lifecycle")
	assert.Empty(t, sink.all())
	assert.Equal(t, 1, m.ActiveCount())

	require.NoError(t, m.HandleEvent(ctx, model.TelephonyEventRequest{CallID: "call-lifecycle", Event: "hangup", CostCents: 12}))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "call-lifecycle", events[0].CallID)
	assert.Equal(t, model.CallOutcomeAnswered, events[0].Outcome)
	assert.Equal(t, 12, events[0].CostCents)
	assert.Equal(t, 0, m.ActiveCount())

	var stored model.CallSession
	require.NoError(t, db.Where("call_id = ?", "call-lifecycle").First(&stored).Error)
	assert.Equal(t, model.CallStateCompleted, stored.State)
	assert.Equal(t, model.CallOutcomeAnswered, stored.Outcome)
	require.NotNil(t, stored.EndedAt)
}

func TestRingTimeoutFinalizesNoAnswer(t *testing.T) {
	db := newTestDB(t)

	sink := &eventSink{}
	m := NewManager(db, nil, sink.publish, func() string { return "evt-2" }, time.Hour, time.Second, 2)

	newTrackedSession(t, db, m, "call-timeout")

	m.onRingTimeout("call-timeout")

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "call-timeout", events[0].CallID)
	assert.Equal(t, model.CallOutcomeNoAnswer, events[0].Outcome)
	assert.Equal(t, 0, m.ActiveCount())

	var stored model.CallSession
	require.NoError(t, db.Where("call_id = ?", "call-timeout").First(&stored).Error)
	assert.Equal(t, model.CallStateNoAnswer, stored.State)
}

// 接通回调和响铃超时同时到达：无论谁先抢到锁，终态只产生一次
func TestAnsweredRacesRingTimeout(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	sink := &eventSink{}
	m := NewManager(db, nil, sink.publish, func() string { return "evt-3" }, time.Hour, time.Second, 2)

	newTrackedSession(t, db, m, "call-race")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = m.HandleEvent(ctx, model.TelephonyEventRequest{CallID: "call-race", Event: "answered"})
	}()
	go func() {
		defer wg.Done()
		m.onRingTimeout("call-race")
	}()
	wg.Wait()

	_ = m.HandleEvent(ctx, model.TelephonyEventRequest{CallID: "call-race", Event: "hangup"})

	events := sink.all()
	require.Len(t, events, 1)
	assert.Contains(t,
		[]model.CallOutcome{model.CallOutcomeAnswered, model.CallOutcomeNoAnswer},
		events[0].Outcome,
	)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestHandleEventUnknownCallIgnored(t *testing.T) {
	db := newTestDB(t)

	sink := &eventSink{}
	m := NewManager(db, nil, sink.publish, func() string { return "evt-4" }, time.Hour, time.Second, 2)

	require.NoError(t, m.HandleEvent(context.Background(), model.TelephonyEventRequest{CallID: "never-tracked", Event: "hangup"}))
	assert.Empty(t, sink.all())
}
