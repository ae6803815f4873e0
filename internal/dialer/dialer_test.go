package dialer

import (
	"context"
	"errors"
	"os"
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
	"CallWave/internal/ratelimit"
	cwerrors "CallWave/pkg/errors"
	"CallWave/pkg/logger"
	pkgredis "CallWave/pkg/redis"
	"CallWave/pkg/voice"
	"CallWave/storage/redis"
)

func TestMain(m *testing.M) {
	logger.Logger = zap.NewNop()

	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	config.Cfg.RedisAddr = mr.Addr()
	if err := pkgredis.InitRedisMetrics(otel.Meter("dialer-test")); err != nil {
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
		&model.Contact{},
		&model.BlacklistEntry{},
		&model.CallSession{},
	))
	return db
}

type stubVoiceClient struct {
	originateErr error
	originates   int
}

func (s *stubVoiceClient) Originate(_ context.Context, _ voice.OriginateRequest) error {
	s.originates++
	return s.originateErr
}

func (s *stubVoiceClient) PlayAudio(_ context.Context, _ string, _ string) error { return nil }

func (s *stubVoiceClient) Hangup(_ context.Context, _ string) error { return nil }

func newTestDialer(db *gorm.DB, stub *stubVoiceClient, events *[]model.CallEventMessage) *Dialer {
	limiter := ratelimit.NewLimiter(redis.Client(), 100)
	publishEvent := func(_ context.Context, ev model.CallEventMessage) error {
		*events = append(*events, ev)
		return nil
	}
	return New(db, limiter, stub, nil, publishEvent, nil, func() string { return "evt-1" })
}

// 发起失败的终态事件必须引用已落库的那条 CDR，不能凭空造一个 call_id
func TestHandleTaskOriginateFailurePublishesPersistedCallID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var events []model.CallEventMessage
	stub := &stubVoiceClient{originateErr: errors.New("provider rejected origination")}
	d := newTestDialer(db, stub, &events)

	task := model.DialTaskMessage{
		MessageID:   "m-originate-fail",
		CampaignID:  1,
		ContactID:   2,
		PhoneNumber: "+14155550100",
		Attempt:     1,
	}

	err := d.HandleTask(ctx, task)
	var skip *cwerrors.SkipMessageError
	require.ErrorAs(t, err, &skip)

	var sessions []model.CallSession
	require.NoError(t, db.Find(&sessions).Error)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.CallStateFailed, sessions[0].State)
	assert.Equal(t, model.CallOutcomeFailed, sessions[0].Outcome)
	require.NotNil(t, sessions[0].EndedAt)

	require.Len(t, events, 1)
	assert.Equal(t, sessions[0].CallID, events[0].CallID)
	assert.Equal(t, model.CallOutcomeFailed, events[0].Outcome)
	assert.Equal(t, task.ContactID, events[0].ContactID)
}

// 重投的同一条任务只拨一次
func TestHandleTaskDeduplicatesRedeliveredTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var events []model.CallEventMessage
	stub := &stubVoiceClient{originateErr: errors.New("provider rejected origination")}
	d := newTestDialer(db, stub, &events)

	task := model.DialTaskMessage{
		MessageID:   "m-dup",
		CampaignID:  3,
		ContactID:   4,
		PhoneNumber: "+14155550101",
		Attempt:     1,
	}

	var skip *cwerrors.SkipMessageError
	require.ErrorAs(t, d.HandleTask(ctx, task), &skip)
	require.ErrorAs(t, d.HandleTask(ctx, task), &skip)

	assert.Equal(t, 1, stub.originates)

	var count int64
	require.NoError(t, db.Model(&model.CallSession{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Len(t, events, 1)
}

// 准入后命中黑名单：不拨号、落 blacklisted 终态、事件照发
func TestHandleTaskBlacklistedAfterAdmission(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&model.BlacklistEntry{
		PhoneNumber: "+14155550102",
		Source:      model.BlacklistSourceManual,
	}).Error)

	var events []model.CallEventMessage
	stub := &stubVoiceClient{}
	d := newTestDialer(db, stub, &events)

	task := model.DialTaskMessage{
		MessageID:   "m-blacklisted",
		CampaignID:  5,
		ContactID:   6,
		PhoneNumber: "+14155550102",
		Attempt:     1,
	}

	var skip *cwerrors.SkipMessageError
	require.ErrorAs(t, d.HandleTask(ctx, task), &skip)

	assert.Equal(t, 0, stub.originates)

	var sessions []model.CallSession
	require.NoError(t, db.Find(&sessions).Error)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.CallStateBlacklisted, sessions[0].State)
	assert.Equal(t, model.CallOutcomeBlacklisted, sessions[0].Outcome)

	require.Len(t, events, 1)
	assert.Equal(t, sessions[0].CallID, events[0].CallID)
	assert.Equal(t, model.CallOutcomeBlacklisted, events[0].Outcome)
}

// 限速拒绝：延迟重投一个退避加倍的副本，原消息按 Requeue 语义 ack
func TestHandleTaskRateLimitedRequeuesWithBackoff(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var events []model.CallEventMessage
	var requeued []model.DialTaskMessage
	stub := &stubVoiceClient{}

	limiter := ratelimit.NewLimiter(redis.Client(), 100)
	require.NoError(t, limiter.SetLimit(ctx, 0))
	t.Cleanup(func() { require.NoError(t, limiter.SetLimit(ctx, 100)) })

	d := New(db, limiter, stub, nil,
		func(_ context.Context, ev model.CallEventMessage) error {
			events = append(events, ev)
			return nil
		},
		func(_ context.Context, task model.DialTaskMessage, _ time.Duration) error {
			requeued = append(requeued, task)
			return nil
		},
		func() string { return "evt-1" },
	)

	task := model.DialTaskMessage{
		MessageID:    "m-ratelimited",
		CampaignID:   7,
		ContactID:    8,
		PhoneNumber:  "+14155550103",
		Attempt:      1,
		Redeliveries: 1,
	}

	err := d.HandleTask(ctx, task)
	var requeue *cwerrors.RequeueError
	require.ErrorAs(t, err, &requeue)

	assert.Equal(t, 0, stub.originates)
	assert.Empty(t, events)
	require.Len(t, requeued, 1)
	assert.Equal(t, 2, requeued[0].Redeliveries)
}
