package orchestrator

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
	"CallWave/internal/cache"
	"CallWave/internal/model"
	"CallWave/internal/selector"
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
	if err := pkgredis.InitRedisMetrics(otel.Meter("orchestrator-test")); err != nil {
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
		&model.Campaign{},
		&model.Contact{},
		&model.BlacklistEntry{},
		&model.CallSession{},
	))
	return db
}

func newTestOrchestrator(db *gorm.DB, sel *selector.Selector) *Orchestrator {
	return &Orchestrator{
		logger:   zap.NewNop(),
		db:       db,
		sel:      sel,
		interval: time.Second,
		backoffs: make(map[int64]*backoffState),
		now:      time.Now,
	}
}

func publishOK(_ context.Context, _ model.DialTaskMessage) error { return nil }

func testID() string { return "msg-test" }

func TestActivateDueValidatesBeforeActivating(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(db, nil)
	ctx := context.Background()

	good := &model.Campaign{
		Name:            "spring-drive",
		Status:          model.CampaignStatusScheduled,
		Timezone:        "UTC",
		CallWindowStart: "09:00:00",
		CallWindowEnd:   "20:00:00",
		MaxAttempts:     3,
	}
	badWindow := &model.Campaign{
		Name:            "broken-window",
		Status:          model.CampaignStatusScheduled,
		Timezone:        "UTC",
		CallWindowStart: "25:00:00",
		CallWindowEnd:   "20:00:00",
		MaxAttempts:     3,
	}
	badAttempts := &model.Campaign{
		Name:            "zero-attempts",
		Status:          model.CampaignStatusScheduled,
		Timezone:        "UTC",
		CallWindowStart: "09:00:00",
		CallWindowEnd:   "20:00:00",
		MaxAttempts:     0,
	}
	require.NoError(t, db.Create(good).Error)
	require.NoError(t, db.Create(badWindow).Error)
	require.NoError(t, db.Create(badAttempts).Error)
	// Create 会因 default:3 跳过零值字段，显式写回 0
	require.NoError(t, db.Model(badAttempts).Update("max_attempts", 0).Error)

	require.NoError(t, o.activateDue(ctx))

	var got model.Campaign
	require.NoError(t, db.First(&got, good.ID).Error)
	assert.Equal(t, model.CampaignStatusActive, got.Status)

	got = model.Campaign{}
	require.NoError(t, db.First(&got, badWindow.ID).Error)
	assert.Equal(t, model.CampaignStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "invalid call window")

	got = model.Campaign{}
	require.NoError(t, db.First(&got, badAttempts.ID).Error)
	assert.Equal(t, model.CampaignStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "max_attempts")
}

// start_at 未到的活动这一轮不碰
func TestActivateDueSkipsFutureStart(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(db, nil)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	campaign := &model.Campaign{
		Name:            "tomorrow",
		Status:          model.CampaignStatusScheduled,
		Timezone:        "UTC",
		CallWindowStart: "09:00:00",
		CallWindowEnd:   "20:00:00",
		MaxAttempts:     3,
		StartAt:         &future,
	}
	require.NoError(t, db.Create(campaign).Error)

	require.NoError(t, o.activateDue(ctx))

	var got model.Campaign
	require.NoError(t, db.First(&got, campaign.ID).Error)
	assert.Equal(t, model.CampaignStatusScheduled, got.Status)
}

func TestAdvanceCompletesExhaustedCampaign(t *testing.T) {
	db := newTestDB(t)
	sel := selector.New(db, publishOK, testID, 10)
	o := newTestOrchestrator(db, sel)
	ctx := context.Background()

	campaign := &model.Campaign{
		Name:            "done-deal",
		Status:          model.CampaignStatusActive,
		Timezone:        "UTC",
		CallWindowStart: "00:00:00",
		CallWindowEnd:   "23:59:59",
		MaxAttempts:     3,
	}
	require.NoError(t, db.Create(campaign).Error)

	// 所有联系人都到了尝试上限，活动应收尾归档
	require.NoError(t, db.Create(&model.Contact{
		CampaignID:  campaign.ID,
		PhoneNumber: "+14155550100",
		Status:      model.ContactStatusCompleted,
		Attempts:    1,
	}).Error)

	o.advance(ctx, campaign)

	var got model.Campaign
	require.NoError(t, db.First(&got, campaign.ID).Error)
	assert.Equal(t, model.CampaignStatusCompleted, got.Status)
}

func TestAdvanceArchivesPastEndAt(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(db, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	campaign := &model.Campaign{
		Name:            "expired",
		Status:          model.CampaignStatusActive,
		Timezone:        "UTC",
		CallWindowStart: "09:00:00",
		CallWindowEnd:   "20:00:00",
		MaxAttempts:     3,
		EndAt:           &past,
	}
	require.NoError(t, db.Create(campaign).Error)

	// 还有待拨联系人也不管，end_at 是硬截止
	require.NoError(t, db.Create(&model.Contact{
		CampaignID:  campaign.ID,
		PhoneNumber: "+14155550101",
		Status:      model.ContactStatusPending,
	}).Error)

	o.advance(ctx, campaign)

	var got model.Campaign
	require.NoError(t, db.First(&got, campaign.ID).Error)
	assert.Equal(t, model.CampaignStatusCompleted, got.Status)
}

func TestTransitionRefusesTerminalCampaign(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(db, nil)
	ctx := context.Background()

	campaign := &model.Campaign{
		Name:   "already-done",
		Status: model.CampaignStatusCompleted,
	}
	require.NoError(t, db.Create(campaign).Error)

	o.transition(ctx, campaign, model.CampaignStatusActive, "")

	assert.Equal(t, model.CampaignStatusCompleted, campaign.Status)
	var got model.Campaign
	require.NoError(t, db.First(&got, campaign.ID).Error)
	assert.Equal(t, model.CampaignStatusCompleted, got.Status)
}

// 并发方先改了状态时条件更新落空，内存状态不得被污染
func TestTransitionLosesToConcurrentChange(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(db, nil)
	ctx := context.Background()

	campaign := &model.Campaign{
		Name:   "contested",
		Status: model.CampaignStatusActive,
	}
	require.NoError(t, db.Create(campaign).Error)

	// API 侧抢先暂停
	require.NoError(t, db.Model(&model.Campaign{}).
		Where("id = ?", campaign.ID).
		Update("status", model.CampaignStatusPaused).Error)

	o.transition(ctx, campaign, model.CampaignStatusCompleted, "")

	assert.Equal(t, model.CampaignStatusActive, campaign.Status)
	var got model.Campaign
	require.NoError(t, db.First(&got, campaign.ID).Error)
	assert.Equal(t, model.CampaignStatusPaused, got.Status)
}

func TestDispatchFailureBacksOffThenFails(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(db, nil)
	ctx := context.Background()

	campaign := &model.Campaign{
		Name:   "flaky-broker",
		Status: model.CampaignStatusActive,
	}
	require.NoError(t, db.Create(campaign).Error)

	cause := errors.New("publish: broker unavailable")

	for i := 1; i < dispatchFailureCap; i++ {
		o.recordDispatchFailure(ctx, campaign, cause)

		var got model.Campaign
		require.NoError(t, db.First(&got, campaign.ID).Error)
		require.Equal(t, model.CampaignStatusActive, got.Status, "failure %d must not yet fail the campaign", i)
		assert.False(t, o.readyToDispatch(campaign.ID, o.now()), "failure %d must back the campaign off", i)
	}

	o.recordDispatchFailure(ctx, campaign, cause)

	var got model.Campaign
	require.NoError(t, db.First(&got, campaign.ID).Error)
	assert.Equal(t, model.CampaignStatusFailed, got.Status)
	assert.Equal(t, cause.Error(), got.LastError)
}

func TestClearBackoffReopensDispatch(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(db, nil)
	ctx := context.Background()

	campaign := &model.Campaign{Name: "recovers", Status: model.CampaignStatusActive}
	require.NoError(t, db.Create(campaign).Error)

	o.recordDispatchFailure(ctx, campaign, errors.New("transient"))
	require.False(t, o.readyToDispatch(campaign.ID, o.now()))

	o.clearBackoff(campaign.ID)
	assert.True(t, o.readyToDispatch(campaign.ID, o.now()))
}

func TestTickActivatesAndAdvances(t *testing.T) {
	db := newTestDB(t)

	var published []model.DialTaskMessage
	sel := selector.New(db, func(_ context.Context, task model.DialTaskMessage) error {
		published = append(published, task)
		return nil
	}, testID, 10)
	o := newTestOrchestrator(db, sel)
	ctx := context.Background()

	scheduled := &model.Campaign{
		Name:            "starting-now",
		Status:          model.CampaignStatusScheduled,
		Timezone:        "UTC",
		CallWindowStart: "00:00:00",
		CallWindowEnd:   "23:59:59",
		MaxAttempts:     3,
	}
	exhausted := &model.Campaign{
		Name:            "nothing-left",
		Status:          model.CampaignStatusActive,
		Timezone:        "UTC",
		CallWindowStart: "00:00:00",
		CallWindowEnd:   "23:59:59",
		MaxAttempts:     3,
	}
	require.NoError(t, db.Create(scheduled).Error)
	require.NoError(t, db.Create(exhausted).Error)

	contact := &model.Contact{
		CampaignID:  scheduled.ID,
		PhoneNumber: "+14155550102",
		Status:      model.ContactStatusPending,
	}
	require.NoError(t, db.Create(contact).Error)

	o.Tick(ctx)

	// 刚激活的活动在同一轮里就派发了它的联系人
	var got model.Campaign
	require.NoError(t, db.First(&got, scheduled.ID).Error)
	assert.Equal(t, model.CampaignStatusActive, got.Status)
	require.Len(t, published, 1)
	assert.Equal(t, contact.ID, published[0].ContactID)

	got = model.Campaign{}
	require.NoError(t, db.First(&got, exhausted.ID).Error)
	assert.Equal(t, model.CampaignStatusCompleted, got.Status)
}

// 周期锁被占时整轮让行，绝不重复派发
func TestTickSkipsWhenLockHeld(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(db, nil)
	ctx := context.Background()

	held, err := cache.TryLock(ctx, dispatchLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, held)
	defer func() { require.NoError(t, cache.Unlock(ctx, dispatchLockKey)) }()

	campaign := &model.Campaign{
		Name:            "waiting",
		Status:          model.CampaignStatusScheduled,
		Timezone:        "UTC",
		CallWindowStart: "09:00:00",
		CallWindowEnd:   "20:00:00",
		MaxAttempts:     3,
	}
	require.NoError(t, db.Create(campaign).Error)

	o.Tick(ctx)

	var got model.Campaign
	require.NoError(t, db.First(&got, campaign.ID).Error)
	assert.Equal(t, model.CampaignStatusScheduled, got.Status)
}
