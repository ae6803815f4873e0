package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"CallWave/internal/model"
)

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
	))
	return db
}

func newTestCampaign(t *testing.T, db *gorm.DB) *model.Campaign {
	t.Helper()
	campaign := &model.Campaign{
		Name:              "eligibility",
		Status:            model.CampaignStatusActive,
		Timezone:          "UTC",
		CallWindowStart:   "00:00:00",
		CallWindowEnd:     "23:59:59",
		MaxAttempts:       3,
		RetryDelayMinutes: 5,
	}
	require.NoError(t, db.Create(campaign).Error)
	return campaign
}

// 只有 pending、未到尝试上限、过了重试间隔、不在黑名单的联系人才被筛出
func TestSelectBatchEligibility(t *testing.T) {
	db := newTestDB(t)
	campaign := newTestCampaign(t, db)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cooled := now.Add(-10 * time.Minute)
	recent := now.Add(-2 * time.Minute)

	eligible := &model.Contact{
		CampaignID:    campaign.ID,
		PhoneNumber:   "+14155550101",
		Status:        model.ContactStatusPending,
		Attempts:      2,
		LastAttemptAt: &cooled,
	}
	tooSoon := &model.Contact{
		CampaignID:    campaign.ID,
		PhoneNumber:   "+14155550102",
		Status:        model.ContactStatusPending,
		Attempts:      1,
		LastAttemptAt: &recent,
	}
	capped := &model.Contact{
		CampaignID:    campaign.ID,
		PhoneNumber:   "+14155550103",
		Status:        model.ContactStatusPending,
		Attempts:      3,
		LastAttemptAt: &cooled,
	}
	listed := &model.Contact{
		CampaignID:  campaign.ID,
		PhoneNumber: "+14155550104",
		Status:      model.ContactStatusPending,
	}
	done := &model.Contact{
		CampaignID:  campaign.ID,
		PhoneNumber: "+14155550105",
		Status:      model.ContactStatusCompleted,
	}
	for _, c := range []*model.Contact{eligible, tooSoon, capped, listed, done} {
		require.NoError(t, db.Create(c).Error)
	}
	require.NoError(t, db.Create(&model.BlacklistEntry{
		PhoneNumber: listed.PhoneNumber,
		Source:      model.BlacklistSourceImport,
		AddedAt:     now,
	}).Error)

	var published []model.DialTaskMessage
	s := New(db, func(_ context.Context, task model.DialTaskMessage) error {
		published = append(published, task)
		return nil
	}, fixedID, 10)
	s.now = func() time.Time { return now }

	result, err := s.SelectBatch(ctx, campaign)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Published)
	assert.False(t, result.More)
	require.Len(t, published, 1)
	assert.Equal(t, eligible.ID, published[0].ContactID)
	assert.Equal(t, 3, published[0].Attempt)

	// 抢占成功：状态、尝试数、最后尝试时间都已更新
	var claimed model.Contact
	require.NoError(t, db.First(&claimed, eligible.ID).Error)
	assert.Equal(t, model.ContactStatusInProgress, claimed.Status)
	assert.Equal(t, 3, claimed.Attempts)
	require.NotNil(t, claimed.LastAttemptAt)
	assert.True(t, claimed.LastAttemptAt.Equal(now))

	// 不合条件的联系人原样不动
	for _, c := range []*model.Contact{tooSoon, capped, listed} {
		var got model.Contact
		require.NoError(t, db.First(&got, c.ID).Error)
		assert.Equal(t, model.ContactStatusPending, got.Status, "contact %s", got.PhoneNumber)
		assert.Equal(t, c.Attempts, got.Attempts, "contact %s", got.PhoneNumber)
	}
	var got model.Contact
	require.NoError(t, db.First(&got, done.ID).Error)
	assert.Equal(t, model.ContactStatusCompleted, got.Status)
}

// 候选集凑满一批时 More 置位，orchestrator 据此继续调度
func TestSelectBatchReportsMore(t *testing.T) {
	db := newTestDB(t)
	campaign := newTestCampaign(t, db)
	ctx := context.Background()

	phones := []string{"+14155550111", "+14155550112", "+14155550113"}
	for _, phone := range phones {
		require.NoError(t, db.Create(&model.Contact{
			CampaignID:  campaign.ID,
			PhoneNumber: phone,
			Status:      model.ContactStatusPending,
		}).Error)
	}

	var published []model.DialTaskMessage
	s := New(db, func(_ context.Context, task model.DialTaskMessage) error {
		published = append(published, task)
		return nil
	}, fixedID, 2)
	s.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }

	result, err := s.SelectBatch(ctx, campaign)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Published)
	assert.True(t, result.More)

	result, err = s.SelectBatch(ctx, campaign)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Published)
	assert.False(t, result.More)
	assert.Len(t, published, 3)
}

// 投递失败回滚抢占，联系人留给下一轮重新筛选
func TestSelectBatchReleasesClaimWhenPublishFails(t *testing.T) {
	db := newTestDB(t)
	campaign := newTestCampaign(t, db)
	ctx := context.Background()

	contact := &model.Contact{
		CampaignID:  campaign.ID,
		PhoneNumber: "+14155550120",
		Status:      model.ContactStatusPending,
		Attempts:    1,
	}
	require.NoError(t, db.Create(contact).Error)

	s := New(db, func(_ context.Context, _ model.DialTaskMessage) error {
		return errors.New("broker unavailable")
	}, fixedID, 10)
	s.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }

	result, err := s.SelectBatch(ctx, campaign)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Published)
	assert.Equal(t, 1, result.Skipped)

	var got model.Contact
	require.NoError(t, db.First(&got, contact.ID).Error)
	assert.Equal(t, model.ContactStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
}
