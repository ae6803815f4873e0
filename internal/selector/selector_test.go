package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"CallWave/internal/model"
	"CallWave/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Logger = zap.NewNop()
	m.Run()
}

func fixedID() string { return "msg-1" }

func TestBuildTaskCarriesEnrichment(t *testing.T) {
	s := New(nil, nil, fixedID, 100)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	campaign := &model.Campaign{
		BaseModel:       model.BaseModel{ID: 42},
		Timezone:        "America/New_York",
		CallWindowStart: "09:00:00",
		CallWindowEnd:   "20:00:00",
		MaxCPS:          5,
		AudioRef:        "s3://audio/pitch.wav",
		IVRFlow:         model.JSONB{"entry_node_id": "intro"},
	}
	contact := &model.Contact{
		BaseModel:   model.BaseModel{ID: 7},
		PhoneNumber: "+14155550100",
		Attempts:    2,
	}

	task := s.buildTask(campaign, contact, s.now())

	assert.Equal(t, "msg-1", task.MessageID)
	assert.Equal(t, int64(42), task.CampaignID)
	assert.Equal(t, int64(7), task.ContactID)
	assert.Equal(t, "+14155550100", task.PhoneNumber)
	assert.Equal(t, 2, task.Attempt)
	assert.Equal(t, 5, task.Enrichment.MaxCPS)
	assert.Equal(t, "s3://audio/pitch.wav", task.Enrichment.AudioRef)
	assert.NotEmpty(t, task.Enrichment.IVRFlow)

	// 联系人没有覆盖，窗口策略回退到活动配置
	assert.Equal(t, "America/New_York", task.Enrichment.WindowPolicy.Timezone)
	assert.Equal(t, "09:00:00", task.Enrichment.WindowPolicy.Start)
	assert.Equal(t, "20:00:00", task.Enrichment.WindowPolicy.End)
}

func TestBuildTaskContactOverridesWindow(t *testing.T) {
	s := New(nil, nil, fixedID, 100)

	campaign := &model.Campaign{
		BaseModel:       model.BaseModel{ID: 1},
		Timezone:        "UTC",
		CallWindowStart: "09:00:00",
		CallWindowEnd:   "20:00:00",
	}
	contact := &model.Contact{
		BaseModel:       model.BaseModel{ID: 2},
		PhoneNumber:     "+8613800138000",
		Timezone:        "Asia/Shanghai",
		CallWindowStart: "10:00:00",
		CallWindowEnd:   "18:00:00",
	}

	task := s.buildTask(campaign, contact, time.Now())

	assert.Equal(t, "Asia/Shanghai", task.Enrichment.WindowPolicy.Timezone)
	assert.Equal(t, "10:00:00", task.Enrichment.WindowPolicy.Start)
	assert.Equal(t, "18:00:00", task.Enrichment.WindowPolicy.End)
}

// 幂等键对 (campaign, contact, attempt) 稳定，换 message_id 不变
func TestDialTaskDedupeKey(t *testing.T) {
	a := model.DialTaskMessage{MessageID: "m1", CampaignID: 42, ContactID: 7, Attempt: 2}
	b := model.DialTaskMessage{MessageID: "m2", CampaignID: 42, ContactID: 7, Attempt: 2}
	c := model.DialTaskMessage{MessageID: "m1", CampaignID: 42, ContactID: 7, Attempt: 3}

	require.Equal(t, a.DedupeKey(), b.DedupeKey())
	assert.NotEqual(t, a.DedupeKey(), c.DedupeKey())
}
