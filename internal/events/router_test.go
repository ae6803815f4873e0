package events

import (
	"context"
	"fmt"
	"testing"

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

func TestDispatchFollowUpsPublishesSMSTriggers(t *testing.T) {
	var published []model.SMSTriggerMessage
	r := NewRouter(nil, func(ctx context.Context, msg model.SMSTriggerMessage) error {
		published = append(published, msg)
		return nil
	}, fixedID)

	ev := model.CallEventMessage{
		CallID:      "call-1",
		CampaignID:  42,
		ContactID:   7,
		PhoneNumber: "+14155550100",
		Actions: []model.TriggeredAction{
			{Type: "donation", NodeID: "donate_menu", Digit: "1", Payload: "25"},
			{Type: "transfer", NodeID: "agent_menu", Digit: "0", Payload: "+18005550199"},
			{Type: "sms", NodeID: "info_menu", Digit: "2", Payload: "thanks"},
		},
	}

	require.NoError(t, r.dispatchFollowUps(context.Background(), ev))

	// transfer 只留痕，不产生短信触发
	require.Len(t, published, 2)

	assert.Equal(t, "msg-1", published[0].MessageID)
	assert.Equal(t, int64(42), published[0].CampaignID)
	assert.Equal(t, int64(7), published[0].ContactID)
	assert.Equal(t, "+14155550100", published[0].PhoneNumber)
	assert.Equal(t, "donation", published[0].Action)
	assert.Equal(t, "25", published[0].TemplateContext["payload"])
	assert.Equal(t, "call-1", published[0].TemplateContext["call_id"])

	assert.Equal(t, "sms", published[1].Action)
}

func TestDispatchFollowUpsPropagatesPublishFailure(t *testing.T) {
	r := NewRouter(nil, func(ctx context.Context, msg model.SMSTriggerMessage) error {
		return fmt.Errorf("broker unavailable")
	}, fixedID)

	ev := model.CallEventMessage{
		CallID:     "call-2",
		CampaignID: 1,
		ContactID:  2,
		Actions:    []model.TriggeredAction{{Type: "donation", Payload: "10"}},
	}

	// 发布失败要向上抛，消息退回队列重试
	err := r.dispatchFollowUps(context.Background(), ev)
	require.Error(t, err)
}

func TestDispatchFollowUpsOptOutProducesNothing(t *testing.T) {
	called := false
	r := NewRouter(nil, func(ctx context.Context, msg model.SMSTriggerMessage) error {
		called = true
		return nil
	}, fixedID)

	ev := model.CallEventMessage{
		CallID:  "call-3",
		Actions: []model.TriggeredAction{{Type: "optout", Digit: "9"}},
	}

	require.NoError(t, r.dispatchFollowUps(context.Background(), ev))
	assert.False(t, called)
}
