package ivr

import (
	"context"
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

// recorder 按发生顺序记录所有副作用，用来断言时序
type recorder struct {
	events  []string
	actions []model.TriggeredAction
	optOuts []string
}

func (r *recorder) PlayAudio(_ context.Context, _ string, audioRef string) error {
	r.events = append(r.events, "play:"+audioRef)
	return nil
}

func (r *recorder) Hangup(_ context.Context, _ string) error {
	r.events = append(r.events, "hangup")
	return nil
}

func (r *recorder) OptOut(_ context.Context, _ string, phoneNumber string) error {
	r.events = append(r.events, "optout:"+phoneNumber)
	r.optOuts = append(r.optOuts, phoneNumber)
	return nil
}

func (r *recorder) TriggerAction(_ context.Context, _ string, action model.TriggeredAction) error {
	r.events = append(r.events, "action:"+action.Type)
	r.actions = append(r.actions, action)
	return nil
}

func donationFlow(t *testing.T) *Flow {
	t.Helper()
	flow, err := ParseFlow([]byte(`{
		"entry_node_id": "intro",
		"nodes": [
			{"id": "intro", "type": "play_audio", "audio_ref": "s3://audio/intro.wav", "next_node_id": "menu"},
			{"id": "menu", "type": "menu", "audio_ref": "s3://audio/menu.wav",
				"error_audio_ref": "s3://audio/invalid.wav",
				"timeout_audio_ref": "s3://audio/timeout.wav",
				"timeout_action": "repeat",
				"mappings": {
					"1": {"action": "donation", "payload": "amount=20"},
					"2": {"action": "sms", "payload": "tpl-info"},
					"3": {"action": "goto", "next_node_id": "details"}
				}},
			{"id": "details", "type": "play_audio", "audio_ref": "s3://audio/details.wav", "next_node_id": "menu"}
		]
	}`))
	require.NoError(t, err)
	return flow
}

func feedDigits(digits ...string) chan string {
	ch := make(chan string, len(digits))
	for _, d := range digits {
		ch <- d
	}
	return ch
}

// 挂起的 after：测试里按键总是先到，永不超时
func neverTimeout(time.Duration) <-chan time.Time { return nil }

func TestRunnerDonationPath(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(donationFlow(t), rec, rec, 10*time.Second, 3)
	r.after = neverTimeout

	result, err := r.Run(context.Background(), "call-1", "+8613800138000", feedDigits("1"))
	require.NoError(t, err)

	assert.Equal(t, model.CallOutcomeConverted, result.Outcome)
	assert.Equal(t, []string{"1"}, result.DTMFInputs)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "donation", result.Actions[0].Type)
	assert.Equal(t, "amount=20", result.Actions[0].Payload)
	assert.Equal(t, "menu", result.Actions[0].NodeID)
}

// 同一按键序列必须产出同一结果
func TestRunnerDeterministic(t *testing.T) {
	var outcomes []model.CallOutcome
	for i := 0; i < 3; i++ {
		rec := &recorder{}
		r := NewRunner(donationFlow(t), rec, rec, 10*time.Second, 3)
		r.after = neverTimeout

		result, err := r.Run(context.Background(), "call-x", "+8613800138000", feedDigits("3", "2"))
		require.NoError(t, err)
		outcomes = append(outcomes, result.Outcome)
		assert.Equal(t, []string{"3", "2"}, result.DTMFInputs)
	}
	assert.Equal(t, outcomes[0], outcomes[1])
	assert.Equal(t, outcomes[1], outcomes[2])
}

// 按下退订键：黑名单写入必须发生在挂断之前
func TestRunnerOptOutBeforeHangup(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(donationFlow(t), rec, rec, 10*time.Second, 3)
	r.after = neverTimeout

	result, err := r.Run(context.Background(), "call-2", "+8613900139000", feedDigits("9"))
	require.NoError(t, err)

	assert.Equal(t, model.CallOutcomeOptedOut, result.Outcome)
	require.Equal(t, []string{"+8613900139000"}, rec.optOuts)

	optOutIdx, hangupIdx := -1, -1
	for i, ev := range rec.events {
		switch ev {
		case "optout:+8613900139000":
			optOutIdx = i
		case "hangup":
			hangupIdx = i
		}
	}
	require.GreaterOrEqual(t, optOutIdx, 0)
	require.GreaterOrEqual(t, hangupIdx, 0)
	assert.Less(t, optOutIdx, hangupIdx, "opt-out must be persisted before hangup")
}

// 连续无效按键到达上限后终止通话，而不是死循环
func TestRunnerInvalidInputCap(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(donationFlow(t), rec, rec, 10*time.Second, 3)
	r.after = neverTimeout

	result, err := r.Run(context.Background(), "call-3", "+8613700137000", feedDigits("7", "8", "7"))
	require.NoError(t, err)

	assert.Equal(t, model.CallOutcomeAnswered, result.Outcome)
	assert.Equal(t, []string{"7", "8", "7"}, result.DTMFInputs)
	assert.Empty(t, result.Actions)
	assert.Equal(t, "hangup", rec.events[len(rec.events)-1])

	// 前两次无效各播一次错误提示，第三次到上限直接挂断
	errorPlays := 0
	for _, ev := range rec.events {
		if ev == "play:s3://audio/invalid.wav" {
			errorPlays++
		}
	}
	assert.Equal(t, 2, errorPlays)
}

// 超时走 repeat 动作，重放也有上界
func TestRunnerTimeoutRepeatBounded(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(donationFlow(t), rec, rec, 10*time.Second, 2)
	expired := make(chan time.Time)
	close(expired)
	r.after = func(time.Duration) <-chan time.Time { return expired }

	digits := make(chan string) // 永远没有按键
	result, err := r.Run(context.Background(), "call-4", "+8613600136000", digits)
	require.NoError(t, err)

	assert.Equal(t, model.CallOutcomeAnswered, result.Outcome)
	assert.Empty(t, result.DTMFInputs)

	menuPlays := 0
	for _, ev := range rec.events {
		if ev == "play:s3://audio/menu.wav" {
			menuPlays++
		}
	}
	// 首次 + 上限内的重放
	assert.Equal(t, 3, menuPlays)
}

// 对端挂断：通道关闭后立刻返回，不再有媒体副作用
func TestRunnerCalleeHangup(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(donationFlow(t), rec, rec, 10*time.Second, 3)
	r.after = neverTimeout

	digits := make(chan string)
	close(digits)

	result, err := r.Run(context.Background(), "call-5", "+8613500135000", digits)
	require.NoError(t, err)

	assert.Equal(t, model.CallOutcomeAnswered, result.Outcome)
	for _, ev := range rec.events {
		assert.NotEqual(t, "hangup", ev)
	}
}

func TestRunnerGotoSubMenu(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(donationFlow(t), rec, rec, 10*time.Second, 3)
	r.after = neverTimeout

	result, err := r.Run(context.Background(), "call-6", "+8613400134000", feedDigits("3", "1"))
	require.NoError(t, err)

	assert.Equal(t, model.CallOutcomeConverted, result.Outcome)
	assert.Contains(t, rec.events, "play:s3://audio/details.wav")
}

func TestParseFlowRejectsBrokenGraph(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"no nodes", `{"entry_node_id": "a", "nodes": []}`},
		{"missing entry", `{"entry_node_id": "missing", "nodes": [{"id": "a", "type": "play_audio", "audio_ref": "x"}]}`},
		{"dangling next", `{"nodes": [{"id": "a", "type": "play_audio", "audio_ref": "x", "next_node_id": "ghost"}]}`},
		{"dangling mapping", `{"nodes": [{"id": "a", "type": "menu", "mappings": {"1": {"action": "goto", "next_node_id": "ghost"}}}]}`},
		{"menu without mappings", `{"nodes": [{"id": "a", "type": "menu"}]}`},
		{"unknown type", `{"nodes": [{"id": "a", "type": "teleport"}]}`},
		{"duplicate id", `{"nodes": [{"id": "a", "type": "play_audio", "audio_ref": "x"}, {"id": "a", "type": "play_audio", "audio_ref": "y"}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFlow([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseFlowDefaultsEntryToFirstNode(t *testing.T) {
	flow, err := ParseFlow([]byte(`{"nodes": [{"id": "start", "type": "play_audio", "audio_ref": "x"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "start", flow.EntryNodeID)
}
