package callsession

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"CallWave/internal/model"
)

func TestTransitionHappyPath(t *testing.T) {
	state := model.CallStateQueued

	state, ok := Transition(state, EventDialStarted)
	assert.True(t, ok)
	assert.Equal(t, model.CallStateDialing, state)

	state, ok = Transition(state, EventRinging)
	assert.True(t, ok)
	assert.Equal(t, model.CallStateRinging, state)

	state, ok = Transition(state, EventAnswered)
	assert.True(t, ok)
	assert.Equal(t, model.CallStateAnswered, state)

	state, ok = Transition(state, EventIVRStarted)
	assert.True(t, ok)
	assert.Equal(t, model.CallStateInProgress, state)

	state, ok = Transition(state, EventHangup)
	assert.True(t, ok)
	assert.Equal(t, model.CallStateCompleted, state)
	assert.True(t, state.IsTerminal())
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name  string
		state model.CallState
		event Event
		want  model.CallState
		legal bool
	}{
		{"dialing answered directly", model.CallStateDialing, EventAnswered, model.CallStateAnswered, true},
		{"dialing busy", model.CallStateDialing, EventBusy, model.CallStateBusy, true},
		{"dialing failed", model.CallStateDialing, EventFailed, model.CallStateFailed, true},
		{"ring timeout while dialing", model.CallStateDialing, EventRingTimeout, model.CallStateNoAnswer, true},
		{"ring timeout while ringing", model.CallStateRinging, EventRingTimeout, model.CallStateNoAnswer, true},
		{"hangup before answer", model.CallStateRinging, EventHangup, model.CallStateNoAnswer, true},
		{"answered then hangup without ivr", model.CallStateAnswered, EventHangup, model.CallStateCompleted, true},
		{"in progress fails", model.CallStateInProgress, EventFailed, model.CallStateFailed, true},

		// 非法转移：状态不变
		{"queued cannot ring", model.CallStateQueued, EventRinging, model.CallStateQueued, false},
		{"queued cannot answer", model.CallStateQueued, EventAnswered, model.CallStateQueued, false},
		{"ringing cannot start ivr", model.CallStateRinging, EventIVRStarted, model.CallStateRinging, false},
		{"in progress cannot re-answer", model.CallStateInProgress, EventAnswered, model.CallStateInProgress, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Transition(tc.state, tc.event)
			assert.Equal(t, tc.legal, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

// 终态不可变：迟到的回调一律被吞掉
func TestTransitionTerminalStatesAreSticky(t *testing.T) {
	terminals := []model.CallState{
		model.CallStateCompleted,
		model.CallStateFailed,
		model.CallStateBusy,
		model.CallStateNoAnswer,
		model.CallStateBlacklisted,
	}
	events := []Event{
		EventRinging, EventAnswered, EventHangup,
		EventBusy, EventFailed, EventDialStarted,
		EventIVRStarted, EventRingTimeout,
	}

	for _, state := range terminals {
		for _, event := range events {
			got, ok := Transition(state, event)
			assert.False(t, ok, "state %s event %s", state, event)
			assert.Equal(t, state, got)
		}
	}
}

func TestOutcomeForState(t *testing.T) {
	assert.Equal(t, model.CallOutcomeAnswered, OutcomeForState(model.CallStateCompleted))
	assert.Equal(t, model.CallOutcomeBusy, OutcomeForState(model.CallStateBusy))
	assert.Equal(t, model.CallOutcomeNoAnswer, OutcomeForState(model.CallStateNoAnswer))
	assert.Equal(t, model.CallOutcomeBlacklisted, OutcomeForState(model.CallStateBlacklisted))
	assert.Equal(t, model.CallOutcomeFailed, OutcomeForState(model.CallStateFailed))
}
