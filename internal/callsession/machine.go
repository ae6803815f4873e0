package callsession

import "CallWave/internal/model"

// 呼叫会话状态机的纯转移函数。所有状态修改都必须经过这里，
// 非法转移返回 ok=false，调用方记日志后丢弃事件，不改状态。

// Event 驱动状态机的事件
type Event string

const (
	// 话务回调事件
	EventRinging  Event = "ringing"
	EventAnswered Event = "answered"
	EventHangup   Event = "hangup"
	EventBusy     Event = "busy"
	EventFailed   Event = "failed"

	// 内部事件
	EventDialStarted Event = "dial_started" // 向服务商发起呼叫
	EventIVRStarted  Event = "ivr_started"  // IVR 会话开始
	EventRingTimeout Event = "ring_timeout" // 振铃超时，judged no_answer
)

// Transition 给定当前状态和事件，返回下一个状态。
// 终态吞掉一切事件（迟到的服务商回调属于正常现象）。
func Transition(state model.CallState, event Event) (model.CallState, bool) {
	if state.IsTerminal() {
		return state, false
	}

	switch state {
	case model.CallStateQueued:
		if event == EventDialStarted {
			return model.CallStateDialing, true
		}

	case model.CallStateDialing:
		switch event {
		case EventRinging:
			return model.CallStateRinging, true
		case EventAnswered:
			return model.CallStateAnswered, true
		case EventBusy:
			return model.CallStateBusy, true
		case EventFailed:
			return model.CallStateFailed, true
		case EventHangup, EventRingTimeout:
			return model.CallStateNoAnswer, true
		}

	case model.CallStateRinging:
		switch event {
		case EventAnswered:
			return model.CallStateAnswered, true
		case EventBusy:
			return model.CallStateBusy, true
		case EventFailed:
			return model.CallStateFailed, true
		case EventHangup, EventRingTimeout:
			return model.CallStateNoAnswer, true
		}

	case model.CallStateAnswered:
		switch event {
		case EventIVRStarted:
			return model.CallStateInProgress, true
		case EventHangup:
			return model.CallStateCompleted, true
		case EventFailed:
			return model.CallStateFailed, true
		}

	case model.CallStateInProgress:
		switch event {
		case EventHangup:
			return model.CallStateCompleted, true
		case EventFailed:
			return model.CallStateFailed, true
		}
	}

	return state, false
}

// OutcomeForState 终态对应的默认结果（IVR 会话可以覆盖为
// converted / opted_out）。
func OutcomeForState(state model.CallState) model.CallOutcome {
	switch state {
	case model.CallStateCompleted:
		return model.CallOutcomeAnswered
	case model.CallStateBusy:
		return model.CallOutcomeBusy
	case model.CallStateNoAnswer:
		return model.CallOutcomeNoAnswer
	case model.CallStateBlacklisted:
		return model.CallOutcomeBlacklisted
	default:
		return model.CallOutcomeFailed
	}
}
