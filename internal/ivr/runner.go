package ivr

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"CallWave/internal/model"
	"CallWave/pkg/logger"
)

// Telephony 媒体面副作用，由 voice provider 适配
type Telephony interface {
	PlayAudio(ctx context.Context, callID string, audioRef string) error
	Hangup(ctx context.Context, callID string) error
}

// Hooks 业务侧副作用
type Hooks interface {
	// OptOut 同步写黑名单。必须在 Hangup 之前返回成功，
	// 进程在两步之间崩溃时宁可多挂一次也不能丢退订。
	OptOut(ctx context.Context, callID string, phoneNumber string) error
	// TriggerAction 登记一次已触发的动作（捐赠、短信、转接），
	// 真正的执行发生在事后路由，这里只负责登记。
	TriggerAction(ctx context.Context, callID string, action model.TriggeredAction) error
}

// Result 一次 IVR 会话的最终产出
type Result struct {
	Outcome    model.CallOutcome
	DTMFInputs []string
	Actions    []model.TriggeredAction
}

// Runner 按流程图逐节点解释执行一路通话的 IVR 会话。
// 同一按键序列在同一流程上必然产出同一结果。
type Runner struct {
	flow      *Flow
	telephony Telephony
	hooks     Hooks

	digitTimeout    time.Duration
	invalidInputCap int

	// after 注入以便测试控制超时
	after func(d time.Duration) <-chan time.Time
}

func NewRunner(flow *Flow, telephony Telephony, hooks Hooks, digitTimeout time.Duration, invalidInputCap int) *Runner {
	if digitTimeout <= 0 {
		digitTimeout = 10 * time.Second
	}
	if invalidInputCap <= 0 {
		invalidInputCap = 3
	}
	return &Runner{
		flow:            flow,
		telephony:       telephony,
		hooks:           hooks,
		digitTimeout:    digitTimeout,
		invalidInputCap: invalidInputCap,
		after:           time.After,
	}
}

// Run 驱动整个会话直到终态。digits 由话务事件回调推入，
// 通道关闭视为对端挂断。
func (r *Runner) Run(ctx context.Context, callID string, phoneNumber string, digits <-chan string) (Result, error) {
	result := Result{Outcome: model.CallOutcomeAnswered}

	nodeID := r.flow.EntryNodeID
	invalidCount := 0
	// 重放（超时重复/按 0）也要有界，否则环形菜单会永不终止
	replayCount := 0

	for nodeID != "" {
		node, ok := r.flow.Node(nodeID)
		if !ok {
			logger.Logger.Warn("ivr node missing, ending call",
				zap.String("call_id", callID),
				zap.String("node_id", nodeID),
			)
			break
		}

		switch node.Type {
		case NodeTypePlayAudio:
			if err := r.telephony.PlayAudio(ctx, callID, node.AudioRef); err != nil {
				return r.finish(ctx, callID, result, model.CallOutcomeFailed), err
			}
			nodeID = node.NextNodeID

		case NodeTypeAction:
			done, next, err := r.execute(ctx, callID, phoneNumber, node.ID, *node.Action, "", &result)
			if err != nil {
				return r.finish(ctx, callID, result, model.CallOutcomeFailed), err
			}
			if done {
				return r.finish(ctx, callID, result, result.Outcome), nil
			}
			if next == "" {
				next = node.NextNodeID
			}
			nodeID = next

		case NodeTypeMenu:
			if node.AudioRef != "" {
				if err := r.telephony.PlayAudio(ctx, callID, node.AudioRef); err != nil {
					return r.finish(ctx, callID, result, model.CallOutcomeFailed), err
				}
			}

			digit, hangup, timedOut := r.waitDigit(ctx, digits)
			if hangup {
				// 对端已不在线，不再回放任何音频
				return result, nil
			}
			if timedOut {
				if node.TimeoutAudioRef != "" {
					_ = r.telephony.PlayAudio(ctx, callID, node.TimeoutAudioRef)
				}
				replayCount++
				if node.TimeoutAction == TimeoutActionRepeat && replayCount <= r.invalidInputCap {
					continue
				}
				return r.finish(ctx, callID, result, result.Outcome), nil
			}

			result.DTMFInputs = append(result.DTMFInputs, digit)

			// 固定语义按键优先于流程映射
			if digit == OptOutDigit {
				if err := r.hooks.OptOut(ctx, callID, phoneNumber); err != nil {
					return r.finish(ctx, callID, result, model.CallOutcomeFailed), err
				}
				result.Actions = append(result.Actions, model.TriggeredAction{
					Type:   string(ActionOptOut),
					NodeID: node.ID,
					Digit:  digit,
				})
				return r.finish(ctx, callID, result, model.CallOutcomeOptedOut), nil
			}
			if digit == RepeatDigit {
				replayCount++
				if replayCount > r.invalidInputCap {
					return r.finish(ctx, callID, result, result.Outcome), nil
				}
				continue
			}

			mapping, mapped := node.Mappings[digit]
			if !mapped {
				invalidCount++
				if invalidCount >= r.invalidInputCap {
					logger.Logger.Info("ivr invalid input cap reached",
						zap.String("call_id", callID),
						zap.Int("invalid_count", invalidCount),
					)
					return r.finish(ctx, callID, result, result.Outcome), nil
				}
				if node.ErrorAudioRef != "" {
					_ = r.telephony.PlayAudio(ctx, callID, node.ErrorAudioRef)
				}
				continue
			}

			done, next, err := r.execute(ctx, callID, phoneNumber, node.ID, mapping, digit, &result)
			if err != nil {
				return r.finish(ctx, callID, result, model.CallOutcomeFailed), err
			}
			if done {
				return r.finish(ctx, callID, result, result.Outcome), nil
			}
			nodeID = next

		case NodeTypeCaptureInput:
			if node.AudioRef != "" {
				if err := r.telephony.PlayAudio(ctx, callID, node.AudioRef); err != nil {
					return r.finish(ctx, callID, result, model.CallOutcomeFailed), err
				}
			}

			captured, hangup := r.captureDigits(ctx, node.Capture, digits)
			if hangup {
				return result, nil
			}
			if captured != "" {
				result.DTMFInputs = append(result.DTMFInputs, captured)
			}
			nodeID = node.NextNodeID
		}
	}

	return r.finish(ctx, callID, result, result.Outcome), nil
}

// execute 执行一个映射动作，恰好一次。返回 done=true 表示会话在此结束。
func (r *Runner) execute(ctx context.Context, callID, phoneNumber, nodeID string, m Mapping, digit string, result *Result) (done bool, next string, err error) {
	switch m.Action {
	case ActionOptOut:
		if err := r.hooks.OptOut(ctx, callID, phoneNumber); err != nil {
			return false, "", err
		}
		result.Actions = append(result.Actions, model.TriggeredAction{Type: string(ActionOptOut), NodeID: nodeID, Digit: digit})
		result.Outcome = model.CallOutcomeOptedOut
		return true, "", nil

	case ActionDonation, ActionSMS, ActionTransfer:
		action := model.TriggeredAction{
			Type:    string(m.Action),
			NodeID:  nodeID,
			Digit:   digit,
			Payload: m.Payload,
		}
		if err := r.hooks.TriggerAction(ctx, callID, action); err != nil {
			return false, "", err
		}
		result.Actions = append(result.Actions, action)
		if m.Action == ActionDonation {
			result.Outcome = model.CallOutcomeConverted
		}
		if m.NextNodeID == "" {
			return true, "", nil
		}
		return false, m.NextNodeID, nil

	case ActionGoto:
		return false, m.NextNodeID, nil

	case ActionEnd:
		return true, "", nil

	default:
		logger.Logger.Warn("ivr unknown action, ignoring",
			zap.String("call_id", callID),
			zap.String("action", string(m.Action)),
		)
		return false, m.NextNodeID, nil
	}
}

// waitDigit 等一个按键。三种结局：拿到按键、对端挂断、超时。
func (r *Runner) waitDigit(ctx context.Context, digits <-chan string) (digit string, hangup bool, timedOut bool) {
	select {
	case d, ok := <-digits:
		if !ok {
			return "", true, false
		}
		return d, false, false
	case <-r.after(r.digitTimeout):
		return "", false, true
	case <-ctx.Done():
		return "", true, false
	}
}

// captureDigits 采集多位输入，碰到终止符或到达上限即返回。
func (r *Runner) captureDigits(ctx context.Context, spec *CaptureSpec, digits <-chan string) (string, bool) {
	terminator := spec.Terminator
	if terminator == "" {
		terminator = "#"
	}

	var sb strings.Builder
	for sb.Len() < spec.MaxDigits {
		digit, hangup, timedOut := r.waitDigit(ctx, digits)
		if hangup {
			return sb.String(), true
		}
		if timedOut || digit == terminator {
			break
		}
		sb.WriteString(digit)
	}
	return sb.String(), false
}

// finish 统一收尾：挂断并落终态。opt-out 路径在 execute 里已经
// 先写完黑名单，这里只负责挂断。
func (r *Runner) finish(ctx context.Context, callID string, result Result, outcome model.CallOutcome) Result {
	result.Outcome = outcome
	if err := r.telephony.Hangup(ctx, callID); err != nil {
		logger.Logger.Warn("failed to hang up call",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}
	return result
}
