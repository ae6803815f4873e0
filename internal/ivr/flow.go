package ivr

import (
	"encoding/json"
	"fmt"
)

// 数据驱动的按键菜单图。每个活动的 IVR 流程是一张带类型节点的图，
// 由通用 Runner 解释执行，不存在活动专属代码。

type NodeType string

const (
	NodeTypePlayAudio    NodeType = "play_audio"
	NodeTypeCaptureInput NodeType = "capture_input"
	NodeTypeMenu         NodeType = "menu"
	NodeTypeAction       NodeType = "action"
)

// ActionType 菜单映射可执行的动作
type ActionType string

const (
	ActionOptOut   ActionType = "optout"
	ActionDonation ActionType = "donation"
	ActionSMS      ActionType = "sms"
	ActionTransfer ActionType = "transfer"
	ActionGoto     ActionType = "goto"
	ActionEnd      ActionType = "end"
)

// 固定语义按键，流程配置不能覆盖：
//   - OptOutDigit 按下即同步写黑名单并结束通话
//   - RepeatDigit 重放当前菜单
const (
	OptOutDigit = "9"
	RepeatDigit = "0"
)

// Mapping 一个按键对应的动作
type Mapping struct {
	Action     ActionType `json:"action"`
	NextNodeID string     `json:"next_node_id,omitempty"`
	Payload    string     `json:"payload,omitempty"`
}

// CaptureSpec 多位输入采集配置（单键语义时为空）
type CaptureSpec struct {
	MaxDigits  int    `json:"max_digits"`
	Terminator string `json:"terminator,omitempty"` // 默认 "#"
}

// Node IVR 流程图节点
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	// AudioRef 本节点播放的提示音
	AudioRef string `json:"audio_ref,omitempty"`
	// ErrorAudioRef 无效按键提示音
	ErrorAudioRef string `json:"error_audio_ref,omitempty"`
	// TimeoutAudioRef 超时提示音
	TimeoutAudioRef string `json:"timeout_audio_ref,omitempty"`

	// NextNodeID play_audio / capture_input 执行完后的去向，空表示结束
	NextNodeID string `json:"next_node_id,omitempty"`

	// Mappings menu 节点的按键表
	Mappings map[string]Mapping `json:"mappings,omitempty"`

	// TimeoutAction 超时无按键时的动作：repeat 或 end
	TimeoutAction string `json:"timeout_action,omitempty"`

	// Capture capture_input 节点的采集配置
	Capture *CaptureSpec `json:"capture,omitempty"`

	// Action action 节点直接执行的动作
	Action *Mapping `json:"action,omitempty"`
}

// Flow 完整流程图
type Flow struct {
	EntryNodeID string `json:"entry_node_id"`
	Nodes       []Node `json:"nodes"`

	index map[string]*Node
}

const (
	TimeoutActionRepeat = "repeat"
	TimeoutActionEnd    = "end"
)

// ParseFlow 解析并校验 JSONB 流程定义。校验失败视为数据不变量破坏，
// 由调用方跳过该活动/联系人并记日志，不中断整批。
func ParseFlow(raw []byte) (*Flow, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("ivr flow is empty")
	}

	var flow Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, fmt.Errorf("failed to decode ivr flow: %w", err)
	}

	if err := flow.validate(); err != nil {
		return nil, err
	}

	return &flow, nil
}

func (f *Flow) validate() error {
	if len(f.Nodes) == 0 {
		return fmt.Errorf("ivr flow has no nodes")
	}

	f.index = make(map[string]*Node, len(f.Nodes))
	for i := range f.Nodes {
		node := &f.Nodes[i]
		if node.ID == "" {
			return fmt.Errorf("ivr node %d has empty id", i)
		}
		if _, dup := f.index[node.ID]; dup {
			return fmt.Errorf("ivr node id %q duplicated", node.ID)
		}
		f.index[node.ID] = node
	}

	if f.EntryNodeID == "" {
		f.EntryNodeID = f.Nodes[0].ID
	}
	if _, ok := f.index[f.EntryNodeID]; !ok {
		return fmt.Errorf("ivr entry node %q does not exist", f.EntryNodeID)
	}

	for i := range f.Nodes {
		node := &f.Nodes[i]
		switch node.Type {
		case NodeTypePlayAudio:
			if node.AudioRef == "" {
				return fmt.Errorf("ivr node %q: play_audio requires audio_ref", node.ID)
			}
		case NodeTypeMenu:
			if len(node.Mappings) == 0 {
				return fmt.Errorf("ivr node %q: menu requires mappings", node.ID)
			}
		case NodeTypeCaptureInput:
			if node.Capture == nil || node.Capture.MaxDigits < 1 {
				return fmt.Errorf("ivr node %q: capture_input requires capture.max_digits", node.ID)
			}
		case NodeTypeAction:
			if node.Action == nil {
				return fmt.Errorf("ivr node %q: action node requires action", node.ID)
			}
		default:
			return fmt.Errorf("ivr node %q: unknown type %q", node.ID, node.Type)
		}

		if node.NextNodeID != "" {
			if _, ok := f.index[node.NextNodeID]; !ok {
				return fmt.Errorf("ivr node %q: next node %q does not exist", node.ID, node.NextNodeID)
			}
		}
		for digit, m := range node.Mappings {
			if m.NextNodeID != "" {
				if _, ok := f.index[m.NextNodeID]; !ok {
					return fmt.Errorf("ivr node %q: digit %q targets missing node %q", node.ID, digit, m.NextNodeID)
				}
			}
		}
	}

	return nil
}

// Node 按 id 取节点。
func (f *Flow) Node(id string) (*Node, bool) {
	node, ok := f.index[id]
	return node, ok
}
