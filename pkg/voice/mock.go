package voice

import (
	"context"
	"errors"
	"sync"
)

type MockOp struct {
	Op       string // originate, play, hangup
	CallID   string
	Phone    string
	AudioRef string
}

// MockClient 可配置的外呼客户端 mock，实现 Client 接口
type MockClient struct {
	mu  sync.Mutex
	Ops []MockOp

	// FailNext 置为 true 时，下一次调用返回 mock 错误并自动复位
	FailNext bool
}

func NewMockClient() *MockClient {
	return &MockClient{
		Ops: make([]MockOp, 0),
	}
}

func (m *MockClient) record(op MockOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Ops = append(m.Ops, op)
	if m.FailNext {
		m.FailNext = false
		return errors.New("mock voice failure")
	}
	return nil
}

func (m *MockClient) Originate(ctx context.Context, req OriginateRequest) error {
	return m.record(MockOp{Op: "originate", CallID: req.CallID, Phone: req.PhoneNumber, AudioRef: req.AudioRef})
}

func (m *MockClient) PlayAudio(ctx context.Context, callID string, audioRef string) error {
	return m.record(MockOp{Op: "play", CallID: callID, AudioRef: audioRef})
}

func (m *MockClient) Hangup(ctx context.Context, callID string) error {
	return m.record(MockOp{Op: "hangup", CallID: callID})
}
