package voice

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"CallWave/config"
	"CallWave/pkg/logger"
)

// OriginateRequest 发起一路外呼
type OriginateRequest struct {
	// CallID 我们自己生成的呼叫标识，服务商回调用它关联会话
	CallID      string
	PhoneNumber string
	// AudioRef 接通后播放的首条语音
	AudioRef string
}

// Client 外呼服务商客户端接口
type Client interface {
	// Originate 发起呼叫。返回成功只代表服务商受理，
	// 呼叫进展通过事件回调异步到达。
	Originate(ctx context.Context, req OriginateRequest) error

	// PlayAudio 向通话中的一路呼叫播放语音
	PlayAudio(ctx context.Context, callID string, audioRef string) error

	// Hangup 主动挂断
	Hangup(ctx context.Context, callID string) error
}

var (
	voiceClient Client
	voiceOnce   sync.Once
	voiceErr    error
)

// Init 初始化外呼客户端
func Init() error {
	voiceOnce.Do(func() {
		cfg := config.Cfg

		switch cfg.VoiceProvider {
		case "aliyun":
			voiceClient, voiceErr = NewAliyunClient()
		case "mock":
			voiceClient = NewMockClient()
		default:
			voiceErr = fmt.Errorf("unsupported voice provider: %s", cfg.VoiceProvider)
		}

		if voiceErr != nil {
			logger.Logger.Error("Failed to initialize voice client", zap.Error(voiceErr))
			return
		}

		logger.Logger.Info("Voice client initialized successfully",
			zap.String("provider", cfg.VoiceProvider),
		)
	})

	return voiceErr
}

func GetClient() Client {
	if voiceClient == nil {
		panic("Voice client not initialized, call voice.Init() first")
	}
	return voiceClient
}
