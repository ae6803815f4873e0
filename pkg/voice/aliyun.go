package voice

import (
	"context"
	"encoding/json"
	"fmt"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	openapiutil "github.com/alibabacloud-go/openapi-util/service"
	util "github.com/alibabacloud-go/tea-utils/v2/service"
	"github.com/alibabacloud-go/tea/tea"
	credential "github.com/aliyun/credentials-go/credentials"
	"go.uber.org/zap"

	"CallWave/config"
	"CallWave/pkg/logger"
)

type AliyunClient struct {
	client *openapi.Client
	appID  string
}

// NewAliyunClient 创建阿里云语音服务客户端
// 使用环境变量自动获取 AccessKey 和 SecretKey：
// ALIBABA_CLOUD_ACCESS_KEY_ID 和 ALIBABA_CLOUD_ACCESS_KEY_SECRET
func NewAliyunClient() (*AliyunClient, error) {
	cred, err := credential.NewCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun credential: %w", err)
	}

	openapiConfig := &openapi.Config{
		Credential: cred,
		Endpoint:   tea.String("dyvmsapi.aliyuncs.com"),
	}

	client, err := openapi.NewClient(openapiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun voice client: %w", err)
	}

	return &AliyunClient{
		client: client,
		appID:  config.Cfg.VoiceAppID,
	}, nil
}

func (c *AliyunClient) createApiInfo(action string) *openapi.Params {
	return &openapi.Params{
		Action:      tea.String(action),
		Version:     tea.String("2017-05-25"),
		Protocol:    tea.String("HTTPS"),
		Method:      tea.String("POST"),
		AuthType:    tea.String("AK"),
		Style:       tea.String("RPC"),
		Pathname:    tea.String("/"),
		ReqBodyType: tea.String("json"),
		BodyType:    tea.String("json"),
	}
}

// Originate 通过 SingleCallByVoice 发起外呼。
// OutId 带上我们的 call_id，服务商回调原样返回，用来关联会话。
func (c *AliyunClient) Originate(ctx context.Context, req OriginateRequest) error {
	params := c.createApiInfo("SingleCallByVoice")

	queries := map[string]interface{}{
		"CalledNumber":     tea.String(req.PhoneNumber),
		"CalledShowNumber": tea.String(c.appID),
		"VoiceCode":        tea.String(req.AudioRef),
		"OutId":            tea.String(req.CallID),
	}

	runtime := &util.RuntimeOptions{}
	request := &openapi.OpenApiRequest{
		Query: openapiutil.Query(queries),
	}

	resp, err := c.client.CallApi(params, request, runtime)
	if err != nil {
		logger.Logger.Error("Failed to originate call",
			zap.String("call_id", req.CallID),
			zap.String("phone", req.PhoneNumber),
			zap.Error(err),
		)
		return fmt.Errorf("failed to originate call: %w", err)
	}

	if err := checkResponse(resp); err != nil {
		logger.Logger.Error("Voice API returned error",
			zap.String("call_id", req.CallID),
			zap.Error(err),
		)
		return err
	}

	logger.Logger.Info("Call originated successfully",
		zap.String("call_id", req.CallID),
		zap.String("phone", req.PhoneNumber),
	)
	return nil
}

// PlayAudio 阿里云的放音由服务商侧 IVR 通道驱动，这里只需要在回调
// 应答里带放音指令，无需单独的 API 调用。保留日志便于排查时序。
func (c *AliyunClient) PlayAudio(ctx context.Context, callID string, audioRef string) error {
	logger.Logger.Debug("play audio delegated to provider ivr channel",
		zap.String("call_id", callID),
		zap.String("audio_ref", audioRef),
	)
	return nil
}

// Hangup 通过 CancelCall 终止一路呼叫。
func (c *AliyunClient) Hangup(ctx context.Context, callID string) error {
	params := c.createApiInfo("CancelCall")

	queries := map[string]interface{}{
		"CallId": tea.String(callID),
	}

	runtime := &util.RuntimeOptions{}
	request := &openapi.OpenApiRequest{
		Query: openapiutil.Query(queries),
	}

	resp, err := c.client.CallApi(params, request, runtime)
	if err != nil {
		return fmt.Errorf("failed to hang up call: %w", err)
	}
	return checkResponse(resp)
}

func checkResponse(resp map[string]interface{}) error {
	if resp["statusCode"] != nil {
		statusCode := resp["statusCode"].(int)
		if statusCode != 200 {
			return fmt.Errorf("voice API error: statusCode=%d", statusCode)
		}
	}

	if resp["body"] != nil {
		bodyBytes, _ := json.Marshal(resp["body"])
		var bodyMap map[string]interface{}
		if err := json.Unmarshal(bodyBytes, &bodyMap); err == nil {
			if code, ok := bodyMap["Code"].(string); ok && code != "OK" {
				message := ""
				if msg, ok := bodyMap["Message"].(string); ok {
					message = msg
				}
				return fmt.Errorf("voice call failed: %s - %s", code, message)
			}
		}
	}
	return nil
}
