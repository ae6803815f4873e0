package sms

import (
	"context"
	"encoding/json"
	"fmt"

	"CallWave/config"
)

// SendFollowUp 发送通话后的跟进/确认短信（捐赠确认、信息补发）。
// templateContext 会整体序列化为模板参数。
func SendFollowUp(ctx context.Context, phone string, templateContext map[string]string) error {
	cfg := config.Cfg
	signName := cfg.SMSSignName
	templateCode := cfg.SMSTemplateCode

	if templateContext == nil {
		templateContext = map[string]string{}
	}
	paramJSON, err := json.Marshal(templateContext)
	if err != nil {
		return fmt.Errorf("failed to marshal template param: %w", err)
	}

	return SendSingle(ctx, phone, signName, templateCode, string(paramJSON))
}
