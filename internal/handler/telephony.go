package handler

import (
	"context"
	"fmt"

	"github.com/cloudwego/hertz/pkg/app"

	"CallWave/internal/callsession"
	"CallWave/internal/model"
	"CallWave/pkg/response"
)

var (
	sessionManager                 *callsession.Manager
	errSessionManagerUninitialized = fmt.Errorf("session manager not initialized")
)

// SetSessionManager 注入会话管理器（worker 启动时调用）
func SetSessionManager(m *callsession.Manager) {
	sessionManager = m
}

// HandleTelephonyEvent 话务服务商的呼叫事件回调入口。
// 服务商会对非 2xx 响应重试，所以只有真正需要重投的错误才返回失败。
// POST /v1/telephony/events
func HandleTelephonyEvent(ctx context.Context, c *app.RequestContext) {
	var req model.TelephonyEventRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	if sessionManager == nil {
		response.Error(ctx, c, errSessionManagerUninitialized)
		return
	}

	if err := sessionManager.HandleEvent(ctx, req); err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, map[string]interface{}{"accepted": true})
}
