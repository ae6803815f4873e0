package router

import (
	"github.com/cloudwego/hertz/pkg/app/server"

	"CallWave/internal/handler"
	"CallWave/internal/middleware"
)

// Register 注册管理面路由（API 服务进程）
func Register(h *server.Hertz) {

	h.Use(middleware.RecoverMiddleware())
	h.Use(middleware.CORSMiddleware())
	h.Use(middleware.OpenTelemetryMiddleware())

	v1 := h.Group("/v1")
	v1.Use(middleware.GeneralRateLimitMiddleware())

	// 活动管理路由
	campaigns := v1.Group("/campaigns")
	{
		campaigns.POST("", handler.CreateCampaign)
		campaigns.GET("", handler.ListCampaigns)
		campaigns.GET("/:campaign_id", handler.GetCampaign)
		campaigns.POST("/:campaign_id/schedule", handler.ScheduleCampaign)
		campaigns.POST("/:campaign_id/pause", handler.PauseCampaign)
		campaigns.POST("/:campaign_id/resume", handler.ResumeCampaign)
		campaigns.POST("/:campaign_id/cancel", handler.CancelCampaign)
		campaigns.POST("/:campaign_id/contacts", middleware.ImportRateLimitMiddleware(), handler.AddContacts)
		campaigns.GET("/:campaign_id/calls", handler.ListCallSessions)
	}

	// 黑名单路由
	blacklist := v1.Group("/blacklist")
	{
		blacklist.POST("", handler.InsertBlacklist)
		blacklist.GET("/:phone_number", handler.CheckBlacklist)
		blacklist.DELETE("/:phone_number", handler.DeleteBlacklist)
	}

	// CDR 查询路由
	calls := v1.Group("/calls")
	{
		calls.GET("/:call_id", handler.GetCallSession)
	}
}

// RegisterTelephony 注册话务回调路由。
// 回调必须打到持有活跃会话的 worker 进程，所以单独挂在 worker 的 server 上。
func RegisterTelephony(h *server.Hertz) {
	h.Use(middleware.RecoverMiddleware())
	h.Use(middleware.OpenTelemetryMiddleware())

	v1 := h.Group("/v1")
	v1.POST("/telephony/events", handler.HandleTelephonyEvent)
}
