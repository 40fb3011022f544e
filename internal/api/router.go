// internal/api/router.go
package api

import (
	"fmt"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/config"
	"github.com/Corphon/CharaCardTranslator/internal/di"
	"github.com/Corphon/CharaCardTranslator/internal/services"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/gin-gonic/gin"
)

// 上传与翻译接口的限流
const (
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
)

// RouterOptions 路由参数
type RouterOptions struct {
	DebugMode  bool
	RateLimit  int
	RateWindow time.Duration
	// TrustedProxies 为空时不信任 X-Forwarded-For，限流按直连地址计算
	TrustedProxies []string
}

// SetupRouter 从依赖注入容器取服务并配置HTTP路由
func SetupRouter() (*gin.Engine, *Handler, error) {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	cards, err := di.Resolve[*services.CardService](container, di.ServiceCards)
	if err != nil {
		return nil, nil, fmt.Errorf("角色卡服务未正确初始化: %w", err)
	}
	tasks, err := di.Resolve[*services.TaskService](container, di.ServiceTasks)
	if err != nil {
		return nil, nil, fmt.Errorf("任务服务未正确初始化: %w", err)
	}
	progress, err := di.Resolve[*services.ProgressService](container, di.ServiceProgress)
	if err != nil {
		return nil, nil, fmt.Errorf("进度服务未正确初始化: %w", err)
	}
	sessions, err := di.Resolve[*services.SessionService](container, di.ServiceSessions)
	if err != nil {
		return nil, nil, fmt.Errorf("会话服务未正确初始化: %w", err)
	}
	metrics, err := di.Resolve[*utils.APIMetrics](container, di.ServiceMetrics)
	if err != nil {
		return nil, nil, fmt.Errorf("指标服务未正确初始化: %w", err)
	}
	// 历史记录可选
	history, _ := di.Resolve[*services.HistoryService](container, di.ServiceHistory)

	handler := &Handler{
		Cards:    cards,
		Tasks:    tasks,
		Progress: progress,
		Sessions: sessions,
		History:  history,
		Metrics:  metrics,
		Hub:      NewWebSocketManager(0),
		Response: NewResponseHelper(),
	}
	return NewRouter(handler, RouterOptions{DebugMode: cfg.DebugMode}), handler, nil
}

// NewRouter 注册所有路由
func NewRouter(handler *Handler, opts RouterOptions) *gin.Engine {
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = defaultRateWindow
	}
	if handler.Response == nil {
		handler.Response = NewResponseHelper()
	}
	if handler.Hub == nil {
		handler.Hub = NewWebSocketManager(0)
	}
	if handler.Metrics == nil {
		handler.Metrics = utils.NewAPIMetrics()
	}

	r := gin.New()
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		utils.GetLogger().Warn("可信代理配置无效", map[string]interface{}{"error": err.Error()})
		_ = r.SetTrustedProxies(nil)
	}
	if opts.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(MetricsMiddleware(handler.Metrics))
	r.Use(SessionMiddleware(handler.Sessions))

	limiter := NewRateLimiter(opts.RateLimit, opts.RateWindow).Middleware()

	// WebSocket 进度推送
	r.GET("/ws/:taskId", handler.TaskWebSocket)

	api := r.Group("/api")
	{
		// ===============================
		// 角色卡
		// ===============================
		api.POST("/upload", limiter, handler.UploadCard)
		api.POST("/embed", limiter, handler.EmbedCard)

		// ===============================
		// 翻译任务
		// ===============================
		api.POST("/translate", limiter, handler.StartTranslation)
		api.GET("/status/:taskId", handler.GetTaskStatus)
		api.POST("/cancel/:taskId", handler.CancelTask)
		api.GET("/tasks", handler.ListTasks)
		api.GET("/history", handler.GetHistory)

		downloadGroup := api.Group("/download")
		{
			downloadGroup.GET("/json/:taskId", handler.DownloadJSON)
			downloadGroup.GET("/image/:taskId", handler.DownloadImage)
		}

		// ===============================
		// 设置与状态
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.POST("", handler.SaveSettings)
		}
		api.GET("/health", handler.Health)
	}

	return r
}
