// internal/api/middleware.go
package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/services"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RateLimiter 固定窗口限流
type RateLimiter struct {
	visitors  map[string]*Visitor
	limit     int
	window    time.Duration
	lastSweep time.Time
	mu        sync.Mutex
}

// Visitor 单个客户端的窗口计数
type Visitor struct {
	Remaining int
	Reset     time.Time
}

// NewRateLimiter 每个 key 在 window 内最多 limit 次请求
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors:  make(map[string]*Visitor),
		limit:     limit,
		window:    window,
		lastSweep: time.Now(),
	}
}

// Allow 检查是否允许请求，返回剩余次数与窗口重置时间
func (rl *RateLimiter) Allow(key string, now time.Time) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > rl.window {
		for k, visitor := range rl.visitors {
			if now.After(visitor.Reset) {
				delete(rl.visitors, k)
			}
		}
		rl.lastSweep = now
	}

	visitor, exists := rl.visitors[key]
	if !exists || now.After(visitor.Reset) {
		visitor = &Visitor{Remaining: rl.limit, Reset: now.Add(rl.window)}
		rl.visitors[key] = visitor
	}
	if visitor.Remaining <= 0 {
		return false, 0, visitor.Reset
	}
	visitor.Remaining--
	return true, visitor.Remaining, visitor.Reset
}

// Middleware 按来源 IP 限流；会话 cookie 由客户端控制，不能作为限流键
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		allowed, remaining, reset := rl.Allow(key, time.Now())
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			NewResponseHelper().Error(c, http.StatusTooManyRequests, ErrorRateLimited, "请求过于频繁，请稍后再试")
			c.Abort()
			return
		}
		c.Next()
	}
}

const sessionContextKey = "session_id"

// SessionMiddleware 读取或签发 session_id cookie
func SessionMiddleware(sessions *services.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		requested, _ := c.Cookie(services.SessionCookieName)
		session := sessions.GetOrCreate(requested)
		if session.ID != requested {
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(services.SessionCookieName, session.ID,
				int(services.SessionTimeout.Seconds()), "/", "", false, true)
		}
		c.Set(sessionContextKey, session.ID)
		c.Next()
	}
}

// RequestIDMiddleware 为每个请求分配ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// MetricsMiddleware 记录请求耗时与状态码
func MetricsMiddleware(metrics *utils.APIMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordAPIRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
