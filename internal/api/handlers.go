// internal/api/handlers.go
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/config"
	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/services"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/gin-gonic/gin"
)

// maxRequestFile 单个上传文件读取上限，具体大小限制由角色卡服务判断
const maxRequestFile = 64 << 20

// Handler 处理API请求
type Handler struct {
	Cards    *services.CardService     // 上传与产物
	Tasks    *services.TaskService     // 翻译任务
	Progress *services.ProgressService // 进度事件流
	Sessions *services.SessionService  // 浏览器会话
	History  *services.HistoryService  // 任务历史，可为 nil
	Metrics  *utils.APIMetrics         // 指标
	Hub      *WebSocketManager         // WebSocket 连接
	Response *ResponseHelper           // 响应助手
}

// TranslateRequest 启动翻译的请求结构
type TranslateRequest struct {
	FileID    string `json:"file_id" binding:"required"`
	ModelName string `json:"model_name"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
}

// SettingsRequest 更新默认 LLM 参数
type SettingsRequest struct {
	BaseURL        string `json:"base_url"`
	ModelName      string `json:"model_name"`
	APIKey         string `json:"api_key"`
	PromptLanguage string `json:"prompt_language"`
}

// ------------------------------------------------
// UploadCard POST /api/upload
func (h *Handler) UploadCard(c *gin.Context) {
	name, data, ok := h.readFormFile(c, "file")
	if !ok {
		return
	}

	uploaded, err := h.Cards.Upload(name, data)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, uploaded, "角色卡解析成功")
}

// EmbedCard POST /api/embed：表单 file 为 PNG，card 为角色卡 JSON
func (h *Handler) EmbedCard(c *gin.Context) {
	name, data, ok := h.readFormFile(c, "file")
	if !ok {
		return
	}
	raw := strings.TrimSpace(c.PostForm("card"))
	if raw == "" {
		h.Response.BadRequest(c, "缺少角色卡 JSON")
		return
	}
	card, err := models.ParseCharacterCard([]byte(raw))
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorCardInvalid, "角色卡 JSON 无效", err.Error())
		return
	}

	output, err := h.Cards.Embed(data, card)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	base := strings.TrimSuffix(name, ".png")
	h.Response.DownloadResponse(c, output, base+"_embedded.png", "image/png")
}

// StartTranslation POST /api/translate
func (h *Handler) StartTranslation(c *gin.Context) {
	var req TranslateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}

	task, err := h.Tasks.Start(c.GetString(sessionContextKey), req.FileID, models.TaskParams{
		ModelName: req.ModelName,
		BaseURL:   req.BaseURL,
		APIKey:    req.APIKey,
	})
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	h.Response.Accepted(c, gin.H{
		"task_id": task.ID,
		"task":    task,
	}, "翻译任务已开始，请订阅进度更新")
}

// GetTaskStatus GET /api/status/:taskId?since=N
func (h *Handler) GetTaskStatus(c *gin.Context) {
	since, _ := strconv.Atoi(c.DefaultQuery("since", "0"))
	if since < 0 {
		since = 0
	}

	view, err := h.Tasks.Status(c.Param("taskId"), since)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, view)
}

// CancelTask POST /api/cancel/:taskId
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.Tasks.Cancel(taskID); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, gin.H{
		"task_id": taskID,
		"status":  models.TaskCancelled,
	}, "任务已取消")
}

// DownloadJSON GET /api/download/json/:taskId
func (h *Handler) DownloadJSON(c *gin.Context) {
	h.download(c, services.ArtifactJSON, "application/json; charset=utf-8")
}

// DownloadImage GET /api/download/image/:taskId
func (h *Handler) DownloadImage(c *gin.Context) {
	h.download(c, services.ArtifactImage, "image/png")
}

func (h *Handler) download(c *gin.Context, kind, contentType string) {
	data, filename, err := h.Tasks.Output(c.Param("taskId"), kind)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.DownloadResponse(c, data, filename, contentType)
}

// ListTasks GET /api/tasks：当前会话的任务
func (h *Handler) ListTasks(c *gin.Context) {
	sessionID := c.GetString(sessionContextKey)
	h.Response.Success(c, gin.H{
		"active_task_id": h.Sessions.ActiveTask(sessionID),
		"tasks":          h.Tasks.ListBySession(sessionID),
	})
}

// GetHistory GET /api/history?limit=N
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if h.History == nil {
		h.Response.Success(c, []models.HistoryRecord{})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	records, err := h.History.List(ctx, limit)
	if err != nil {
		h.Response.FromError(c, apperrors.NewProcessingError("读取任务历史失败", err))
		return
	}
	h.Response.Success(c, records)
}

// Health GET /api/health
func (h *Handler) Health(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"status":        "ok",
		"running_tasks": h.Tasks.RunningCount(),
		"sessions":      h.Sessions.Count(),
		"websocket":     h.Hub.GetStatus(),
		"metrics":       h.Metrics.Collector().GetMetrics(),
		"time":          time.Now().Format(time.RFC3339),
	})
}

// GetSettings GET /api/settings
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := config.GetCurrentConfig()
	h.Response.Success(c, gin.H{
		"base_url":        cfg.LLM.BaseURL,
		"model_name":      cfg.LLM.ModelName,
		"api_key":         config.MaskKey(cfg.LLM.APIKey),
		"has_api_key":     cfg.LLM.APIKey != "",
		"prompt_language": cfg.PromptLanguage,
	}, "设置获取成功")
}

// SaveSettings POST /api/settings
func (h *Handler) SaveSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}
	if req.PromptLanguage != "" && req.PromptLanguage != "zh" && req.PromptLanguage != "en" {
		h.Response.BadRequest(c, "不支持的提示词语言: "+req.PromptLanguage)
		return
	}

	err := config.UpdateLLMConfig(config.LLMSettings{
		BaseURL:   strings.TrimSpace(req.BaseURL),
		ModelName: strings.TrimSpace(req.ModelName),
		APIKey:    strings.TrimSpace(req.APIKey),
	}, req.PromptLanguage)
	if err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorConfigSaveFailed, "保存设置失败", err.Error())
		return
	}
	h.Response.Success(c, nil, "设置保存成功")
}

// readFormFile 读取 multipart 文件，失败时已写入响应
func (h *Handler) readFormFile(c *gin.Context, field string) (string, []byte, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorFileUploadFailed, "获取上传文件失败", err.Error())
		return "", nil, false
	}
	if header.Size > maxRequestFile {
		h.Response.Error(c, http.StatusRequestEntityTooLarge, ErrorFileTooLarge, "上传文件过大")
		return "", nil, false
	}

	file, err := header.Open()
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorFileInvalid, "无法读取上传文件", err.Error())
		return "", nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxRequestFile))
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorFileInvalid, "无法读取上传文件", err.Error())
		return "", nil, false
	}
	return header.Filename, data, true
}
