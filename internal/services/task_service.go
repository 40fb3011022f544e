// internal/services/task_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/config"
	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/llm"
	"github.com/Corphon/CharaCardTranslator/internal/llm/providers/openai"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/progress"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/google/uuid"
)

// 任务管理默认值
const (
	DefaultTaskTimeout = 2 * time.Hour
	DefaultFinishedTTL = time.Hour
	DefaultMaxFinished = 100
	cleanupInterval    = 10 * time.Minute
)

// ClientFactory 按任务参数创建 LLM 客户端
type ClientFactory func(params models.TaskParams) (llm.Completer, error)

// OpenAIClientFactory 默认使用 OpenAI 兼容端点
func OpenAIClientFactory(metrics *utils.APIMetrics) ClientFactory {
	return func(params models.TaskParams) (llm.Completer, error) {
		return openai.New(openai.Config{
			APIKey:  params.APIKey,
			BaseURL: params.BaseURL,
			Model:   params.ModelName,
		}, openai.WithMetrics(metrics)), nil
	}
}

// TaskOptions 任务管理参数
type TaskOptions struct {
	Timeout     time.Duration
	FinishedTTL time.Duration
	MaxFinished int
}

// TaskDeps 任务服务依赖，History 可为 nil
type TaskDeps struct {
	Cards       *CardService
	Translation *TranslationService
	Progress    *ProgressService
	Sessions    *SessionService
	History     *HistoryService
	Metrics     *utils.APIMetrics
	NewClient   ClientFactory
}

type taskEntry struct {
	mu            sync.Mutex
	task          models.TranslationTask
	characterName string
	tracker       *progress.Tracker
	stop          atomic.Bool
	cancel        context.CancelFunc
	done          chan struct{}
	startedAt     time.Time
}

// TaskService 翻译任务的创建、执行、取消与清理
type TaskService struct {
	deps   TaskDeps
	opts   TaskOptions
	logger *utils.Logger

	tasks map[string]*taskEntry
	mu    sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTaskService 创建任务服务
func NewTaskService(deps TaskDeps, opts TaskOptions) *TaskService {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTaskTimeout
	}
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = DefaultFinishedTTL
	}
	if opts.MaxFinished <= 0 {
		opts.MaxFinished = DefaultMaxFinished
	}
	if deps.NewClient == nil {
		deps.NewClient = OpenAIClientFactory(deps.Metrics)
	}
	return &TaskService{
		deps:   deps,
		opts:   opts,
		logger: utils.GetLogger().With(map[string]interface{}{"component": "task"}),
		tasks:  make(map[string]*taskEntry),
		stop:   make(chan struct{}),
	}
}

// resolveParams 用当前配置补全缺省的 LLM 参数
func resolveParams(params models.TaskParams) (models.TaskParams, error) {
	if strings.TrimSpace(params.BaseURL) != "" && strings.TrimSpace(params.ModelName) != "" &&
		strings.TrimSpace(params.APIKey) != "" {
		return params, nil
	}
	current := config.GetCurrentConfig()
	if strings.TrimSpace(params.BaseURL) == "" {
		params.BaseURL = current.LLM.BaseURL
	}
	if strings.TrimSpace(params.ModelName) == "" {
		params.ModelName = current.LLM.ModelName
	}
	if strings.TrimSpace(params.APIKey) == "" {
		params.APIKey = current.LLM.APIKey
	}
	if params.APIKey == "" {
		return params, apperrors.NewValidationError("缺少 API 密钥", nil)
	}
	return params, nil
}

// Start 为会话启动新任务；会话已有活动任务时先取消旧任务
func (s *TaskService) Start(sessionID, fileID string, params models.TaskParams) (*models.TranslationTask, error) {
	params, err := resolveParams(params)
	if err != nil {
		return nil, err
	}
	source, uploaded, err := s.deps.Cards.Load(fileID)
	if err != nil {
		return nil, err
	}
	client, err := s.deps.NewClient(params)
	if err != nil {
		return nil, apperrors.NewValidationError("创建 LLM 客户端失败", err)
	}

	now := time.Now()
	tracker := progress.NewTracker(nil)
	snap := tracker.Snapshot()
	entry := &taskEntry{
		task: models.TranslationTask{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			FileID:      fileID,
			SourceName:  uploaded.SourceName,
			Params:      params,
			FieldStates: snap.States,
			TotalCount:  snap.TotalCount,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		characterName: uploaded.Card.Name(),
		tracker:       tracker,
		done:          make(chan struct{}),
		startedAt:     now,
	}

	// cancel 在登记前赋值，Close 读取时无需加锁
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	entry.cancel = cancel

	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		cancel()
		return nil, apperrors.NewConflictError("服务正在关闭", nil)
	default:
	}
	s.deps.Progress.Open(entry.task.ID)
	s.tasks[entry.task.ID] = entry
	s.mu.Unlock()

	if sessionID != "" && s.deps.Sessions != nil {
		if previous := s.deps.Sessions.SwapActiveTask(sessionID, entry.task.ID); previous != "" {
			if cancelErr := s.Cancel(previous); cancelErr != nil && !apperrors.IsConflictError(cancelErr) && !apperrors.IsNotFoundError(cancelErr) {
				s.logger.Warn("取消旧任务失败", map[string]interface{}{"task_id": previous, "error": cancelErr.Error()})
			}
		}
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.TaskStarted()
	}
	s.logger.Info("任务已创建", map[string]interface{}{"task_id": entry.task.ID, "file_id": fileID, "model": params.ModelName})

	go s.run(ctx, entry, source, uploaded.Card, client)

	view := entry.view()
	return &view, nil
}

func (s *TaskService) run(ctx context.Context, entry *taskEntry, source []byte, card *models.CharacterCard, client llm.Completer) {
	defer close(entry.done)
	defer entry.cancel()

	taskID := entry.task.ID
	publish := func(event models.ProgressEvent) {
		s.deps.Progress.Publish(taskID, event)
	}

	publish(models.LogEvent(fmt.Sprintf("开始翻译角色卡: %s", displayCardName(card, entry.task.SourceName))))

	translated, err := s.deps.Translation.Translate(ctx, TranslateRequest{
		Card:    card,
		Client:  client,
		Model:   entry.task.Params.ModelName,
		Tracker: entry.tracker,
		Hooks: TranslationHooks{
			Emit:     publish,
			Progress: entry.apply,
			Stopped:  entry.stop.Load,
		},
	})

	// 已被取消的任务丢弃结果
	if entry.stop.Load() {
		if err == nil || apperrors.Is(err, apperrors.ErrorTypeCancelled) {
			s.finish(entry, models.TaskCancelled, "")
			return
		}
	}

	if err == nil {
		var pngBytes []byte
		pngBytes, err = s.deps.Cards.Embed(source, translated)
		if err == nil {
			err = s.deps.Cards.SaveOutputs(taskID, translated, pngBytes)
		}
		if err == nil {
			publish(models.LogEvent("角色卡翻译完成，已生成 JSON 与 PNG 文件"))
			s.finish(entry, models.TaskSuccess, "")
			return
		}
	}

	message := err.Error()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		message = "任务超时"
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordError(string(apperrors.TypeOf(err)), "task")
	}
	s.finish(entry, models.TaskException, message)
}

// finish 设置终止状态并发布唯一的终止事件
func (s *TaskService) finish(entry *taskEntry, status models.TerminalStatus, message string) bool {
	entry.mu.Lock()
	if entry.task.TerminalStatus != models.TaskRunning {
		entry.mu.Unlock()
		return false
	}
	entry.task.TerminalStatus = status
	entry.task.Error = message
	entry.task.UpdatedAt = time.Now()
	if status == models.TaskSuccess {
		entry.task.Percentage = 100
		entry.task.CurrentField = ""
	}
	view := entry.task
	entry.mu.Unlock()

	if status != models.TaskSuccess {
		entry.tracker.Freeze()
	}

	taskID := view.ID
	// 终止事件发布前写入历史
	if s.deps.History != nil {
		rec := models.HistoryRecord{
			TaskID:         taskID,
			SourceName:     view.SourceName,
			CharacterName:  entry.characterName,
			ModelName:      view.Params.ModelName,
			Status:         status,
			Error:          message,
			CompletedCount: view.CompletedCount,
			TotalCount:     view.TotalCount,
			CreatedAt:      view.CreatedAt,
			FinishedAt:     view.UpdatedAt,
		}
		if err := s.deps.History.Record(context.Background(), rec); err != nil {
			s.logger.Warn("写入任务历史失败", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		}
	}

	switch status {
	case models.TaskSuccess:
		s.deps.Progress.Publish(taskID, models.ProgressEvent{
			Type:           models.EventCompleted,
			CompletedCount: view.TotalCount,
			TotalCount:     view.TotalCount,
			Percentage:     100,
		})
	case models.TaskCancelled:
		s.deps.Progress.Publish(taskID, models.ProgressEvent{Type: models.EventCancelled, Message: "任务已取消"})
	default:
		s.deps.Progress.Publish(taskID, models.ErrorEvent(message))
	}

	if s.deps.Sessions != nil && view.SessionID != "" {
		s.deps.Sessions.ClearActiveTask(view.SessionID, taskID)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TaskFinished(string(status), time.Since(entry.startedAt))
	}
	s.logger.Info("任务结束", map[string]interface{}{"task_id": taskID, "status": string(status)})
	return true
}

// Cancel 请求取消任务：之后不会再开始新的字段翻译，立即确认 cancelled
func (s *TaskService) Cancel(taskID string) error {
	entry, err := s.entry(taskID)
	if err != nil {
		return err
	}
	entry.stop.Store(true)
	if !s.finish(entry, models.TaskCancelled, "") {
		entry.mu.Lock()
		status := entry.task.TerminalStatus
		entry.mu.Unlock()
		if status == models.TaskCancelled {
			return nil
		}
		return apperrors.NewConflictError("任务已结束，无法取消", nil)
	}
	return nil
}

// Get 返回任务视图
func (s *TaskService) Get(taskID string) (*models.TranslationTask, error) {
	entry, err := s.entry(taskID)
	if err != nil {
		return nil, err
	}
	view := entry.view()
	return &view, nil
}

// Status 轮询视图：任务状态 + 游标之后的日志
func (s *TaskService) Status(taskID string, cursor int) (*models.TaskStatusView, error) {
	entry, err := s.entry(taskID)
	if err != nil {
		return nil, err
	}
	logs, next := s.deps.Progress.LogsSince(taskID, cursor)
	return &models.TaskStatusView{
		TranslationTask: entry.view(),
		Logs:            logs,
		NextCursor:      next,
	}, nil
}

// ListBySession 会话下的任务，按创建时间倒序
func (s *TaskService) ListBySession(sessionID string) []models.TranslationTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := []models.TranslationTask{}
	for _, entry := range s.tasks {
		view := entry.view()
		if sessionID == "" || view.SessionID == sessionID {
			tasks = append(tasks, view)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks
}

// Output 读取成功任务的产物
func (s *TaskService) Output(taskID, kind string) ([]byte, string, error) {
	entry, err := s.entry(taskID)
	if err != nil {
		return nil, "", err
	}
	view := entry.view()
	if view.TerminalStatus != models.TaskSuccess {
		return nil, "", apperrors.NewConflictError("任务尚未成功完成", nil)
	}
	return s.deps.Cards.LoadOutput(taskID, kind, view.SourceName)
}

// Wait 阻塞直到任务的执行协程退出
func (s *TaskService) Wait(ctx context.Context, taskID string) error {
	entry, err := s.entry(taskID)
	if err != nil {
		return err
	}
	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningCount 运行中的任务数
func (s *TaskService) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entry := range s.tasks {
		if !entry.finished() {
			n++
		}
	}
	return n
}

// Cleanup 移除超过保留时间的已结束任务，并把已结束任务数量限制在上限内
func (s *TaskService) Cleanup(now time.Time) int {
	s.mu.Lock()
	type finishedTask struct {
		id      string
		updated time.Time
	}
	var finished []finishedTask
	var removed []string
	for id, entry := range s.tasks {
		view := entry.view()
		if !view.IsFinished() {
			continue
		}
		if now.Sub(view.UpdatedAt) > s.opts.FinishedTTL {
			removed = append(removed, id)
			delete(s.tasks, id)
			continue
		}
		finished = append(finished, finishedTask{id: id, updated: view.UpdatedAt})
	}
	if over := len(finished) - s.opts.MaxFinished; over > 0 {
		sort.Slice(finished, func(i, j int) bool {
			return finished[i].updated.Before(finished[j].updated)
		})
		for _, f := range finished[:over] {
			removed = append(removed, f.id)
			delete(s.tasks, f.id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.deps.Progress.Remove(id)
		if err := s.deps.Cards.RemoveOutputs(id); err != nil {
			s.logger.Debug("删除任务产物失败", map[string]interface{}{"task_id": id, "error": err.Error()})
		}
	}
	return len(removed)
}

// StartCleanup 定期清理任务与过期上传
func (s *TaskService) StartCleanup() {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				if n := s.Cleanup(now); n > 0 {
					s.logger.Info("已清理过期任务", map[string]interface{}{"count": n})
				}
				s.deps.Cards.Purge(s.opts.Timeout + s.opts.FinishedTTL)
			}
		}
	}()
}

// Close 停止清理并终止所有运行中的任务
func (s *TaskService) Close() error {
	// 在锁内关闭 stop，之后的 Start 不会再登记任务
	s.mu.Lock()
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Unlock()

	s.mu.RLock()
	entries := make([]*taskEntry, 0, len(s.tasks))
	for _, entry := range s.tasks {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	for _, entry := range entries {
		if entry.finished() {
			continue
		}
		entry.stop.Store(true)
		s.finish(entry, models.TaskCancelled, "")
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	return nil
}

func (s *TaskService) entry(taskID string) (*taskEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.tasks[taskID]
	if !exists {
		return nil, apperrors.NewNotFoundError("任务不存在: "+taskID, nil)
	}
	return entry, nil
}

// apply 把跟踪器快照同步到任务视图
func (e *taskEntry) apply(snap progress.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.TerminalStatus != models.TaskRunning {
		return
	}
	e.task.FieldStates = snap.States
	e.task.CurrentField = snap.CurrentField
	e.task.CompletedCount = snap.CompletedCount
	e.task.TotalCount = snap.TotalCount
	if snap.Percentage > e.task.Percentage {
		e.task.Percentage = snap.Percentage
	}
	e.task.UpdatedAt = time.Now()
}

// view 返回不含 API 密钥的任务副本
func (e *taskEntry) view() models.TranslationTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := e.task
	view.Params.APIKey = ""
	states := make(map[string]models.FieldStatus, len(e.task.FieldStates))
	for k, v := range e.task.FieldStates {
		states[k] = v
	}
	view.FieldStates = states
	return view
}

func (e *taskEntry) finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.TerminalStatus != models.TaskRunning
}

func displayCardName(card *models.CharacterCard, fallback string) string {
	if name := card.Name(); name != "" {
		return name
	}
	return fallback
}
