// internal/channel/poll.go
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/progress"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
)

// DefaultMaxPollFailures 连续失败多少次后放弃轮询
const DefaultMaxPollFailures = 5

// SilenceWarning 长时间没有进度时的提示
const SilenceWarning = "长时间没有收到进度更新，任务可能仍在处理中"

// PollConfig 轮询绑定的参数
type PollConfig struct {
	// BaseURL 服务根地址，如 http://localhost:8080
	BaseURL     string
	TaskID      string
	Client      *http.Client
	Header      http.Header
	Interval    time.Duration
	Silence     time.Duration
	MaxFailures int
	Now         func() time.Time
	OnEvent     Handler
}

func (c *PollConfig) applyDefaults() {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Interval <= 0 {
		c.Interval = PollInterval
	}
	if c.Silence <= 0 {
		c.Silence = SilenceThreshold
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxPollFailures
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// statusEnvelope 服务端统一响应格式
type statusEnvelope struct {
	Success bool                   `json:"success"`
	Data    *models.TaskStatusView `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PollChannel 定期拉取任务状态，把快照差异转换成进度事件
type PollChannel struct {
	cfg    PollConfig
	obs    *observer
	logger *utils.Logger

	mu           sync.Mutex
	cursor       int
	states       map[string]models.FieldStatus
	lastPct      int
	lastChange   time.Time
	warned       bool
	lastEstimate int
	failures     int

	kick      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	ended     chan struct{}
	wg        sync.WaitGroup
}

// NewPollChannel 创建轮询通道，调用 Start 后开始轮询
func NewPollChannel(cfg PollConfig) *PollChannel {
	cfg.applyDefaults()
	p := &PollChannel{
		cfg:    cfg,
		obs:    newObserver(cfg.TaskID),
		logger: utils.GetLogger().With(map[string]interface{}{"component": "poll", "task_id": cfg.TaskID}),
		states: make(map[string]models.FieldStatus),
		kick:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		ended:  make(chan struct{}),
	}
	p.obs.onEvent(cfg.OnEvent)
	return p
}

// OnEvent 注册事件回调
func (p *PollChannel) OnEvent(handler Handler) {
	p.obs.onEvent(handler)
}

// Start 启动后台轮询，收到终止状态或 Close 时停止
func (p *PollChannel) Start(ctx context.Context) {
	p.mu.Lock()
	p.lastChange = p.cfg.Now()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *PollChannel) loop(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.ended)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if done := p.pollOnce(ctx); done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case <-p.kick:
		case <-ticker.C:
		}
	}
}

// pollOnce 拉取一次状态；返回 true 表示应停止轮询
func (p *PollChannel) pollOnce(ctx context.Context) bool {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	view, err := p.fetch(ctx, cursor)
	if err != nil {
		if ctx.Err() != nil || p.isClosed() {
			return true
		}
		if apperrors.IsNotFoundError(err) {
			p.obs.deliver(models.ErrorEvent(err.Error()))
			return true
		}
		p.mu.Lock()
		p.failures++
		failures := p.failures
		p.mu.Unlock()
		p.logger.Warn("轮询失败", map[string]interface{}{"failures": failures, "error": err.Error()})
		if failures >= p.cfg.MaxFailures {
			lost := apperrors.NewChannelLostError(fmt.Sprintf("状态轮询连续失败 %d 次", failures), err)
			p.obs.deliver(models.ErrorEvent(lost.Error()))
			return true
		}
		return false
	}

	p.apply(view)
	return p.obs.isTerminal()
}

// apply 把状态快照转换为日志、进度与终止事件
func (p *PollChannel) apply(view *models.TaskStatusView) {
	now := p.cfg.Now()

	p.mu.Lock()
	p.failures = 0
	if view.NextCursor > p.cursor {
		p.cursor = view.NextCursor
	}
	var changes []models.ProgressEvent
	if len(view.FieldStates) > 0 {
		changes = p.diffLocked(view)
	}
	if view.Percentage > p.lastPct {
		p.lastPct = view.Percentage
		p.lastChange = now
		p.warned = false
	}
	p.mu.Unlock()

	if len(view.FieldStates) > 0 {
		p.obs.markStructured()
	}
	for _, line := range view.Logs {
		p.obs.deliver(models.LogEvent(line))
	}
	for _, e := range changes {
		p.obs.deliver(e)
	}

	switch view.TerminalStatus {
	case models.TaskSuccess:
		p.obs.deliver(models.ProgressEvent{
			Type:           models.EventCompleted,
			CompletedCount: view.TotalCount,
			TotalCount:     view.TotalCount,
			Percentage:     100,
		})
		return
	case models.TaskException:
		message := view.Error
		if message == "" {
			message = "任务执行失败"
		}
		p.obs.deliver(models.ErrorEvent(message))
		return
	case models.TaskCancelled:
		p.obs.deliver(models.ProgressEvent{Type: models.EventCancelled, Message: "任务已取消"})
		return
	}

	p.watchdog(view, now)
}

// diffLocked 按槽位顺序比较状态变化
func (p *PollChannel) diffLocked(view *models.TaskStatusView) []models.ProgressEvent {
	var events []models.ProgressEvent
	for _, field := range models.FieldSlots {
		next, ok := view.FieldStates[field]
		if !ok || next == p.states[field] {
			continue
		}
		p.states[field] = next

		var wireStatus string
		switch next {
		case models.FieldInProgress:
			wireStatus = models.WireStatusStarting
		case models.FieldCompleted:
			wireStatus = models.WireStatusCompleted
		case models.FieldSkipped:
			wireStatus = models.WireStatusSkipped
		default:
			continue
		}
		events = append(events, models.ProgressEvent{
			Type:           models.EventProgress,
			CurrentField:   field,
			FieldStatus:    wireStatus,
			CompletedCount: view.CompletedCount,
			TotalCount:     view.TotalCount,
			Percentage:     view.Percentage,
		})
	}
	return events
}

// watchdog 静默超过阈值后先提示一次，再给出不超过下一次真实更新下限的估算
func (p *PollChannel) watchdog(view *models.TaskStatusView, now time.Time) {
	p.mu.Lock()
	if now.Sub(p.lastChange) < p.cfg.Silence {
		p.mu.Unlock()
		return
	}
	warn := !p.warned
	p.warned = true

	current := p.lastPct
	total := view.TotalCount
	if total <= 0 {
		total = len(models.FieldSlots)
	}
	floor := progress.NextFloor(current, view.CompletedCount, total)
	next := p.lastEstimate
	if next < current {
		next = current
	}
	next++
	if next > floor {
		next = floor
	}
	emit := next > p.lastEstimate && next > current && next < 100
	if emit {
		p.lastEstimate = next
	}
	p.mu.Unlock()

	if warn {
		p.obs.deliver(models.LogEvent(SilenceWarning))
	}
	if emit {
		p.obs.deliver(models.ProgressEvent{
			Type:           models.EventEstimate,
			CurrentField:   view.CurrentField,
			CompletedCount: view.CompletedCount,
			TotalCount:     total,
			Percentage:     next,
		})
	}
}

func (p *PollChannel) fetch(ctx context.Context, cursor int) (*models.TaskStatusView, error) {
	endpoint := fmt.Sprintf("%s/api/status/%s?since=%s", p.cfg.BaseURL, url.PathEscape(p.cfg.TaskID), strconv.Itoa(cursor))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, p.cfg.Header)

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	var envelope statusEnvelope
	decodeErr := json.Unmarshal(body, &envelope)
	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.NewNotFoundError(envelopeMessage(&envelope, "任务不存在"), nil)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("解析状态响应失败 (HTTP %d): %w", resp.StatusCode, decodeErr)
	}
	if resp.StatusCode != http.StatusOK || !envelope.Success || envelope.Data == nil {
		return nil, fmt.Errorf("状态查询失败 (HTTP %d): %s", resp.StatusCode, envelopeMessage(&envelope, resp.Status))
	}
	return envelope.Data, nil
}

// Send 轮询模式只支持取消
func (p *PollChannel) Send(ctx context.Context, event models.ProgressEvent) error {
	if event.Type != models.EventCancel {
		return apperrors.NewValidationError("轮询通道不支持发送 "+string(event.Type), nil)
	}
	taskID := event.TaskID
	if taskID == "" {
		taskID = p.cfg.TaskID
	}

	endpoint := fmt.Sprintf("%s/api/cancel/%s", p.cfg.BaseURL, url.PathEscape(taskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	copyHeader(req.Header, p.cfg.Header)
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return apperrors.NewChannelLostError("发送取消请求失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope statusEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		message := envelopeMessage(&envelope, resp.Status)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return apperrors.NewNotFoundError(message, nil)
		case http.StatusConflict:
			return apperrors.NewConflictError(message, nil)
		}
		return fmt.Errorf("取消失败 (HTTP %d): %s", resp.StatusCode, message)
	}

	// 立即再拉一次，尽快拿到 cancelled 确认
	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

// Cancel 请求取消任务
func (p *PollChannel) Cancel(ctx context.Context) error {
	return p.Send(ctx, CancelEvent(p.cfg.TaskID))
}

// Wait 阻塞直到终止事件或轮询结束
func (p *PollChannel) Wait(ctx context.Context) error {
	return wait(ctx, p.obs.done, p.ended)
}

// Result 返回终止事件
func (p *PollChannel) Result() (models.ProgressEvent, bool) {
	return p.obs.result()
}

// Close 停止轮询与看门狗
func (p *PollChannel) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	p.wg.Wait()
	return nil
}

func (p *PollChannel) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func envelopeMessage(envelope *statusEnvelope, fallback string) string {
	if envelope != nil && envelope.Error != nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return fallback
}
