// internal/services/translation_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Corphon/CharaCardTranslator/internal/config"
	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/llm"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/progress"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"golang.org/x/sync/errgroup"
)

// TranslationHooks 流水线向外报告的回调，均可为 nil
type TranslationHooks struct {
	// Emit 接收日志与进度事件，会被并发调用方串行化
	Emit func(models.ProgressEvent)
	// Progress 每次状态转换后的快照
	Progress func(progress.Snapshot)
	// Stopped 协作式取消信号，在每个字段和每个问候语请求之前检查
	Stopped func() bool
}

// TranslateRequest 一次角色卡翻译
type TranslateRequest struct {
	Card    *models.CharacterCard
	Client  llm.Completer
	Model   string
	Tracker *progress.Tracker
	Hooks   TranslationHooks
}

// TranslationService 按固定顺序翻译角色卡字段
type TranslationService struct {
	prompts config.PromptSet
	metrics *utils.APIMetrics
	logger  *utils.Logger
}

// NewTranslationService 创建翻译服务
func NewTranslationService(prompts config.PromptSet, metrics *utils.APIMetrics) *TranslationService {
	return &TranslationService{
		prompts: prompts,
		metrics: metrics,
		logger:  utils.GetLogger().With(map[string]interface{}{"component": "translation"}),
	}
}

// Prompts 返回当前使用的模板
func (s *TranslationService) Prompts() config.PromptSet {
	return s.prompts
}

// run 单次翻译的运行状态
type run struct {
	svc     *TranslationService
	req     TranslateRequest
	tracker *progress.Tracker
	emitMu  sync.Mutex
}

// Translate 翻译六个标量字段（顺序执行）和问候语列表（并发执行）
// 任一字段失败立即中止，返回的角色卡只在全部成功时有效
func (s *TranslationService) Translate(ctx context.Context, req TranslateRequest) (*models.CharacterCard, error) {
	if req.Card == nil {
		return nil, apperrors.NewValidationError("角色卡为空", nil)
	}
	if err := req.Card.Validate(); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), nil)
	}
	if req.Client == nil {
		return nil, apperrors.NewValidationError("未配置 LLM 客户端", nil)
	}

	r := &run{svc: s, req: req, tracker: req.Tracker}
	if r.tracker == nil {
		r.tracker = progress.NewTracker(nil)
	}

	work := req.Card.Clone()
	for _, field := range models.ScalarFields {
		if err := r.translateScalar(ctx, work, field); err != nil {
			return nil, err
		}
	}
	if err := r.translateGreetings(ctx, work); err != nil {
		return nil, err
	}
	return work, nil
}

func (r *run) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.req.Hooks.Stopped != nil && r.req.Hooks.Stopped()
}

func (r *run) log(message string) {
	r.svc.logger.Info(message, nil)
	r.emit(models.LogEvent(message))
}

func (r *run) emit(event models.ProgressEvent) {
	if r.req.Hooks.Emit == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.req.Hooks.Emit(event)
}

// report 把状态转换发布为权威进度事件
func (r *run) report(field, wireStatus string, snap progress.Snapshot) {
	if r.req.Hooks.Progress != nil {
		r.req.Hooks.Progress(snap)
	}
	r.emit(models.ProgressEvent{
		Type:           models.EventProgress,
		CurrentField:   field,
		FieldStatus:    wireStatus,
		CompletedCount: snap.CompletedCount,
		TotalCount:     snap.TotalCount,
		Percentage:     snap.Percentage,
	})
}

func (r *run) skip(field string) {
	r.log(fmt.Sprintf("字段 %s 不存在或为空，跳过翻译", field))
	if snap, ok := r.tracker.Skip(field); ok {
		r.report(field, models.WireStatusSkipped, snap)
	}
	r.record(field, "skipped")
}

func (r *run) start(field string) {
	r.log(fmt.Sprintf("开始翻译%s...", models.DisplayName(field)))
	if snap, ok := r.tracker.Start(field); ok {
		r.report(field, models.WireStatusStarting, snap)
	}
}

func (r *run) complete(field string) {
	r.log(fmt.Sprintf("%s翻译完成", models.DisplayName(field)))
	if snap, ok := r.tracker.Complete(field); ok {
		r.report(field, models.WireStatusCompleted, snap)
	}
	r.record(field, "completed")
}

func (r *run) fail(field string, err error) error {
	snap, _ := r.tracker.Fail(field)
	if r.req.Hooks.Progress != nil {
		r.req.Hooks.Progress(snap)
	}
	r.record(field, "failed")
	r.svc.logger.Error("字段翻译失败", map[string]interface{}{"field": field, "error": err.Error()})
	if apperrors.Is(err, apperrors.ErrorTypeCancelled) {
		return err
	}
	return apperrors.NewTranslationFailedError(field, err)
}

func (r *run) record(field, result string) {
	if r.svc.metrics != nil {
		r.svc.metrics.RecordFieldResult(field, result)
	}
}

func (r *run) cancelled() error {
	r.tracker.Freeze()
	return apperrors.NewCancelledError("翻译已取消")
}

func (r *run) translateScalar(ctx context.Context, card *models.CharacterCard, field string) error {
	if r.stopped(ctx) {
		return r.cancelled()
	}

	text := card.Field(field)
	if strings.TrimSpace(text) == "" {
		r.skip(field)
		return nil
	}

	r.start(field)
	translated, err := r.call(ctx, field, text)
	if err != nil {
		return r.fail(field, err)
	}
	card.SetField(field, translated)
	r.complete(field)
	return nil
}

// translateGreetings 每个非空问候语一个并发请求，按原下标写回
func (r *run) translateGreetings(ctx context.Context, card *models.CharacterCard) error {
	field := models.FieldAlternateGreetings
	if r.stopped(ctx) {
		return r.cancelled()
	}

	greetings := card.Greetings()
	var pending []int
	for i, g := range greetings {
		if strings.TrimSpace(g) != "" {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		r.skip(field)
		return nil
	}

	r.start(field)
	results := make([]string, len(greetings))
	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range pending {
		idx := idx
		g.Go(func() error {
			// 其他请求已失败时不再发起新请求
			if gctx.Err() != nil {
				return nil
			}
			if r.req.Hooks.Stopped != nil && r.req.Hooks.Stopped() {
				return apperrors.NewCancelledError("翻译已取消")
			}
			// 已发出的请求使用外层 ctx，不因兄弟请求失败而中断
			translated, err := r.call(ctx, field, greetings[idx])
			if err != nil {
				return err
			}
			results[idx] = translated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if apperrors.Is(err, apperrors.ErrorTypeCancelled) {
			r.tracker.Freeze()
			return err
		}
		return r.fail(field, err)
	}
	if ctx.Err() != nil {
		return r.cancelled()
	}

	for _, idx := range pending {
		card.SetGreeting(idx, results[idx])
	}
	r.complete(field)
	return nil
}

// call 用字段对应的模板发送一次补全请求
func (r *run) call(ctx context.Context, field, text string) (string, error) {
	resp, err := r.req.Client.CompleteText(ctx, llm.CompletionRequest{
		Model:        r.req.Model,
		SystemPrompt: r.svc.prompts.ForField(field),
		Prompt:       text,
		MaxTokens:    llm.DefaultMaxTokens,
	})
	if err != nil {
		return "", err
	}
	r.log(requestLine(resp))
	return resp.Text, nil
}

// requestLine 与 HTTP 客户端访问日志相同格式的请求行
func requestLine(resp *llm.CompletionResponse) string {
	method, endpoint, proto, status := resp.Method, resp.Endpoint, resp.Proto, resp.Status
	if method == "" {
		method = "POST"
	}
	if proto == "" {
		proto = "HTTP/1.1"
	}
	if status == "" {
		status = "200 OK"
	}
	return fmt.Sprintf("HTTP Request: %s %s \"%s %s\"", method, endpoint, proto, status)
}
