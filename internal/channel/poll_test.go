package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
)

func writeStatus(w http.ResponseWriter, view models.TaskStatusView) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": view})
}

func statesOf(pairs ...string) map[string]models.FieldStatus {
	states := make(map[string]models.FieldStatus)
	for _, slot := range models.FieldSlots {
		states[slot] = models.FieldPending
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		states[pairs[i]] = models.FieldStatus(pairs[i+1])
	}
	return states
}

func testPollConfig(baseURL string, events *collector) PollConfig {
	return PollConfig{
		BaseURL:  baseURL,
		TaskID:   "task-1",
		Interval: 5 * time.Millisecond,
		Silence:  time.Hour,
		OnEvent:  events.handle,
	}
}

func waitPoll(t *testing.T, p *PollChannel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("等待轮询结束超时: %v", err)
	}
}

func TestPollTranslatesSnapshotsToEvents(t *testing.T) {
	var (
		mu      sync.Mutex
		cursors []string
		calls   int
	)
	views := []models.TaskStatusView{
		{
			TranslationTask: models.TranslationTask{ID: "task-1", FieldStates: statesOf("description", "in_progress"), TotalCount: 7, Percentage: 14},
			Logs:            []string{"开始翻译角色描述..."},
			NextCursor:      1,
		},
		{
			TranslationTask: models.TranslationTask{ID: "task-1", FieldStates: statesOf("description", "completed", "personality", "skipped", "scenario", "in_progress"), CompletedCount: 2, TotalCount: 7, Percentage: 38},
			Logs:            []string{"角色描述翻译完成", "字段 personality 不存在或为空，跳过翻译"},
			NextCursor:      3,
		},
		{
			TranslationTask: models.TranslationTask{ID: "task-1", FieldStates: statesOf(), CompletedCount: 7, TotalCount: 7, Percentage: 100, TerminalStatus: models.TaskSuccess},
			NextCursor:      3,
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cursors = append(cursors, r.URL.Query().Get("since"))
		i := calls
		if i >= len(views) {
			i = len(views) - 1
		}
		calls++
		mu.Unlock()
		writeStatus(w, views[i])
	}))
	defer srv.Close()

	events := &collector{}
	p := NewPollChannel(testPollConfig(srv.URL, events))
	p.Start(context.Background())
	defer p.Close()
	waitPoll(t, p)

	var progress []string
	for _, e := range events.all() {
		if e.Type == models.EventProgress {
			progress = append(progress, e.CurrentField+"/"+e.FieldStatus)
		}
	}
	want := []string{"description/starting", "description/completed", "personality/skipped", "scenario/starting"}
	if len(progress) != len(want) {
		t.Fatalf("进度事件不符: got %v want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("进度事件不符: got %v want %v", progress, want)
		}
	}
	if n := events.count(models.EventLog); n != 3 {
		t.Fatalf("应转发 3 行日志，实际 %d", n)
	}
	if final, ok := p.Result(); !ok || final.Type != models.EventCompleted || final.Percentage != 100 {
		t.Fatalf("应以 completed 结束: %+v", final)
	}

	mu.Lock()
	defer mu.Unlock()
	if cursors[0] != "0" || cursors[1] != "1" || cursors[2] != "3" {
		t.Fatalf("日志游标应递增: %v", cursors)
	}
}

func TestPollWatchdogEstimatesStayBelowFloor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, models.TaskStatusView{TranslationTask: models.TranslationTask{
			ID:             "task-1",
			FieldStates:    statesOf("description", "completed", "personality", "completed", "scenario", "in_progress"),
			CurrentField:   "scenario",
			CompletedCount: 2,
			TotalCount:     7,
			Percentage:     30,
		}})
	}))
	defer srv.Close()

	events := &collector{}
	cfg := testPollConfig(srv.URL, events)
	cfg.Silence = 20 * time.Millisecond
	p := NewPollChannel(cfg)
	p.Start(context.Background())

	// round(3*85/7) = 36
	const floor = 36
	deadline := time.Now().Add(3 * time.Second)
	for events.count(models.EventEstimate) < floor-30 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	p.Close()

	warnings, prev := 0, 30
	for _, e := range events.all() {
		switch e.Type {
		case models.EventLog:
			if e.Message == SilenceWarning {
				warnings++
			}
		case models.EventEstimate:
			if e.Percentage <= prev {
				t.Fatalf("估算值应严格递增: %d -> %d", prev, e.Percentage)
			}
			if e.Percentage > floor || e.Percentage >= 100 {
				t.Fatalf("估算值 %d 超过下一次真实更新的下限 %d", e.Percentage, floor)
			}
			prev = e.Percentage
		default:
			if e.IsTerminal() {
				t.Fatalf("看门狗不应产生终止事件: %+v", e)
			}
		}
	}
	if warnings != 1 {
		t.Fatalf("静默提示应只出现一次，实际 %d", warnings)
	}
	if prev != floor {
		t.Fatalf("估算应逐步逼近下限 %d，实际停在 %d", floor, prev)
	}
}

func TestPollNotFoundStops(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   map[string]string{"code": "NOT_FOUND", "message": "任务不存在: task-1"},
		})
	}))
	defer srv.Close()

	events := &collector{}
	p := NewPollChannel(testPollConfig(srv.URL, events))
	p.Start(context.Background())
	defer p.Close()
	waitPoll(t, p)

	if n := events.count(models.EventError); n != 1 {
		t.Fatalf("应恰好一个 error 事件，实际 %d", n)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("任务不存在后应停止轮询，实际请求 %d 次", calls.Load())
	}
}

func TestPollGivesUpAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	events := &collector{}
	cfg := testPollConfig(srv.URL, events)
	cfg.MaxFailures = 3
	p := NewPollChannel(cfg)
	p.Start(context.Background())
	defer p.Close()
	waitPoll(t, p)

	final, ok := p.Result()
	if !ok || final.Type != models.EventError || events.count(models.EventError) != 1 {
		t.Fatalf("连续失败后应发出一个 error 事件: %+v", events.all())
	}
}

func TestPollCancel(t *testing.T) {
	var cancelled atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status/task-1", func(w http.ResponseWriter, r *http.Request) {
		view := models.TaskStatusView{TranslationTask: models.TranslationTask{
			ID: "task-1", FieldStates: statesOf("description", "in_progress"), TotalCount: 7, Percentage: 14,
		}}
		if cancelled.Load() {
			view.TerminalStatus = models.TaskCancelled
		}
		writeStatus(w, view)
	})
	mux.HandleFunc("/api/cancel/task-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cancelled.Store(true)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	events := &collector{}
	cfg := testPollConfig(srv.URL, events)
	cfg.Interval = time.Hour
	p := NewPollChannel(cfg)
	p.Start(context.Background())
	defer p.Close()

	if err := p.Send(context.Background(), models.LogEvent("x")); !apperrors.IsValidationError(err) {
		t.Fatalf("轮询通道只支持 cancel: %v", err)
	}
	if err := p.Cancel(context.Background()); err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	waitPoll(t, p)
	if final, ok := p.Result(); !ok || final.Type != models.EventCancelled {
		t.Fatalf("应收到 cancelled 确认: %+v", events.all())
	}
}

func TestPollFallsBackToLogsWithoutFieldStates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeStatus(w, models.TaskStatusView{Logs: []string{"开始翻译角色描述...", "字段 personality 不存在或为空，跳过翻译"}, NextCursor: 2})
			return
		}
		writeStatus(w, models.TaskStatusView{TranslationTask: models.TranslationTask{TerminalStatus: models.TaskCancelled}, NextCursor: 2})
	}))
	defer srv.Close()

	events := &collector{}
	p := NewPollChannel(testPollConfig(srv.URL, events))
	p.Start(context.Background())
	defer p.Close()
	waitPoll(t, p)

	var derived []string
	for _, e := range events.all() {
		if e.Type == models.EventProgress {
			derived = append(derived, e.CurrentField+"/"+e.FieldStatus)
		}
	}
	if len(derived) != 2 || derived[0] != "description/starting" || derived[1] != "personality/skipped" {
		t.Fatalf("没有字段状态时应从日志推断进度: %v", derived)
	}
}
