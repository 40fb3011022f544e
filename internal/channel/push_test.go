package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/gorilla/websocket"
)

// wsServer 按连接序号调用 handler 的测试服务端
type wsServer struct {
	srv   *httptest.Server
	dials atomic.Int32
}

func newWSServer(t *testing.T, handler func(n int, conn *websocket.Conn, r *http.Request)) *wsServer {
	t.Helper()
	ws := &wsServer{}
	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := int(ws.dials.Add(1))
		handler(n, conn, r)
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url(taskID string) string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http") + "/ws/" + taskID
}

func writeEvent(t *testing.T, conn *websocket.Conn, event models.ProgressEvent) {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Errorf("序列化事件失败: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("写入事件失败: %v", err)
	}
}

// drop 不发送关闭帧直接断开，客户端看到 1006
func drop(conn *websocket.Conn) {
	_ = conn.UnderlyingConn().Close()
}

func progressAt(pct int) models.ProgressEvent {
	return models.ProgressEvent{
		Type:           models.EventProgress,
		CurrentField:   models.FieldDescription,
		FieldStatus:    models.WireStatusStarting,
		CompletedCount: 0,
		TotalCount:     7,
		Percentage:     pct,
	}
}

type collector struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (c *collector) handle(e models.ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) count(typ models.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (c *collector) all() []models.ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ProgressEvent(nil), c.events...)
}

func testPushConfig(url string) PushConfig {
	return PushConfig{
		URL:            url,
		TaskID:         "task-1",
		KeepAlive:      time.Hour,
		ReconnectDelay: 5 * time.Millisecond,
	}
}

func waitPush(t *testing.T, p *PushChannel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("等待通道结束超时: %v", err)
	}
}

func TestPushReconnectsBelowHighWaterMark(t *testing.T) {
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		if n == 1 {
			writeEvent(t, conn, progressAt(30))
		}
		drop(conn)
	})

	events := &collector{}
	cfg := testPushConfig(ws.url("task-1"))
	cfg.OnEvent = events.handle
	p, err := DialPush(context.Background(), cfg)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()
	waitPush(t, p)

	if got := ws.dials.Load(); got != 1+MaxReconnects {
		t.Fatalf("低进度断线应重连 %d 次，实际连接 %d 次", MaxReconnects, got)
	}
	if p.Reconnects() != MaxReconnects {
		t.Fatalf("重连次数应为 %d，实际 %d", MaxReconnects, p.Reconnects())
	}
	if n := events.count(models.EventError); n != 1 {
		t.Fatalf("重连耗尽后应恰好一个 error 事件，实际 %d", n)
	}
	if !apperrors.Is(p.Err(), apperrors.ErrorTypeChannelLost) {
		t.Fatalf("应返回 channel_lost: %v", p.Err())
	}
	if final, ok := p.Result(); !ok || final.Type != models.EventError {
		t.Fatalf("终止事件应为 error: %+v", final)
	}
}

func TestPushBenignCloseAboveHighWaterMark(t *testing.T) {
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		writeEvent(t, conn, progressAt(95))
		drop(conn)
	})

	events := &collector{}
	cfg := testPushConfig(ws.url("task-1"))
	cfg.OnEvent = events.handle
	p, err := DialPush(context.Background(), cfg)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()
	waitPush(t, p)

	if got := ws.dials.Load(); got != 1 {
		t.Fatalf("高进度断线不应重连，实际连接 %d 次", got)
	}
	if n := events.count(models.EventError); n != 0 {
		t.Fatalf("高进度断线不应产生 error 事件，实际 %d", n)
	}
	if p.Err() != nil {
		t.Fatalf("高进度断线不应返回错误: %v", p.Err())
	}
	if p.Percentage() != 95 {
		t.Fatalf("应记录最后的百分比 95，实际 %d", p.Percentage())
	}
}

func TestPushNormalCloseDoesNotReconnect(t *testing.T) {
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		writeEvent(t, conn, progressAt(20))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
		_ = conn.Close()
	})

	p, err := DialPush(context.Background(), testPushConfig(ws.url("task-1")))
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()
	waitPush(t, p)
	if got := ws.dials.Load(); got != 1 || p.Err() != nil {
		t.Fatalf("1001 关闭不应重连或报错: dials=%d err=%v", got, p.Err())
	}
}

func TestPushReconnectResumesFromCursor(t *testing.T) {
	var since atomic.Value
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		switch n {
		case 1:
			writeEvent(t, conn, models.LogEvent("开始翻译角色描述..."))
			writeEvent(t, conn, progressAt(14))
			drop(conn)
		default:
			since.Store(r.URL.Query().Get("since"))
			writeEvent(t, conn, models.ProgressEvent{Type: models.EventCompleted, Percentage: 100})
			_, _, _ = conn.ReadMessage()
		}
	})

	events := &collector{}
	cfg := testPushConfig(ws.url("task-1"))
	cfg.OnEvent = events.handle
	p, err := DialPush(context.Background(), cfg)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()
	waitPush(t, p)

	if got, _ := since.Load().(string); got != "2" {
		t.Fatalf("重连应携带 since=2，实际 %q", got)
	}
	if final, ok := p.Result(); !ok || final.Type != models.EventCompleted {
		t.Fatalf("重连后应收到 completed: %+v", events.all())
	}
	if p.Err() != nil {
		t.Fatalf("成功重连后不应有错误: %v", p.Err())
	}
}

func TestPushHeartbeatAndKeepAlive(t *testing.T) {
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		writeEvent(t, conn, models.ProgressEvent{Type: models.EventHeartbeat})
		gotPing, gotPong := false, false
		for !(gotPing && gotPong) {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch string(data) {
			case models.PingFrame:
				gotPing = true
				_ = conn.WriteMessage(websocket.TextMessage, []byte(models.PongFrame))
			case models.PongFrame:
				gotPong = true
			}
		}
		writeEvent(t, conn, models.ProgressEvent{Type: models.EventCompleted, Percentage: 100})
		_, _, _ = conn.ReadMessage()
	})

	events := &collector{}
	cfg := testPushConfig(ws.url("task-1"))
	cfg.KeepAlive = 20 * time.Millisecond
	cfg.OnEvent = events.handle
	p, err := DialPush(context.Background(), cfg)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()
	waitPush(t, p)

	if n := events.count(models.EventHeartbeat); n != 0 {
		t.Fatalf("heartbeat 不应转发给回调")
	}
	if final, ok := p.Result(); !ok || final.Type != models.EventCompleted {
		t.Fatalf("应以 completed 结束: %+v", final)
	}
}

func TestPushCancelAcknowledged(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			if msg["type"] == string(models.EventCancel) {
				received <- msg
				writeEvent(t, conn, models.ProgressEvent{Type: models.EventCancelled})
			}
		}
	})

	p, err := DialPush(context.Background(), testPushConfig(ws.url("task-1")))
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()

	if err := p.Cancel(context.Background()); err != nil {
		t.Fatalf("发送取消失败: %v", err)
	}
	msg := <-received
	if msg["task_id"] != "task-1" {
		t.Fatalf("取消消息应携带 task_id: %v", msg)
	}
	waitPush(t, p)
	if final, ok := p.Result(); !ok || final.Type != models.EventCancelled {
		t.Fatalf("应收到 cancelled 确认: %+v", final)
	}
}

func TestPushCloseStopsBackgroundWork(t *testing.T) {
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testPushConfig(ws.url("task-1"))
	cfg.KeepAlive = 10 * time.Millisecond
	p, err := DialPush(context.Background(), cfg)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Close 未能及时返回")
	}
	if ws.dials.Load() != 1 {
		t.Fatalf("主动关闭不应触发重连")
	}
}

func TestDialPushFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := DialPush(context.Background(), testPushConfig("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/x"))
	if !apperrors.IsNotFoundError(err) {
		t.Fatalf("握手 404 应返回 not_found: %v", err)
	}
}

func TestPushFlappingLinkIsBounded(t *testing.T) {
	// 每个连接都先送达一个事件再断开
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		writeEvent(t, conn, progressAt(10+n))
		drop(conn)
	})

	events := &collector{}
	cfg := testPushConfig(ws.url("task-1"))
	cfg.OnEvent = events.handle
	p, err := DialPush(context.Background(), cfg)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()
	waitPush(t, p)

	if got := ws.dials.Load(); got != 1+MaxReconnects {
		t.Fatalf("反复断线时重连总数应不超过 %d，实际连接 %d 次", MaxReconnects, got)
	}
	if n := events.count(models.EventError); n != 1 {
		t.Fatalf("应恰好一个 error 事件，实际 %d", n)
	}
}

func TestPushHandOffReportsLossWithoutTerminal(t *testing.T) {
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		if n == 1 {
			writeEvent(t, conn, progressAt(14))
		}
		drop(conn)
	})

	events := &collector{}
	cfg := testPushConfig(ws.url("task-1"))
	cfg.HandOff = true
	cfg.OnEvent = events.handle
	p, err := DialPush(context.Background(), cfg)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()
	waitPush(t, p)

	if _, ok := p.Result(); ok {
		t.Fatal("交接模式下重连耗尽不应产生终止事件")
	}
	if n := events.count(models.EventError); n != 0 {
		t.Fatalf("交接模式下不应发出 error 事件，实际 %d", n)
	}
	if !apperrors.Is(p.Err(), apperrors.ErrorTypeChannelLost) {
		t.Fatalf("应通过 Err 报告 channel_lost: %v", p.Err())
	}
}

func TestPushCursorFollowsServerSequence(t *testing.T) {
	var since atomic.Value
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		switch n {
		case 1:
			first := models.LogEvent("开始翻译角色描述...")
			first.Seq = 40
			writeEvent(t, conn, first)
			second := progressAt(14)
			second.Seq = 41
			writeEvent(t, conn, second)
			drop(conn)
		default:
			since.Store(r.URL.Query().Get("since"))
			dup := models.LogEvent("开始翻译角色描述...")
			dup.Seq = 40
			writeEvent(t, conn, dup)
			writeEvent(t, conn, models.ProgressEvent{Type: models.EventCompleted, Seq: 42})
			_, _, _ = conn.ReadMessage()
		}
	})

	events := &collector{}
	cfg := testPushConfig(ws.url("task-1"))
	cfg.OnEvent = events.handle
	p, err := DialPush(context.Background(), cfg)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()
	waitPush(t, p)

	if got, _ := since.Load().(string); got != "41" {
		t.Fatalf("重连应携带最后的事件序号 since=41，实际 %q", got)
	}
	if n := events.count(models.EventLog); n != 1 {
		t.Fatalf("重复序号的事件不应再次送达，日志事件 %d 个", n)
	}
}

func TestPushCompletionCarriesFinalProgress(t *testing.T) {
	ws := newWSServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		writeEvent(t, conn, progressAt(60))
		writeEvent(t, conn, models.ProgressEvent{Type: models.EventCompleted})
		_, _, _ = conn.ReadMessage()
	})

	p, err := DialPush(context.Background(), testPushConfig(ws.url("task-1")))
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer p.Close()
	waitPush(t, p)

	final, ok := p.Result()
	if !ok || final.Type != models.EventCompleted {
		t.Fatalf("应以 completed 结束: %+v", final)
	}
	if final.Percentage != 100 || final.CompletedCount != 7 || final.TotalCount != 7 {
		t.Fatalf("completed 应带最终进度: %+v", final)
	}
}
