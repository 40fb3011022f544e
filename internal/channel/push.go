// internal/channel/push.go
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// PushConfig WebSocket 绑定的参数，零值字段使用包级常量
type PushConfig struct {
	// URL 形如 ws://host/ws/{taskId}
	URL            string
	TaskID         string
	Header         http.Header
	Dialer         *websocket.Dialer
	KeepAlive      time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
	HighWaterMark  int
	// HandOff 重连耗尽时不发 error 事件，只通过 Err 报告 ChannelLost，
	// 由调用方改用其他绑定继续跟踪任务
	HandOff bool
	// OnEvent 在建立连接之前注册的回调，保证不丢首批事件
	OnEvent Handler
}

func (c *PushConfig) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = KeepAliveInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = ReconnectBaseDelay
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = MaxReconnects
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = HighWaterMark
	}
}

// PushChannel 基于 WebSocket 的进度通道，断线时按百分比决定是否重连
type PushChannel struct {
	cfg    PushConfig
	obs    *observer
	logger *utils.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	// received 已收到的最后一个事件序号，重连时作为 since 参数避免重放重复
	received   int
	dials      atomic.Int32
	reconnects atomic.Int32

	errMu sync.Mutex
	err   error

	closed    chan struct{}
	closeOnce sync.Once
	ended     chan struct{}
	wg        sync.WaitGroup
}

// DialPush 建立首个连接并开始接收事件；首次连接失败直接返回错误
func DialPush(ctx context.Context, cfg PushConfig) (*PushChannel, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, apperrors.NewValidationError("缺少 WebSocket 地址", nil)
	}

	p := &PushChannel{
		cfg:    cfg,
		obs:    newObserver(cfg.TaskID),
		logger: utils.GetLogger().With(map[string]interface{}{"component": "push", "task_id": cfg.TaskID}),
		closed: make(chan struct{}),
		ended:  make(chan struct{}),
	}
	p.obs.onEvent(cfg.OnEvent)

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.setConn(conn)

	p.wg.Add(1)
	go p.run(conn)
	return p, nil
}

// OnEvent 注册事件回调
func (p *PushChannel) OnEvent(handler Handler) {
	p.obs.onEvent(handler)
}

// Send 发送 JSON 控制事件
func (p *PushChannel) Send(ctx context.Context, event models.ProgressEvent) error {
	if event.TaskID == "" {
		event.TaskID = p.cfg.TaskID
	}
	payload, err := json.Marshal(map[string]interface{}{"type": event.Type, "task_id": event.TaskID})
	if err != nil {
		return err
	}

	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil {
		return apperrors.NewChannelLostError("连接不可用", nil)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return apperrors.NewChannelLostError("发送失败", err)
	}
	return nil
}

// Cancel 请求取消任务
func (p *PushChannel) Cancel(ctx context.Context) error {
	return p.Send(ctx, CancelEvent(p.cfg.TaskID))
}

// Wait 阻塞直到收到终止事件或通道结束
func (p *PushChannel) Wait(ctx context.Context) error {
	return wait(ctx, p.obs.done, p.ended)
}

// Result 返回终止事件
func (p *PushChannel) Result() (models.ProgressEvent, bool) {
	return p.obs.result()
}

// Percentage 当前观察到的百分比
func (p *PushChannel) Percentage() int {
	pct, _, _, _ := p.obs.snapshot()
	return pct
}

// Err 重连耗尽时返回 ChannelLost
// 未设置 HandOff 时同时会收到一个 error 事件
func (p *PushChannel) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Reconnects 已发起的重连次数，整个任务期间累计
func (p *PushChannel) Reconnects() int {
	return int(p.reconnects.Load())
}

// Close 主动关闭，发送 1000 关闭帧并等待后台协程退出
func (p *PushChannel) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.connMu.Lock()
		conn := p.conn
		p.connMu.Unlock()
		if conn != nil {
			p.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			p.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	p.wg.Wait()
	return nil
}

func (p *PushChannel) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *PushChannel) setConn(conn *websocket.Conn) {
	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
}

func (p *PushChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, apperrors.NewValidationError("无效的 WebSocket 地址", err)
	}
	if p.received > 0 {
		q := target.Query()
		q.Set("since", strconv.Itoa(p.received))
		target.RawQuery = q.Encode()
	}

	p.dials.Add(1)
	conn, resp, err := p.cfg.Dialer.DialContext(ctx, target.String(), p.cfg.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, apperrors.NewNotFoundError("任务不存在: "+p.cfg.TaskID, err)
		}
		return nil, apperrors.NewChannelLostError("WebSocket 连接失败", err)
	}
	return conn, nil
}

func (p *PushChannel) run(conn *websocket.Conn) {
	defer p.wg.Done()
	defer close(p.ended)

	for {
		err := p.serve(conn)
		_ = conn.Close()

		if p.isClosed() || p.obs.isTerminal() {
			return
		}

		pct := p.Percentage()
		if !abnormalClose(err) {
			p.logger.Info("服务端正常关闭连接", map[string]interface{}{"percentage": pct})
			return
		}
		if pct >= p.cfg.HighWaterMark {
			// 接近完成时的断线不算错误
			p.logger.Info("接近完成时连接关闭，不再重连", map[string]interface{}{"percentage": pct})
			return
		}

		p.logger.Warn("连接异常断开", map[string]interface{}{"percentage": pct, "error": errString(err)})
		next, ok := p.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

// reconnect 指数退避重连，次数按任务累计，不因收到事件而重置；
// 超过次数后发出唯一的 error 事件，HandOff 时只设置 Err
func (p *PushChannel) reconnect() (*websocket.Conn, bool) {
	p.setConn(nil)

	for {
		attempt := int(p.reconnects.Load())
		if attempt >= p.cfg.MaxReconnects {
			lost := apperrors.NewChannelLostError(
				fmt.Sprintf("进度连接中断，重连 %d 次后仍失败", p.cfg.MaxReconnects), nil)
			p.errMu.Lock()
			p.err = lost
			p.errMu.Unlock()
			if !p.cfg.HandOff {
				p.obs.deliver(models.ErrorEvent(lost.Error()))
			}
			return nil, false
		}

		delay := p.cfg.ReconnectDelay << attempt
		timer := time.NewTimer(delay)
		select {
		case <-p.closed:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
		p.reconnects.Add(1)

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := p.dial(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("重连失败", map[string]interface{}{"attempt": attempt + 1, "error": err.Error()})
			continue
		}
		p.setConn(conn)
		if p.isClosed() {
			_ = conn.Close()
			return nil, false
		}
		return conn, true
	}
}

// serve 处理单个连接直到读出错或收到终止事件
func (p *PushChannel) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go p.keepAlive(conn, stop)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		switch string(data) {
		case models.PongFrame:
			continue
		case models.PingFrame:
			_ = p.writeText(conn, models.PongFrame)
			continue
		}

		var event models.ProgressEvent
		if err := json.Unmarshal(data, &event); err != nil {
			p.logger.Warn("无法解析进度消息", map[string]interface{}{"error": err.Error()})
			continue
		}
		if event.Type == models.EventHeartbeat {
			_ = p.writeText(conn, models.PongFrame)
			continue
		}

		if event.Seq > 0 {
			if event.Seq <= p.received && !event.IsTerminal() {
				continue
			}
			if event.Seq > p.received {
				p.received = event.Seq
			}
		} else {
			p.received++
		}
		p.obs.deliver(event)
		if event.IsTerminal() {
			p.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			p.writeMu.Unlock()
			return nil
		}
	}
}

// keepAlive 定期发送文本 ping，连接结束时停止
func (p *PushChannel) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-p.closed:
			return
		case <-ticker.C:
			if err := p.writeText(conn, models.PingFrame); err != nil {
				return
			}
		}
	}
}

func (p *PushChannel) writeText(conn *websocket.Conn, text string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// abnormalClose 1000/1001 之外的关闭码（包括没有关闭帧的 1006）都算异常
func abnormalClose(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway
	}
	return true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
