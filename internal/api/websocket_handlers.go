// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// TaskWebSocket GET /ws/:taskId?since=N
// since 为客户端收到的最后一个事件序号，重连时跳过重复的重放
func (h *Handler) TaskWebSocket(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, err := h.Tasks.Get(taskID); err != nil {
		h.Response.FromError(c, err)
		return
	}
	since, _ := strconv.Atoi(c.Query("since"))
	if since < 0 {
		since = 0
	}

	events, replay, unsubscribe, err := h.Progress.Subscribe(taskID, since)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 任务 %s 的 WebSocket 升级失败: %v", taskID, err)
		return
	}

	client := newWebSocketClient(conn, taskID, c.GetString(sessionContextKey))
	if !h.Hub.register(client) {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer h.Hub.unregister(client)

	readDone := make(chan struct{})
	go h.readPump(client, readDone)
	h.writePump(client, events, replay, readDone)
}

// readPump 处理客户端的 ping 与取消请求
func (h *Handler) readPump(client *WebSocketClient, done chan<- struct{}) {
	defer close(done)

	conn := client.conn
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("⚠️ 任务 %s 的 WebSocket 异常断开: %v", client.taskID, err)
			}
			return
		}
		client.touch()
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		switch string(data) {
		case models.PingFrame:
			client.queue(models.PongFrame)
			continue
		case models.PongFrame:
			continue
		}

		var msg struct {
			Type   models.EventType `json:"type"`
			TaskID string           `json:"task_id"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("⚠️ 无法解析 WebSocket 消息: %v", err)
			continue
		}
		if msg.Type != models.EventCancel {
			continue
		}
		if msg.TaskID != "" && msg.TaskID != client.taskID {
			log.Printf("⚠️ 忽略取消其他任务的请求: %s", msg.TaskID)
			continue
		}
		// 取消成功后 cancelled 事件经订阅通道送达
		if err := h.Tasks.Cancel(client.taskID); err != nil {
			log.Printf("⚠️ 取消任务 %s 失败: %v", client.taskID, err)
		}
	}
}

// writePump 唯一的写协程：重放、实时事件、心跳与控制帧
func (h *Handler) writePump(client *WebSocketClient, events <-chan models.ProgressEvent, replay []models.ProgressEvent, readDone <-chan struct{}) {
	conn := client.conn

	for _, event := range replay {
		if err := writeEvent(conn, event); err != nil {
			return
		}
		if event.IsTerminal() {
			writeClose(conn, websocket.CloseNormalClosure, "")
			return
		}
	}

	heartbeat := time.NewTicker(h.Hub.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				// 订阅被服务端断开，客户端应带游标重连
				writeClose(conn, websocket.CloseTryAgainLater, "resubscribe")
				return
			}
			if err := writeEvent(conn, event); err != nil {
				return
			}
			if event.IsTerminal() {
				writeClose(conn, websocket.CloseNormalClosure, "")
				return
			}

		case text := <-client.control:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := writeEvent(conn, models.ProgressEvent{Type: models.EventHeartbeat, TaskID: client.taskID}); err != nil {
				return
			}

		case <-readDone:
			return

		case <-h.Hub.shutdown:
			writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event models.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
