// internal/api/websocket.go
package api

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/channel"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	// wsReadTimeout 客户端每 30s 发 ping，两个周期收不到任何消息视为断开
	wsReadTimeout = 2*channel.KeepAliveInterval + 10*time.Second
	wsSendBuffer  = 16
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketClient 一个进度订阅连接
type WebSocketClient struct {
	conn      *websocket.Conn
	taskID    string
	sessionID string
	// control 读协程回复的文本帧，由写协程发送
	control   chan string
	closed    int32
	lastSeen  atomic.Int64
	createdAt time.Time
}

func newWebSocketClient(conn *websocket.Conn, taskID, sessionID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:      conn,
		taskID:    taskID,
		sessionID: sessionID,
		control:   make(chan string, wsSendBuffer),
		createdAt: time.Now(),
	}
	client.touch()
	return client
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		_ = client.conn.Close()
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

func (client *WebSocketClient) touch() {
	client.lastSeen.Store(time.Now().UnixNano())
}

// queue 放入一个控制帧，队列满时丢弃
func (client *WebSocketClient) queue(text string) {
	select {
	case client.control <- text:
	default:
		log.Printf("⚠️ 任务 %s 的 WebSocket 控制队列已满，丢弃 %q", client.taskID, text)
	}
}

// WebSocketManager 按任务管理进度连接
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]struct{}
	mutex       sync.RWMutex
	heartbeat   time.Duration
	shutdown    chan struct{}
	once        sync.Once
}

// NewWebSocketManager 创建管理器，heartbeat<=0 时使用默认心跳间隔
func NewWebSocketManager(heartbeat time.Duration) *WebSocketManager {
	if heartbeat <= 0 {
		heartbeat = channel.HeartbeatInterval
	}
	return &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		heartbeat:   heartbeat,
		shutdown:    make(chan struct{}),
	}
}

func (manager *WebSocketManager) register(client *WebSocketClient) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	select {
	case <-manager.shutdown:
		return false
	default:
	}

	if manager.connections[client.taskID] == nil {
		manager.connections[client.taskID] = make(map[*WebSocketClient]struct{})
	}
	manager.connections[client.taskID][client] = struct{}{}
	log.Printf("✅ WebSocket 客户端已订阅任务 %s", client.taskID)
	return true
}

func (manager *WebSocketManager) unregister(client *WebSocketClient) {
	manager.mutex.Lock()
	if connections, exists := manager.connections[client.taskID]; exists {
		delete(connections, client)
		if len(connections) == 0 {
			delete(manager.connections, client.taskID)
		}
	}
	manager.mutex.Unlock()

	client.Close()
	log.Printf("🔌 WebSocket 客户端已断开 (任务: %s)", client.taskID)
}

// Shutdown 通知所有连接以 1001 关闭
func (manager *WebSocketManager) Shutdown() {
	manager.once.Do(func() {
		log.Println("🛑 正在关闭 WebSocket 管理器...")
		close(manager.shutdown)
	})
}

// Count 当前连接数
func (manager *WebSocketManager) Count() int {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	total := 0
	for _, connections := range manager.connections {
		total += len(connections)
	}
	return total
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	tasks := make(map[string]interface{})
	totalConnections := 0
	for taskID, connections := range manager.connections {
		clients := make([]interface{}, 0, len(connections))
		for client := range connections {
			if client.IsClosed() {
				continue
			}
			clients = append(clients, map[string]interface{}{
				"session_id":   client.sessionID,
				"connected_at": client.createdAt.Format(time.RFC3339),
				"last_seen":    time.Unix(0, client.lastSeen.Load()).Format(time.RFC3339),
			})
		}
		tasks[taskID] = map[string]interface{}{
			"client_count": len(clients),
			"clients":      clients,
		}
		totalConnections += len(clients)
	}

	return map[string]interface{}{
		"total_tasks":       len(manager.connections),
		"total_connections": totalConnections,
		"heartbeat_seconds": int(manager.heartbeat.Seconds()),
		"tasks":             tasks,
	}
}
