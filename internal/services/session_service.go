// internal/services/session_service.go
package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// 会话参数
const (
	SessionCookieName = "session_id"
	SessionTimeout    = 24 * time.Hour
	sessionSweep      = time.Hour
)

// Session 浏览器会话，最多关联一个活动任务
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastSeen     time.Time
	ActiveTaskID string
}

// SessionService 内存中的会话表
type SessionService struct {
	sessions map[string]*Session
	mu       sync.Mutex
	timeout  time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionService 创建会话服务并启动过期清理
func NewSessionService() *SessionService {
	s := &SessionService{
		sessions: make(map[string]*Session),
		timeout:  SessionTimeout,
		stop:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// GetOrCreate 返回有效会话，不存在或过期时新建
func (s *SessionService) GetOrCreate(sessionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if sessionID != "" {
		if session, exists := s.sessions[sessionID]; exists {
			if now.Sub(session.LastSeen) < s.timeout {
				session.LastSeen = now
				copied := *session
				return &copied
			}
			delete(s.sessions, sessionID)
		}
	}

	session := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		LastSeen:  now,
	}
	s.sessions[session.ID] = session
	copied := *session
	return &copied
}

// SwapActiveTask 设置会话的活动任务，返回被替换的旧任务 ID
func (s *SessionService) SwapActiveTask(sessionID, taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		session = &Session{ID: sessionID, CreatedAt: time.Now()}
		s.sessions[sessionID] = session
	}
	previous := session.ActiveTaskID
	session.ActiveTaskID = taskID
	session.LastSeen = time.Now()
	return previous
}

// ClearActiveTask 任务结束时解除关联（仅当仍是该任务时）
func (s *SessionService) ClearActiveTask(sessionID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, exists := s.sessions[sessionID]; exists && session.ActiveTaskID == taskID {
		session.ActiveTaskID = ""
	}
}

// ActiveTask 返回会话当前的活动任务
func (s *SessionService) ActiveTask(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, exists := s.sessions[sessionID]; exists {
		return session.ActiveTaskID
	}
	return ""
}

// Count 当前会话数
func (s *SessionService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close 停止后台清理
func (s *SessionService) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *SessionService) cleanupLoop() {
	ticker := time.NewTicker(sessionSweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *SessionService) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if now.Sub(session.LastSeen) >= s.timeout {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
