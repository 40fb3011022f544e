// internal/di/container.go
package di

import (
	"fmt"
	"io"
	"sync"
)

// 已注册服务的名称
const (
	ServiceStorage     = "storage"
	ServiceCards       = "card"
	ServiceProgress    = "progress"
	ServiceTranslation = "translation"
	ServiceTasks       = "task"
	ServiceHistory     = "history"
	ServiceSessions    = "session"
	ServiceMetrics     = "metrics"
)

// Container 简单的依赖注入容器，记录注册顺序以便逆序关闭
type Container struct {
	services map[string]interface{}
	order    []string
	mutex    sync.RWMutex
}

var (
	globalContainer *Container
	once            sync.Once
)

// NewContainer 创建一个新的依赖注入容器
func NewContainer() *Container {
	return &Container{
		services: make(map[string]interface{}),
	}
}

// GetContainer 获取全局容器实例
func GetContainer() *Container {
	once.Do(func() {
		globalContainer = NewContainer()
	})
	return globalContainer
}

// Register 注册服务实例，同名服务会被替换
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.services[name]; !exists {
		c.order = append(c.order, name)
	}
	c.services[name] = service
}

// Get 获取服务实例，不存在时返回 nil
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.services[name]
}

// Has 检查容器中是否存在指定名称的服务
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, exists := c.services[name]
	return exists
}

// Names 按注册顺序返回服务名称
func (c *Container) Names() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]string(nil), c.order...)
}

// Close 按注册的逆序关闭实现了 io.Closer 的服务
func (c *Container) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var firstErr error
	for i := len(c.order) - 1; i >= 0; i-- {
		if closer, ok := c.services[c.order[i]].(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("关闭服务 %s 失败: %w", c.order[i], err)
			}
		}
	}
	c.services = make(map[string]interface{})
	c.order = nil
	return firstErr
}

// Resolve 获取指定类型的服务
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	service := c.Get(name)
	if service == nil {
		return zero, fmt.Errorf("服务 %s 未注册", name)
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("服务 %s 类型为 %T", name, service)
	}
	return typed, nil
}

// MustResolve 与 Resolve 相同，失败时 panic，仅用于启动阶段
func MustResolve[T any](c *Container, name string) T {
	typed, err := Resolve[T](c, name)
	if err != nil {
		panic(err)
	}
	return typed
}
