// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// DefaultMaxTokens 每次补全请求的 max_tokens
const DefaultMaxTokens = 4096

// CompletionRequest 一次补全请求：系统提示 + 用户文本
type CompletionRequest struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Prompt       string `json:"prompt"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// CompletionResponse 补全结果，附带用于日志的请求信息
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`

	// 最后一次 HTTP 交换
	Method     string `json:"-"`
	Endpoint   string `json:"-"`
	Proto      string `json:"-"`
	Status     string `json:"-"`
	StatusCode int    `json:"-"`
	Retries    int    `json:"-"`
}

// Provider 所有 LLM 提供者必须实现的接口
type Provider interface {
	// Initialize 传入 api_key、base_url、default_model 等配置
	Initialize(config map[string]string) error

	GetName() string

	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Completer 翻译流水线只依赖补全能力
type Completer interface {
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderFactory 创建提供者实例
type ProviderFactory func() Provider

// Registry 提供者注册表
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
}

// DefaultRegistry 全局注册表，提供者在 init 中注册
var DefaultRegistry = &Registry{
	providers: make(map[string]ProviderFactory),
}

// Register 注册一个新的提供者
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// GetProvider 创建并初始化指定名称的提供者
func (r *Registry) GetProvider(name string, config map[string]string) (Provider, error) {
	r.mu.RLock()
	factory, exists := r.providers[name]
	r.mu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回已注册的提供者名称（已排序）
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register 在全局注册表中注册提供者
func Register(name string, factory ProviderFactory) {
	DefaultRegistry.Register(name, factory)
}

// GetProvider 从全局注册表创建提供者
func GetProvider(name string, config map[string]string) (Provider, error) {
	return DefaultRegistry.GetProvider(name, config)
}

// ListProviders 返回全局注册表中的提供者
func ListProviders() []string {
	return DefaultRegistry.ListProviders()
}
