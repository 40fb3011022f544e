// internal/llm/providers/openai/openai.go
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/llm"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
)

// ProviderName 注册表中的名称
const ProviderName = "openai"

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4-1106-preview"
	// 单次请求超时，重试总预算由 RetryPolicy 控制
	defaultHTTPTimeout = 120 * time.Second
)

func init() {
	llm.Register(ProviderName, func() llm.Provider {
		return &Provider{}
	})
	registerPresets()
}

// Config 兼容 OpenAI chat/completions 协议的端点
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider OpenAI 兼容的补全客户端
type Provider struct {
	preset  *Preset
	cfg     Config
	client  *http.Client
	retry   *llm.RetryPolicy
	metrics *utils.APIMetrics
}

// Option 定制客户端
type Option func(*Provider)

// WithHTTPClient 替换默认 HTTP 客户端
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithRetryPolicy 替换重试策略，nil 表示不重试
func WithRetryPolicy(policy *llm.RetryPolicy) Option {
	return func(p *Provider) {
		p.retry = policy
	}
}

// WithMetrics 记录请求指标
func WithMetrics(metrics *utils.APIMetrics) Option {
	return func(p *Provider) {
		p.metrics = metrics
	}
}

// New 直接创建客户端
func New(cfg Config, opts ...Option) *Provider {
	p := &Provider{}
	p.configure(cfg)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) configure(cfg Config) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	p.cfg = cfg
	p.client = &http.Client{Timeout: cfg.Timeout}
	p.retry = llm.NewRetryPolicy()
}

// Initialize 通过注册表创建时使用
func (p *Provider) Initialize(config map[string]string) error {
	apiKey := strings.TrimSpace(config["api_key"])
	if apiKey == "" {
		return apperrors.NewValidationError("API密钥未提供", nil)
	}

	cfg := Config{
		APIKey:  apiKey,
		BaseURL: config["base_url"],
		Model:   config["default_model"],
	}
	if p.preset != nil {
		if strings.TrimSpace(cfg.BaseURL) == "" {
			cfg.BaseURL = p.preset.BaseURL
		}
		if strings.TrimSpace(cfg.Model) == "" {
			cfg.Model = p.preset.Model
		}
	}
	if seconds, err := strconv.Atoi(config["timeout_seconds"]); err == nil && seconds > 0 {
		cfg.Timeout = time.Duration(seconds) * time.Second
	}
	p.configure(cfg)
	return nil
}

func (p *Provider) GetName() string {
	if p.preset != nil {
		return p.preset.DisplayName
	}
	return "OpenAI"
}

// Endpoint 补全接口地址
func (p *Provider) Endpoint() string {
	return p.cfg.BaseURL + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type errorBody struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CompleteText 发送 system + user 两条消息，返回第一条 choice 的原文
func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.cfg.APIKey == "" {
		return nil, apperrors.NewValidationError("API密钥未提供", nil)
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}

	payload := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens: maxTokens,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	started := time.Now()
	var resp *llm.CompletionResponse
	send := func(int) error {
		var sendErr error
		resp, sendErr = p.sendOnce(ctx, encoded)
		return sendErr
	}

	retries := 0
	if p.retry != nil {
		retries, err = p.retry.Do(ctx, send)
	} else {
		err = send(0)
	}

	if p.metrics != nil {
		status := apperrors.StatusCodeOf(err)
		if resp != nil {
			status = resp.StatusCode
		}
		p.metrics.RecordLLMRequest(model, status, retries, time.Since(started))
	}

	if err != nil {
		var ra *llm.RetryAfterError
		if errors.As(err, &ra) {
			err = ra.Err
		}
		return nil, err
	}
	resp.Retries = retries
	if resp.ModelName == "" {
		resp.ModelName = model
	}
	return resp, nil
}

func (p *Provider) sendOnce(ctx context.Context, body []byte) (*llm.CompletionResponse, error) {
	endpoint := p.Endpoint()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		apiErr := apperrors.NewAPIError(httpResp.StatusCode, errorMessage(raw))
		if wait, ok := llm.ParseRetryAfter(httpResp.Header.Get("Retry-After")); ok {
			return nil, &llm.RetryAfterError{Err: apiErr, RetryAfter: wait}
		}
		return nil, apiErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperrors.NewAPIError(httpResp.StatusCode, "无法解析响应: "+err.Error())
	}
	if len(parsed.Choices) == 0 {
		return nil, apperrors.NewAPIError(httpResp.StatusCode, "响应中没有 choices")
	}

	return &llm.CompletionResponse{
		Text:         parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		TokensUsed:   parsed.Usage.TotalTokens,
		ModelName:    parsed.Model,
		ProviderName: p.GetName(),
		Method:       http.MethodPost,
		Endpoint:     endpoint,
		Proto:        httpResp.Proto,
		Status:       httpResp.Status,
		StatusCode:   httpResp.StatusCode,
	}, nil
}

// errorMessage 优先取 error.message，否则使用截断后的响应体
func errorMessage(raw []byte) string {
	var body errorBody
	if json.Unmarshal(raw, &body) == nil && body.Error != nil && body.Error.Message != "" {
		return body.Error.Message
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
