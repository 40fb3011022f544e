package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/llm"
)

func noSleepPolicy(slept *[]time.Duration) *llm.RetryPolicy {
	return llm.NewRetryPolicy().WithSleeper(func(d time.Duration) {
		if slept != nil {
			*slept = append(*slept, d)
		}
	})
}

func TestCompleteTextSendsChatRequest(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("路径错误: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization 头错误: %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"m1","choices":[{"message":{"role":"assistant","content":"  你好\n"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: server.URL + "/v1/", Model: "m1"})
	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{
		SystemPrompt: "template",
		Prompt:       "Hello",
	})
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.Text != "  你好\n" {
		t.Fatalf("补全文本应原样返回，实际 %q", resp.Text)
	}
	if got.Model != "m1" || got.MaxTokens != 4096 {
		t.Fatalf("请求体错误: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[0].Content != "template" ||
		got.Messages[1].Role != "user" || got.Messages[1].Content != "Hello" {
		t.Fatalf("消息错误: %+v", got.Messages)
	}
	if resp.Status != "200 OK" || resp.Proto != "HTTP/1.1" || resp.Endpoint != server.URL+"/v1/chat/completions" {
		t.Fatalf("请求信息错误: %+v", resp)
	}
}

func TestCompleteTextAPIErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
	}))
	defer server.Close()

	var slept []time.Duration
	p := New(Config{APIKey: "bad", BaseURL: server.URL}, WithRetryPolicy(noSleepPolicy(&slept)))
	_, err := p.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "x"})
	if !apperrors.Is(err, apperrors.ErrorTypeAPI) {
		t.Fatalf("期望 ApiError，实际 %v", err)
	}
	if apperrors.StatusCodeOf(err) != http.StatusUnauthorized {
		t.Fatalf("状态码错误: %d", apperrors.StatusCodeOf(err))
	}
	if want := "API错误: Incorrect API key provided (HTTP 401)"; err.Error() != want {
		t.Fatalf("错误信息 %q，期望 %q", err.Error(), want)
	}
	if len(slept) != 0 {
		t.Fatal("401 不应重试")
	}
}

func TestCompleteTextRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch n {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
		}
	}))
	defer server.Close()

	var slept []time.Duration
	p := New(Config{APIKey: "k", BaseURL: server.URL}, WithRetryPolicy(noSleepPolicy(&slept)))
	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if resp.Retries != 2 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("重试次数错误: retries=%d calls=%d", resp.Retries, calls)
	}
	if slept[0] < 900*time.Millisecond || slept[0] > 1100*time.Millisecond {
		t.Fatalf("第一次退避应约为 1s，实际 %v", slept[0])
	}
	if slept[1] != 7*time.Second {
		t.Fatalf("应遵循 Retry-After，实际 %v", slept[1])
	}
}

func TestCompleteTextGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer server.Close()

	p := New(Config{APIKey: "k", BaseURL: server.URL}, WithRetryPolicy(noSleepPolicy(nil)))
	_, err := p.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "x"})
	if apperrors.StatusCodeOf(err) != http.StatusInternalServerError {
		t.Fatalf("期望 500 ApiError，实际 %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1+llm.DefaultMaxRetries {
		t.Fatalf("应尝试 %d 次，实际 %d", 1+llm.DefaultMaxRetries, got)
	}
}

func TestInitializeRequiresKey(t *testing.T) {
	if _, err := llm.GetProvider(ProviderName, map[string]string{}); !apperrors.IsValidationError(err) {
		t.Fatalf("缺少密钥应返回验证错误，实际 %v", err)
	}
	p, err := llm.GetProvider(ProviderName, map[string]string{"api_key": "k", "base_url": "http://x/v1/"})
	if err != nil {
		t.Fatalf("创建提供者失败: %v", err)
	}
	if p.(*Provider).Endpoint() != "http://x/v1/chat/completions" {
		t.Fatalf("端点错误: %s", p.(*Provider).Endpoint())
	}
}

func TestPresetsUseTheirDefaults(t *testing.T) {
	p, err := llm.GetProvider("deepseek", map[string]string{"api_key": "k"})
	if err != nil {
		t.Fatalf("创建预设提供者失败: %v", err)
	}
	if p.GetName() != "DeepSeek" || p.(*Provider).Endpoint() != "https://api.deepseek.com/v1/chat/completions" {
		t.Fatalf("预设端点错误: %s %s", p.GetName(), p.(*Provider).Endpoint())
	}

	p, err = llm.GetProvider("qwen", map[string]string{"api_key": "k", "base_url": "http://proxy/v1"})
	if err != nil {
		t.Fatalf("创建预设提供者失败: %v", err)
	}
	if p.(*Provider).Endpoint() != "http://proxy/v1/chat/completions" {
		t.Fatalf("显式 base_url 应覆盖预设: %s", p.(*Provider).Endpoint())
	}

	if _, ok := LookupPreset("nope"); ok {
		t.Fatal("未知预设不应找到")
	}
	names := map[string]bool{}
	for _, preset := range Presets() {
		names[preset.Name] = true
	}
	if !names[ProviderName] || !names["openrouter"] || len(names) != len(presets)+1 {
		t.Fatalf("预设列表错误: %v", names)
	}
}
