package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/llm"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/pngcard"
)

const testCardJSON = `{
	"spec": "chara_card_v2",
	"spec_version": "2.0",
	"data": {
		"name": "Aria",
		"description": "An elf archer.",
		"personality": "",
		"scenario": "A quiet forest.",
		"first_mes": "Hello, traveler.",
		"mes_example": "   ",
		"system_prompt": "Stay in character.",
		"alternate_greetings": ["Hi", "", ""],
		"tags": ["fantasy"]
	}
}`

func testCard(t *testing.T) *models.CharacterCard {
	t.Helper()
	card, err := models.ParseCharacterCard([]byte(testCardJSON))
	if err != nil {
		t.Fatalf("解析测试角色卡失败: %v", err)
	}
	return card
}

func plainPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(1, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("生成测试图片失败: %v", err)
	}
	return buf.Bytes()
}

func cardPNG(t *testing.T) []byte {
	t.Helper()
	out, err := pngcard.Embed(plainPNG(t), testCard(t))
	if err != nil {
		t.Fatalf("写入测试角色卡失败: %v", err)
	}
	return out
}

// fakeCompleter 把输入加上前缀返回，可按内容注入失败或阻塞
type fakeCompleter struct {
	mu       sync.Mutex
	prompts  []string
	failOn   string
	failErr  error
	block    chan struct{}
	started  chan string
	endpoint string
}

func (f *fakeCompleter) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- req.Prompt
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failOn != "" && strings.Contains(req.Prompt, f.failOn) {
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, apperrors.NewAPIError(500, "upstream exploded")
	}
	endpoint := f.endpoint
	if endpoint == "" {
		endpoint = "http://llm.test/v1/chat/completions"
	}
	return &llm.CompletionResponse{
		Text:       "译:" + req.Prompt,
		Method:     "POST",
		Endpoint:   endpoint,
		Proto:      "HTTP/1.1",
		Status:     "200 OK",
		StatusCode: 200,
	}, nil
}

func (f *fakeCompleter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// eventRecorder 收集流水线发出的事件
type eventRecorder struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (r *eventRecorder) emit(e models.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []models.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ProgressEvent(nil), r.events...)
}

func (r *eventRecorder) logs() []string {
	var out []string
	for _, e := range r.snapshot() {
		if e.Type == models.EventLog {
			out = append(out, e.Message)
		}
	}
	return out
}

func (r *eventRecorder) progress() []models.ProgressEvent {
	var out []models.ProgressEvent
	for _, e := range r.snapshot() {
		if e.Type == models.EventProgress {
			out = append(out, e)
		}
	}
	return out
}

func describe(events []models.ProgressEvent) string {
	var parts []string
	for _, e := range events {
		parts = append(parts, fmt.Sprintf("%s/%s/%d", e.CurrentField, e.FieldStatus, e.Percentage))
	}
	return strings.Join(parts, " ")
}
