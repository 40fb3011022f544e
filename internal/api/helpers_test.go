package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/config"
	"github.com/Corphon/CharaCardTranslator/internal/llm"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/pngcard"
	"github.com/Corphon/CharaCardTranslator/internal/services"
	"github.com/Corphon/CharaCardTranslator/internal/storage"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/gin-gonic/gin"
)

const testCardJSON = `{"spec":"chara_card_v2","data":{"name":"Aria","description":"An elf archer.","personality":"","scenario":"A quiet forest.","first_mes":"Hello.","mes_example":"","system_prompt":"","alternate_greetings":["Hi"]}}`

func init() {
	gin.SetMode(gin.TestMode)
	utils.GetLogger().Enable(false)
}

// echoCompleter 原样加前缀返回；gate 非 nil 时等待放行
type echoCompleter struct {
	gate chan struct{}
}

func (e *echoCompleter) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.CompletionResponse{
		Text:       "译:" + req.Prompt,
		Method:     "POST",
		Endpoint:   "http://llm.test/v1/chat/completions",
		Proto:      "HTTP/1.1",
		Status:     "200 OK",
		StatusCode: 200,
	}, nil
}

type testEnv struct {
	router  *gin.Engine
	handler *Handler
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, client llm.Completer, opts RouterOptions) *testEnv {
	t.Helper()
	dir := t.TempDir()

	fs, err := storage.NewFileStorage(dir)
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	history, err := services.OpenHistory(dir)
	if err != nil {
		t.Fatalf("打开历史库失败: %v", err)
	}

	metrics := utils.NewAPIMetrics()
	cards := services.NewCardService(fs, 0)
	progress := services.NewProgressService()
	sessions := services.NewSessionService()
	tasks := services.NewTaskService(services.TaskDeps{
		Cards:       cards,
		Translation: services.NewTranslationService(config.DefaultPrompts("zh"), metrics),
		Progress:    progress,
		Sessions:    sessions,
		History:     history,
		Metrics:     metrics,
		NewClient: func(models.TaskParams) (llm.Completer, error) {
			return client, nil
		},
	}, services.TaskOptions{})

	handler := &Handler{
		Cards:    cards,
		Tasks:    tasks,
		Progress: progress,
		Sessions: sessions,
		History:  history,
		Metrics:  metrics,
		Hub:      NewWebSocketManager(0),
		Response: NewResponseHelper(),
	}
	env := &testEnv{router: NewRouter(handler, opts), handler: handler}
	env.srv = httptest.NewServer(env.router)

	t.Cleanup(func() {
		handler.Hub.Shutdown()
		env.srv.Close()
		tasks.Close()
		sessions.Close()
		progress.Close()
		history.Close()
		fs.Close()
	})
	return env
}

func plainPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("生成测试图片失败: %v", err)
	}
	return buf.Bytes()
}

func cardPNG(t *testing.T) []byte {
	t.Helper()
	card, err := models.ParseCharacterCard([]byte(testCardJSON))
	if err != nil {
		t.Fatalf("解析测试角色卡失败: %v", err)
	}
	out, err := pngcard.Embed(plainPNG(t), card)
	if err != nil {
		t.Fatalf("写入角色卡失败: %v", err)
	}
	return out
}

// multipartBody 构造带文件和普通字段的表单
func multipartBody(t *testing.T, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("创建表单失败: %v", err)
	}
	_, _ = part.Write(data)
	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}
	_ = writer.Close()
	return &body, writer.FormDataContentType()
}

func (env *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) upload(t *testing.T, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, "aria.png", data, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	return env.do(t, req)
}

func (env *testEnv) postJSON(t *testing.T, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return env.do(t, req)
}

func (env *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

// uploadAndStart 上传测试卡并启动翻译，返回任务ID
func (env *testEnv) uploadAndStart(t *testing.T) string {
	t.Helper()
	w := env.upload(t, cardPNG(t))
	var uploaded struct {
		Data struct {
			FileID string `json:"file_id"`
		} `json:"data"`
	}
	decode(t, w, http.StatusOK, &uploaded)

	w = env.postJSON(t, "/api/translate", TranslateRequest{
		FileID:    uploaded.Data.FileID,
		ModelName: "gpt-test",
		BaseURL:   "http://llm.test/v1",
		APIKey:    "sk-test",
	})
	var started struct {
		Data struct {
			TaskID string `json:"task_id"`
		} `json:"data"`
	}
	decode(t, w, http.StatusAccepted, &started)
	if started.Data.TaskID == "" {
		t.Fatalf("应返回任务ID: %s", w.Body.String())
	}
	return started.Data.TaskID
}

func (env *testEnv) waitTask(t *testing.T, taskID string) *models.TranslationTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.handler.Tasks.Wait(ctx, taskID); err != nil {
		t.Fatalf("等待任务结束超时: %v", err)
	}
	task, err := env.handler.Tasks.Get(taskID)
	if err != nil {
		t.Fatalf("获取任务失败: %v", err)
	}
	return task
}

func decode(t *testing.T, w *httptest.ResponseRecorder, status int, v interface{}) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("状态码应为 %d，实际 %d: %s", status, w.Code, w.Body.String())
	}
	if v == nil {
		return
	}
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("解析响应失败: %v: %s", err, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析错误响应失败: %v: %s", err, w.Body.String())
	}
	if resp.Success || resp.Error == nil {
		t.Fatalf("应为错误响应: %s", w.Body.String())
	}
	return resp.Error.Code
}
