package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
)

// remoteClient 翻译服务器的 HTTP 客户端，cookie jar 保持同一会话
type remoteClient struct {
	base string
	http *http.Client
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

func newRemoteClient(base string) *remoteClient {
	jar, _ := cookiejar.New(nil)
	return &remoteClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Jar: jar, Timeout: 60 * time.Second},
	}
}

// wsURL http(s)://host -> ws(s)://host/ws/{taskId}
func (rc *remoteClient) wsURL(taskID string) string {
	switch {
	case strings.HasPrefix(rc.base, "https://"):
		return "wss://" + strings.TrimPrefix(rc.base, "https://") + "/ws/" + taskID
	case strings.HasPrefix(rc.base, "http://"):
		return "ws://" + strings.TrimPrefix(rc.base, "http://") + "/ws/" + taskID
	default:
		return "ws://" + rc.base + "/ws/" + taskID
	}
}

// do 发送请求并解析统一响应，data 非 nil 时解码 data 字段
func (rc *remoteClient) do(req *http.Request, data interface{}) error {
	resp, err := rc.http.Do(req)
	if err != nil {
		return apperrors.NewChannelLostError("请求服务器失败", err)
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return apperrors.NewAPIError(resp.StatusCode, "无法解析服务器响应")
	}
	if resp.StatusCode >= 400 || !envelope.Success {
		message := http.StatusText(resp.StatusCode)
		if envelope.Error != nil {
			message = envelope.Error.Message
			if envelope.Error.Details != "" {
				message += ": " + envelope.Error.Details
			}
		}
		if resp.StatusCode == http.StatusNotFound {
			return apperrors.NewNotFoundError(message, nil)
		}
		return apperrors.NewAPIError(resp.StatusCode, message)
	}
	if data != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, data); err != nil {
			return fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return nil
}

// upload 上传 PNG，返回文件ID与角色名
func (rc *remoteClient) upload(ctx context.Context, name string, content []byte) (string, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return "", "", err
	}
	if _, err := part.Write(content); err != nil {
		return "", "", err
	}
	if err := writer.Close(); err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.base+"/api/upload", &body)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var uploaded struct {
		FileID string                `json:"file_id"`
		Card   *models.CharacterCard `json:"card"`
	}
	if err := rc.do(req, &uploaded); err != nil {
		return "", "", err
	}
	name = ""
	if uploaded.Card != nil {
		name = uploaded.Card.Name()
	}
	return uploaded.FileID, name, nil
}

// start 启动翻译任务，空参数由服务器使用默认设置
func (rc *remoteClient) start(ctx context.Context, fileID string, params models.TaskParams) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"file_id":    fileID,
		"model_name": params.ModelName,
		"base_url":   params.BaseURL,
		"api_key":    params.APIKey,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.base+"/api/translate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var started struct {
		TaskID string `json:"task_id"`
	}
	if err := rc.do(req, &started); err != nil {
		return "", err
	}
	if started.TaskID == "" {
		return "", apperrors.NewParseError("服务器未返回任务ID", nil)
	}
	return started.TaskID, nil
}

// download 下载任务产物，返回内容与服务器建议的文件名
func (rc *remoteClient) download(ctx context.Context, taskID, kind string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.base+"/api/download/"+kind+"/"+taskID, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := rc.http.Do(req)
	if err != nil {
		return nil, "", apperrors.NewChannelLostError("下载失败", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("读取下载内容失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var envelope apiEnvelope
		message := http.StatusText(resp.StatusCode)
		if json.Unmarshal(content, &envelope) == nil && envelope.Error != nil {
			message = envelope.Error.Message
		}
		return nil, "", apperrors.NewAPIError(resp.StatusCode, message)
	}

	filename := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		filename = filepath.Base(params["filename"])
	}
	return content, filename, nil
}

// history 读取服务器上的任务历史
func (rc *remoteClient) history(ctx context.Context, limit int) ([]models.HistoryRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.base+"/api/history?limit="+strconv.Itoa(limit), nil)
	if err != nil {
		return nil, err
	}
	var records []models.HistoryRecord
	if err := rc.do(req, &records); err != nil {
		return nil, err
	}
	return records, nil
}
