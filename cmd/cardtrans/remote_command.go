package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/channel"
	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type remoteOptions struct {
	server   string
	outDir   string
	model    string
	baseURL  string
	apiKey   string
	pollOnly bool
}

// observedChannel push 与 poll 两种绑定的公共能力
type observedChannel interface {
	channel.Channel
	Cancel(ctx context.Context) error
	Wait(ctx context.Context) error
	Result() (models.ProgressEvent, bool)
}

func newRemoteCommand(ctx *commandContext) *cobra.Command {
	opts := &remoteOptions{}

	cmd := &cobra.Command{
		Use:   "remote <card.png>",
		Short: "提交到翻译服务器并跟踪进度",
		Long:  "上传角色卡到服务器，优先通过 WebSocket 接收进度，连接失败时改为轮询。Ctrl-C 会取消服务器上的任务。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd, opts, args[0])
		},
	}

	server := os.Getenv("CARDTRANS_SERVER")
	if server == "" {
		server = defaultServer
	}
	cmd.Flags().StringVarP(&opts.server, "server", "s", server, "服务器地址")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "输出目录，默认与输入文件相同")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "模型名称，默认使用服务器设置")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "API 地址，默认使用服务器设置")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API 密钥，默认使用服务器设置")
	cmd.Flags().BoolVar(&opts.pollOnly, "poll", false, "不使用 WebSocket，只轮询")
	return cmd
}

func runRemote(cmd *cobra.Command, opts *remoteOptions, input string) error {
	source, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("读取图片失败: %w", err)
	}

	rc := newRemoteClient(opts.server)
	ctx := cmd.Context()

	fileID, name, err := rc.upload(ctx, input, source)
	if err != nil {
		return fmt.Errorf("上传失败: %w", err)
	}
	taskID, err := rc.start(ctx, fileID, models.TaskParams{
		ModelName: opts.model,
		BaseURL:   opts.baseURL,
		APIKey:    opts.apiKey,
	})
	if err != nil {
		return fmt.Errorf("启动翻译失败: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "🆔 任务 %s\n", taskID)

	view := newProgressView(name)
	result, err := observe(ctx, rc, taskID, view, opts.pollOnly)
	view.finish()
	if err != nil {
		return err
	}

	switch result.Type {
	case models.EventCompleted:
	case models.EventCancelled:
		return apperrors.NewCancelledError("任务已取消")
	default:
		return fmt.Errorf("翻译失败: %s", result.Message)
	}

	outDir := opts.outDir
	if outDir == "" {
		outDir = filepath.Dir(input)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	for _, artifact := range []struct{ kind, fallback string }{
		{"json", base + "_translated.json"},
		{"image", base + "_translated.png"},
	} {
		content, filename, err := rc.download(ctx, taskID, artifact.kind)
		if err != nil {
			return fmt.Errorf("下载 %s 失败: %w", artifact.kind, err)
		}
		if filename == "" || filename == "." {
			filename = artifact.fallback
		}
		path := filepath.Join(outDir, filename)
		if err := os.WriteFile(path, content, 0644); err != nil {
			return fmt.Errorf("写入文件失败: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "💾 %s\n", path)
	}
	return nil
}

// pushReconnectDelay 推送通道重连基准间隔，零值使用默认值
var pushReconnectDelay time.Duration

// observe 跟踪任务直到终止事件；推送通道断开且未结束时改用轮询
func observe(ctx context.Context, rc *remoteClient, taskID string, view progressView, pollOnly bool) (models.ProgressEvent, error) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		mu      sync.Mutex
		current observedChannel
	)
	setCurrent := func(ch observedChannel) {
		mu.Lock()
		current = ch
		mu.Unlock()
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-finished:
			return
		case <-sigCtx.Done():
		}
		mu.Lock()
		ch := current
		mu.Unlock()
		if ch == nil {
			return
		}
		view.handle(models.LogEvent("正在取消任务..."))
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ch.Cancel(cancelCtx); err != nil {
			view.handle(models.LogEvent("取消请求失败: " + err.Error()))
		}
	}()

	if !pollOnly {
		// 重连耗尽由轮询接管，推送通道本身不产生 error 事件
		push, err := channel.DialPush(ctx, channel.PushConfig{
			URL:            rc.wsURL(taskID),
			TaskID:         taskID,
			ReconnectDelay: pushReconnectDelay,
			HandOff:        true,
			OnEvent:        view.handle,
		})
		switch {
		case apperrors.IsNotFoundError(err):
			return models.ProgressEvent{}, err
		case err != nil:
			view.handle(models.LogEvent("WebSocket 不可用，改用轮询: " + err.Error()))
		default:
			setCurrent(push)
			_ = push.Wait(context.Background())
			result, ok := push.Result()
			_ = push.Close()
			if ok {
				return result, nil
			}
			if push.Err() != nil {
				view.handle(models.LogEvent("推送通道中断，改用轮询"))
			}
		}
	}

	poll := channel.NewPollChannel(channel.PollConfig{
		BaseURL: rc.base,
		TaskID:  taskID,
		Client:  rc.http,
		OnEvent: view.handle,
	})
	setCurrent(poll)
	poll.Start(ctx)
	defer poll.Close()

	_ = poll.Wait(context.Background())
	result, ok := poll.Result()
	if !ok {
		return result, apperrors.NewChannelLostError("未能获得任务结果", nil)
	}
	return result, nil
}
