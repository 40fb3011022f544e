package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/Corphon/CharaCardTranslator/internal/config"
	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/llm/providers/openai"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/pngcard"
	"github.com/Corphon/CharaCardTranslator/internal/progress"
	"github.com/Corphon/CharaCardTranslator/internal/services"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/spf13/cobra"
)

type translateOptions struct {
	outDir      string
	provider    string
	model       string
	baseURL     string
	apiKey      string
	language    string
	promptsFile string
	timeout     time.Duration
	yes         bool
}

func newTranslateCommand(ctx *commandContext) *cobra.Command {
	opts := &translateOptions{}

	cmd := &cobra.Command{
		Use:   "translate <card.png>",
		Short: "在本地翻译角色卡",
		Long:  "直接调用 LLM 翻译角色卡，输出 <原名>_translated.json 与 <原名>_translated.png。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd, ctx, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "输出目录，默认与输入文件相同")
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "兼容端点预设，见 providers 命令")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "模型名称")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "API 地址")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API 密钥，默认读取 OPENAI_API_KEY")
	cmd.Flags().StringVar(&opts.language, "lang", "", "提示词语言 (zh/en)")
	cmd.Flags().StringVar(&opts.promptsFile, "prompts", "", "TOML 提示词覆盖文件")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "整体超时，默认使用 TASK_TIMEOUT")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "覆盖已有输出文件时不再确认")
	return cmd
}

// resolve 参数优先级：命令行 > 预设 > 环境变量
func (opts *translateOptions) resolve(cfg *config.Config) (models.TaskParams, error) {
	params := models.TaskParams{
		ModelName: cfg.ModelName,
		BaseURL:   cfg.OpenAIAPIBase,
		APIKey:    cfg.OpenAIAPIKey,
	}
	if opts.provider != "" {
		preset, ok := openai.LookupPreset(opts.provider)
		if !ok {
			return params, apperrors.NewValidationError("未知的提供者: "+opts.provider, nil)
		}
		params.BaseURL, params.ModelName = preset.BaseURL, preset.Model
	}
	if opts.baseURL != "" {
		params.BaseURL = opts.baseURL
	}
	if opts.model != "" {
		params.ModelName = opts.model
	}
	if opts.apiKey != "" {
		params.APIKey = opts.apiKey
	}
	return params, nil
}

func runTranslate(cmd *cobra.Command, ctx *commandContext, opts *translateOptions, input string) error {
	cfg, err := ctx.config()
	if err != nil {
		return err
	}
	params, err := opts.resolve(cfg)
	if err != nil {
		return err
	}
	if strings.TrimSpace(params.APIKey) == "" {
		if !isInteractive(os.Stdin) {
			return apperrors.NewValidationError("缺少 API 密钥，请使用 --api-key 或设置 OPENAI_API_KEY", nil)
		}
		prompt := &survey.Password{Message: "请输入 API 密钥:"}
		if err := survey.AskOne(prompt, &params.APIKey, survey.WithValidator(survey.Required)); err != nil {
			return fmt.Errorf("读取 API 密钥失败: %w", err)
		}
	}

	source, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("读取图片失败: %w", err)
	}
	card, err := pngcard.Extract(source)
	if err != nil {
		return err
	}

	outDir := opts.outDir
	if outDir == "" {
		outDir = filepath.Dir(input)
	}
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	jsonPath := filepath.Join(outDir, base+"_translated.json")
	pngPath := filepath.Join(outDir, base+"_translated.png")
	if !opts.yes {
		if ok, err := confirmOverwrite(jsonPath, pngPath); err != nil || !ok {
			return err
		}
	}

	language := opts.language
	if language == "" {
		language = cfg.PromptLanguage
	}
	promptsFile := opts.promptsFile
	if promptsFile == "" {
		promptsFile = cfg.PromptsFile
	}
	prompts, err := config.LoadPrompts(language, promptsFile)
	if err != nil {
		return err
	}

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = cfg.TaskTimeout
	}
	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	metrics := utils.NewAPIMetrics()
	client := openai.New(openai.Config{
		APIKey:  params.APIKey,
		BaseURL: params.BaseURL,
		Model:   params.ModelName,
	}, openai.WithMetrics(metrics))

	view := newProgressView(card.Name())
	view.handle(models.LogEvent(fmt.Sprintf("开始翻译角色卡: %s (%s)", card.Name(), params.ModelName)))

	translated, err := services.NewTranslationService(prompts, metrics).Translate(runCtx, services.TranslateRequest{
		Card:    card,
		Client:  client,
		Model:   params.ModelName,
		Tracker: progress.NewTracker(nil),
		Hooks:   services.TranslationHooks{Emit: view.handle},
	})
	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			view.handle(models.ErrorEvent("任务超时"))
		case runCtx.Err() != nil:
			view.handle(models.ProgressEvent{Type: models.EventCancelled})
		default:
			view.handle(models.ErrorEvent(err.Error()))
		}
		view.finish()
		return err
	}

	output, err := pngcard.Embed(source, translated)
	if err == nil {
		err = writeOutputs(jsonPath, pngPath, translated, output)
	}
	if err != nil {
		view.handle(models.ErrorEvent(err.Error()))
		view.finish()
		return err
	}
	view.handle(models.ProgressEvent{Type: models.EventCompleted, Percentage: 100})
	view.finish()

	fmt.Fprintf(cmd.OutOrStdout(), "📄 %s\n🖼  %s\n", jsonPath, pngPath)
	return nil
}

func writeOutputs(jsonPath, pngPath string, card *models.CharacterCard, pngBytes []byte) error {
	if err := os.MkdirAll(filepath.Dir(jsonPath), 0755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	content, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化角色卡失败: %w", err)
	}
	if err := os.WriteFile(jsonPath, content, 0644); err != nil {
		return fmt.Errorf("写入 JSON 失败: %w", err)
	}
	if err := os.WriteFile(pngPath, pngBytes, 0644); err != nil {
		return fmt.Errorf("写入图片失败: %w", err)
	}
	return nil
}

// confirmOverwrite 输出文件已存在时询问；非交互环境直接覆盖
func confirmOverwrite(paths ...string) (bool, error) {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, filepath.Base(p))
		}
	}
	if len(existing) == 0 || !isInteractive(os.Stdin) {
		return true, nil
	}

	ok := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("%s 已存在，是否覆盖?", strings.Join(existing, ", ")),
		Default: false,
	}
	if err := survey.AskOne(prompt, &ok); err != nil {
		return false, fmt.Errorf("确认失败: %w", err)
	}
	return ok, nil
}
