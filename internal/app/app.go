// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/api"
	"github.com/Corphon/CharaCardTranslator/internal/config"
	"github.com/Corphon/CharaCardTranslator/internal/di"
	"github.com/Corphon/CharaCardTranslator/internal/services"
	"github.com/Corphon/CharaCardTranslator/internal/storage"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/gofrs/flock"
)

// historyRetention 任务历史保留时长
const historyRetention = 30 * 24 * time.Hour

// httpServer 便于测试替换的服务器
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用程序实例
type App struct {
	base     *config.Config
	config   *config.AppConfig
	router   http.Handler
	handler  *api.Handler
	server   httpServer
	stopChan chan os.Signal
	lock     *flock.Flock
	cancel   context.CancelFunc
}

var (
	instance   *App
	instanceMu sync.Mutex
)

// GetApp 返回应用单例
func GetApp() *App {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = &App{stopChan: make(chan os.Signal, 1)}
	}
	return instance
}

// Initialize 初始化配置、日志、服务与路由
func Initialize(baseConfig *config.Config) error {
	app := GetApp()
	app.base = baseConfig

	if err := os.MkdirAll(baseConfig.DataDir, 0755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	// 同一数据目录只允许一个服务实例
	app.lock = flock.New(filepath.Join(baseConfig.DataDir, "cardtrans.lock"))
	ok, err := app.lock.TryLock()
	if err != nil {
		return fmt.Errorf("获取数据目录锁失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("数据目录 %s 已被另一个实例使用", baseConfig.DataDir)
	}

	if err := config.InitConfig(baseConfig); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}
	app.config = config.GetCurrentConfig()

	if err := initLogger(app.config.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}
	if app.config.DebugMode {
		utils.GetLogger().SetLogLevel(utils.DEBUG)
	}

	if err := InitServices(baseConfig); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	router, handler, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	app.router = router
	app.handler = handler
	app.server = &http.Server{
		Addr:              ":" + app.config.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// initLogger 日志文件按日期命名
func initLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}
	logFile := filepath.Join(logDir, fmt.Sprintf("cardtrans_%s.log", time.Now().Format("2006-01-02")))
	return utils.InitLogger(logFile)
}

// InitServices 按依赖顺序创建服务并注册到容器
func InitServices(baseConfig *config.Config) error {
	container := di.GetContainer()
	cfg := config.GetCurrentConfig()

	fs, err := storage.NewFileStorage(baseConfig.DataDir)
	if err != nil {
		return err
	}
	container.Register(di.ServiceStorage, fs)

	metrics := utils.NewAPIMetrics()
	container.Register(di.ServiceMetrics, metrics)

	cards := services.NewCardService(fs, baseConfig.MaxUploadBytes)
	container.Register(di.ServiceCards, cards)

	progress := services.NewProgressService()
	container.Register(di.ServiceProgress, progress)

	prompts, err := config.LoadPrompts(cfg.PromptLanguage, cfg.PromptsFile)
	if err != nil {
		return err
	}
	translation := services.NewTranslationService(prompts, metrics)
	container.Register(di.ServiceTranslation, translation)

	sessions := services.NewSessionService()
	container.Register(di.ServiceSessions, sessions)

	// 历史库打不开时继续运行，只是没有历史记录
	history, err := services.OpenHistory(baseConfig.DataDir)
	if err != nil {
		log.Printf("⚠️ 打开任务历史失败，历史记录不可用: %v", err)
		history = nil
	} else {
		container.Register(di.ServiceHistory, history)
	}

	tasks := services.NewTaskService(services.TaskDeps{
		Cards:       cards,
		Translation: translation,
		Progress:    progress,
		Sessions:    sessions,
		History:     history,
		Metrics:     metrics,
	}, services.TaskOptions{Timeout: baseConfig.TaskTimeout})
	container.Register(di.ServiceTasks, tasks)
	tasks.StartCleanup()

	log.Printf("✅ 已注册 %d 个服务，提示词语言: %s", len(container.Names()), prompts.Language)
	return nil
}

// Run 启动服务器并阻塞到收到停止信号
func Run() error {
	app := GetApp()
	if app.server == nil {
		return errors.New("应用尚未初始化")
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.startBackground(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(app.stopChan)

	select {
	case err := <-errChan:
		app.cleanup()
		return fmt.Errorf("启动服务器失败: %w", err)
	case <-app.stopChan:
	}

	log.Println("🛑 正在关闭服务器...")
	// 先断开 WebSocket，否则 Shutdown 会等待长连接
	if app.handler != nil {
		app.handler.Hub.Shutdown()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	err := app.server.Shutdown(shutdownCtx)

	app.cleanup()
	if err != nil {
		return fmt.Errorf("服务器强制关闭: %w", err)
	}
	log.Println("✅ 服务器优雅关闭完成")
	return nil
}

// startBackground 指标采集与历史清理
func (a *App) startBackground(ctx context.Context) {
	container := di.GetContainer()
	if metrics, err := di.Resolve[*utils.APIMetrics](container, di.ServiceMetrics); err == nil {
		metrics.StartMetricsCollection(ctx)
	}
	history, err := di.Resolve[*services.HistoryService](container, di.ServiceHistory)
	if err != nil {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			if n, err := history.Prune(ctx, time.Now().Add(-historyRetention)); err == nil && n > 0 {
				log.Printf("🧹 已清理 %d 条过期任务历史", n)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// cleanup 关闭服务、释放锁与日志文件
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if err := di.GetContainer().Close(); err != nil {
		log.Printf("⚠️ 关闭服务时出错: %v", err)
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
	utils.CloseLogger()
}

// Close 释放资源，用于初始化失败后退出
func (a *App) Close() {
	a.cleanup()
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 返回全局依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 是否处于调试模式
func IsDebugMode() bool {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance != nil && instance.config != nil && instance.config.DebugMode
}
