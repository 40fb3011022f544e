package main

import (
	"os"
	"sync"

	"github.com/Corphon/CharaCardTranslator/internal/config"
	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/spf13/cobra"
)

// commandContext 子命令共享的参数与懒加载配置
type commandContext struct {
	verbose bool

	once    sync.Once
	cfg     *config.Config
	loadErr error
}

// config 读取 .env 与环境变量，只加载一次
func (c *commandContext) config() (*config.Config, error) {
	c.once.Do(func() {
		c.cfg, c.loadErr = config.Load()
	})
	return c.cfg, c.loadErr
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "cardtrans",
		Short:         "角色卡 PNG 翻译工具",
		Long:          "读取、写入并翻译嵌入在 PNG 中的角色卡，可在本地运行，也可提交到翻译服务器。",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := utils.GetLogger()
			logger.SetOutput(os.Stderr)
			logger.Enable(ctx.verbose)
			if ctx.verbose {
				logger.SetLogLevel(utils.DEBUG)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "输出结构化调试日志")

	rootCmd.AddCommand(newExtractCommand())
	rootCmd.AddCommand(newEmbedCommand())
	rootCmd.AddCommand(newChunksCommand())
	rootCmd.AddCommand(newTranslateCommand(ctx))
	rootCmd.AddCommand(newRemoteCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newProvidersCommand())

	return rootCmd
}
