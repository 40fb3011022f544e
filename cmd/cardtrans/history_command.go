package main

import (
	"fmt"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/llm/providers/openai"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/services"
	"github.com/spf13/cobra"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		server  string
		dataDir string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看任务历史",
		Long:  "默认读取本地数据目录中的 history.db；指定 --server 时从服务器读取。",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []models.HistoryRecord
			if server != "" {
				var err error
				records, err = newRemoteClient(server).history(cmd.Context(), limit)
				if err != nil {
					return err
				}
			} else {
				if dataDir == "" {
					cfg, err := ctx.config()
					if err != nil {
						return err
					}
					dataDir = cfg.DataDir
				}
				history, err := services.OpenHistory(dataDir)
				if err != nil {
					return err
				}
				defer history.Close()
				records, err = history.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "暂无任务历史")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(records))
			return nil
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "", "服务器地址")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "本地数据目录，默认 DATA_DIR")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "最多显示的条数")
	return cmd
}

func renderHistory(records []models.HistoryRecord) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		duration := rec.FinishedAt.Sub(rec.CreatedAt).Round(100 * time.Millisecond)
		rows = append(rows, []string{
			rec.FinishedAt.Local().Format("2006-01-02 15:04"),
			rec.CharacterName,
			rec.SourceName,
			rec.ModelName,
			string(rec.Status),
			fmt.Sprintf("%d/%d", rec.CompletedCount, rec.TotalCount),
			duration.String(),
			rec.Error,
		})
	}
	return renderTable(
		[]string{"完成时间", "角色", "文件", "模型", "状态", "字段", "耗时", "错误"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func newProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "列出内置的兼容端点预设",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			presets := openai.Presets()
			rows := make([][]string, 0, len(presets))
			for _, p := range presets {
				rows = append(rows, []string{p.Name, p.DisplayName, p.BaseURL, p.Model})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"名称", "提供者", "地址", "默认模型"},
				rows,
				nil,
			))
			return nil
		},
	}
}
