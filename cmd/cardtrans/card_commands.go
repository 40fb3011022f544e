package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/pngcard"
	"github.com/spf13/cobra"
)

func newExtractCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "extract <card.png>",
		Short: "导出 PNG 中的角色卡 JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取图片失败: %w", err)
			}
			card, err := pngcard.Extract(data)
			if err != nil {
				return err
			}
			content, err := json.MarshalIndent(card, "", "  ")
			if err != nil {
				return fmt.Errorf("序列化角色卡失败: %w", err)
			}

			if output == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(content))
				return nil
			}
			if err := os.WriteFile(output, content, 0644); err != nil {
				return fmt.Errorf("写入文件失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ 已导出 %s 到 %s\n", card.Name(), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "out", "o", "", "输出文件，默认打印到标准输出")
	return cmd
}

func newEmbedCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "embed <image.png> <card.json>",
		Short: "把角色卡 JSON 写入 PNG",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取图片失败: %w", err)
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("读取角色卡失败: %w", err)
			}
			card, err := models.ParseCharacterCard(raw)
			if err != nil {
				return err
			}
			result, err := pngcard.Embed(image, card)
			if err != nil {
				return err
			}

			if output == "" {
				output = withSuffix(args[0], "_embedded", ".png")
			}
			if err := os.WriteFile(output, result, 0644); err != nil {
				return fmt.Errorf("写入文件失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ 已写入 %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "out", "o", "", "输出图片，默认 <原名>_embedded.png")
	return cmd
}

func newChunksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chunks <file.png>",
		Short: "列出 PNG 的全部块",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取图片失败: %w", err)
			}
			summaries, err := pngcard.Inspect(data)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(summaries))
			for _, s := range summaries {
				crc := "✓"
				if !s.CRCOk {
					crc = "✗"
				}
				rows = append(rows, []string{
					fmt.Sprint(s.Index),
					s.Type,
					fmt.Sprint(s.Length),
					fmt.Sprintf("%08x", s.CRC),
					crc,
					s.Keyword,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "类型", "长度", "CRC", "校验", "关键字"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

// withSuffix a/b.png -> a/b<suffix><ext>
func withSuffix(path, suffix, ext string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return base + suffix + ext
}
