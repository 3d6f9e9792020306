// Package main はAPIサーバーと運用コマンドのエントリーポイントです。
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	noColor bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "api",
		Short: "doc-forge: PDF をチャンク単位で Markdown / JSON に変換するジョブキュー",
		Long: `doc-forge は投入された PDF を1件ずつ順番に、数ページ単位のチャンクに分けて変換します。
進捗は Server-Sent Events で配信され、ジョブ履歴はデータベースに保存されます。`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				if err := os.Setenv("CONFIG_FILE", cfgFile); err != nil {
					return err
				}
			}
			if noColor {
				color.NoColor = true
			}
			return nil
		},
		// サブコマンドなしで起動した場合はサーバーを起動する
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML 設定ファイルのパス（CONFIG_FILE と同じ）")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "色付き出力を無効にする")

	root.AddCommand(newServeCmd(), newReconcileCmd(), newWatchCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
