package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/logging"
	"github.com/yourusername/doc-forge/internal/storage"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "前回停止時に残ったジョブ記録を整理する",
		Long: `処理中のまま残ったジョブと入力ファイルを失ったジョブを error にし、
キュー情報を失った記録を片付けます。サーバー停止中に実行してください。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

			store, err := openStore(cfg)
			if err != nil {
				color.New(color.FgRed).Fprintf(os.Stderr, "✗ ジョブ記録を開けません: %v\n", err)
				return err
			}
			defer store.Close()

			uploads := storage.NewLocal(cfg.UploadDir, cfg.OutputDir)
			report, readmit, _, err := jobs.Reconcile(cmd.Context(), store, uploads, nil, logger)
			if err != nil {
				color.New(color.FgRed).Fprintf(os.Stderr, "✗ 整理に失敗しました: %v\n", err)
				return err
			}
			printReport(report, len(readmit))
			return nil
		},
	}
}

func printReport(report jobs.RecoveryReport, waiting int) {
	if report == (jobs.RecoveryReport{}) {
		color.New(color.FgGreen).Println("✓ 整理が必要なジョブはありません")
		return
	}
	color.New(color.FgGreen).Println("✓ ジョブ記録を整理しました")
	if report.Interrupted > 0 {
		color.New(color.FgYellow).Printf("⚠ 中断扱い: %d 件\n", report.Interrupted)
	}
	if report.Missing > 0 {
		color.New(color.FgYellow).Printf("⚠ 入力ファイル欠落: %d 件\n", report.Missing)
	}
	if report.Stale > 0 {
		color.New(color.FgCyan).Printf("ℹ 不要なキュー行を削除: %d 件\n", report.Stale)
	}
	if waiting > 0 {
		color.New(color.FgCyan).Printf("ℹ 次回起動時に再開: %d 件\n", waiting)
	}
}
