package main

import (
	"context"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/serebryakov7/obd-stats/internal/diagnostics"
	"github.com/serebryakov7/obd-stats/pkg/storage"
)

const (
	flagFormat = "format"
	flagSelect = "select"
	flagSave   = "save"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Полная диагностика: коды неисправностей, живые данные, VIN",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString(flagFormat)
		pick, _ := cmd.Flags().GetBool(flagSelect)
		save, _ := cmd.Flags().GetBool(flagSave)
		if err := checkFormat(format); err != nil {
			return err
		}

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx := cmd.Context()
		service, _, err := newService(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if _, err := connect(ctx, service, cfg.Link, pick, logger); err != nil {
			return err
		}
		defer service.Disconnect(context.Background())

		var opts []diagnostics.ScanOption
		if format == formatText {
			bar := newBar(diagnostics.CommandCount(), "Сканирование")
			defer bar.Finish()
			opts = append(opts, diagnostics.WithProgress(func(a diagnostics.Attempt) {
				bar.Describe(attemptName(a))
				bar.Add(1)
			}))
		}

		report, err := service.RunFullScan(ctx, opts...)
		if err != nil {
			return err
		}

		if save {
			db, err := openStore(cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := storage.SaveSnapshot(db, report.Diagnostics); err != nil {
				return err
			}
			logger.Info("Снимок сохранён", zap.String("path", cfg.Storage.Path))
		}

		return writeReport(cmd.OutOrStdout(), report, format)
	},
}

func newBar(length int, text string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		length,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(text),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func init() {
	f := scanCmd.Flags()
	f.StringP(flagFormat, "f", formatText, "формат вывода: text, json или yaml")
	f.BoolP(flagSelect, "s", false, "выбрать адаптер из найденных")
	f.Bool(flagSave, false, "сохранить снимок в локальную историю")
	rootCmd.AddCommand(scanCmd)
}
