package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/serebryakov7/obd-stats/pkg/storage"
)

const flagYes = "yes"

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Сброс кодов неисправностей (режим 04)",
	Long:  `Сбрасывает коды неисправностей и индикатор Check Engine, а также локальный журнал увиденных кодов.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool(flagYes)
		pick, _ := cmd.Flags().GetBool(flagSelect)
		if !yes {
			ok, err := yesNo("Сбросить коды неисправностей")
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
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

		if err := service.ClearTroubleCodes(ctx); err != nil {
			return err
		}

		db, err := openStore(cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storage.ClearAll(db); err != nil {
			logger.Warn("Ошибка очистки журнала кодов", zap.Error(err))
		}

		fmt.Fprintln(cmd.OutOrStdout(), green("Коды неисправностей сброшены"))
		return nil
	},
}

func init() {
	f := clearCmd.Flags()
	f.BoolP(flagYes, "y", false, "не спрашивать подтверждение")
	f.BoolP(flagSelect, "s", false, "выбрать адаптер из найденных")
	rootCmd.AddCommand(clearCmd)
}
