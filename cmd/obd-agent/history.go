package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/pkg/storage"
)

const (
	flagLimit   = "limit"
	flagArchive = "archive"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Сохранённые снимки диагностики",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt(flagLimit)
		archive, _ := cmd.Flags().GetBool(flagArchive)
		format, _ := cmd.Flags().GetString(flagFormat)
		if err := checkFormat(format); err != nil {
			return err
		}

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		var snapshots []common.VehicleDiagnostics
		if archive {
			if cfg.Mongo.URI == "" {
				return errors.New("архив не настроен: задайте mongo.uri")
			}
			client, err := storage.ConnectMongo(cmd.Context(), cfg.Mongo.URI)
			if err != nil {
				return err
			}
			defer client.Disconnect(cmd.Context())
			snapshots, err = storage.NewArchive(client, cfg.Mongo.Database, cfg.Mongo.Collection).
				Recent(cmd.Context(), int64(limit))
			if err != nil {
				return err
			}
		} else {
			db, err := openStore(cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if snapshots, err = storage.Snapshots(db, limit); err != nil {
				return err
			}
		}

		switch format {
		case formatJSON:
			return writeJSON(cmd.OutOrStdout(), snapshots)
		case formatYAML:
			return writeYAML(cmd.OutOrStdout(), snapshots)
		}
		writeHistory(cmd.OutOrStdout(), snapshots)
		return nil
	},
}

func init() {
	f := historyCmd.Flags()
	f.IntP(flagLimit, "n", 20, "число последних снимков")
	f.Bool(flagArchive, false, "читать из архива MongoDB")
	f.StringP(flagFormat, "f", formatText, "формат вывода: text, json или yaml")
	rootCmd.AddCommand(historyCmd)
}
