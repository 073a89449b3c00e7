package main

import (
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Поиск адаптеров ELM327",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		service, _, err := newService(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		devices, err := service.ScanForDevices(cmd.Context())
		if err != nil {
			return err
		}
		writeDevices(cmd.OutOrStdout(), devices)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
