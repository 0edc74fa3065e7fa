package cli

import (
	"github.com/spf13/cobra"
)

var redeliverLimit int

var testAlertCmd = &cobra.Command{
	Use:   "test-alert",
	Short: "发送一条测试告警到所有已启用的通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TestAlert(cmd.Context(), cmd.OutOrStdout())
	},
}

var redeliverCmd = &cobra.Command{
	Use:   "redeliver",
	Short: "Retry delivery of open alerts no channel has accepted yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Redeliver(cmd.Context(), redeliverLimit, cmd.OutOrStdout())
	},
}

func init() {
	redeliverCmd.Flags().IntVar(&redeliverLimit, "limit", 0, "Maximum alerts to retry (defaults to config)")
}
