package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	alertsStatus  string
	alertsProduct string
	alertsLimit   int
	alertsOffset  int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect and acknowledge alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().ListAlerts(cmd.Context(), app.ListOptions{
			Status:    alertsStatus,
			ProductID: alertsProduct,
			Limit:     alertsLimit,
			Offset:    alertsOffset,
			Output:    cmd.OutOrStdout(),
		})
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack ID",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AckAlert(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

func init() {
	alertsListCmd.Flags().StringVar(&alertsStatus, "status", "", "Filter by status (open, acknowledged)")
	alertsListCmd.Flags().StringVar(&alertsProduct, "product", "", "Filter by product id")
	alertsListCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsListCmd.Flags().IntVar(&alertsOffset, "offset", 0, "Number of alerts to skip")

	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsAckCmd)
}
