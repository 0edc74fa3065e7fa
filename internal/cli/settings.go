package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var settingsFile string

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or replace the alert policy",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored alert policy as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowSettings(cmd.Context(), cmd.OutOrStdout())
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the alert policy with a YAML document",
	RunE: func(cmd *cobra.Command, args []string) error {
		if settingsFile == "" {
			return errors.New("--file must be provided")
		}
		return getApp().SetSettings(cmd.Context(), settingsFile, cmd.OutOrStdout())
	},
}

var settingsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the initial alert policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SeedSettings(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	settingsSetCmd.Flags().StringVarP(&settingsFile, "file", "f", "", "Policy document (YAML or JSON)")

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsSeedCmd)
}
