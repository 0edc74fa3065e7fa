package cli

import (
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	processFile string
	processFeed bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one batch job over an observation payload",
	Long: `Reads a JSON payload of scraped observations (an array, an object with an
"observations" array, or a single object), evaluates every product against its
stored baseline and prints the batch report.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Process(cmd.Context(), app.ProcessOptions{
			File:     processFile,
			FromFeed: processFeed,
			Stdin:    cmd.InOrStdin(),
			Output:   cmd.OutOrStdout(),
		})
	},
}

func init() {
	processCmd.Flags().StringVarP(&processFile, "file", "f", "-", "Observation payload path, - for stdin")
	processCmd.Flags().BoolVar(&processFeed, "feed", false, "Fetch the payload from feed.url instead of a file")
}
