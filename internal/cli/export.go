package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportSince     time.Duration
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

// exportTimeLayouts are tried in order for --from and --to.
var exportTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04", time.DateOnly}

var exportCmd = &cobra.Command{
	Use:   "export PRODUCT_ID",
	Short: "Export a product's price history and alert points as CSV and/or PNG",
	Example: `  pricewatch export B0C1234 --since 720h --png mouse.png
  pricewatch export B0C1234 --from 2024-05-01 --to 2024-06-01 --csv mouse.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := exportWindow(exportFrom, exportTo, exportSince, time.Now())
		if err != nil {
			return err
		}
		return getApp().Export(cmd.Context(), app.ExportOptions{
			ProductID: args[0],
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

// exportWindow resolves the window flags. since counts back from now and
// excludes from; nil bounds are left to the app defaults.
func exportWindow(from, to string, since time.Duration, now time.Time) (*time.Time, *time.Time, error) {
	var start, end *time.Time
	if since < 0 {
		return nil, nil, fmt.Errorf("--since must not be negative")
	}
	if since > 0 {
		t := now.Add(-since).UTC()
		start = &t
	}
	if from != "" {
		t, err := parseExportTime(from)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --from value: %w", err)
		}
		start = &t
	}
	if to != "" {
		t, err := parseExportTime(to)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --to value: %w", err)
		}
		end = &t
	}
	return start, end, nil
}

func parseExportTime(v string) (time.Time, error) {
	var firstErr error
	for _, layout := range exportTimeLayouts {
		t, err := time.ParseInLocation(layout, v, time.UTC)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func init() {
	flags := exportCmd.Flags()
	flags.StringVar(&exportFrom, "from", "", "Start, inclusive (RFC3339 or YYYY-MM-DD, UTC)")
	flags.StringVar(&exportTo, "to", "", "End, exclusive (RFC3339 or YYYY-MM-DD, UTC)")
	flags.DurationVar(&exportSince, "since", 0, "Export the trailing window, e.g. 168h")
	flags.StringVar(&exportPNGPath, "png", "", "Write a PNG chart to this path")
	flags.StringVar(&exportCSVPath, "csv", "", "Write CSV rows to this path")
	flags.IntVar(&exportMaxPoints, "max-points", 0, "Downsample to at most this many points (defaults to config)")
	exportCmd.MarkFlagsMutuallyExclusive("from", "since")
	exportCmd.MarkFlagsOneRequired("png", "csv")
}
