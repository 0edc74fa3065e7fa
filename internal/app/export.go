package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"pricewatch/internal/storage"
)

// ExportOptions hold parameters for exporting a product's price history.
type ExportOptions struct {
	ProductID string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders a product's price history as CSV and/or PNG. Alert trigger
// points are drawn as a second series.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.ProductID == "" {
		return errors.New("product id is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := time.Unix(0, 0).UTC()
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := store.ListPriceHistory(ctx, opts.ProductID, from, to, 0)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		a.Logger.Info().Str("product_id", opts.ProductID).Msg("no price history found for export window")
		return nil
	}

	alerts, err := store.ListAlerts(ctx, storage.AlertFilter{ProductID: opts.ProductID, Limit: 500})
	if err != nil {
		return err
	}
	alerts = alertsBetween(alerts, from, to)

	downsampled := downsampleHistory(history, opts.MaxPoints)
	a.Logger.Info().
		Str("product_id", opts.ProductID).
		Int("total", len(history)).
		Int("exported", len(downsampled)).
		Int("alerts", len(alerts)).
		Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, opts.ProductID, downsampled, alerts); err != nil {
			return err
		}
	}
	return nil
}

func alertsBetween(alerts []storage.Alert, from, to time.Time) []storage.Alert {
	out := alerts[:0]
	for _, alert := range alerts {
		if !alert.TriggeredAt.Before(from) && alert.TriggeredAt.Before(to) {
			out = append(out, alert)
		}
	}
	return out
}

func downsampleHistory(history []storage.Observation, max int) []storage.Observation {
	if max <= 0 || len(history) <= max {
		return history
	}
	if max == 1 {
		return history[len(history)-1:]
	}

	result := make([]storage.Observation, 0, max)
	step := float64(len(history)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(history) {
			idx = len(history) - 1
		}
		result = append(result, history[idx])
	}
	return result
}

func writeHistoryCSV(path string, history []storage.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"observed_at", "product_id", "price", "original_price", "discount_percent", "rating", "review_count", "availability"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range history {
		reviews := ""
		if obs.ReviewCount != nil {
			reviews = strconv.FormatInt(*obs.ReviewCount, 10)
		}
		record := []string{
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.ProductID,
			nullString(obs.Price.Valid, obs.Price.Decimal.String()),
			nullString(obs.OriginalPrice.Valid, obs.OriginalPrice.Decimal.String()),
			nullString(obs.DiscountPercent.Valid, obs.DiscountPercent.Decimal.String()),
			nullString(obs.Rating.Valid, obs.Rating.Decimal.String()),
			reviews,
			sanitizeInline(obs.Availability),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func nullString(valid bool, v string) string {
	if !valid {
		return ""
	}
	return v
}

func writeHistoryPNG(path, productID string, history []storage.Observation, alerts []storage.Alert) error {
	if len(history) < 2 {
		return errors.New("at least two observations are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(history))
	prices := make([]float64, len(history))
	for i, obs := range history {
		x[i] = obs.ObservedAt
		prices[i] = obs.Price.Decimal.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price",
			XValues: x,
			YValues: prices,
		},
	}

	if len(alerts) > 0 {
		ax := make([]time.Time, len(alerts))
		ay := make([]float64, len(alerts))
		for i, alert := range alerts {
			ax[i] = alert.TriggeredAt
			ay[i] = alert.NewPrice.InexactFloat64()
		}
		series = append(series, chart.TimeSeries{
			Name: "Alerts",
			Style: chart.Style{
				StrokeColor: drawing.ColorTransparent,
				DotColor:    drawing.ColorRed,
				DotWidth:    5,
			},
			XValues: ax,
			YValues: ay,
		})
	}

	graph := chart.Chart{
		Title:  productID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
