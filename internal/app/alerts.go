package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

// ListOptions configure the alerts list command.
type ListOptions struct {
	Status    string
	ProductID string
	Limit     int
	Offset    int
	Output    io.Writer
}

// ListAlerts prints alerts newest first.
func (a *App) ListAlerts(ctx context.Context, opts ListOptions) error {
	filter := storage.AlertFilter{ProductID: opts.ProductID, Limit: opts.Limit, Offset: opts.Offset}
	if opts.Status != "" {
		status, ok := storage.ParseStatus(opts.Status)
		if !ok {
			return fmt.Errorf("unknown status %q (want open or acknowledged)", opts.Status)
		}
		filter.Status = status
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	alerts, err := store.ListAlerts(ctx, filter)
	if err != nil {
		return err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}
	return writeAlertTable(out, alerts)
}

func writeAlertTable(out io.Writer, alerts []storage.Alert) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tProduct\tOld\tNew\tChange%\tReason\tStatus\tTriggered (UTC)\tNotified")

	for _, alert := range alerts {
		notified := strings.Join(alert.NotifiedChannels, ",")
		if notified == "" {
			notified = "-"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.ID,
			sanitizeInline(alert.ProductID),
			formatDecimal(alert.OldPrice, 2),
			formatDecimal(alert.NewPrice, 2),
			formatDecimal(alert.PercentChange, 2),
			alert.TriggerReason,
			alert.Status,
			alert.TriggeredAt.UTC().Format(time.RFC3339),
			notified,
		)
	}
	return writer.Flush()
}

// AckAlert acknowledges one alert. Acknowledging twice is not an error.
func (a *App) AckAlert(ctx context.Context, id string, out io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	alert, err := store.AcknowledgeAlert(ctx, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "alert %s for %s acknowledged at %s\n", alert.ID, alert.ProductID, alert.AcknowledgedAt.UTC().Format(time.RFC3339))
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
