package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// TestAlert sends the synthetic alert through every enabled channel and
// prints the per-channel results.
func (a *App) TestAlert(ctx context.Context, out io.Writer) error {
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	report := rt.pipeline.SendTestAlert(ctx)
	enc := json.NewEncoder(orStdout(out))
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	switch {
	case report.Suppressed:
		a.Logger.Info().Msg("测试告警处于静默时段，未发送")
	case len(report.Results) == 0:
		return errors.New("未启用任何告警通道")
	case report.Failures() > 0:
		return errors.New("部分告警通道发送失败，请检查日志")
	}
	return nil
}

// Redeliver runs one redelivery sweep over undelivered open alerts.
func (a *App) Redeliver(ctx context.Context, limit int, out io.Writer) error {
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if limit <= 0 {
		limit = a.Config.Scheduler.RedeliverLimit
	}
	report, err := rt.pipeline.Redeliver(ctx, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(orStdout(out))
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
