package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"pricewatch/internal/policy"
	"pricewatch/internal/storage"
)

// settingsDocument is the YAML form of the alert policy used by the
// settings commands.
type settingsDocument struct {
	Enabled           bool            `yaml:"enabled"`
	ThresholdPercent  string          `yaml:"threshold_percent"`
	ThresholdAbsolute string          `yaml:"threshold_absolute"`
	MinPriceForAlert  string          `yaml:"min_price_for_alert"`
	NotifyChannels    map[string]bool `yaml:"notify_channels"`
	QuietHours        *quietDocument  `yaml:"quiet_hours,omitempty"`
	UpdatedAt         string          `yaml:"updated_at,omitempty"`
}

type quietDocument struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

func toDocument(p policy.Policy) settingsDocument {
	doc := settingsDocument{
		Enabled:           p.Enabled,
		ThresholdPercent:  p.ThresholdPercent.String(),
		ThresholdAbsolute: p.ThresholdAbsolute.String(),
		MinPriceForAlert:  p.MinPriceForAlert.String(),
		NotifyChannels:    make(map[string]bool, len(p.Channels)),
	}
	for ch, on := range p.Channels {
		doc.NotifyChannels[string(ch)] = on
	}
	if p.QuietHours != nil {
		doc.QuietHours = &quietDocument{Start: p.QuietHours.Start.String(), End: p.QuietHours.End.String()}
	}
	if !p.UpdatedAt.IsZero() {
		doc.UpdatedAt = p.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return doc
}

func (d settingsDocument) policy() (policy.Policy, error) {
	p := policy.Policy{Enabled: d.Enabled, Channels: make(map[policy.Channel]bool, len(d.NotifyChannels))}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"threshold_percent", d.ThresholdPercent, &p.ThresholdPercent},
		{"threshold_absolute", d.ThresholdAbsolute, &p.ThresholdAbsolute},
		{"min_price_for_alert", d.MinPriceForAlert, &p.MinPriceForAlert},
	}
	for _, f := range fields {
		if f.raw == "" {
			*f.dst = decimal.Zero
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}

	for name, on := range d.NotifyChannels {
		ch, err := policy.ParseChannel(name)
		if err != nil {
			return policy.Policy{}, err
		}
		p.Channels[ch] = on
	}

	if d.QuietHours != nil {
		start, err := policy.ParseTimeOfDay(d.QuietHours.Start)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("quiet_hours.start: %w", err)
		}
		end, err := policy.ParseTimeOfDay(d.QuietHours.End)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("quiet_hours.end: %w", err)
		}
		p.QuietHours = &policy.QuietHours{Start: start, End: end}
	}
	return p, p.Validate()
}

// parseSettings reads a YAML (or JSON, which is valid YAML) policy document.
func parseSettings(r io.Reader) (policy.Policy, error) {
	var doc settingsDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return policy.Policy{}, errors.New("settings document is empty")
		}
		return policy.Policy{}, fmt.Errorf("decode settings: %w", err)
	}
	return doc.policy()
}

func writeSettings(w io.Writer, p policy.Policy) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(toDocument(p)); err != nil {
		return err
	}
	return enc.Close()
}

// ShowSettings prints the stored policy, or the disabled default when none
// has been saved.
func (a *App) ShowSettings(ctx context.Context, out io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.LoadPolicy(ctx)
	if errors.Is(err, storage.ErrPolicyNotFound) {
		a.Logger.Warn().Msg("no alert policy stored; showing the disabled default")
		p = policy.Default()
	} else if err != nil {
		return err
	}
	return writeSettings(orStdout(out), p)
}

// SetSettings replaces the stored policy with the document at path.
func (a *App) SetSettings(ctx context.Context, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open settings file: %w", err)
	}
	defer f.Close()

	p, err := parseSettings(f)
	if err != nil {
		return err
	}
	return a.saveSettings(ctx, p, out)
}

// SeedSettings writes the initial policy document.
func (a *App) SeedSettings(ctx context.Context, out io.Writer) error {
	return a.saveSettings(ctx, policy.Seed(), out)
}

func (a *App) saveSettings(ctx context.Context, p policy.Policy, out io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	saved, err := store.SavePolicy(ctx, p)
	if err != nil {
		return err
	}
	channels := make([]string, 0, len(saved.Channels))
	for _, ch := range saved.EnabledChannels() {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)
	a.Logger.Info().Bool("enabled", saved.Enabled).Strs("channels", channels).Msg("alert settings saved")
	return writeSettings(orStdout(out), saved)
}

func orStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
