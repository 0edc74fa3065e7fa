package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/alerting"
	"pricewatch/internal/api"
	"pricewatch/internal/config"
	"pricewatch/internal/ingest"
	"pricewatch/internal/lock"
	"pricewatch/internal/pipeline"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/storage"
	"pricewatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// session is the set of live dependencies one command works with.
type session struct {
	store    storage.Backend
	pipeline *pipeline.Pipeline
	closers  []func()
}

func (r *session) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (storage.Backend, error) {
	store, err := storage.Open(ctx, a.Config.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", a.Config.Storage.Backend, err)
	}
	return store, nil
}

func (a *App) newLocker(ctx context.Context) (lock.Locker, func(), error) {
	if a.Config.Lock.Backend != config.LockRedis {
		return lock.NewLocal(), func() {}, nil
	}
	client, err := lock.Dial(ctx, a.Config.Lock.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	a.Logger.Info().Msg("using redis product locks")
	return lock.NewRedis(client, a.Config.Lock.TTL, a.Config.Lock.Retry), func() { _ = client.Close() }, nil
}

func (a *App) newDispatcher() (*alerting.Dispatcher, error) {
	loc, err := a.Config.Alerting.Location()
	if err != nil {
		return nil, err
	}
	senders := alerting.SendersFromConfig(a.Config.Alerting, a.Logger)
	if len(senders) == 0 {
		a.Logger.Warn().Msg("no notification channel credentials configured")
	}
	return alerting.NewDispatcher(senders, loc, a.Config.Alerting.DeliveryTimeout, a.Logger), nil
}

// open builds the store, locker, dispatcher and pipeline.
func (a *App) open(ctx context.Context) (*session, error) {
	rt := &session{}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	locker, closeLocker, err := a.newLocker(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeLocker)

	dispatcher, err := a.newDispatcher()
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.pipeline = pipeline.New(store, dispatcher, locker, pipeline.Options{
		Workers:          a.Config.Pipeline.Workers,
		OperationTimeout: a.Config.Pipeline.OperationTimeout,
		AdvisoryLockKey:  a.Config.Pipeline.AdvisoryLockKey,
	}, a.Logger)
	return rt, nil
}

// Run serves the admin API and sweeps undelivered alerts until SIGINT or
// SIGTERM. Kafka and the HTTP feed are consumed when configured.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var (
		wg   sync.WaitGroup
		once sync.Once
		fail error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Str("task", name).Msg("task terminated with error")
				once.Do(func() { fail = fmt.Errorf("%s: %w", name, err) })
				cancel()
			}
		}()
	}

	server := api.NewServer(rt.store, rt.pipeline, a.Config.API, a.Logger)
	start("api", server.Run)

	if a.Config.Kafka.Enabled {
		source, err := ingest.NewKafkaSource(a.Config.Kafka, a.Logger)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		defer source.Close()
		start("kafka", func(ctx context.Context) error { return source.Run(ctx, rt.pipeline.Handle) })
	}

	if a.Config.Feed.Enabled() {
		feed, err := ingest.NewFeed(a.Config.Feed, a.Logger)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		poller, err := scheduler.New(scheduler.Options{Name: "feed", Interval: a.Config.Feed.Interval}, a.Logger)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		start("feed", func(ctx context.Context) error {
			return poller.Run(ctx, func(ctx context.Context, _ time.Time) error {
				return feed.Poll(ctx, rt.pipeline.Handle)
			})
		})
	}

	sched, err := scheduler.New(scheduler.Options{
		Name:         "redeliver",
		Interval:     a.Config.Scheduler.RedeliverInterval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		cancel()
		wg.Wait()
		return err
	}
	start("redeliver", func(ctx context.Context) error {
		return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			_, err := rt.pipeline.Redeliver(ctx, a.Config.Scheduler.RedeliverLimit)
			return err
		})
	})

	a.Logger.Info().
		Str("version", version.Version).
		Str("listen_addr", a.Config.API.ListenAddr).
		Bool("kafka", a.Config.Kafka.Enabled).
		Bool("feed", a.Config.Feed.Enabled()).
		Dur("redeliver_interval", a.Config.Scheduler.RedeliverInterval).
		Msg("pricewatch started")

	wg.Wait()
	if fail != nil {
		return fail
	}
	a.Logger.Info().Msg("pricewatch stopped")
	return nil
}
