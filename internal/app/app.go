package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"metalwatch/internal/alerting"
	"metalwatch/internal/config"
	"metalwatch/internal/fetcher"
	"metalwatch/internal/market"
	"metalwatch/internal/pricecache"
	"metalwatch/internal/publish"
	"metalwatch/internal/recorder"
	"metalwatch/internal/scheduler"
	"metalwatch/internal/service"
	"metalwatch/internal/storage"
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

func (a *App) newProjector() (*market.Projector, error) {
	rates, err := a.Config.Rates()
	if err != nil {
		return nil, err
	}
	return market.NewProjector(rates), nil
}

func (a *App) newFetcher(projector *market.Projector) (fetcher.PriceFetcher, error) {
	rules, err := a.Config.Derivations()
	if err != nil {
		return nil, err
	}
	up := a.Config.Upstream
	deriver := fetcher.NewDeriver(rules, up.Seed)

	var f fetcher.PriceFetcher
	switch up.Provider {
	case config.ProviderGoldAPI:
		f = fetcher.NewGoldAPI(fetcher.GoldAPIOptions{
			BaseURL:    up.BaseURL,
			Timeout:    up.RequestTimeout,
			UserAgent:  up.UserAgent,
			Include22K: up.IncludeGold22K,
		}, deriver, projector, a.Logger)
	case config.ProviderMetalPriceAPI:
		f = fetcher.NewMetalPriceAPI(fetcher.MetalPriceAPIOptions{
			BaseURL:    up.BaseURL,
			APIKey:     up.APIKey,
			Timeout:    up.RequestTimeout,
			UserAgent:  up.UserAgent,
			Include22K: up.IncludeGold22K,
		}, deriver, projector, a.Logger)
	case config.ProviderScrape:
		f = fetcher.NewScraper(fetcher.ScraperOptions{
			URL:        up.ScrapeURL,
			Timeout:    up.RequestTimeout,
			UserAgent:  up.UserAgent,
			Include22K: up.IncludeGold22K,
		}, deriver, projector, a.Logger)
	default:
		return nil, fmt.Errorf("unsupported upstream provider %q", up.Provider)
	}

	if up.RequestsPerMinute > 0 {
		f = &fetcher.RateLimited{
			Next:   f,
			Bucket: fetcher.NewTokenBucket(up.RequestsPerMinute/60, up.Burst),
		}
	}
	return f, nil
}

func (a *App) newCache() (*pricecache.Cache, error) {
	projector, err := a.newProjector()
	if err != nil {
		return nil, err
	}
	f, err := a.newFetcher(projector)
	if err != nil {
		return nil, err
	}
	return pricecache.New(f, projector, pricecache.Options{
		TTL:          a.Config.Cache.TTL,
		FetchTimeout: a.Config.Upstream.RequestTimeout,
		Fallback:     pricecache.NewFallback(a.Config.Cache.Seed, a.Config.Cache.FallbackStep, a.Config.Upstream.IncludeGold22K),
	}, a.Logger), nil
}

// newNotifiers builds every enabled channel. The returned closer flushes buffered writers.
func (a *App) newNotifiers() ([]alerting.Notifier, func()) {
	var (
		notifiers []alerting.Notifier
		closers   []func()
	)

	for _, ch := range a.Config.ResolveChannels() {
		switch ch {
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		case "kafka":
			cfg := a.Config.Alerting.Kafka
			if !cfg.Enabled {
				a.Logger.Warn().Msg("kafka channel listed but alerting.kafka.enabled is false")
				continue
			}
			kn := alerting.NewKafkaNotifier(alerting.NewKafkaWriter(cfg.Brokers, cfg.Topic, cfg.WriteTimeout), a.Logger)
			notifiers = append(notifiers, kn)
			closers = append(closers, func() {
				if err := kn.Close(); err != nil {
					a.Logger.Warn().Err(err).Msg("close kafka writer")
				}
			})
		default:
			a.Logger.Warn().Str("channel", ch).Msg("unknown alerting channel ignored")
		}
	}

	return notifiers, func() {
		for _, c := range closers {
			c()
		}
	}
}

func (a *App) newPublisher() *publish.Publisher {
	cfg := a.Config.Publish.Redis
	if !cfg.Enabled {
		return nil
	}
	return publish.NewPublisher(publish.NewClient(cfg), publish.Options{
		KeyPrefix:     cfg.KeyPrefix,
		ChannelPrefix: cfg.ChannelPrefix,
		TTL:           cfg.TTL,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newEvaluator(store alerting.Store, notifiers []alerting.Notifier) *alerting.Evaluator {
	return alerting.NewEvaluator(store, notifiers, alerting.Options{
		Rearm:    a.Config.Alerting.Rearm,
		Channels: a.Config.ResolveChannels(),
	}, a.Logger)
}

// buildService assembles the refresh pipeline. The returned closer releases every connection it
// opened.
func (a *App) buildService(ctx context.Context, sched *scheduler.Scheduler) (*service.Service, func(), error) {
	cache, err := a.newCache()
	if err != nil {
		return nil, nil, err
	}

	deps := service.Deps{
		Scheduler: sched,
		Prices:    cache,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence and alerting disabled")
	} else {
		closers = append(closers, closeStore)
		deps.Writer = recorder.NewWriter(store, recorder.Options{}, a.Logger)
		deps.Locker = store
		if a.Config.Alerting.Enabled {
			notifiers, closeNotifiers := a.newNotifiers()
			closers = append(closers, closeNotifiers)
			deps.Alerts = a.newEvaluator(store, notifiers)
		}
	}

	if pub := a.newPublisher(); pub != nil {
		deps.Publisher = pub
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close redis client")
			}
		})
	}

	return service.New(deps, a.Logger), closeAll, nil
}

// Run executes the long-running refresh service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	svc, closeAll, err := a.buildService(ctx, sched)
	if err != nil {
		return err
	}
	defer closeAll()
	go a.refreshOnHangup(ctx, sched)

	a.Logger.Info().
		Str("provider", a.Config.Upstream.Provider).
		Dur("interval", a.Config.Scheduler.Interval).
		Dur("cache_ttl", a.Config.Cache.TTL).
		Msg("starting refresh service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("refresh service stopped")
	return nil
}

// refreshOnHangup turns SIGHUP into an immediate out-of-band refresh cycle.
func (a *App) refreshOnHangup(ctx context.Context, sched *scheduler.Scheduler) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if sched.Trigger() {
				a.Logger.Info().Msg("SIGHUP received, refresh requested")
			} else {
				a.Logger.Debug().Msg("SIGHUP ignored, refresh already pending")
			}
		}
	}
}

// ExportOptions hold parameters for exporting stored prices.
type ExportOptions struct {
	Metal     market.Instrument
	Currency  market.Currency
	From      *time.Time
	To        *time.Time
	PNGPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Metal market.Instrument
	Limit int
}
