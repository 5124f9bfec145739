// Command movie-notifier watches Pathé schedules and notifies users about new showings matching their filters.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"movie-notifier/cinema"
	"movie-notifier/config"
	"movie-notifier/delivery"
	"movie-notifier/email"
	"movie-notifier/mongostore"
	"movie-notifier/pathe"
	"movie-notifier/poll"
	"movie-notifier/server"
	"movie-notifier/storage"
	"movie-notifier/supervisor"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	// Initialize structured logger; the level is raised or lowered once config is loaded
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.Logging.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	loc, err := time.LoadLocation(cfg.Pathe.TimeZone)
	if err != nil {
		return fmt.Errorf("load time zone: %w", err)
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	channels, err := buildChannels(ctx, cfg, logger)
	if err != nil {
		return err
	}
	router := delivery.NewRouter(b.users, logger, channels...)

	cinemas := cinema.New(&http.Client{Timeout: 30 * time.Second}, cfg.Pathe.CinemasURL, logger)

	limiter := rate.NewLimiter(rate.Limit(cfg.Pathe.RequestsPerSecond), cfg.Pathe.Burst)
	client := pathe.New(&http.Client{Timeout: cfg.Pathe.Timeout}, cfg.Pathe.BaseURL, cfg.Pathe.APIKey, limiter, logger)
	fetcher := pathe.NewBreakerFetcher(client, pathe.BreakerSettings{
		MinRequests:  cfg.Pathe.Breaker.MinRequests,
		FailureRatio: cfg.Pathe.Breaker.FailureRatio,
		Interval:     cfg.Pathe.Breaker.Interval,
		Timeout:      cfg.Pathe.Breaker.Timeout,
	}, logger)

	monitor := poll.New(&poll.Config{
		Fetcher:   fetcher,
		Cache:     b.cache,
		Watchers:  b.watchers,
		Deliverer: router,
		Cinemas:   cinemas,
		Location:  loc,
		Logger:    logger,
		Workers:   cfg.Poll.Workers,
	})

	srv := server.New(&server.Config{
		Poller:  monitor,
		Cinemas: cinemas,
		Logger:  logger,
	})

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddEngineService(supervisor.NewRefreshService("cinema-directory", cinemas, cfg.Pathe.CinemasRefresh, logger))
	tree.AddEngineService(supervisor.NewPollService(monitor, cfg.Poll.Interval, cfg.Poll.RunOnStart, logger))
	tree.AddAPIService(supervisor.NewHTTPService(server.NewHTTPServer(cfg.Server.Port, srv.Handler()), cfg.Server.ShutdownTimeout))

	logger.Info("Starting movie notifier",
		"port", cfg.Server.Port,
		"storage_backend", cfg.Storage.Backend,
		"watcher_source", cfg.Watchers.Source,
		"poll_interval", cfg.Poll.Interval.String(),
		"channels", len(channels))

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logger.Warn("Service failed to stop within timeout", "service", svc.Name)
	}
	return nil
}

// backends holds the selected persistence implementations and their cleanup.
type backends struct {
	cache    poll.Cache
	watchers poll.WatcherSource
	users    delivery.UserDirectory
	closers  []func() error
	logger   *slog.Logger
}

// Close releases connections in reverse order of opening.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.logger.Warn("Failed to close backend", "error", err)
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{logger: logger}

	var objects *storage.Store
	if cfg.UsesObjectStore() {
		if cfg.ObjectStoreLocal() {
			logger.Info("Running in local development mode", "storage_path", cfg.Storage.LocalPath)
			if err := os.MkdirAll(cfg.Storage.LocalPath, 0o755); err != nil {
				return nil, fmt.Errorf("create local storage directory: %w", err)
			}
			objects = storage.New(nil, "", cfg.Storage.LocalPath, logger)
		} else {
			client, err := gcs.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("create storage client: %w", err)
			}
			b.closers = append(b.closers, client.Close)
			objects = storage.New(client, cfg.Storage.Bucket, "", logger)
		}
	}

	var docs *mongostore.Store
	if cfg.UsesMongo() {
		client, err := mongostore.Connect(ctx, cfg.Storage.Mongo.URI)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() error {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(dctx)
		})
		docs = mongostore.New(client.Database(cfg.Storage.Mongo.Database), logger)
		if err := docs.CreateIndexes(ctx); err != nil {
			logger.Warn("Failed to create mongo indexes", "error", err)
		}
	}

	switch cfg.Storage.Backend {
	case config.BackendGCS, config.BackendLocal:
		b.cache = objects
	case config.BackendBadger:
		db, err := storage.OpenBadger(cfg.Storage.BadgerPath)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		b.cache = storage.NewBadgerCache(db)
	case config.BackendRedis:
		rdb, err := storage.NewRedisClient(ctx, cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, rdb.Close)
		b.cache = storage.NewRedisCache(rdb, cfg.Storage.Redis.Prefix, logger)
	case config.BackendMongo:
		b.cache = docs
	default:
		b.Close()
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Watchers.Source == config.SourceMongo {
		b.watchers, b.users = docs, docs
	} else {
		b.watchers, b.users = objects, objects
	}
	return b, nil
}

// buildChannels creates the delivery channels the configuration enables. LOG is always present.
func buildChannels(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]delivery.Channel, error) {
	channels := []delivery.Channel{delivery.NewLogChannel(logger)}

	if cfg.Delivery.BrevoAPIKey != "" {
		channels = append(channels, delivery.NewSMSChannel(cfg.Delivery.BrevoAPIKey, cfg.Delivery.SMSSender, "", logger))
	} else {
		logger.Info("SMS channel disabled (no BREVO_API_KEY)")
	}

	if cfg.Delivery.PushURL != "" {
		channels = append(channels, delivery.NewPushChannel(cfg.Delivery.PushURL, cfg.Delivery.PushToken, logger))
	}

	provider, err := emailProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	channels = append(channels, email.New(provider, logger))
	return channels, nil
}

func emailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Delivery.EmailProvider {
	case "gmail":
		svc, err := initGmailService(ctx, cfg.Delivery.GoogleCredentials)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail: %w", err)
		}
		return email.NewGmailProvider(svc, cfg.Delivery.FromAddr, logger), nil
	case "brevo":
		return email.NewBrevoProvider(cfg.Delivery.BrevoAPIKey, cfg.Delivery.FromAddr, cfg.Delivery.FromName, "", logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Explicit credentials first (local development or specific use cases)
	if credsJSON != "" {
		return email.NewGmailService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account's application default credentials need the gmail.send scope
	if isCloudRun(ctx) {
		return email.NewGmailService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
