package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"

	"github.com/guy-noel/sigfox-platform/internal/config"
	"github.com/guy-noel/sigfox-platform/internal/handlers"
	custommw "github.com/guy-noel/sigfox-platform/internal/middleware"
	"github.com/guy-noel/sigfox-platform/internal/models"
	"github.com/guy-noel/sigfox-platform/internal/observability"
	"github.com/guy-noel/sigfox-platform/internal/repository"
	"github.com/guy-noel/sigfox-platform/internal/services"
)

const serviceVersion = "0.1.0"

// flagOverrides holds command-line values that win over file and environment
type flagOverrides struct {
	configPath   string
	listen       string
	organization string
	device       string
	limit        int
	user         string
	token        string
}

func parseFlags(args []string) (flagOverrides, error) {
	var opts flagOverrides
	flagSet := pflag.NewFlagSet("feedwatch", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to the JSON config file (default: $CONFIG_PATH or feedwatch.json)")
	flagSet.StringVar(&opts.listen, "listen", "", "address of the local feed API")
	flagSet.StringVar(&opts.organization, "organization", "", "open the feed of this organization")
	flagSet.StringVar(&opts.device, "device", "", "only show messages of this device")
	flagSet.IntVar(&opts.limit, "limit", 0, "number of messages to fetch")
	flagSet.StringVar(&opts.user, "user", "", "user id the feed runs as")
	flagSet.StringVar(&opts.token, "token", "", "access token of the user")
	if err := flagSet.Parse(args); err != nil {
		return flagOverrides{}, err
	}
	if opts.limit < 0 {
		return flagOverrides{}, fmt.Errorf("--limit must be positive, got %d", opts.limit)
	}
	return opts, nil
}

func (o flagOverrides) apply(cfg *config.Config) {
	if o.listen != "" {
		cfg.ServerAddress = o.listen
	}
	if o.organization != "" {
		cfg.Feed.ParentOrganizationID = o.organization
	}
	if o.device != "" {
		cfg.Feed.DeviceID = o.device
	}
	if o.limit > 0 {
		cfg.Feed.DefaultLimit = o.limit
	}
	if o.user != "" {
		cfg.Session.UserID = o.user
	}
	if o.token != "" {
		cfg.Session.AccessToken = o.token
	}
}

func loadConfig(opts flagOverrides) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryCfg := observability.NewConfig("feedwatch", serviceVersion)
	telemetryCfg.UserID = cfg.Session.UserID
	telemetryCfg.APIBaseURL = cfg.API.BaseURL
	telemetryCfg.PushURL = cfg.Push.URL
	telemetry, err := observability.Initialize(ctx, telemetryCfg)
	if err != nil {
		logger.WithError(err).Warn("Telemetry setup failed, continuing without it")
	}
	defer func() {
		if telemetry == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Telemetry shutdown failed")
		}
	}()

	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		logger.WithError(err).Warn("HTTP metrics unavailable")
	}
	feedMetrics, err := observability.NewFeedMetrics()
	if err != nil {
		logger.WithError(err).Warn("Feed metrics unavailable")
	}

	// Backend
	apiClient := repository.NewAPIClient(
		cfg.API.BaseURL,
		cfg.Session.AccessToken,
		&http.Client{
			Timeout:   cfg.API.Timeout(),
			Transport: observability.NewTransport(nil, httpMetrics),
		},
		repository.WithMaxRetries(cfg.API.MaxRetries),
	)

	// Feed engine
	hub := services.NewFeedHub(logger)
	store := services.NewFeedStore()
	channels := services.NewPushChannelFactory(services.PushChannelOptions{
		URL:               cfg.Push.URL,
		AccessToken:       cfg.Session.AccessToken,
		MinReconnectDelay: cfg.Push.MinReconnectDelay(),
		MaxAttempts:       cfg.Push.MaxReconnectAttempts,
		Metrics:           feedMetrics,
		Logger:            logger,
	})
	controller := services.NewSyncController(
		store,
		services.NewSnapshotFetcher(apiClient, feedMetrics),
		channels,
		services.WithNotifier(hub),
		services.WithControllerMetrics(feedMetrics),
		services.WithControllerLogger(logger),
	)
	session := services.NewFeedSession(controller, apiClient, apiClient, cfg.Session.UserID, cfg.Feed.DefaultLimit, logger)

	go hub.Run(ctx)
	go controller.Run(ctx)
	go watchConditions(ctx, controller, logger)

	route := models.RouteParams{
		ParentOrganizationID: cfg.Feed.ParentOrganizationID,
		DeviceID:             cfg.Feed.DeviceID,
	}
	if _, err := session.Navigate(ctx, route); err != nil {
		// the API stays up so the route can be changed
		logger.WithError(err).Error("Initial feed sync failed")
	}

	// Handlers
	healthHandler := handlers.NewHealthHandler()
	feedHandler := handlers.NewFeedHandler(controller, store, session, logger)
	wsHandler := handlers.NewWebSocketHandler(hub, cfg.ServerAddress, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(custommw.APIKeyFromQuery(cfg.Security.APIKeyHeader))
	r.Use(observability.TracingMiddleware())
	r.Use(observability.MetricsMiddleware(httpMetrics))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)
	r.Route("/api/feed", feedHandler.Routes)
	r.Get("/ws", wsHandler.HandleConnection)

	srv := &http.Server{
		Addr:        cfg.ServerAddress,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("feedwatch starting on %s (api %s, push %s)", cfg.ServerAddress, cfg.API.BaseURL, cfg.Push.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	stop()
	<-controller.Done()
	logger.Info("Server stopped")
	return nil
}

// watchConditions logs FetchFailed and ChannelExhausted reports
func watchConditions(ctx context.Context, controller *services.SyncController, logger *observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cond := <-controller.Conditions():
			entry := logger.WithError(cond.Err).WithField("generation", cond.Generation)
			switch cond.Kind {
			case services.ConditionFetchFailed:
				entry.Error("Feed snapshot failed; feed is not ready")
			case services.ConditionChannelExhausted:
				entry.Warn("Live updates stopped; showing the last snapshot")
			}
		}
	}
}
