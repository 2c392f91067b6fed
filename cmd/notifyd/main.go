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

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/darkden-lab/notifyd/internal/auth"
	"github.com/darkden-lab/notifyd/internal/broker"
	"github.com/darkden-lab/notifyd/internal/config"
	"github.com/darkden-lab/notifyd/internal/db"
	"github.com/darkden-lab/notifyd/internal/logging"
	mw "github.com/darkden-lab/notifyd/internal/middleware"
	"github.com/darkden-lab/notifyd/internal/notifications"
	"github.com/darkden-lab/notifyd/internal/notifications/channels"
	"github.com/darkden-lab/notifyd/internal/push"
	"github.com/darkden-lab/notifyd/internal/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serve runs the daemon until a signal, a broker give-up or an HTTP server
// failure.
func serve() error {
	cfg := config.Load()

	logger, flush, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer flush()

	if err := run(cfg, logger); err != nil {
		logger.Error("notifyd stopped", zap.Error(err))
		return err
	}
	logger.Info("notifyd stopped")
	return nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()
	if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath, logger); err != nil {
		return err
	}

	notifStore := notifications.NewNotificationStore(database.Pool)
	var prefStore notifications.PreferenceStore = notifications.NewPreferencesStore(database.Pool)
	if cfg.PreferenceCacheTTL > 0 {
		prefStore = notifications.NewCachedPreferences(prefStore, cfg.PreferenceCacheBytes, cfg.PreferenceCacheTTL, logger)
	}

	// Delivery log: always the database, plus Kafka when configured.
	logSinks := notifications.MultiLogSink{notifications.NewLogStore(database.Pool)}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := notifications.NewKafkaLogSink(cfg.KafkaBrokers, cfg.KafkaLogTopic)
		if err != nil {
			return fmt.Errorf("kafka log sink: %w", err)
		}
		defer kafkaSink.Close() //nolint:errcheck // best-effort flush on shutdown
		logSinks = append(logSinks, kafkaSink)
		logger.Info("streaming delivery log to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaLogTopic))
	}

	// Email (optional)
	var email notifications.EmailSender
	if cfg.SMTPHost != "" {
		mailer, err := channels.NewMailer(channels.EmailConfig{
			SMTPHost:    cfg.SMTPHost,
			SMTPPort:    cfg.SMTPPort,
			SMTPUser:    cfg.SMTPUser,
			SMTPPass:    cfg.SMTPPass,
			FromAddress: cfg.SMTPFrom,
			FromName:    cfg.NotificationFrom,
		}, logger)
		if err != nil {
			logger.Warn("email disabled", zap.Error(err))
		} else {
			email = mailer
		}
	} else {
		logger.Warn("SMTP_HOST not set, email delivery disabled")
	}

	// Push transport
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	reg := registry.New()
	pushServer := push.NewServer(reg, jwtService, cfg.AllowedOrigins, logger)
	pushServer.Start()

	deliverer := notifications.NewDeliverer(notifications.Sinks{
		Email: email,
		InApp: notifStore,
		Push:  pushServer,
		Log:   logSinks,
	}, logger)

	router := newDispatchRouter(prefStore, deliverer, logger)

	// Broker link
	var consumer *notifications.Consumer
	opts := broker.NewOptions().
		SetURL(cfg.AMQPURL).
		SetPrefetch(cfg.AMQPPrefetch).
		SetReconnect(cfg.AMQPReconnectInterval, cfg.AMQPMaxReconnectAttempts).
		SetOnConnect(func() {
			if err := consumer.Start(ctx); err != nil {
				logger.Error("consumer failed to start", zap.Error(err))
			}
		}).
		SetOnReconnecting(func(attempt uint, delay time.Duration) {
			logger.Warn("broker reconnect scheduled", zap.Uint("attempt", attempt), zap.Duration("delay", delay))
		})
	link := broker.New(opts, logger)
	defer link.Close()

	consumer = notifications.NewConsumer(link, router, notifications.ConsumerConfig{
		Queue:       cfg.AMQPQueue,
		Exchange:    cfg.AMQPExchange,
		RoutingKeys: cfg.AMQPRoutingKeys,
		Consumers:   cfg.AMQPConsumers,
	}, logger)

	if err := link.Connect(ctx); err != nil {
		if errors.Is(err, broker.ErrExhausted) {
			return err
		}
		logger.Warn("broker not reachable yet, retrying in background", zap.Error(err))
	}

	// Router
	r := mux.NewRouter()
	r.Use(mw.RateLimitMiddleware(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst))

	// Health check (no auth)
	r.HandleFunc("/healthz", healthzHandler(link, reg, database)).Methods(http.MethodGet)

	// WebSocket (auth handled inside handler)
	pushServer.RegisterRoutes(r)

	// Protected routes
	protected := r.PathPrefix("").Subrouter()
	protected.Use(mw.AuthMiddleware(jwtService))

	notifHandlers := notifications.NewHandlers(notifStore, prefStore, link, notifications.PublishTarget{
		Exchange: cfg.AMQPExchange,
		Queue:    cfg.AMQPQueue,
	}, logger)
	notifHandlers.RegisterRoutes(protected)

	publishers := protected.PathPrefix("").Subrouter()
	publishers.Use(mw.RequireRole(auth.RolePublisher))
	notifHandlers.RegisterPublishRoutes(publishers)

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-link.Fatal():
		runErr = fmt.Errorf("broker link gave up: %w", err)
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := consumer.Stop(shutdownCtx); err != nil {
		logger.Debug("consumer stop", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	pushServer.Stop()
	link.Close()

	return runErr
}

// newDispatchRouter builds the category table: user events go through the
// per-event table, every other category is a titled notice.
func newDispatchRouter(prefs notifications.PreferenceStore, deliverer *notifications.Deliverer, logger *zap.Logger) *notifications.Router {
	notice := func(c notifications.Category) notifications.Handler {
		return notifications.NewNoticeHandler(c, prefs, deliverer, logger)
	}

	userEvents := notifications.NewUserEvents(notifications.UserEventHandlers{
		BMICalculated: notifications.NewBMIHandler(prefs, deliverer, logger),
	}, logger)

	return notifications.NewRouter(notifications.CategoryHandlers{
		User:          userEvents,
		System:        notice(notifications.CategorySystem),
		Transactional: notice(notifications.CategoryTransactional),
		Admin:         notice(notifications.CategoryAdmin),
		Marketing:     notice(notifications.CategoryMarketing),
		Promotional:   notice(notifications.CategoryPromotional),
		Security:      notice(notifications.CategorySecurity),
		Vendor:        notice(notifications.CategoryVendor),
	}, logger)
}
