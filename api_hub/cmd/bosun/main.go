package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"devicemanager/api_hub/internal/activity"
	hubconfig "devicemanager/api_hub/internal/config"
	"devicemanager/api_hub/internal/correlator"
	"devicemanager/api_hub/internal/devicehub"
	"devicemanager/api_hub/internal/events"
	"devicemanager/api_hub/internal/handlers"
	"devicemanager/api_hub/internal/metrics"
	"devicemanager/api_hub/internal/operatorhub"
	"devicemanager/api_hub/internal/registration"
	"devicemanager/api_hub/internal/registry"
	"devicemanager/api_hub/internal/store"
	"devicemanager/api_hub/internal/websocket"
	"devicemanager/pkg/auth"
	"devicemanager/pkg/config"
	"devicemanager/pkg/database"
	"devicemanager/pkg/kafka"
	"devicemanager/pkg/logging"
	"devicemanager/pkg/monitoring"
	"devicemanager/pkg/redis"
	"devicemanager/pkg/server"
	"devicemanager/pkg/version"
)

const drainTimeout = 10 * time.Second

// backingStore is the device directory and command audit log of one deployment.
type backingStore interface {
	store.Directory
	store.AuditSink
}

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bosun")

	// Load environment variables
	config.LoadEnv(logger)
	cfg := hubconfig.Load()

	logger.WithField("version", version.Version).Info("Starting Bosun (device command hub)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bosun", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bosun", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Device directory and audit log
	var backing backingStore
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, database.DefaultConfig(cfg.DatabaseURL), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()

		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to apply database schema")
		}
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
		backing = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory device directory")
		backing = store.NewMemoryStore()
	}

	// Pairing codes
	var codes registration.CodeStore
	if cfg.RedisURL != "" {
		rdb, err := redis.NewClientFromURL(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(rdb))
		codes = registration.NewRedisCodeStore(rdb)
	} else {
		codes = registration.NewMemoryCodeStore()
	}

	// Kafka mirroring of presence and command audit
	var audit store.AuditSink = backing
	var mirror activity.Mirror
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.Client()))

		publisher := events.NewPublisher(producer, cfg.KafkaPresenceTopic, cfg.KafkaAuditTopic, "bosun", logger)
		audit = events.NewMirroredAudit(backing, publisher, logger)
		mirror = publisher
	}

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(cfg.Required()))

	// Hubs
	deviceRegistry := registry.New(devicehub.Name, logger)
	operatorRegistry := registry.New(operatorhub.Name, logger)
	registrationRegistry := registry.New(registration.Name, logger)

	commands := correlator.New(backing, deviceRegistry, correlator.Config{
		MaxTimeout:        cfg.CommandTimeoutMax,
		StreamBuffer:      cfg.StreamBuffer,
		StreamPushTimeout: cfg.StreamPushTimeout,
	}, serviceMetrics, logger)

	operators := operatorhub.New(operatorhub.Config{
		Registry:     operatorRegistry,
		Commands:     commands,
		Audit:        audit,
		QueryTimeout: cfg.QueryTimeout,
		Logger:       logger,
	})

	pipeline := activity.New(backing, operators, mirror, activity.Config{
		DisplayCacheTTL: cfg.DisplayCacheTTL,
		CacheHooks:      serviceMetrics.CacheHooks("display_info"),
		Live:            deviceRegistry,
	}, serviceMetrics, logger)

	devices := devicehub.New(devicehub.Config{
		Registry:   deviceRegistry,
		Correlator: commands,
		Activities: pipeline,
		Notifier:   operators,
		Directory:  backing,
		Audit:      audit,
		Logger:     logger,
	})

	pairing := registration.New(registration.Config{
		Registry: registrationRegistry,
		Codes:    codes,
		Scope:    backing,
		Secret:   cfg.JWTSecret,
		CodeTTL:  cfg.PairingCodeTTL,
		TokenTTL: cfg.DeviceTokenTTL,
		Logger:   logger,
	})

	// http.Server.Shutdown does not close hijacked hub connections.
	connCtx, closeConnections := context.WithCancel(context.Background())
	defer closeConnections()

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	pools := make([]*websocket.Pool, 0, 3)
	endpoint := func(name string, policy websocket.SessionPolicy, router *websocket.Router, lifecycle websocket.Lifecycle) *websocket.Endpoint {
		pool := websocket.NewPool(cfg.HubWorkers)
		pools = append(pools, pool)
		ep, err := websocket.NewEndpoint(websocket.Config{
			Name:        name,
			Policy:      policy,
			Verifier:    verifier,
			Router:      router,
			Pool:        pool,
			Lifecycle:   lifecycle,
			Logger:      logger,
			Observer:    serviceMetrics,
			BaseContext: connCtx,
		})
		if err != nil {
			logger.WithError(err).WithField("hub", name).Fatal("Failed to create hub endpoint")
		}
		return ep
	}
	deviceEndpoint := endpoint(devicehub.Name, websocket.RequireDevice, devices.Router(), devices)
	operatorEndpoint := endpoint(operatorhub.Name, websocket.RequireOperator, operators.Router(), operators)
	registrationEndpoint := endpoint(registration.Name, websocket.AllowAnonymous, pairing.Router(), pairing)

	bosunHandlers := handlers.NewBosunHandlers(handlers.Config{
		Pairings: pairing,
		Hubs:     []handlers.StatsSource{deviceRegistry, operatorRegistry, registrationRegistry},
		Pending:  commands.Pending,
		Queued:   pipeline.Len,
		Logger:   logger,
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bosun", healthChecker, metricsCollector)

	// Hub routes authenticate during the upgrade
	router.GET("/hubs/device", deviceEndpoint.GinHandler())
	router.GET("/hubs/operator", operatorEndpoint.GinHandler())
	router.GET("/hubs/registration", registrationEndpoint.GinHandler())

	bosunHandlers.Register(router, verifier)
	router.NoRoute(bosunHandlers.HandleNotFound)

	serverConfig := server.DefaultConfig("bosun", cfg.Port)

	g, gctx := errgroup.WithContext(ctx)
	pipeline.Start(gctx)
	g.Go(func() error {
		return server.Start(gctx, serverConfig, router, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		closeConnections()

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		awaitDisconnected(drainCtx, deviceRegistry, operatorRegistry, registrationRegistry)
		awaitHandlers(drainCtx, pools)
		if err := pipeline.Stop(drainCtx); err != nil {
			logger.WithError(err).Warn("Activity pipeline did not drain before shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Bosun stopped with error")
	}
	logger.Info("Bosun stopped")
}

// awaitDisconnected polls until every registry is empty so disconnect
// activities are queued before the pipeline drains.
func awaitDisconnected(ctx context.Context, registries ...*registry.Registry) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		live := 0
		for _, r := range registries {
			live += r.Count()
		}
		if live == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func awaitHandlers(ctx context.Context, pools []*websocket.Pool) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, pool := range pools {
			pool.Wait()
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
