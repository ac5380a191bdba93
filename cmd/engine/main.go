// Command engine runs the DCA trading core: the signal router's webhook
// ingress, the three leader-elected background loops (order fill monitor,
// queue promotion, risk engine), and the administrative/health surfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/adminapi"
	"dcaengine/internal/alert"
	"dcaengine/internal/bootstrap"
	"dcaengine/internal/config"
	"dcaengine/internal/core"
	"dcaengine/internal/exchangeconn"
	"dcaengine/internal/exchangeconn/mockconn"
	"dcaengine/internal/exchangeconn/refexchange"
	"dcaengine/internal/fillmonitor"
	"dcaengine/internal/infrastructure/health"
	"dcaengine/internal/infrastructure/metrics"
	"dcaengine/internal/infrastructure/server"
	"dcaengine/internal/leader"
	"dcaengine/internal/ordersvc"
	"dcaengine/internal/pool"
	"dcaengine/internal/positioncreator"
	"dcaengine/internal/queue"
	"dcaengine/internal/riskengine"
	"dcaengine/internal/router"
	"dcaengine/internal/safety"
	"dcaengine/internal/store"
	"dcaengine/internal/tpeval"
	"dcaengine/pkg/logging"
	"dcaengine/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Telemetry first: the zap logger's otelzap bridge binds to the
	// global logger provider at construction time.
	tel, err := telemetry.Setup("dcaengine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Telemetry setup failed, continuing without exporters: %v\n", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)
	logger.Info("starting engine", "version", version, "engine_type", cfg.App.EngineType)

	// Process-level lifecycle (signal handling, errgroup supervision)
	// runs through bootstrap.App; components log through the zap ILogger.
	app := &bootstrap.App{Cfg: cfg, Logger: bootstrap.InitLogger(cfg)}

	if err := telemetry.GetGlobalMetrics().InitMetrics(telemetry.GetMeter("dcaengine")); err != nil {
		logger.Warn("metric registration failed", "error", err)
	}

	// Initialization context; the run context comes from app.Run's signal
	// handling below.
	ctx := context.Background()

	st, coord, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store initialization failed", "error", err)
	}
	defer closeStore()

	connectors, err := buildConnectors(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("exchange adapter initialization failed", "error", err)
	}
	registry := exchangeconn.NewRegistry(connectors, st, st, ordersvc.DefaultConfig(), logger)

	checker := safety.NewChecker(logger)
	for _, conn := range connectors {
		if err := checker.CheckConnector(ctx, conn, nil); err != nil {
			logger.Fatal("exchange preflight check failed", "error", err)
		}
	}

	notifier := alert.NewAlertManager(logger)
	if cfg.Alerts.TelegramBotToken != "" {
		notifier.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.TelegramBotToken), cfg.Alerts.TelegramChatID))
	}
	if cfg.Alerts.SlackWebhookURL != "" {
		notifier.AddChannel(alert.NewSlackChannel(string(cfg.Alerts.SlackWebhookURL)))
	}

	poolMgr := pool.NewManager(cfg.Engine.ExecutionPoolSize, logger)

	riskEngine := riskengine.New(st, st, st, st, st, st, registry, registry, notifier, logger)
	riskEngine.Pool = poolMgr

	tpEval := tpeval.New(st, st, st, registry.OrderService, poolMgr, logger)

	var dbosCtx dbos.DBOSContext
	if cfg.App.EngineType == "dbos" {
		dbosCtx, err = dbos.NewDBOSContext(ctx, dbos.Config{AppName: "dcaengine", DatabaseURL: cfg.App.DatabaseURL})
		if err != nil {
			logger.Fatal("dbos context initialization failed", "error", err)
		}
	}
	creator := positioncreator.New(st, registry, registry, poolMgr, notifier, logger, dbosCtx)
	if dbosCtx != nil {
		dbos.RegisterWorkflow(dbosCtx, creator.CreateNewPositionWorkflow)
		dbos.RegisterWorkflow(dbosCtx, creator.CreateContinuationWorkflow)
		if err := dbosCtx.Launch(); err != nil {
			logger.Fatal("dbos launch failed", "error", err)
		}
		defer dbosCtx.Shutdown(30 * time.Second)
	}

	queueMgr := queue.NewManager(st, st, st, registry, poolMgr, creator, logger)
	queueMgr.PerUserLimit = func(userID uuid.UUID) int { return cfg.Engine.ExecutionPoolSize }
	queueMgr.BypassEnabled = func(userID uuid.UUID) bool {
		u, err := st.GetUser(ctx, userID)
		return err == nil && u != nil && u.SamePairTimeframeBypass
	}
	queueMgr.EngineAllowed = func(userID uuid.UUID) bool {
		u, err := st.GetUser(ctx, userID)
		if err != nil || u == nil {
			return false
		}
		return !u.RiskConfig.EngineForceStopped && !u.RiskConfig.EnginePausedByLossLimit
	}

	alloc := &allocResolver{store: st, cfg: cfg}
	sigRouter := router.New(st, st, st, registry, registry, poolMgr, creator, queueMgr, riskEngine, alloc, logger)

	monitor := fillmonitor.New(st, st, st, st, st, registry, registry, tpEval, coord, riskEngine.OnFill, poolMgr, logger)
	monitor.PerUserConcurrency = cfg.Concurrency.FillMonitorPoolSize

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("store", func() error {
		_, err := st.ListActiveUserIDs(context.Background())
		return err
	})

	// Background loops run only while this process holds the engine
	// leadership lock.
	loops := newLoopSupervisor(cfg, st, poolMgr, queueMgr, monitor, riskEngine, logger)
	elector := leader.New(coord, time.Duration(cfg.Timing.LeaderLeaseSeconds)*time.Second, logger, leader.Callbacks{
		OnElected: loops.start,
		OnDemoted: loops.stop,
	})
	healthMgr.Register("leader", func() error {
		if !elector.IsLeader() {
			return fmt.Errorf("not leader")
		}
		return nil
	})

	healthSrv := server.NewHealthServer(cfg.System.HealthPort, logger, healthMgr)
	healthSrv.Start()
	defer func() { _ = healthSrv.Stop(context.Background()) }()

	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.MetricsPort > 0 {
		metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsSrv.Start()
		defer func() { _ = metricsSrv.Stop(context.Background()) }()
	}

	adminSvc := adminapi.NewService(riskEngine, queueMgr, sigRouter, logger)
	adminHTTP := adminapi.NewHTTPServer(":"+cfg.System.AdminHTTPPort, adminSvc, string(cfg.System.AdminAPIKeys), healthMgr, logger)
	adminHTTP.Start()
	defer func() { _ = adminHTTP.Stop(context.Background()) }()

	if cfg.System.AgentGRPCPort != "" {
		grpcHealth := adminapi.NewGRPCHealthServer(":"+cfg.System.AgentGRPCPort, healthMgr, logger)
		if err := grpcHealth.Start(); err != nil {
			logger.Error("admin grpc health server failed to start", "error", err)
		} else {
			defer grpcHealth.Stop()
		}
	}

	webhook := newWebhookServer(cfg.System.WebhookPort, sigRouter, logger)
	webhook.Start()
	defer func() { _ = webhook.Stop(context.Background()) }()

	if err := app.Run(elector); err != nil {
		logger.Error("engine run failed", "error", err)
	}
	loops.stop()

	if tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}
	logger.Info("engine shut down")
}

// openStore selects the persistence backend from app.database_url:
// postgres:// URLs use the Postgres store, any other non-empty value is
// an SQLite path, and empty runs the in-memory dev profile.
func openStore(ctx context.Context, cfg *config.Config) (core.IStore, core.ICoordinationStore, func(), error) {
	url := cfg.App.DatabaseURL
	switch {
	case url == "":
		mem := store.NewMemStore()
		return mem, mem, func() {}, nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		pg, err := store.NewPostgresStore(ctx, url)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil
	default:
		lite, err := store.NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, nil, nil, err
		}
		return lite, lite, func() { _ = lite.Close() }, nil
	}
}

func buildConnectors(ctx context.Context, cfg *config.Config, logger core.ILogger) (map[string]core.IExchangeConnector, error) {
	out := make(map[string]core.IExchangeConnector, len(cfg.App.ActiveExchanges))
	for _, name := range cfg.App.ActiveExchanges {
		if name == "mock" {
			out[name] = mockconn.NewMockConnector(name)
			continue
		}
		exchCfg, ok := cfg.Exchanges[name]
		if !ok {
			return nil, fmt.Errorf("no configuration for active exchange %q", name)
		}
		conn := refexchange.New(name, exchCfg, logger)
		conn.Start(ctx)
		out[name] = conn
	}
	return out, nil
}

// allocResolver resolves the capital-allocation inputs from the
// engine-wide defaults plus the user's risk configuration.
type allocResolver struct {
	store core.IStore
	cfg   *config.Config
}

func (a *allocResolver) AllocationConfig(ctx context.Context, userID, exchange string) (router.AllocationConfig, error) {
	out := router.AllocationConfig{
		RiskPerPositionPercent: decimal.NewFromFloat(a.cfg.Allocation.RiskPerPositionPercent),
		RiskPerPositionCapUSD:  decimal.NewFromFloat(a.cfg.Allocation.RiskPerPositionCapUSD),
		DefaultAllocationUSD:   decimal.NewFromFloat(a.cfg.Allocation.DefaultAllocationUSD),
		PerUserPoolLimit:       a.cfg.Engine.ExecutionPoolSize,
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return out, err
	}
	u, err := a.store.GetUser(ctx, id)
	if err != nil {
		return out, err
	}
	out.MaxTotalExposureUSD = u.RiskConfig.MaxTotalExposureUSD
	out.SamePairTimeframeBypass = u.SamePairTimeframeBypass
	return out, nil
}

// loopSupervisor starts and stops the three background loops with
// leadership transitions. Pool-slot accounting is rehydrated from the
// store on every election.
type loopSupervisor struct {
	cfg      *config.Config
	store    core.IStore
	pool     *pool.Manager
	queueMgr *queue.Manager
	monitor  *fillmonitor.Monitor
	risk     *riskengine.Engine
	logger   core.ILogger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newLoopSupervisor(cfg *config.Config, st core.IStore, poolMgr *pool.Manager, queueMgr *queue.Manager, monitor *fillmonitor.Monitor, risk *riskengine.Engine, logger core.ILogger) *loopSupervisor {
	return &loopSupervisor{
		cfg:      cfg,
		store:    st,
		pool:     poolMgr,
		queueMgr: queueMgr,
		monitor:  monitor,
		risk:     risk,
		logger:   logger.WithField("component", "loop_supervisor"),
	}
}

func (s *loopSupervisor) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.rehydratePool(loopCtx)

	if err := s.queueMgr.StartPromotionLoop(loopCtx, time.Duration(s.cfg.Engine.QueuePromotionIntervalSec)*time.Second); err != nil {
		s.logger.Error("failed to start promotion loop", "error", err)
	}
	if err := s.risk.StartLoop(loopCtx, time.Duration(s.cfg.Engine.RiskEngineIntervalSeconds)*time.Second); err != nil {
		s.logger.Error("failed to start risk engine loop", "error", err)
	}
	go func() {
		_ = s.monitor.Run(loopCtx, time.Duration(s.cfg.Engine.FillMonitorIntervalMillis)*time.Millisecond)
	}()
	s.logger.Info("background loops started")
}

func (s *loopSupervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.queueMgr.StopPromotionLoop()
	s.risk.StopLoop()
	s.logger.Info("background loops stopped")
}

func (s *loopSupervisor) rehydratePool(ctx context.Context) {
	userIDs, err := s.store.ListActiveUserIDs(ctx)
	if err != nil {
		s.logger.Error("pool rehydration: list users failed", "error", err)
		return
	}
	for _, userID := range userIDs {
		groups, err := s.store.ListActiveGroups(ctx, userID)
		if err != nil {
			s.logger.Error("pool rehydration: list groups failed", "user_id", userID, "error", err)
			continue
		}

		bypassEnabled := false
		if u, err := s.store.GetUser(ctx, userID); err == nil && u != nil {
			bypassEnabled = u.SamePairTimeframeBypass
		}

		keys := make([]string, 0, len(groups))
		byKey := make(map[string]*core.PositionGroup, len(groups))
		for _, g := range groups {
			keys = append(keys, g.SlotKey())
			byKey[g.SlotKey()] = g
		}
		// Classify bypass-tracked continuation slots so a leader failover
		// never re-acquires a counted token the group never consumed:
		// under same_pair_timeframe bypass, pyramids beyond the first were
		// granted outside the semaphore.
		isPyramidGroup := func(slotKey string) bool {
			if !bypassEnabled {
				return false
			}
			g, ok := byKey[slotKey]
			return ok && g.PyramidCount > 1
		}
		s.pool.Rehydrate(userID.String(), s.cfg.Engine.ExecutionPoolSize, keys, isPyramidGroup)
	}
}
