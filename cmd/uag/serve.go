package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/audit"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/connectors"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/engine"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/extensions"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/health"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/infra"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/ledger"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/policy"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/quota"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/repository/postgres"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (WebSocket, metrics, optional gRPC bridge)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.cfg, opts.logger)
		},
	}
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Политика
	doc, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		return err
	}
	evaluator := policy.NewEvaluator(doc, logger)

	// 3. Postgres (опционально): зеркало аудита и статусы агентов
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
	}

	// 4. Аудит
	var sinkOpts []audit.SinkOption
	if cfg.Audit.Mirror {
		if db == nil {
			logger.Warn("audit mirror requested without database, skipping")
		} else {
			fs := audit.NewAgentFS(postgres.NewAuditRepo(db), audit.AgentFSConfig{
				BufferSize:    cfg.Engine.AuditBufferSize,
				BatchSize:     cfg.Engine.AuditBatchSize,
				FlushInterval: cfg.Engine.AuditFlushInterval,
				OnFill:        func(n int) { metrics.AuditBufferFill.Set(float64(n)) },
			}, logger)
			fs.Start()
			defer fs.Stop()
			sinkOpts = append(sinkOpts, audit.WithMirror(fs))
		}
	}
	sink, err := audit.NewSink(cfg.Audit.Path, logger, sinkOpts...)
	if err != nil {
		return err
	}
	defer sink.Close()

	// 5. Лента событий
	ledgerOpts := []ledger.Option{
		ledger.WithObserver(func(ev domain.Event) {
			metrics.LedgerEvents.WithLabelValues(string(ev.Type)).Inc()
			// Подключения агентов тоже попадают в журнал аудита
			switch ev.Type {
			case domain.EventAgentConnect, domain.EventAgentDisconnect:
				sink.LogEvent(ev.AgentID, "", string(ev.Type), ev.Data)
			}
		}),
	}
	if cfg.Engine.LedgerPath != "" {
		ledgerOpts = append(ledgerOpts, ledger.WithMirror(cfg.Engine.LedgerPath))
	}
	led, err := ledger.New(cfg.Engine.LedgerCapacity, logger, ledgerOpts...)
	if err != nil {
		return err
	}
	defer led.Close()
	if cfg.Engine.ReplayPath != "" {
		if _, err := led.Replay(cfg.Engine.ReplayPath); err != nil {
			return fmt.Errorf("replay ledger: %w", err)
		}
	}

	// 6. Квоты
	quotas := quota.NewManager(quota.Limits{
		CPUBudgetMs:    cfg.Quota.CPUBudgetMs,
		StorageQuotaMB: cfg.Quota.StorageQuotaMB,
		ToolRateLimits: cfg.Quota.ToolRateLimits,
	}, logger, quota.WithWindow(cfg.Quota.Window))

	// 7. Каталог
	registry := catalog.NewRegistry(logger)
	if cfg.Simulate {
		if err := registry.RegisterAll(connectors.NewSimulator().Capabilities()...); err != nil {
			return fmt.Errorf("register simulated sensors: %w", err)
		}
	}

	// 8. Control plane: Redis для kill-switch и выдачи scope
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rdb = client
	}
	var store engine.AgentStore
	if db != nil {
		store = postgres.NewAgentRepo(db)
	}
	ks := engine.NewKillSwitch(rdb, store, logger)
	if err := ks.Init(ctx); err != nil {
		// Шлюз поднимается с пустым списком, слушатель догонит при переподключении
		logger.Warn("kill-switch init failed", zap.Error(err))
	}

	// 9. Ядро
	dispatcherOpts := []engine.Option{
		engine.WithAudit(sink),
		engine.WithQuota(quotas),
		engine.WithBlockList(ks),
		engine.WithMetrics(metrics),
	}
	if verifier, err := approvalVerifier(cfg.Approval); err != nil {
		return err
	} else if verifier != nil {
		dispatcherOpts = append(dispatcherOpts, engine.WithApprovals(verifier))
	}
	dispatcher := engine.NewDispatcher(registry, evaluator, led, engine.Config{
		Workers:    cfg.Engine.Workers,
		RateWindow: cfg.Engine.RateWindow,
	}, logger, dispatcherOpts...)

	// 10. Расширения
	plugins, err := extensions.LoadDir(cfg.Extensions.Dir, logger)
	if err != nil {
		return err
	}
	extensions.Register(registry, plugins, dispatcher, logger)

	var conns []*grpc.ClientConn
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for _, ext := range cfg.Extensions.Remote {
		conn, err := connectRemote(ctx, registry, ext, cfg.Engine, metrics, logger)
		if err != nil {
			// Недоступное расширение не мешает подняться остальному каталогу
			logger.Error("remote extension unavailable", zap.String("extension", ext.Name), zap.Error(err))
			continue
		}
		conns = append(conns, conn)
	}
	logger.Info("catalog ready", zap.Int("tools", registry.Len()), zap.Strings("names", registry.Names()))

	// 11. Транспорт
	monitor := health.NewMonitor(version)
	router := transport.NewRouter(registry, dispatcher, led, quotas, monitor, logger)
	ws := transport.NewWSServer(router, led, quotas, metrics, transport.WSConfig{
		ReadLimit:    cfg.Server.ReadLimit,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, logger)

	// WriteTimeout не ставим: WebSocket живет долго
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           transport.NewHTTPHandler(ws, monitor, reg),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPC.Enabled {
		grpcSrv = transport.NewBridgeServer(router, logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gateway started", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		g.Go(func() error {
			logger.Info("grpc bridge started", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	if rdb != nil {
		signals := engine.NewScopeSignals(rdb, evaluator, logger)
		g.Go(func() error { ks.StartListener(gctx); return nil })
		g.Go(func() error { signals.Listen(gctx); return nil })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("gateway stopping...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("gateway exited properly", zap.Int("events", led.Len()))
	return nil
}

// approvalVerifier выбирает RSA, если задан публичный ключ, иначе HMAC.
// Без ключей инструменты с обязательным одобрением всегда отклоняются.
func approvalVerifier(cfg infra.ApprovalConfig) (engine.ApprovalVerifier, error) {
	switch {
	case len(cfg.PublicKey) > 0:
		v, err := policy.NewRSAVerifier(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("approval public key: %w", err)
		}
		return v, nil
	case cfg.HMACSecret != "":
		return policy.NewHMACVerifier([]byte(cfg.HMACSecret)), nil
	default:
		return nil, nil
	}
}

func connectRemote(
	ctx context.Context,
	registry *catalog.Registry,
	ext infra.RemoteExtension,
	ecfg infra.EngineConfig,
	metrics *engine.Metrics,
	logger *zap.Logger,
) (*grpc.ClientConn, error) {
	adapter, conn, err := connectors.Dial(ext.Name, ext.Addr, ext.Timeout,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	safe := connectors.NewReliabilityWrapper(adapter, connectors.ReliabilityConfig{
		Name:        ext.Name,
		RateLimit:   ext.RateLimit,
		Burst:       ext.Burst,
		CallTimeout: ext.Timeout,
		MaxRequests: uint32(ecfg.CBMaxRequests),
		Interval:    ecfg.CBInterval,
		OpenTimeout: ecfg.CBTimeout,
		OnStateChange: func(name string, value float64) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(value)
		},
	}, logger)

	n, err := connectors.RegisterRemote(ctx, registry, adapter, safe, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("remote extension connected", zap.String("extension", ext.Name), zap.Int("tools", n))
	return conn, nil
}
