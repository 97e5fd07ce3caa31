package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/breaker"
	"github.com/anshveerturna/PredatorBrowser/pkg/cluster"
	"github.com/anshveerturna/PredatorBrowser/pkg/config"
	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/controlplane"
	"github.com/anshveerturna/PredatorBrowser/pkg/driver"
	"github.com/anshveerturna/PredatorBrowser/pkg/driver/roddriver"
	"github.com/anshveerturna/PredatorBrowser/pkg/engine"
	"github.com/anshveerturna/PredatorBrowser/pkg/idempotency"
	"github.com/anshveerturna/PredatorBrowser/pkg/quota"
	"github.com/anshveerturna/PredatorBrowser/pkg/telemetry"
	"github.com/anshveerturna/PredatorBrowser/pkg/verify"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// runtime holds everything serve builds, in shutdown order.
type runtime struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	store    controlplane.Store
	trail    *audit.Trail
	quotas   *quota.Manager
	breaker  *breaker.Breaker
	cluster  *cluster.Cluster
	closers  []func(context.Context) error
}

func (rt *runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close runs the closers last-registered first.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openDB(ctx context.Context, backend, dsn string) (*sql.DB, error) {
	name := "sqlite"
	if backend == config.BackendPostgres {
		name = "postgres"
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", backend, err)
	}
	if backend == config.BackendSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", backend, err)
	}
	return db, nil
}

func openStore(ctx context.Context, cfg *config.Config) (controlplane.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		s := controlplane.NewRedisStore(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("control plane: %w", err)
		}
		return s, nil
	case config.BackendSQLite, config.BackendPostgres:
		db, err := openDB(ctx, cfg.Store.Backend, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("control plane: %w", err)
		}
		dialect := controlplane.DialectSQLite
		if cfg.Store.Backend == config.BackendPostgres {
			dialect = controlplane.DialectPostgres
		}
		s := controlplane.NewSQLStore(db, dialect)
		if err := s.Init(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return controlplane.NewMemoryStore(), nil
	}
}

// openTrail returns the audit trail and a closer for its database.
func openTrail(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*audit.Trail, func() error, error) {
	opts := []audit.Option{audit.WithLogger(logger)}
	if cfg.Audit.HMACKey != "" {
		opts = append(opts, audit.WithSigner(audit.NewSigner([]byte(cfg.Audit.HMACKey))))
	}
	if cfg.Audit.Backend == config.BackendMemory {
		return audit.NewTrail(audit.NewMemoryStorage(), opts...), func() error { return nil }, nil
	}
	db, err := openDB(ctx, cfg.Audit.Backend, cfg.Audit.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: %w", err)
	}
	storage := audit.NewSQLStorage(db, cfg.Audit.Backend == config.BackendPostgres)
	if err := storage.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return audit.NewTrail(storage, opts...), db.Close, nil
}

func breakerGauge(state breaker.State) float64 {
	switch state {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// sinks builds the event fan-out: zap, Prometheus, and optionally a JSONL
// file and OpenTelemetry.
func sinks(ctx context.Context, cfg *config.Config, rt *runtime) (telemetry.Sink, error) {
	out := []telemetry.Sink{telemetry.NewLogSink(rt.logger), rt.metrics}

	if path := cfg.Telemetry.EventsPath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("telemetry: events file: %w", err)
		}
		async := telemetry.NewAsyncSink(telemetry.NewJSONLSink(f), 4096, 256, 500*time.Millisecond, rt.logger)
		rt.onClose(func(context.Context) error {
			async.Close()
			return f.Close()
		})
		out = append(out, async)
	}

	if endpoint := cfg.Telemetry.OTLPEndpoint; endpoint != "" {
		oc := telemetry.DefaultOTelConfig()
		oc.Endpoint = endpoint
		oc.Environment = cfg.Telemetry.Environment
		oc.ServiceVersion = version
		provider, err := telemetry.NewProvider(ctx, oc, rt.logger)
		if err != nil {
			return nil, err
		}
		rt.onClose(provider.Shutdown)
		sink, err := telemetry.NewOTelSink(nil, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, sink)
	}
	return telemetry.Multi(out...), nil
}

func newDriver(ctx context.Context, cfg *config.Config, rt *runtime) (driver.Driver, error) {
	var d driver.Driver
	if cfg.Driver.Mode == "rod" {
		rd, err := roddriver.Launch(ctx, roddriver.Config{
			Headless:    cfg.Driver.Headless,
			ControlURL:  cfg.Driver.ControlURL,
			ArtifactDir: cfg.Driver.ArtifactDir,
		}, rt.logger)
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return rd.Close() })
		d = rd
	} else {
		d = driver.NewScripted()
	}
	rc := driver.DefaultReliableConfig()
	rc.RatePerSecond = cfg.Driver.RatePerSecond
	return driver.NewReliable(d, rc, rt.logger), nil
}

// build wires the execution core: shared control plane, audit trail, quota
// manager and breaker, plus one engine per node behind the cluster.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (rt *runtime, err error) {
	rt = &runtime{logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = telemetry.NewMetrics(rt.registry)

	if rt.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	rt.onClose(func(context.Context) error { return rt.store.Close() })

	trail, closeTrail, err := openTrail(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.trail = trail
	rt.onClose(func(context.Context) error { return closeTrail() })

	profiles, err := cfg.QuotaProfiles()
	if err != nil {
		return nil, err
	}
	rt.quotas = quota.NewManager(rt.store, profiles,
		quota.WithLeaseTTL(cfg.SessionLeaseTTL()),
		quota.WithLogger(logger))
	rt.breaker = breaker.New(rt.store, cfg.BreakerSettings(),
		breaker.WithLogger(logger),
		breaker.WithListener(func(domain string, _, to breaker.State) {
			rt.metrics.BreakerState.WithLabelValues(domain).Set(breakerGauge(to))
		}))

	sink, err := sinks(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	var approvals *contract.ApprovalVerifier
	if cfg.Driver.ApprovalKey != "" {
		approvals = contract.NewApprovalVerifier([]byte(cfg.Driver.ApprovalKey), "predator")
	}
	canon := contract.NewCanonicalizer(contract.NewValidator(contract.DefaultLimits()), approvals)
	verifier, err := verify.New(logger)
	if err != nil {
		return nil, err
	}

	nodes := make([]*cluster.Node, 0, cfg.Cluster.NodeCount)
	for i := 0; i < cfg.Cluster.NodeCount; i++ {
		id := "node-" + uuid.NewString()[:8]
		d, err := newDriver(ctx, cfg, rt)
		if err != nil {
			return nil, err
		}
		eng, err := engine.New(engine.Deps{
			Canonicalizer: canon,
			Ledger: idempotency.New(rt.store,
				idempotency.WithResultFinder(rt.trail),
				idempotency.WithReservationTTL(cfg.ReservationTTL()),
				idempotency.WithOwner(id),
				idempotency.WithLogger(logger)),
			Quota:    rt.quotas,
			Breaker:  rt.breaker,
			Driver:   d,
			Verifier: verifier,
			Trail:    rt.trail,
		}, cfg.EngineSettings(id),
			engine.WithSink(sink),
			engine.WithMetrics(rt.metrics),
			engine.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, cluster.NewNode(eng, cfg.NodeSLO(), cfg.MonitorInterval(), rt.breaker.OpenRatio,
			cluster.WithMonitorLogger(logger)))
	}

	rt.cluster, err = cluster.New(cfg.ClusterSettings(), nodes,
		cluster.WithSink(sink),
		cluster.WithMetrics(rt.metrics),
		cluster.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return rt, nil
}
