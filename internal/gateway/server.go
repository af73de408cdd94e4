package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prismgate/gateway/config"
	"github.com/prismgate/gateway/internal/admin"
	"github.com/prismgate/gateway/internal/auth"
	"github.com/prismgate/gateway/internal/circuitbreaker"
	"github.com/prismgate/gateway/internal/health"
	"github.com/prismgate/gateway/internal/logging"
	"github.com/prismgate/gateway/internal/logsink"
	"github.com/prismgate/gateway/internal/metrics"
	"github.com/prismgate/gateway/internal/middleware"
	"github.com/prismgate/gateway/internal/proxy"
	"github.com/prismgate/gateway/internal/ratelimit"
	"github.com/prismgate/gateway/internal/reqctx"
	"github.com/prismgate/gateway/internal/routing"
	"github.com/prismgate/gateway/internal/store/postgres"
)

// Boot failures, distinguished for the process exit codes.
var (
	ErrStoreUnreachable = errors.New("persistent store unreachable")
	ErrSchemaMismatch   = postgres.ErrSchemaMismatch
)

// Server owns the listener, the pipeline and every background worker.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	gateway    *Gateway
	table      *routing.Table
	supervisor *health.Supervisor
	sink       *logsink.Sink
	counters   *ratelimit.LocalCounterStore
	store      *postgres.Store
	syncStop   chan struct{}
}

// NewServer builds the full gateway from configuration.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	var store *postgres.Store
	if cfg.Store.DSN != "" {
		var err error
		store, err = postgres.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
		}
		if err := store.CheckSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}

	trusted, err := reqctx.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("trusted_proxy_cidrs: %w", err)
	}

	verifier, err := auth.New(auth.Config{
		Secret:             cfg.Auth.SecretKey,
		Algorithm:          cfg.Auth.TokenAlgorithm,
		IdentityServiceURL: cfg.Auth.IdentityServiceURL,
	})
	if err != nil {
		return nil, err
	}

	var routeStore routing.Store
	var ruleStore ratelimit.Store
	var healthStore health.Store
	var logStore logsink.Store
	if store != nil {
		routeStore = store
		ruleStore = store
		healthStore = store
		logStore = store
	}

	table := routing.NewTable(routeStore)
	if err := table.Load(ctx); err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}

	var counters ratelimit.CounterStore
	var localCounters *ratelimit.LocalCounterStore
	if cfg.RateLimit.RedisAddr != "" {
		counters = ratelimit.NewRedisCounterStore(ratelimit.RedisCounterConfig{
			Client: redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr}),
		})
	} else {
		localCounters = ratelimit.NewLocalCounterStore()
		counters = localCounters
	}
	engine := ratelimit.NewEngine(ruleStore, counters, cfg.RateLimit.Enabled)
	if err := engine.Load(ctx); err != nil {
		return nil, fmt.Errorf("load rate limit rules: %w", err)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout(),
	})

	sink := logsink.NewSink(logsink.Config{
		BufferSize:    cfg.Logs.BufferSize,
		SamplingRatio: cfg.Logs.SamplingRatio,
	}, logStore)

	collector := metrics.NewCollector(sink.Dropped)

	supervisor := health.NewSupervisor(health.Config{
		Interval: time.Duration(cfg.Health.IntervalSeconds) * time.Second,
		Timeout:  time.Duration(cfg.Health.TimeoutSeconds) * time.Second,
		OnChange: func(service string, status health.Status) {
			collector.SetServiceHealthy(service, status == health.StatusHealthy)
			logging.Info("service health changed",
				zap.String("service", service),
				zap.String("status", string(status)),
			)
		},
	}, healthStore, breakerIsOpen{breakers})
	supervisor.Sync(table.Services())

	dispatcher := proxy.New(proxy.Config{
		DefaultTimeout: time.Duration(cfg.Proxy.GatewayTimeoutMS) * time.Millisecond,
		DefaultRetries: cfg.Proxy.GatewayRetries,
	})

	adminAPI := admin.New(table, engine, breakers, supervisor, sink, collector, verifier)

	gw := New(Config{
		Table:          table,
		Verifier:       verifier,
		Engine:         engine,
		Breakers:       breakers,
		Supervisor:     supervisor,
		Dispatcher:     dispatcher,
		Sink:           sink,
		Collector:      collector,
		AdminHandler:   adminAPI.Handler(),
		AdminPrefix:    admin.Prefix,
		BreakerEnabled: cfg.Breaker.Enabled,
	})

	s := &Server{
		cfg:        cfg,
		gateway:    gw,
		table:      table,
		supervisor: supervisor,
		sink:       sink,
		counters:   localCounters,
		store:      store,
		syncStop:   make(chan struct{}),
	}

	chain := middleware.NewChain(
		middleware.RequestID(trusted),
		middleware.Recovery(),
		middleware.LoadShed(cfg.Proxy.MaxInflight),
		middleware.CORS(middleware.CORSConfig{
			Origins:          cfg.CORS.Origins,
			Methods:          cfg.CORS.Methods,
			Headers:          cfg.CORS.Headers,
			AllowCredentials: cfg.CORS.AllowCredentials,
		}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/live", s.handleLive)
	mux.Handle("/", gw)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           chain.Then(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// breakerIsOpen adapts the registry to the supervisor's read-only view.
type breakerIsOpen struct {
	registry *circuitbreaker.Registry
}

func (b breakerIsOpen) IsOpen(service string) bool {
	return b.registry.State(service) == circuitbreaker.StateOpen
}

// Run serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	go s.syncLoop()

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		logging.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			logging.Info("shutting down", zap.String("signal", sig.String()))
			return s.Shutdown(30 * time.Second)
		case <-ctx.Done():
			return nil
		}
	})

	return g.Wait()
}

// Shutdown stops accepting, drains in-flight requests, flushes the log sink
// and releases every resource.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)

	close(s.syncStop)
	s.supervisor.Stop()
	s.sink.Close()
	if s.counters != nil {
		s.counters.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	logging.Sync()
	return err
}

// syncLoop keeps the health supervisor's service set aligned with the route
// table as admins mutate it.
func (s *Server) syncLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.syncStop:
			return
		case <-ticker.C:
			s.supervisor.Sync(s.table.Services())
		}
	}
}

// handleHealth reports aggregate upstream health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.supervisor.Aggregate()
	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports whether the gateway can serve: the store must answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "not_ready", "reason": "store unreachable"})
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status": "ready",
		"routes": len(s.table.List(true)),
	})
}

// handleLive is the bare liveness probe.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
