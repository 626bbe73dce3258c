// Package runtime assembles the gateway: it drives the bootstrap
// orchestrator, and each attempt builds a brand-new federation engine and
// HTTP server and binds it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/99designs/gqlgen/graphql/playground"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msbench/federation-gateway/internal/bootstrap"
	"github.com/msbench/federation-gateway/internal/config"
	"github.com/msbench/federation-gateway/internal/federation"
	"github.com/msbench/federation-gateway/internal/health"
	"github.com/msbench/federation-gateway/internal/metrics"
	"github.com/msbench/federation-gateway/internal/propagation"
	"github.com/msbench/federation-gateway/internal/server"
	"github.com/msbench/federation-gateway/internal/subgraph"
)

const tracerName = "github.com/msbench/federation-gateway/internal/runtime"

// Gateway holds everything needed to bring the gateway up. It is inert until
// Start.
type Gateway struct {
	cfg      config.Config
	registry *subgraph.Registry

	logger      *slog.Logger
	listenAddr  string
	buildEngine EngineBuilder
	sleep       bootstrap.Sleeper
	httpClient  *http.Client
	observers   []bootstrap.Observer
	tracer      trace.Tracer

	mu      sync.Mutex
	started bool
}

// New validates its inputs and applies options. Nothing is contacted.
func New(cfg config.Config, registry *subgraph.Registry, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.New("subgraph registry required")
	}

	gw := &Gateway{
		cfg:         cfg,
		registry:    registry,
		logger:      slog.Default(),
		listenAddr:  cfg.ListenAddr(),
		buildEngine: federation.Build,
		sleep:       bootstrap.Sleep,
		tracer:      otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.httpClient == nil {
		gw.httpClient = &http.Client{
			Timeout:   cfg.SubgraphTimeout(),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return gw, nil
}

// Start runs the bootstrap state machine and returns the serving instance.
// It returns an error wrapping bootstrap.ErrAborted when every attempt
// failed, or ctx's error when ctx ended while waiting between attempts.
func (g *Gateway) Start(ctx context.Context) (*Instance, error) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil, errors.New("gateway already started")
	}
	g.started = true
	g.mu.Unlock()

	opts := []bootstrap.Option{
		bootstrap.WithSleeper(g.sleep),
		bootstrap.WithLogger(g.logger),
		bootstrap.WithObserver(recordMetrics),
	}
	for _, obs := range g.observers {
		opts = append(opts, bootstrap.WithObserver(obs))
	}

	orch := bootstrap.New(bootstrap.Config{
		InitialDelay: g.cfg.StartupDelay(),
		MaxAttempts:  g.cfg.Bootstrap.MaxAttempts,
		BaseDelay:    g.cfg.RetryBaseDelay(),
		MaxDelay:     g.cfg.RetryMaxDelay(),
	}, g.attempt, opts...)

	inst, err := orch.Run(ctx)
	if err != nil {
		return nil, err
	}
	g.logServing(inst)
	return inst, nil
}

// attempt builds one candidate inside a "bootstrap attempt" span.
func (g *Gateway) attempt(ctx context.Context, n int) (*Instance, error) {
	ctx, span := g.tracer.Start(ctx, "bootstrap attempt",
		trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()

	inst, err := g.build(ctx, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("listen.addr", inst.Addr().String()))
	return inst, nil
}

// build assembles and binds one instance. Anything it allocated is released
// before it returns an error.
func (g *Gateway) build(ctx context.Context, n int) (*Instance, error) {
	production := g.cfg.Production()

	engineOpts := federation.Options{
		HTTPClient:    g.httpClient,
		Introspection: !production,
		Logger:        g.logger.With(slog.Int("attempt", n)),
	}
	if !production {
		engineOpts.PollInterval = g.cfg.PollInterval()
	}

	engine, err := g.buildEngine(ctx, g.registry, engineOpts)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	srv := server.New(g.logger, g.cfg.RequestTimeout())
	g.mount(srv.Router, engine)

	if err := srv.Bind(g.listenAddr); err != nil {
		engine.Close()
		return nil, err
	}

	return &Instance{
		engine:    engine,
		server:    srv,
		logger:    g.logger,
		startedAt: time.Now(),
	}, nil
}

func (g *Gateway) mount(r chi.Router, engine *federation.Engine) {
	health.New(g.registry.Names()).Mount(r)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", server.HeaderRequestID},
			ExposedHeaders: []string{server.HeaderRequestID},
			MaxAge:         300,
		}))
		r.Use(propagation.Middleware)
		r.Handle("/graphql", engine)
	})

	if !g.cfg.Production() {
		r.Get("/playground", playground.Handler("Federation Gateway", "/graphql"))
	}
}

func (g *Gateway) logServing(inst *Instance) {
	g.logger.Info("gateway ready",
		slog.String("url", fmt.Sprintf("http://%s/graphql", inst.Addr())),
		slog.String("health", fmt.Sprintf("http://%s/health", inst.Addr())),
		slog.String("environment", g.cfg.Engine.Environment),
		slog.Any("federated", inst.engine.Subgraphs()))
	for _, ep := range g.registry.Endpoints() {
		g.logger.Info("subgraph",
			slog.String("name", ep.Name),
			slog.String("url", ep.URL),
			slog.Bool("federated", ep.Federated))
	}
}

func recordMetrics(state bootstrap.State, attempt bootstrap.Attempt) {
	metrics.SetBootstrapState(state.String())
	if attempt.Outcome != bootstrap.OutcomePending {
		metrics.BootstrapAttemptsTotal.WithLabelValues(attempt.Outcome.String()).Inc()
	}
}

// Instance is a serving gateway.
type Instance struct {
	engine    *federation.Engine
	server    *server.Server
	logger    *slog.Logger
	startedAt time.Time
}

// Addr is the address the HTTP surface is bound to.
func (i *Instance) Addr() net.Addr {
	return i.server.Addr()
}

// Engine exposes the federation engine that is serving /graphql.
func (i *Instance) Engine() *federation.Engine {
	return i.engine
}

// Shutdown stops the HTTP server, waiting for in-flight requests until ctx
// expires, then releases the engine.
func (i *Instance) Shutdown(ctx context.Context) error {
	i.logger.Info("shutting down gateway", slog.Duration("uptime", time.Since(i.startedAt)))

	err := i.server.Shutdown(ctx)
	if err != nil {
		i.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
	}
	i.engine.Close()

	i.logger.Info("gateway shutdown complete")
	return err
}
