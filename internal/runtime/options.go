package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/msbench/federation-gateway/internal/bootstrap"
	"github.com/msbench/federation-gateway/internal/federation"
	"github.com/msbench/federation-gateway/internal/subgraph"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// EngineBuilder produces a fresh federation engine. federation.Build is the
// default.
type EngineBuilder func(ctx context.Context, registry *subgraph.Registry, opts federation.Options) (*federation.Engine, error)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		g.logger = logger
		return nil
	}
}

// WithListenAddr overrides the address derived from the configured port.
// Tests use "127.0.0.1:0".
func WithListenAddr(addr string) Option {
	return func(g *Gateway) error {
		g.listenAddr = addr
		return nil
	}
}

// WithEngineBuilder replaces how each attempt builds its engine.
func WithEngineBuilder(build EngineBuilder) Option {
	return func(g *Gateway) error {
		if build == nil {
			return errors.New("engine builder must not be nil")
		}
		g.buildEngine = build
		return nil
	}
}

// WithSleeper replaces the real-time wait used between attempts.
func WithSleeper(sleep bootstrap.Sleeper) Option {
	return func(g *Gateway) error {
		if sleep == nil {
			return errors.New("sleeper must not be nil")
		}
		g.sleep = sleep
		return nil
	}
}

// WithHTTPClient sets the client used for every subgraph call.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = client
		return nil
	}
}

// WithObserver receives every bootstrap state change in addition to the
// gateway's own logging and metrics.
func WithObserver(obs bootstrap.Observer) Option {
	return func(g *Gateway) error {
		g.observers = append(g.observers, obs)
		return nil
	}
}

// WithTracerProvider sets where bootstrap attempt spans go. The global
// provider at New time is the default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) error {
		if tp == nil {
			return errors.New("tracer provider must not be nil")
		}
		g.tracer = tp.Tracer(tracerName)
		return nil
	}
}
