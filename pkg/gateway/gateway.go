// Package gateway provides the public API for embedding the federation
// gateway in another process.
package gateway

import (
	"github.com/msbench/federation-gateway/internal/bootstrap"
	"github.com/msbench/federation-gateway/internal/config"
	"github.com/msbench/federation-gateway/internal/runtime"
	"github.com/msbench/federation-gateway/internal/subgraph"
)

// Gateway brings the federation gateway up through its bootstrap retry loop.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Instance is a serving gateway returned by Start.
type Instance = runtime.Instance

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Config is the resolved process configuration.
type Config = config.Config

// Registry is the resolved set of subgraph endpoints.
type Registry = subgraph.Registry

// New creates a Gateway. Example:
//
//	cfg, err := gateway.LoadConfig()
//	registry, err := gateway.NewRegistry(cfg.Subgraphs)
//	gw, err := gateway.New(cfg, registry, gateway.WithLogger(logger))
//	inst, err := gw.Start(ctx)
var New = runtime.New

var (
	LoadConfig  = config.Load
	NewRegistry = subgraph.NewRegistry
)

// ErrAborted is returned by Start when every bootstrap attempt failed.
var ErrAborted = bootstrap.ErrAborted

// Configuration options
var (
	WithLogger         = runtime.WithLogger
	WithListenAddr     = runtime.WithListenAddr
	WithEngineBuilder  = runtime.WithEngineBuilder
	WithSleeper        = runtime.WithSleeper
	WithHTTPClient     = runtime.WithHTTPClient
	WithObserver       = runtime.WithObserver
	WithTracerProvider = runtime.WithTracerProvider
)
