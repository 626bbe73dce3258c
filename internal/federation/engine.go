// Package federation composes the subgraph schemas into one supergraph and
// executes client operations against it.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99designs/gqlgen/graphql"
	"github.com/99designs/gqlgen/graphql/handler/lru"
	"github.com/vektah/gqlparser/v2/ast"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/msbench/federation-gateway/internal/metrics"
	"github.com/msbench/federation-gateway/internal/propagation"
	"github.com/msbench/federation-gateway/internal/server"
	"github.com/msbench/federation-gateway/internal/subgraph"
)

var (
	// ErrComposition means the subgraph schemas could not be merged.
	ErrComposition = errors.New("supergraph composition failed")
	// ErrSubgraphUnavailable means a subgraph could not be reached or
	// answered with something other than a GraphQL response.
	ErrSubgraphUnavailable = errors.New("subgraph unavailable")
)

const (
	defaultQueryCacheSize  = 1000
	defaultSubgraphTimeout = 30 * time.Second
	maxRequestBytes        = 8 << 20
)

// Options tunes an Engine. The zero value is usable.
type Options struct {
	// HTTPClient carries every subgraph call. Defaults to an instrumented
	// client with a 30s timeout.
	HTTPClient *http.Client
	// Hook runs before every outbound call. Defaults to OnOutboundCall.
	Hook OutboundHook
	// PollInterval re-composes the supergraph periodically. Zero disables
	// polling.
	PollInterval time.Duration
	// Introspection enables __schema and __type.
	Introspection  bool
	QueryCacheSize int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Timeout:   defaultSubgraphTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if o.Hook == nil {
		o.Hook = OnOutboundCall
	}
	if o.QueryCacheSize <= 0 {
		o.QueryCacheSize = defaultQueryCacheSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine is a composed supergraph bound to its subgraph clients. It is safe
// for concurrent use.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	order   []*subgraphClient
	clients map[string]*subgraphClient
	plan    atomic.Pointer[supergraph]
	cache   *lru.LRU[*ast.QueryDocument]

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Build fetches every federated subgraph's schema and composes them. Each
// call yields a new Engine; nothing is shared with engines built earlier.
func Build(ctx context.Context, registry *subgraph.Registry, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	e := &Engine{
		opts:    opts,
		logger:  opts.Logger,
		clients: make(map[string]*subgraphClient),
		cache:   lru.New[*ast.QueryDocument](opts.QueryCacheSize),
		done:    make(chan struct{}),
	}
	for _, ep := range registry.Federated() {
		c := &subgraphClient{endpoint: ep, http: opts.HTTPClient, hook: opts.Hook}
		e.order = append(e.order, c)
		e.clients[ep.Name] = c
	}

	sg, err := e.composeAll(ctx)
	if err != nil {
		metrics.SupergraphCompositionsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.SupergraphCompositionsTotal.WithLabelValues("success").Inc()
	e.plan.Store(sg)

	e.logger.Info("supergraph composed",
		slog.Int("subgraphs", len(e.order)),
		slog.Int("types", len(sg.schema.Types)),
		slog.String("hash", sg.hash[:12]))

	pollCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if opts.PollInterval > 0 {
		go e.poll(pollCtx, opts.PollInterval)
	} else {
		close(e.done)
	}
	return e, nil
}

// composeAll fetches every SDL concurrently and composes the result.
func (e *Engine) composeAll(ctx context.Context) (*supergraph, error) {
	parts := make([]subgraphSchema, len(e.order))
	errs := make([]error, len(e.order))

	var wg sync.WaitGroup
	for i, c := range e.order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			parts[i], errs[i] = fetchSDL(ctx, c)
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return compose(parts)
}

func (e *Engine) poll(ctx context.Context, interval time.Duration) {
	defer close(e.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refresh(ctx)
		}
	}
}

// refresh re-composes and swaps the plan when the result differs. A failed
// refresh keeps serving the previous supergraph.
func (e *Engine) refresh(ctx context.Context) {
	sg, err := e.composeAll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.SupergraphCompositionsTotal.WithLabelValues("failure").Inc()
		e.logger.Warn("supergraph refresh failed, keeping current schema",
			slog.String("error", err.Error()))
		return
	}
	metrics.SupergraphCompositionsTotal.WithLabelValues("success").Inc()

	if current := e.plan.Load(); current != nil && current.hash == sg.hash {
		return
	}
	e.plan.Store(sg)
	e.logger.Info("supergraph updated", slog.String("hash", sg.hash[:12]))
}

// Close stops polling and waits for an in-progress refresh to finish.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		<-e.done
	})
}

// SupergraphSDL returns the composed schema currently being served.
func (e *Engine) SupergraphSDL() string {
	return e.plan.Load().sdl
}

// Subgraphs lists the subgraphs composed into the supergraph.
func (e *Engine) Subgraphs() []string {
	names := make([]string, 0, len(e.order))
	for _, c := range e.order {
		names = append(names, c.endpoint.Name)
	}
	return names
}

// ServeHTTP accepts GraphQL over HTTP: POST with a JSON body, or GET with
// query parameters. The caller's RequestContext is read from the request
// context once and handed to every subgraph call of the operation.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params graphql.RawParams
	readOnly := false

	switch r.Method {
	case http.MethodGet:
		readOnly = true
		q := r.URL.Query()
		params.Query = q.Get("query")
		params.OperationName = q.Get("operationName")
		if raw := q.Get("variables"); raw != "" {
			dec := json.NewDecoder(strings.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&params.Variables); err != nil {
				writeResponse(w, requestError(codeBadRequest, "variables must be a JSON object"), http.StatusBadRequest)
				return
			}
		}
	case http.MethodPost:
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
			writeResponse(w, requestError(codeBadRequest, fmt.Sprintf("unsupported content type %q", ct)), http.StatusUnsupportedMediaType)
			return
		}
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			server.AddError(r.Context(), err)
			writeResponse(w, requestError(codeBadRequest, "request body must be a JSON GraphQL request"), http.StatusBadRequest)
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		writeResponse(w, requestError(codeBadRequest, "only GET and POST are supported"), http.StatusMethodNotAllowed)
		return
	}

	rc := propagation.FromContext(r.Context())
	resp, status := e.execute(r.Context(), rc, &params, readOnly)
	writeResponse(w, resp, status)
}

func writeResponse(w http.ResponseWriter, resp *graphql.Response, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
