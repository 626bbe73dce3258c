package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msbench/federation-gateway/internal/metrics"
	"github.com/msbench/federation-gateway/internal/propagation"
	"github.com/msbench/federation-gateway/internal/subgraph"
)

const maxSubgraphResponseBytes = 32 << 20

var tracer = otel.Tracer("github.com/msbench/federation-gateway/internal/federation")

type subgraphRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type subgraphResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors gqlerror.List              `json:"errors,omitempty"`
}

// subgraphClient sends GraphQL operations to one endpoint.
type subgraphClient struct {
	endpoint subgraph.Endpoint
	http     *http.Client
	hook     OutboundHook
}

func (c *subgraphClient) do(ctx context.Context, rc propagation.RequestContext, req subgraphRequest) (*subgraphResponse, error) {
	ctx, span := tracer.Start(ctx, "subgraph "+c.endpoint.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("graphql.subgraph.name", c.endpoint.Name),
			attribute.String("graphql.operation.name", req.OperationName),
		))
	defer span.End()

	resp, err := c.send(ctx, rc, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (c *subgraphClient) send(ctx context.Context, rc propagation.RequestContext, req subgraphRequest) (*subgraphResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request for %s: %w", c.endpoint.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", c.endpoint.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	c.hook(rc, httpReq)

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordSubgraphRequest(c.endpoint.Name, 0, time.Since(start))
		return nil, fmt.Errorf("%w: %s: %v", ErrSubgraphUnavailable, c.endpoint.Name, err)
	}
	defer httpResp.Body.Close()
	metrics.RecordSubgraphRequest(c.endpoint.Name, httpResp.StatusCode, time.Since(start))

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, maxSubgraphResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %v", ErrSubgraphUnavailable, c.endpoint.Name, err)
	}

	var out subgraphResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		if httpResp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: %s responded with status %d", ErrSubgraphUnavailable, c.endpoint.Name, httpResp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrSubgraphUnavailable, c.endpoint.Name, err)
	}
	if httpResp.StatusCode >= http.StatusMultipleChoices && out.Data == nil && len(out.Errors) == 0 {
		return nil, fmt.Errorf("%w: %s responded with status %d", ErrSubgraphUnavailable, c.endpoint.Name, httpResp.StatusCode)
	}
	return &out, nil
}
