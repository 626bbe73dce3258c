package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/msbench/federation-gateway/internal/propagation"
	"github.com/msbench/federation-gateway/internal/server"
)

const (
	codeDownstreamError     = "DOWNSTREAM_SERVICE_ERROR"
	codeValidationFailed    = "GRAPHQL_VALIDATION_FAILED"
	codeBadRequest          = "BAD_REQUEST"
	codeIntrospectionClosed = "INTROSPECTION_DISABLED"
)

// fetchResult is what one subgraph returned for one fetch.
type fetchResult struct {
	data   map[string]json.RawMessage
	errors gqlerror.List
}

// Execute runs params against the current supergraph on behalf of the
// caller described by rc. It returns the response and the HTTP status the
// transport should use.
func (e *Engine) Execute(ctx context.Context, rc propagation.RequestContext, params *graphql.RawParams) (*graphql.Response, int) {
	return e.execute(ctx, rc, params, false)
}

func (e *Engine) execute(ctx context.Context, rc propagation.RequestContext, params *graphql.RawParams, readOnly bool) (*graphql.Response, int) {
	sg := e.plan.Load()

	if params.Query == "" {
		return requestError(codeBadRequest, "GraphQL operations must contain a non-empty `query`"), http.StatusBadRequest
	}

	doc, errs := e.parse(ctx, sg, params.Query)
	if len(errs) > 0 {
		for _, err := range errs {
			setExtension(err, "code", codeValidationFailed)
		}
		return &graphql.Response{Errors: errs}, http.StatusBadRequest
	}

	op := doc.Operations.ForName(params.OperationName)
	if op == nil {
		if params.OperationName == "" {
			return requestError(codeBadRequest, "operation name is required when the document contains more than one operation"), http.StatusBadRequest
		}
		return requestError(codeBadRequest, fmt.Sprintf("unknown operation named %q", params.OperationName)), http.StatusBadRequest
	}
	server.AddLogField(ctx, "graphql_operation", op.Name)

	switch {
	case op.Operation == ast.Subscription:
		return requestError(codeBadRequest, "subscriptions are not supported by this gateway"), http.StatusBadRequest
	case op.Operation == ast.Mutation && readOnly:
		return requestError(codeBadRequest, "mutations cannot be sent with GET"), http.StatusMethodNotAllowed
	}

	vars, verr := validator.VariableValues(sg.schema, op, params.Variables)
	if verr != nil {
		return requestError(codeBadRequest, verr.Error()), http.StatusBadRequest
	}

	plan, err := buildPlan(sg, doc, op, vars)
	if err != nil {
		return requestError(codeValidationFailed, err.Error()), http.StatusBadRequest
	}

	results := e.runFetches(ctx, rc, op.Operation, plan.fetches)
	return e.merge(sg, doc, plan, vars, results), http.StatusOK
}

// parse returns a validated document, consulting the query cache first.
// Cache keys include the supergraph hash so a schema swap never serves a
// document validated against an older schema.
func (e *Engine) parse(ctx context.Context, sg *supergraph, query string) (*ast.QueryDocument, gqlerror.List) {
	key := sg.hash + ":" + query
	if doc, ok := e.cache.Get(ctx, key); ok {
		return doc, nil
	}
	doc, errs := gqlparser.LoadQuery(sg.schema, query)
	if len(errs) > 0 {
		return nil, errs
	}
	e.cache.Add(ctx, key, doc)
	return doc, nil
}

func (e *Engine) runFetches(ctx context.Context, rc propagation.RequestContext, op ast.Operation, fetches []fetch) []fetchResult {
	results := make([]fetchResult, len(fetches))

	if op == ast.Mutation {
		for i, f := range fetches {
			results[i] = e.runFetch(ctx, rc, f)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, f := range fetches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.runFetch(ctx, rc, f)
		}()
	}
	wg.Wait()
	return results
}

func (e *Engine) runFetch(ctx context.Context, rc propagation.RequestContext, f fetch) fetchResult {
	client := e.clients[f.subgraph]
	resp, err := client.do(ctx, rc, subgraphRequest{
		Query:         f.query,
		OperationName: f.operationName,
		Variables:     f.variables,
	})
	if err != nil {
		e.logger.Warn("subgraph fetch failed",
			slog.String("subgraph", f.subgraph),
			slog.String("error", err.Error()))
		list := make(gqlerror.List, 0, len(f.keys))
		for _, key := range f.keys {
			list = append(list, &gqlerror.Error{
				Message: err.Error(),
				Path:    ast.Path{ast.PathName(key)},
				Extensions: map[string]any{
					"code":        codeDownstreamError,
					"serviceName": f.subgraph,
				},
			})
		}
		return fetchResult{errors: list}
	}

	for _, gerr := range resp.Errors {
		// Locations refer to the sub-operation, not the client document.
		gerr.Locations = nil
		setExtension(gerr, "serviceName", f.subgraph)
	}
	return fetchResult{data: resp.Data, errors: resp.Errors}
}

// merge assembles the client response in the order fields were requested.
func (e *Engine) merge(sg *supergraph, doc *ast.QueryDocument, plan *queryPlan, vars map[string]any, results []fetchResult) *graphql.Response {
	resp := &graphql.Response{}
	data := make(map[string]json.RawMessage)
	for _, r := range results {
		for k, v := range r.data {
			data[k] = v
		}
		resp.Errors = append(resp.Errors, r.errors...)
	}

	intro := &introspector{schema: sg.schema, doc: doc, vars: vars}
	rootName := rootTypeNames[plan.operation.Operation]

	var buf bytes.Buffer
	buf.WriteByte('{')
	written := make(map[string]bool, len(plan.fields))
	nullified := false

	for _, rf := range plan.fields {
		if written[rf.key] {
			continue
		}
		written[rf.key] = true

		var value json.RawMessage
		switch {
		case rf.owner != "":
			value = data[rf.key]
		case rf.field.Name == "__typename":
			value, _ = json.Marshal(rootName)
		case !e.opts.Introspection:
			resp.Errors = append(resp.Errors, &gqlerror.Error{
				Message:    "introspection is disabled",
				Path:       ast.Path{ast.PathName(rf.key)},
				Extensions: map[string]any{"code": codeIntrospectionClosed},
			})
		default:
			encoded, err := json.Marshal(intro.root(rf.field))
			if err != nil {
				resp.Errors = append(resp.Errors, gqlerror.Errorf("introspection: %v", err))
			} else {
				value = encoded
			}
		}

		if isNull(value) {
			value = json.RawMessage("null")
			if rf.field.Definition != nil && rf.field.Definition.Type.NonNull {
				nullified = true
			}
		}

		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(rf.key)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')

	if nullified {
		resp.Data = json.RawMessage("null")
	} else {
		resp.Data = json.RawMessage(buf.Bytes())
	}
	return resp
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func requestError(code, message string) *graphql.Response {
	return &graphql.Response{Errors: gqlerror.List{{
		Message:    message,
		Extensions: map[string]any{"code": code},
	}}}
}

func setExtension(err *gqlerror.Error, key string, value any) {
	if err.Extensions == nil {
		err.Extensions = make(map[string]any)
	}
	err.Extensions[key] = value
}
