// Package propagation carries the caller's credential from an inbound
// request to every downstream subgraph call made on its behalf.
//
// The value is passed through untouched. Whether the token is valid is for
// the authentication subgraph to decide, never the gateway.
package propagation

import (
	"context"
	"net/http"
)

// RequestContext is created fresh for every inbound request.
type RequestContext struct {
	Token string
}

type contextKey struct{}

// Extract reads the raw authorization header. A missing header yields an
// empty token.
func Extract(r *http.Request) RequestContext {
	return RequestContext{Token: r.Header.Get("Authorization")}
}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the RequestContext attached to ctx, or the zero value.
func FromContext(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(contextKey{}).(RequestContext)
	return rc
}

// Middleware extracts a RequestContext for each request and attaches it to
// the request's context before calling next.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithRequestContext(r.Context(), Extract(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
