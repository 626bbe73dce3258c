package propagation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer token", "Bearer abc.def", "Bearer abc.def"},
		{"raw value passed through", "opaque", "opaque"},
		{"missing header", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
			if tt.header != "" {
				req.Header.Set("authorization", tt.header)
			}
			if got := Extract(req); got.Token != tt.want {
				t.Errorf("Extract() token = %q, want %q", got.Token, tt.want)
			}
		})
	}
}

func TestFromContext_Missing(t *testing.T) {
	if rc := FromContext(context.Background()); rc.Token != "" {
		t.Errorf("FromContext() = %+v, want zero value", rc)
	}
}

func TestMiddleware_PerRequestIsolation(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]string)

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := FromContext(r.Context())
		mu.Lock()
		seen[r.URL.Query().Get("id")] = rc.Token
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for _, tc := range []struct{ id, token string }{
		{"a", "Bearer a"},
		{"b", ""},
		{"c", "Bearer c"},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/graphql?id="+tc.id, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", tc.token)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	want := map[string]string{"a": "Bearer a", "b": "", "c": "Bearer c"}
	for id, token := range want {
		if seen[id] != token {
			t.Errorf("request %s saw token %q, want %q", id, seen[id], token)
		}
	}
}
