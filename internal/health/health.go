// Package health serves the gateway's unconditional endpoints. None of them
// consult subgraph or supergraph state.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
)

// ServiceName is reported by the root descriptor.
const ServiceName = "GraphQL Federation Gateway"

// timestampLayout is ISO-8601 in UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type Status struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type Descriptor struct {
	Service   string   `json:"service"`
	Status    string   `json:"status"`
	Subgraphs []string `json:"subgraphs"`
}

type StatsResponse struct {
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

type Handler struct {
	subgraphs []string
	startTime time.Time
	now       func() time.Time
}

type Option func(*Handler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New returns a handler describing subgraphs, which should list every
// configured subgraph name in display order.
func New(subgraphs []string, opts ...Option) *Handler {
	h := &Handler{
		subgraphs: append([]string(nil), subgraphs...),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startTime = h.now()
	return h
}

// Mount registers /health, / and /stats on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/", h.handleRoot)
	r.Get("/stats", h.handleStats)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, Status{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(timestampLayout),
	})
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, Descriptor{
		Service:   ServiceName,
		Status:    "running",
		Subgraphs: h.subgraphs,
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, StatsResponse{
		Uptime:       h.now().Sub(h.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
