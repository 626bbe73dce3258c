// Package subgraph resolves the fixed set of backend services the gateway
// federates over.
package subgraph

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrInvalidURL      = errors.New("invalid subgraph url")
	ErrUnknownSubgraph = errors.New("unknown subgraph")
)

// Authentication is tracked in the registry but never composed into the
// public schema: its boundary is a security boundary, not a data boundary.
const Authentication = "authentication"

// Endpoint is one resolved backend service.
type Endpoint struct {
	Name      string
	URL       string
	Federated bool
}

type known struct {
	name       string
	defaultURL string
}

// expected is the closed set of subgraphs, in display order.
var expected = []known{
	{"user", "http://user-service:9000/graphql"},
	{"profile", "http://profile-service:9001/graphql"},
	{"subscription", "http://subscription-and-billing-service:9100/graphql"},
	{"content", "http://content-management-service:9200/graphql"},
	{"video", "http://video-streaming-service:9300/graphql"},
	{Authentication, "http://authentication-service:8000/graphql"},
}

// DefaultURL returns the documented default for name.
func DefaultURL(name string) (string, bool) {
	for _, k := range expected {
		if k.name == name {
			return k.defaultURL, true
		}
	}
	return "", false
}

// Registry is the immutable name to endpoint mapping.
type Registry struct {
	endpoints []Endpoint
	byName    map[string]int
}

// NewRegistry resolves every expected subgraph, substituting the default URL
// for names absent from overrides.
func NewRegistry(overrides map[string]string) (*Registry, error) {
	for name := range overrides {
		if _, ok := DefaultURL(name); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSubgraph, name)
		}
	}

	r := &Registry{
		endpoints: make([]Endpoint, 0, len(expected)),
		byName:    make(map[string]int, len(expected)),
	}
	for _, k := range expected {
		raw := strings.TrimSpace(overrides[k.name])
		if raw == "" {
			raw = k.defaultURL
		}
		if err := validateURL(raw); err != nil {
			return nil, fmt.Errorf("subgraph %s: %w", k.name, err)
		}
		r.byName[k.name] = len(r.endpoints)
		r.endpoints = append(r.endpoints, Endpoint{
			Name:      k.name,
			URL:       raw,
			Federated: k.name != Authentication,
		})
	}
	return r, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidURL, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidURL, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidURL, raw)
	}
	return nil
}

// Names lists every configured subgraph, federated or not.
func (r *Registry) Names() []string {
	names := make([]string, len(r.endpoints))
	for i, e := range r.endpoints {
		names[i] = e.Name
	}
	return names
}

// Endpoints returns a copy of all endpoints.
func (r *Registry) Endpoints() []Endpoint {
	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// Federated returns the endpoints that take part in schema composition.
func (r *Registry) Federated() []Endpoint {
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		if e.Federated {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) Lookup(name string) (Endpoint, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Endpoint{}, false
	}
	return r.endpoints[i], true
}
