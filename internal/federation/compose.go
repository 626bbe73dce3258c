package federation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/msbench/federation-gateway/internal/propagation"
)

const (
	serviceSDLOperation = "__ApolloGetServiceDefinition__"
	serviceSDLQuery     = "query " + serviceSDLOperation + " { _service { sdl } }"
)

// subgraphSchema is the raw SDL one subgraph reported.
type subgraphSchema struct {
	name string
	sdl  string
}

// supergraph is an immutable composed schema plus root-field ownership.
type supergraph struct {
	schema *ast.Schema
	sdl    string
	hash   string
	// owners maps a root type name to field name to owning subgraph.
	owners map[string]map[string]string
}

func (s *supergraph) owner(op ast.Operation, field string) (string, bool) {
	var root *ast.Definition
	switch op {
	case ast.Query:
		root = s.schema.Query
	case ast.Mutation:
		root = s.schema.Mutation
	case ast.Subscription:
		root = s.schema.Subscription
	}
	if root == nil {
		return "", false
	}
	name, ok := s.owners[root.Name][field]
	return name, ok
}

// fetchSDL asks a subgraph for its federation service definition. The call
// carries no caller credential.
func fetchSDL(ctx context.Context, c *subgraphClient) (subgraphSchema, error) {
	resp, err := c.do(ctx, propagation.RequestContext{}, subgraphRequest{
		Query:         serviceSDLQuery,
		OperationName: serviceSDLOperation,
	})
	if err != nil {
		return subgraphSchema{}, err
	}
	if len(resp.Errors) > 0 {
		return subgraphSchema{}, fmt.Errorf("%w: %s: %s", ErrSubgraphUnavailable, c.endpoint.Name, resp.Errors.Error())
	}

	var svc struct {
		SDL string `json:"sdl"`
	}
	if raw, ok := resp.Data["_service"]; ok {
		if err := json.Unmarshal(raw, &svc); err != nil {
			return subgraphSchema{}, fmt.Errorf("%w: %s: decode _service: %v", ErrComposition, c.endpoint.Name, err)
		}
	}
	if strings.TrimSpace(svc.SDL) == "" {
		return subgraphSchema{}, fmt.Errorf("%w: %s returned an empty service definition", ErrComposition, c.endpoint.Name)
	}
	return subgraphSchema{name: c.endpoint.Name, sdl: svc.SDL}, nil
}

var rootTypeNames = map[ast.Operation]string{
	ast.Query:        "Query",
	ast.Mutation:     "Mutation",
	ast.Subscription: "Subscription",
}

var builtinScalars = map[string]bool{
	"String": true, "Int": true, "Float": true, "Boolean": true, "ID": true,
}

var federationRootFields = map[string]bool{
	"_service":  true,
	"_entities": true,
}

func isFederationType(name string) bool {
	switch name {
	case "_Service", "_Any", "_Entity", "_FieldSet", "FieldSet":
		return true
	}
	return strings.HasPrefix(name, "link__") || strings.HasPrefix(name, "federation__")
}

type composer struct {
	defs   map[string]*ast.Definition
	order  []string
	owners map[string]map[string]string
}

// compose merges subgraph SDLs into one validated schema. Federation
// plumbing (types, root fields, directives) is stripped; everything else is
// unioned. A root field claimed by two subgraphs is a composition error.
func compose(parts []subgraphSchema) (*supergraph, error) {
	c := &composer{
		defs:   make(map[string]*ast.Definition),
		owners: make(map[string]map[string]string),
	}
	for _, name := range rootTypeNames {
		c.owners[name] = make(map[string]string)
	}

	for _, part := range parts {
		doc, err := parser.ParseSchema(&ast.Source{Name: part.name + ".graphql", Input: part.sdl})
		if err != nil {
			return nil, fmt.Errorf("%w: parse %s schema: %v", ErrComposition, part.name, err)
		}
		roots := localRootNames(doc)

		defs := make([]*ast.Definition, 0, len(doc.Definitions)+len(doc.Extensions))
		defs = append(defs, doc.Definitions...)
		defs = append(defs, doc.Extensions...)
		for _, def := range defs {
			if err := c.add(part.name, def, roots); err != nil {
				return nil, err
			}
		}
	}

	query := c.defs[rootTypeNames[ast.Query]]
	if query == nil || len(query.Fields) == 0 {
		return nil, fmt.Errorf("%w: no subgraph contributes Query fields", ErrComposition)
	}

	merged := &ast.SchemaDocument{}
	for _, name := range c.order {
		def := c.defs[name]
		if (def.Kind == ast.Object || def.Kind == ast.Interface || def.Kind == ast.InputObject) && len(def.Fields) == 0 {
			continue
		}
		merged.Definitions = append(merged.Definitions, def)
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchemaDocument(merged)
	sdl := buf.String()

	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "supergraph.graphql", Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrComposition, err)
	}

	sum := sha256.Sum256([]byte(sdl))
	return &supergraph{
		schema: schema,
		sdl:    sdl,
		hash:   hex.EncodeToString(sum[:]),
		owners: c.owners,
	}, nil
}

// localRootNames maps a subgraph's own root type names onto the canonical
// Query/Mutation/Subscription names.
func localRootNames(doc *ast.SchemaDocument) map[string]string {
	roots := make(map[string]string, len(rootTypeNames))
	for _, name := range rootTypeNames {
		roots[name] = name
	}
	schemaDefs := append(ast.SchemaDefinitionList{}, doc.Schema...)
	schemaDefs = append(schemaDefs, doc.SchemaExtension...)
	for _, sd := range schemaDefs {
		for _, ot := range sd.OperationTypes {
			if canonical, ok := rootTypeNames[ot.Operation]; ok {
				roots[ot.Type] = canonical
			}
		}
	}
	return roots
}

func (c *composer) add(sub string, def *ast.Definition, roots map[string]string) error {
	name := def.Name
	if canonical, ok := roots[name]; ok {
		name = canonical
	}
	if isFederationType(name) || builtinScalars[name] || strings.HasPrefix(name, "__") {
		return nil
	}

	existing, ok := c.defs[name]
	if !ok {
		existing = &ast.Definition{Kind: def.Kind, Name: name}
		c.defs[name] = existing
		c.order = append(c.order, name)
	} else if existing.Kind != def.Kind {
		return fmt.Errorf("%w: type %s is %s in one subgraph and %s in %s",
			ErrComposition, name, existing.Kind, def.Kind, sub)
	}
	if existing.Description == "" {
		existing.Description = def.Description
	}
	existing.Directives = mergeDirectives(existing.Directives, keepPublicDirectives(def.Directives))

	switch def.Kind {
	case ast.Object, ast.Interface, ast.InputObject:
		rootOwners, isRoot := c.owners[name]
		for _, f := range def.Fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			if isRoot {
				if federationRootFields[f.Name] {
					continue
				}
				if owner, taken := rootOwners[f.Name]; taken {
					return fmt.Errorf("%w: field %s.%s is defined by both %s and %s",
						ErrComposition, name, f.Name, owner, sub)
				}
				rootOwners[f.Name] = sub
			}
			if existing.Fields.ForName(f.Name) == nil {
				existing.Fields = append(existing.Fields, cleanField(f))
			}
		}
		existing.Interfaces = union(existing.Interfaces, def.Interfaces)
	case ast.Enum:
		for _, v := range def.EnumValues {
			if existing.EnumValues.ForName(v.Name) == nil {
				existing.EnumValues = append(existing.EnumValues, &ast.EnumValueDefinition{
					Description: v.Description,
					Name:        v.Name,
					Directives:  keepPublicDirectives(v.Directives),
				})
			}
		}
	case ast.Union:
		members := make([]string, 0, len(def.Types))
		for _, t := range def.Types {
			if !isFederationType(t) {
				members = append(members, t)
			}
		}
		existing.Types = union(existing.Types, members)
	}
	return nil
}

func cleanField(f *ast.FieldDefinition) *ast.FieldDefinition {
	out := &ast.FieldDefinition{
		Description:  f.Description,
		Name:         f.Name,
		DefaultValue: f.DefaultValue,
		Type:         f.Type,
		Directives:   keepPublicDirectives(f.Directives),
	}
	for _, arg := range f.Arguments {
		out.Arguments = append(out.Arguments, &ast.ArgumentDefinition{
			Description:  arg.Description,
			Name:         arg.Name,
			DefaultValue: arg.DefaultValue,
			Type:         arg.Type,
			Directives:   keepPublicDirectives(arg.Directives),
		})
	}
	return out
}

// keepPublicDirectives drops every directive except the built-in ones a
// client can observe through introspection.
func keepPublicDirectives(list ast.DirectiveList) ast.DirectiveList {
	var out ast.DirectiveList
	for _, d := range list {
		switch d.Name {
		case "deprecated", "specifiedBy", "oneOf":
			out = append(out, d)
		}
	}
	return out
}

func mergeDirectives(existing, add ast.DirectiveList) ast.DirectiveList {
	for _, d := range add {
		if existing.ForName(d.Name) == nil {
			existing = append(existing, d)
		}
	}
	return existing
}

func union(a, b []string) []string {
	for _, s := range b {
		found := false
		for _, have := range a {
			if have == s {
				found = true
				break
			}
		}
		if !found {
			a = append(a, s)
		}
	}
	return a
}
