package federation

import (
	"bytes"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

// rootField is one top-level selection of the client operation.
type rootField struct {
	key   string
	field *ast.Field
	// owner is empty for fields the gateway answers itself.
	owner string
}

// fetch is one sub-operation sent to a single subgraph.
type fetch struct {
	subgraph      string
	keys          []string
	query         string
	operationName string
	variables     map[string]any
}

func (f fetch) String() string {
	return fmt.Sprintf("%s%v", f.subgraph, f.keys)
}

// queryPlan splits a client operation by root-field owner.
type queryPlan struct {
	operation *ast.OperationDefinition
	fields    []rootField
	// fetches run concurrently for queries and in order for mutations.
	fetches []fetch
}

func isIntrospectionField(name string) bool {
	return name == "__typename" || name == "__schema" || name == "__type"
}

func responseKey(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// buildPlan routes every root field to the subgraph owning it. Query fields
// are grouped per subgraph; mutation fields are grouped into consecutive runs
// so that serial execution order is preserved.
func buildPlan(sg *supergraph, doc *ast.QueryDocument, op *ast.OperationDefinition, vars map[string]any) (*queryPlan, error) {
	plan := &queryPlan{operation: op}

	var groups [][]*ast.Field
	var owners []string
	index := make(map[string]int)

	for _, f := range collectFields(doc, op.SelectionSet, vars, "") {
		rf := rootField{key: responseKey(f), field: f}
		if !isIntrospectionField(f.Name) {
			owner, ok := sg.owner(op.Operation, f.Name)
			if !ok {
				return nil, fmt.Errorf("no subgraph owns root field %q", f.Name)
			}
			rf.owner = owner

			switch {
			case op.Operation == ast.Mutation:
				last := len(owners) - 1
				if last >= 0 && owners[last] == owner {
					groups[last] = append(groups[last], f)
				} else {
					owners = append(owners, owner)
					groups = append(groups, []*ast.Field{f})
				}
			default:
				if i, ok := index[owner]; ok {
					groups[i] = append(groups[i], f)
				} else {
					index[owner] = len(groups)
					owners = append(owners, owner)
					groups = append(groups, []*ast.Field{f})
				}
			}
		}
		plan.fields = append(plan.fields, rf)
	}

	for i, fields := range groups {
		plan.fetches = append(plan.fetches, buildFetch(owners[i], doc, op, fields, vars))
	}
	return plan, nil
}

// collectFields flattens fragments and applies @skip/@include. typeName
// filters fragment type conditions; empty accepts every condition.
func collectFields(doc *ast.QueryDocument, set ast.SelectionSet, vars map[string]any, typeName string) []*ast.Field {
	var out []*ast.Field
	visited := make(map[string]bool)

	var walk func(ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch sel := sel.(type) {
			case *ast.Field:
				if included(sel.Directives, vars) {
					out = append(out, sel)
				}
			case *ast.InlineFragment:
				if !included(sel.Directives, vars) || !typeMatches(sel.TypeCondition, typeName) {
					continue
				}
				walk(sel.SelectionSet)
			case *ast.FragmentSpread:
				if !included(sel.Directives, vars) || visited[sel.Name] {
					continue
				}
				visited[sel.Name] = true
				def := sel.Definition
				if def == nil {
					def = doc.Fragments.ForName(sel.Name)
				}
				if def == nil || !typeMatches(def.TypeCondition, typeName) {
					continue
				}
				walk(def.SelectionSet)
			}
		}
	}
	walk(set)
	return out
}

func typeMatches(condition, typeName string) bool {
	return condition == "" || typeName == "" || condition == typeName
}

func included(directives ast.DirectiveList, vars map[string]any) bool {
	if d := directives.ForName("skip"); d != nil {
		if skip, _ := d.ArgumentMap(vars)["if"].(bool); skip {
			return false
		}
	}
	if d := directives.ForName("include"); d != nil {
		if include, ok := d.ArgumentMap(vars)["if"].(bool); ok && !include {
			return false
		}
	}
	return true
}

// buildFetch prints a standalone operation containing only fields, plus the
// variables and fragments they reference.
func buildFetch(owner string, doc *ast.QueryDocument, op *ast.OperationDefinition, fields []*ast.Field, vars map[string]any) fetch {
	refs := &references{
		doc:   doc,
		vars:  make(map[string]bool),
		frags: make(map[string]bool),
	}
	selections := make(ast.SelectionSet, 0, len(fields))
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		refs.selection(f)
		selections = append(selections, f)
		keys = append(keys, responseKey(f))
	}

	subOp := &ast.OperationDefinition{
		Operation:    op.Operation,
		Name:         op.Name,
		SelectionSet: selections,
	}
	variables := make(map[string]any)
	for _, vd := range op.VariableDefinitions {
		if !refs.vars[vd.Variable] {
			continue
		}
		subOp.VariableDefinitions = append(subOp.VariableDefinitions, vd)
		if v, ok := vars[vd.Variable]; ok {
			variables[vd.Variable] = v
		}
	}

	subDoc := &ast.QueryDocument{Operations: ast.OperationList{subOp}}
	for _, frag := range doc.Fragments {
		if refs.frags[frag.Name] {
			subDoc.Fragments = append(subDoc.Fragments, frag)
		}
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(subDoc)

	return fetch{
		subgraph:      owner,
		keys:          keys,
		query:         buf.String(),
		operationName: op.Name,
		variables:     variables,
	}
}

// references collects the variables and fragments a selection depends on.
type references struct {
	doc   *ast.QueryDocument
	vars  map[string]bool
	frags map[string]bool
}

func (r *references) selection(sel ast.Selection) {
	switch sel := sel.(type) {
	case *ast.Field:
		r.directives(sel.Directives)
		for _, arg := range sel.Arguments {
			r.value(arg.Value)
		}
		r.selectionSet(sel.SelectionSet)
	case *ast.InlineFragment:
		r.directives(sel.Directives)
		r.selectionSet(sel.SelectionSet)
	case *ast.FragmentSpread:
		r.directives(sel.Directives)
		if r.frags[sel.Name] {
			return
		}
		r.frags[sel.Name] = true
		if def := r.doc.Fragments.ForName(sel.Name); def != nil {
			r.directives(def.Directives)
			r.selectionSet(def.SelectionSet)
		}
	}
}

func (r *references) selectionSet(set ast.SelectionSet) {
	for _, sel := range set {
		r.selection(sel)
	}
}

func (r *references) directives(list ast.DirectiveList) {
	for _, d := range list {
		for _, arg := range d.Arguments {
			r.value(arg.Value)
		}
	}
}

func (r *references) value(v *ast.Value) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		r.vars[v.Raw] = true
	}
	for _, child := range v.Children {
		r.value(child.Value)
	}
}
