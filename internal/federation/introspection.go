package federation

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// object is a JSON object that keeps its keys in selection order.
type object []objectField

type objectField struct {
	key   string
	value any
}

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// introspector answers __schema and __type from the composed schema.
type introspector struct {
	schema *ast.Schema
	doc    *ast.QueryDocument
	vars   map[string]any
}

func (in *introspector) root(f *ast.Field) any {
	switch f.Name {
	case "__schema":
		return in.schemaObject(f.SelectionSet)
	case "__type":
		name, _ := f.ArgumentMap(in.vars)["name"].(string)
		def := in.schema.Types[name]
		if def == nil {
			return nil
		}
		return in.typeObject(f.SelectionSet, typeRef{def: def})
	}
	return nil
}

func (in *introspector) object(set ast.SelectionSet, typeName string, resolve func(f *ast.Field) any) object {
	out := object{}
	seen := make(map[string]bool)
	for _, f := range collectFields(in.doc, set, in.vars, typeName) {
		key := responseKey(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		if f.Name == "__typename" {
			out = append(out, objectField{key, typeName})
			continue
		}
		out = append(out, objectField{key, resolve(f)})
	}
	return out
}

func (in *introspector) schemaObject(set ast.SelectionSet) object {
	return in.object(set, "__Schema", func(f *ast.Field) any {
		switch f.Name {
		case "description":
			return nilIfEmpty(in.schema.Description)
		case "types":
			names := make([]string, 0, len(in.schema.Types))
			for name := range in.schema.Types {
				names = append(names, name)
			}
			sort.Strings(names)
			types := make([]any, 0, len(names))
			for _, name := range names {
				types = append(types, in.typeObject(f.SelectionSet, typeRef{def: in.schema.Types[name]}))
			}
			return types
		case "queryType":
			return in.namedType(f.SelectionSet, in.schema.Query)
		case "mutationType":
			return in.namedType(f.SelectionSet, in.schema.Mutation)
		case "subscriptionType":
			return in.namedType(f.SelectionSet, in.schema.Subscription)
		case "directives":
			names := make([]string, 0, len(in.schema.Directives))
			for name := range in.schema.Directives {
				names = append(names, name)
			}
			sort.Strings(names)
			directives := make([]any, 0, len(names))
			for _, name := range names {
				directives = append(directives, in.directiveObject(f.SelectionSet, in.schema.Directives[name]))
			}
			return directives
		}
		return nil
	})
}

func (in *introspector) namedType(set ast.SelectionSet, def *ast.Definition) any {
	if def == nil {
		return nil
	}
	return in.typeObject(set, typeRef{def: def})
}

// typeRef is either a named definition or a LIST/NON_NULL wrapper.
type typeRef struct {
	def  *ast.Definition
	kind string
	of   *ast.Type
}

func (in *introspector) refFor(t *ast.Type) typeRef {
	switch {
	case t == nil:
		return typeRef{}
	case t.NonNull:
		inner := *t
		inner.NonNull = false
		return typeRef{kind: "NON_NULL", of: &inner}
	case t.Elem != nil:
		return typeRef{kind: "LIST", of: t.Elem}
	default:
		return typeRef{def: in.schema.Types[t.NamedType]}
	}
}

func (in *introspector) typeObject(set ast.SelectionSet, t typeRef) any {
	if t.def == nil && t.kind == "" {
		return nil
	}
	def := t.def
	return in.object(set, "__Type", func(f *ast.Field) any {
		if def == nil {
			switch f.Name {
			case "kind":
				return t.kind
			case "ofType":
				return in.typeObject(f.SelectionSet, in.refFor(t.of))
			}
			return nil
		}

		switch f.Name {
		case "kind":
			return string(def.Kind)
		case "name":
			return def.Name
		case "description":
			return nilIfEmpty(def.Description)
		case "specifiedByURL":
			if d := def.Directives.ForName("specifiedBy"); d != nil {
				if arg := d.Arguments.ForName("url"); arg != nil && arg.Value != nil {
					return arg.Value.Raw
				}
			}
			return nil
		case "isOneOf":
			if def.Kind != ast.InputObject {
				return nil
			}
			return def.Directives.ForName("oneOf") != nil
		case "fields":
			if def.Kind != ast.Object && def.Kind != ast.Interface {
				return nil
			}
			includeDeprecated, _ := f.ArgumentMap(in.vars)["includeDeprecated"].(bool)
			fields := []any{}
			for _, fd := range def.Fields {
				if strings.HasPrefix(fd.Name, "__") {
					continue
				}
				if deprecated, _ := deprecation(fd.Directives); deprecated && !includeDeprecated {
					continue
				}
				fields = append(fields, in.fieldObject(f.SelectionSet, fd))
			}
			return fields
		case "inputFields":
			if def.Kind != ast.InputObject {
				return nil
			}
			inputs := []any{}
			for _, fd := range def.Fields {
				inputs = append(inputs, in.inputValueObject(f.SelectionSet, fd.Name, fd.Description, fd.Type, fd.DefaultValue, fd.Directives))
			}
			return inputs
		case "interfaces":
			if def.Kind != ast.Object && def.Kind != ast.Interface {
				return nil
			}
			interfaces := []any{}
			for _, name := range def.Interfaces {
				if iface := in.schema.Types[name]; iface != nil {
					interfaces = append(interfaces, in.typeObject(f.SelectionSet, typeRef{def: iface}))
				}
			}
			return interfaces
		case "possibleTypes":
			if def.Kind != ast.Interface && def.Kind != ast.Union {
				return nil
			}
			possible := []any{}
			for _, pt := range in.schema.GetPossibleTypes(def) {
				possible = append(possible, in.typeObject(f.SelectionSet, typeRef{def: pt}))
			}
			return possible
		case "enumValues":
			if def.Kind != ast.Enum {
				return nil
			}
			includeDeprecated, _ := f.ArgumentMap(in.vars)["includeDeprecated"].(bool)
			values := []any{}
			for _, ev := range def.EnumValues {
				deprecated, reason := deprecation(ev.Directives)
				if deprecated && !includeDeprecated {
					continue
				}
				values = append(values, in.object(f.SelectionSet, "__EnumValue", func(vf *ast.Field) any {
					switch vf.Name {
					case "name":
						return ev.Name
					case "description":
						return nilIfEmpty(ev.Description)
					case "isDeprecated":
						return deprecated
					case "deprecationReason":
						return reason
					}
					return nil
				}))
			}
			return values
		case "ofType":
			return nil
		}
		return nil
	})
}

func (in *introspector) fieldObject(set ast.SelectionSet, fd *ast.FieldDefinition) object {
	deprecated, reason := deprecation(fd.Directives)
	return in.object(set, "__Field", func(f *ast.Field) any {
		switch f.Name {
		case "name":
			return fd.Name
		case "description":
			return nilIfEmpty(fd.Description)
		case "args":
			return in.argumentObjects(f.SelectionSet, fd.Arguments)
		case "type":
			return in.typeObject(f.SelectionSet, in.refFor(fd.Type))
		case "isDeprecated":
			return deprecated
		case "deprecationReason":
			return reason
		}
		return nil
	})
}

func (in *introspector) argumentObjects(set ast.SelectionSet, args ast.ArgumentDefinitionList) []any {
	out := []any{}
	for _, arg := range args {
		out = append(out, in.inputValueObject(set, arg.Name, arg.Description, arg.Type, arg.DefaultValue, arg.Directives))
	}
	return out
}

func (in *introspector) inputValueObject(set ast.SelectionSet, name, description string, typ *ast.Type, defaultValue *ast.Value, directives ast.DirectiveList) object {
	deprecated, reason := deprecation(directives)
	return in.object(set, "__InputValue", func(f *ast.Field) any {
		switch f.Name {
		case "name":
			return name
		case "description":
			return nilIfEmpty(description)
		case "type":
			return in.typeObject(f.SelectionSet, in.refFor(typ))
		case "defaultValue":
			if defaultValue == nil {
				return nil
			}
			return defaultValue.String()
		case "isDeprecated":
			return deprecated
		case "deprecationReason":
			return reason
		}
		return nil
	})
}

func (in *introspector) directiveObject(set ast.SelectionSet, d *ast.DirectiveDefinition) object {
	return in.object(set, "__Directive", func(f *ast.Field) any {
		switch f.Name {
		case "name":
			return d.Name
		case "description":
			return nilIfEmpty(d.Description)
		case "locations":
			locations := make([]string, 0, len(d.Locations))
			for _, loc := range d.Locations {
				locations = append(locations, string(loc))
			}
			return locations
		case "args":
			return in.argumentObjects(f.SelectionSet, d.Arguments)
		case "isRepeatable":
			return d.IsRepeatable
		}
		return nil
	})
}

// deprecation reports whether @deprecated is present and its reason.
func deprecation(directives ast.DirectiveList) (bool, any) {
	d := directives.ForName("deprecated")
	if d == nil {
		return false, nil
	}
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return true, arg.Value.Raw
	}
	return true, "No longer supported"
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
