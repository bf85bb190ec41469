package httptool

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Minimal OpenAPI 3.x document model, enough to derive callables.

type document struct {
	Servers []server                     `yaml:"servers" json:"servers"`
	Paths   map[string]map[string]operation `yaml:"paths" json:"paths"`
}

type server struct {
	URL string `yaml:"url" json:"url"`
}

type operation struct {
	OperationID string      `yaml:"operationId" json:"operationId"`
	Summary     string      `yaml:"summary" json:"summary"`
	Description string      `yaml:"description" json:"description"`
	Parameters  []parameter `yaml:"parameters" json:"parameters"`
	RequestBody *requestBody `yaml:"requestBody" json:"requestBody"`
}

type parameter struct {
	Name     string     `yaml:"name" json:"name"`
	In       string     `yaml:"in" json:"in"`
	Required bool       `yaml:"required" json:"required"`
	Schema   *schemaDef `yaml:"schema" json:"schema"`
}

type requestBody struct {
	Required bool                 `yaml:"required" json:"required"`
	Content  map[string]mediaType `yaml:"content" json:"content"`
}

type mediaType struct {
	Schema *schemaDef `yaml:"schema" json:"schema"`
}

type schemaDef struct {
	Type       string                `yaml:"type" json:"type"`
	Properties map[string]*schemaDef `yaml:"properties" json:"properties"`
	Required   []string              `yaml:"required" json:"required"`
	Items      *schemaDef            `yaml:"items" json:"items"`
	Enum       []any                 `yaml:"enum" json:"enum"`
	Description string               `yaml:"description" json:"description"`
}

func parseDocument(raw []byte) (*document, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing OpenAPI document: %w", err)
	}
	if len(doc.Paths) == 0 {
		return nil, fmt.Errorf("OpenAPI document has no paths")
	}
	return &doc, nil
}

// callable is one resolved operation.
type callable struct {
	method string
	path   string
	op     operation
}

// findOperation resolves by operationId, or returns the sole operation
// when the document defines exactly one.
func (d *document) findOperation(operationID string) (*callable, error) {
	var all []callable
	for path, methods := range d.Paths {
		for method, op := range methods {
			all = append(all, callable{method: strings.ToUpper(method), path: path, op: op})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].path != all[j].path {
			return all[i].path < all[j].path
		}
		return all[i].method < all[j].method
	})

	if operationID == "" {
		if len(all) == 1 {
			return &all[0], nil
		}
		return nil, fmt.Errorf("document defines %d operations, operation_id required", len(all))
	}
	for i := range all {
		if all[i].op.OperationID == operationID {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("operation %q not found", operationID)
}

// bodySchema returns the application/json request body schema, if any.
func (op operation) bodySchema() *schemaDef {
	if op.RequestBody == nil {
		return nil
	}
	if mt, ok := op.RequestBody.Content["application/json"]; ok {
		return mt.Schema
	}
	return nil
}

// inputSchema merges path/query parameters and body properties into one
// flat object schema for function calling.
func (c *callable) inputSchema() json.RawMessage {
	props := map[string]any{}
	var required []string

	for _, p := range c.op.Parameters {
		typ := "string"
		var desc string
		if p.Schema != nil {
			if p.Schema.Type != "" {
				typ = p.Schema.Type
			}
			desc = p.Schema.Description
		}
		prop := map[string]any{"type": typ}
		if desc != "" {
			prop["description"] = desc
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if body := c.op.bodySchema(); body != nil {
		for name, s := range body.Properties {
			prop := map[string]any{"type": orDefault(s.Type, "string")}
			if s.Description != "" {
				prop["description"] = s.Description
			}
			props[name] = prop
		}
		required = append(required, body.Required...)
	}

	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// validate checks input against the operation's declared parameters and
// body schema: required fields present, primitive types matching.
func (c *callable) validate(input map[string]any) error {
	check := func(name, typ string, required bool) error {
		v, ok := input[name]
		if !ok {
			if required {
				return fmt.Errorf("missing required field %q", name)
			}
			return nil
		}
		if typ == "" {
			return nil
		}
		if !typeMatches(typ, v) {
			return fmt.Errorf("field %q: expected %s", name, typ)
		}
		return nil
	}

	for _, p := range c.op.Parameters {
		typ := ""
		if p.Schema != nil {
			typ = p.Schema.Type
		}
		if err := check(p.Name, typ, p.Required); err != nil {
			return err
		}
	}
	if body := c.op.bodySchema(); body != nil {
		requiredSet := map[string]bool{}
		for _, r := range body.Required {
			requiredSet[r] = true
		}
		for name, s := range body.Properties {
			if err := check(name, s.Type, requiredSet[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}
