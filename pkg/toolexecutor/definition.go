package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ToolHandler runs one tool call. params have already passed the tool's
// JSON schema.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolParameter is one named argument of a tool. Type is a JSON Schema
// primitive: string, integer, number, boolean, object or array.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDefinition is a registered tool. Group defaults to GroupGeneral.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Group       ToolGroup       `json:"group"`
	// Timeout overrides the executor default for this tool.
	Timeout time.Duration `json:"-"`
	Handler ToolHandler   `json:"-"`
}

var schemaTypes = map[string]struct{}{
	"string": {}, "integer": {}, "number": {},
	"boolean": {}, "object": {}, "array": {},
}

func (def ToolDefinition) validate() error {
	switch {
	case def.Name == "":
		return errors.New("tool name cannot be empty")
	case def.Description == "":
		return errors.New("tool description cannot be empty")
	case def.Handler == nil:
		return errors.New("tool handler cannot be nil")
	case def.Group != "" && !IsValidGroup(string(def.Group)):
		return fmt.Errorf("invalid tool group %s", def.Group)
	}

	for _, p := range def.Parameters {
		if p.Name == "" {
			return errors.New("parameter name cannot be empty")
		}
		if p.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
		if _, ok := schemaTypes[p.Type]; !ok {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}
	return nil
}

func (p ToolParameter) property() map[string]interface{} {
	prop := map[string]interface{}{
		"type":        p.Type,
		"description": p.Description,
	}
	if p.Default != nil {
		prop["default"] = p.Default
	}
	if len(p.Enum) > 0 {
		values := make([]interface{}, 0, len(p.Enum))
		for _, v := range p.Enum {
			values = append(values, v)
		}
		prop["enum"] = values
	}
	return prop
}

// schemaDocument is the JSON Schema object for the tool's arguments. Keys
// outside Parameters are rejected.
func (def ToolDefinition) schemaDocument() map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	var required []string
	for _, p := range def.Parameters {
		properties[p.Name] = p.property()
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if required != nil {
		doc["required"] = required
	}
	return doc
}

func checkArguments(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	problems := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		problems = append(problems, e.String())
	}
	return errors.New(strings.Join(problems, "; "))
}
