package functions

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/room4-2/voicetasks/messages"
)

// ArgumentError reports tool arguments that are not valid JSON or do not
// match the tool's declared schema
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// Validator checks raw argument JSON against each tool's parameter schema
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator(tools []messages.Tool) (*Validator, error) {
	c := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(tools))}
	for _, tool := range tools {
		if tool.Parameters == nil {
			continue
		}
		raw, err := messages.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode %s schema: %w", tool.Name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", tool.Name, err)
		}
		loc := "mem://tools/" + tool.Name + ".json"
		if err := c.AddResource(loc, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", tool.Name, err)
		}
		sch, err := c.Compile(loc)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", tool.Name, err)
		}
		v.schemas[tool.Name] = sch
	}
	return v, nil
}

// Decode validates raw and unmarshals it into out. Empty arguments are
// treated as an empty object.
func (v *Validator) Decode(tool, raw string, out any) error {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return &ArgumentError{Tool: tool, Err: err}
	}
	if sch, ok := v.schemas[tool]; ok {
		if err := sch.Validate(inst); err != nil {
			return &ArgumentError{Tool: tool, Err: err}
		}
	}
	if out == nil {
		return nil
	}
	if err := messages.Unmarshal([]byte(raw), out); err != nil {
		return &ArgumentError{Tool: tool, Err: err}
	}
	return nil
}

type createTaskArgs struct {
	Title       string   `json:"title"`
	Priority    string   `json:"priority"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type deleteTaskArgs struct {
	ID string `json:"id"`
}

type semanticSearchArgs struct {
	Query string `json:"query"`
}
