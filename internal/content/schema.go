package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrSchemaValidation = errors.New("content schema validation failed")

// ValidationIssue is one failed constraint at a JSON pointer location.
type ValidationIssue struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

type PayloadValidationError struct {
	Key    string
	Issues []ValidationIssue
}

func (e *PayloadValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		location := issue.Location
		if location == "" {
			location = "#"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", location, issue.Message))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s: %s", e.Key, ErrSchemaValidation)
	}
	return fmt.Sprintf("%s: %s", e.Key, strings.Join(parts, "; "))
}

func (e *PayloadValidationError) Unwrap() error {
	return ErrSchemaValidation
}

type compiledSchema struct {
	full    *jsonschema.Schema
	partial *jsonschema.Schema
}

// SchemaRegistry keeps an optional JSON schema per content key. Keys without a schema accept any object.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]compiledSchema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]compiledSchema)}
}

// LoadSchemaDir registers every <key>.schema.json file in dir. An empty dir yields an empty registry.
func LoadSchemaDir(dir string) (*SchemaRegistry, error) {
	registry := NewSchemaRegistry()
	if strings.TrimSpace(dir) == "" {
		return registry, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.schema.json"))
	if err != nil {
		return nil, fmt.Errorf("glob schemas: %w", err)
	}
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		var schema map[string]any
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", path, err)
		}
		key := strings.TrimSuffix(filepath.Base(path), ".schema.json")
		if err := registry.Register(key, schema); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *SchemaRegistry) Register(key string, schema map[string]any) error {
	full, err := compileSchema(key, schema)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", key, err)
	}
	relaxed := make(map[string]any, len(schema))
	for k, v := range schema {
		relaxed[k] = v
	}
	delete(relaxed, "required")
	partial, err := compileSchema(key, relaxed)
	if err != nil {
		return fmt.Errorf("compile partial schema %s: %w", key, err)
	}

	r.mu.Lock()
	r.schemas[key] = compiledSchema{full: full, partial: partial}
	r.mu.Unlock()
	return nil
}

func (r *SchemaRegistry) Has(key string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[key]
	return ok
}

// ValidatePatch checks a draft patch without enforcing required fields.
func (r *SchemaRegistry) ValidatePatch(key string, patch Fields) error {
	return r.validate(key, patch, false)
}

// ValidateComplete checks a full payload, required fields included.
func (r *SchemaRegistry) ValidateComplete(key string, fields Fields) error {
	return r.validate(key, fields, true)
}

func (r *SchemaRegistry) validate(key string, fields Fields, complete bool) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	compiled, ok := r.schemas[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	schema := compiled.partial
	if complete {
		schema = compiled.full
	}

	if fields == nil {
		fields = Fields{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", key, err)
	}
	var instance any
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	if err := decoder.Decode(&instance); err != nil {
		return fmt.Errorf("decode %s payload: %w", key, err)
	}
	if err := schema.Validate(instance); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return &PayloadValidationError{Key: key, Issues: collectIssues(validationErr)}
		}
		return fmt.Errorf("validate %s payload: %w", key, err)
	}
	return nil
}

func compileSchema(key string, schema map[string]any) (*jsonschema.Schema, error) {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	url := key + ".schema.json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, bytes.NewReader(encoded)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func collectIssues(err *jsonschema.ValidationError) []ValidationIssue {
	issues := []ValidationIssue{}
	var walk func(*jsonschema.ValidationError)
	walk = func(node *jsonschema.ValidationError) {
		if node == nil {
			return
		}
		if len(node.Causes) == 0 {
			issues = append(issues, ValidationIssue{
				Location: strings.TrimSpace(node.InstanceLocation),
				Message:  strings.TrimSpace(node.Message),
			})
			return
		}
		for _, cause := range node.Causes {
			walk(cause)
		}
	}
	walk(err)
	return issues
}
