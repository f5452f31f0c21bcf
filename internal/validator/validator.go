// Package validator checks outbound payloads against JSON Schema contracts.
package validator

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// ContractValidator validates messages against JSON Schema contracts.
//
// Every payload must validate before it is published. Invalid payloads are
// rejected immediately and the error carries the schema violation details.
type ContractValidator struct {
	schemas map[string]*jsonschema.Schema
	logger  *log.Logger
}

// NewContractValidator compiles the schemas embedded in the binary.
//
// Schema keys are derived from filenames
// (e.g., "intruder-detected.schema.json" -> "intruder-detected").
func NewContractValidator() (*ContractValidator, error) {
	return NewContractValidatorFS(schemaFS, "schemas")
}

// NewContractValidatorFS compiles every *.schema.json file found in dir of fsys.
func NewContractValidatorFS(fsys fs.FS, dir string) (*ContractValidator, error) {
	v := &ContractValidator{
		schemas: make(map[string]*jsonschema.Schema),
		logger:  log.Default(),
	}

	files, err := fs.Glob(fsys, path.Join(dir, "*.schema.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to find schema files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no schema files found in %s", dir)
	}

	for _, file := range files {
		schema, err := v.loadSchema(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}

		contractType := strings.TrimSuffix(path.Base(file), ".schema.json")
		v.schemas[contractType] = schema
		v.logger.Printf("DEBUG: Loaded schema: %s", contractType)
	}

	return v, nil
}

// Contracts returns the loaded contract types in sorted order.
func (v *ContractValidator) Contracts() []string {
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate marshals message to JSON and validates it against contractType.
func (v *ContractValidator) Validate(message any, contractType string) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", contractType, err)
	}
	return v.ValidateJSON(payload, contractType)
}

// ValidateJSON validates an encoded payload against contractType.
func (v *ContractValidator) ValidateJSON(payload []byte, contractType string) error {
	schema, ok := v.schemas[contractType]
	if !ok {
		return fmt.Errorf("unknown contract type: %s", contractType)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("invalid JSON for %s: %w", contractType, err)
	}

	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("validation failed for %s: %w", contractType, err)
	}
	return nil
}

func (v *ContractValidator) loadSchema(fsys fs.FS, file string) (*jsonschema.Schema, error) {
	data, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	url := "mem:///" + file
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}
