package validate

import (
	"embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

const (
	SchemaConsentPolicy = "consent_policy.schema.json"
	SchemaLedgerEntry   = "ledger_entry.schema.json"
	SchemaManifest      = "manifest.schema.json"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

var (
	compiledMu sync.Mutex
	compiled   = map[string]*jsonschema.Schema{}
)

func ConsentPolicy(data []byte) error {
	return ValidateJSON(SchemaConsentPolicy, data)
}

func LedgerEntry(data []byte) error {
	return ValidateJSON(SchemaLedgerEntry, data)
}

func Manifest(data []byte) error {
	return ValidateJSON(SchemaManifest, data)
}

// ValidateJSON checks one JSON document against an embedded schema.
func ValidateJSON(schemaName string, data []byte) error {
	schema, err := loadSchema(schemaName)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

func loadSchema(schemaName string) (*jsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if schema, ok := compiled[schemaName]; ok {
		return schema, nil
	}
	data, err := schemaFiles.ReadFile("schemas/" + schemaName)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled[schemaName] = schema
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
