package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/corralhq/corral/pkg/fault"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// DocumentSchemaVersion is stamped into freshly extracted documents and
// checked against cached artifacts. Artifacts from the same major are
// compatible.
const DocumentSchemaVersion = "1.0.0"

const (
	statementSchemaURL = "https://corral.schemas.local/documents/statement.schema.json"
	invoiceSchemaURL   = "https://corral.schemas.local/documents/invoice.schema.json"
)

// SchemaSet holds the compiled document schemas. Construct one per process
// and inject it; there is no package-level compiled state.
type SchemaSet struct {
	statement *jsonschema.Schema
	invoice   *jsonschema.Schema
}

// NewSchemaSet compiles the embedded draft 2020-12 document schemas.
func NewSchemaSet() (*SchemaSet, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	for url, path := range map[string]string{
		statementSchemaURL: "schemas/statement.schema.json",
		invoiceSchemaURL:   "schemas/invoice.schema.json",
	} {
		raw, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("contracts: reading embedded schema %s: %w", path, err)
		}
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("contracts: loading schema %s: %w", url, err)
		}
	}

	stmt, err := c.Compile(statementSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("contracts: compiling statement schema: %w", err)
	}
	inv, err := c.Compile(invoiceSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("contracts: compiling invoice schema: %w", err)
	}
	return &SchemaSet{statement: stmt, invoice: inv}, nil
}

// ValidateStatement gates raw extractor output against the statement schema.
func (s *SchemaSet) ValidateStatement(raw []byte) error {
	return s.validate(s.statement, "statement", raw)
}

// ValidateInvoice gates raw extractor output against the invoice schema.
func (s *SchemaSet) ValidateInvoice(raw []byte) error {
	return s.validate(s.invoice, "invoice", raw)
}

func (s *SchemaSet) validate(schema *jsonschema.Schema, doc string, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &fault.SchemaError{Document: doc, Err: fmt.Errorf("not valid JSON: %w", err)}
	}
	if err := schema.Validate(v); err != nil {
		return &fault.SchemaError{Document: doc, Err: err}
	}
	return nil
}

// CompatibleSchemaVersion reports whether a cached artifact's schema_version
// may be reused against the current document schemas. An empty version is
// treated as pre-versioning and rejected; differing majors are rejected.
func CompatibleSchemaVersion(artifactVersion string) bool {
	if artifactVersion == "" {
		return false
	}
	cur := semver.MustParse(DocumentSchemaVersion)
	got, err := semver.NewVersion(artifactVersion)
	if err != nil {
		return false
	}
	return got.Major() == cur.Major()
}
