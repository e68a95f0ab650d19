package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for project validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("project", builtinProjectSchema)
	sr.RegisterSchema("flavor", builtinFlavorSchema)
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// validateValue unifies a CUE value against a named schema definition.
func (sr *SchemaRegistry) validateValue(schemaName, definition string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	def := schema.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", schemaName, definition)
	}
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateProject validates a project value against the project schema.
func (sr *SchemaRegistry) ValidateProject(val cue.Value) error {
	return sr.validateValue("project", "#Project", val)
}

// ValidateFlavor validates a flavor value against the flavor schema.
func (sr *SchemaRegistry) ValidateFlavor(val cue.Value) error {
	return sr.validateValue("flavor", "#Flavor", val)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Built-in schema definitions

const builtinProjectSchema = `
// Project schema for build project configuration
#Project: {
	// Name identifies the project
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// BuildRoot holds snapshots, refcounts and outputs
	build_root: string

	// Compiler is the compiler binary
	compiler?: string

	// CompilerArgs are extra compiler arguments
	compiler_args?: [...string]

	// HistoryDB is the build-history database path
	history_db?: string

	// DefaultFlavor applies to flavorless root layers
	default_flavor?: string

	// ExcludedCoverageFlavors skip RPM coverage checks
	excluded_coverage_flavors?: [...string]

	// Flavors declares the known flavors
	flavors: [...#Flavor] & [_, ...]

	// Targets maps non-layer targets to artifact paths
	targets?: {[string]: string}

	// Telemetry selects the telemetry profile
	telemetry?: "default" | "production"
}

#Flavor: {
	// Name is the flavor identifier
	name: string & =~"^[a-zA-Z0-9_.-]+$"

	// BuildAppliance is the build appliance layer target
	build_appliance?: #Ref

	// RepoSnapshot pins the package repo snapshot
	repo_snapshot?: string

	// VersionSet pins default package versions
	version_set?: #Ref
}

#Ref: {
	target: string
	layer?: bool
}
`

const builtinFlavorSchema = `
#Flavor: {
	name: string & =~"^[a-zA-Z0-9_.-]+$"
	build_appliance?: {target: string, layer?: bool}
	repo_snapshot?: string
	version_set?: {target: string, layer?: bool}
}
`
