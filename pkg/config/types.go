package config

import (
	"time"

	"github.com/facebookincubator/antlir-sub004/pkg/depgraph"
	"github.com/facebookincubator/antlir-sub004/pkg/flavor"
)

// Project is the top-level build project configuration.
type Project struct {
	// Name identifies the project in logs and telemetry.
	Name string `json:"name" validate:"required"`

	// BuildRoot is the directory holding snapshots, refcounts and
	// outputs.
	BuildRoot string `json:"build_root" validate:"required"`

	// Compiler is the compiler binary; empty means the default on
	// PATH.
	Compiler string `json:"compiler,omitempty"`

	// CompilerArgs are extra arguments passed to every compile.
	CompilerArgs []string `json:"compiler_args,omitempty"`

	// HistoryDB is the path of the build-history database; empty
	// disables history.
	HistoryDB string `json:"history_db,omitempty"`

	// DefaultFlavor is applied to layers that declare no flavor and
	// have no parent to inherit one from.
	DefaultFlavor string `json:"default_flavor,omitempty"`

	// ExcludedCoverageFlavors are exempt from RPM version-set
	// coverage checks.
	ExcludedCoverageFlavors []string `json:"excluded_coverage_flavors,omitempty"`

	// Flavors declares the known flavors.
	Flavors []flavor.Flavor `json:"flavors" validate:"required,min=1,dive"`

	// Targets maps non-layer target names to artifact paths.
	Targets map[string]string `json:"targets,omitempty"`

	// Telemetry selects the telemetry profile (default, production).
	Telemetry string `json:"telemetry,omitempty" validate:"omitempty,oneof=default production"`
}

// ValidationError describes one problem found while loading a project.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ParsedProject is the result of loading a project: the typed
// configuration, the declared layers, and any errors encountered.
type ParsedProject struct {
	Project     Project           `json:"project"`
	Layers      []*depgraph.Layer `json:"-"`
	SourceFiles []string          `json:"source_files"`
	ParsedAt    time.Time         `json:"parsed_at"`
	Errors      []ValidationError `json:"errors,omitempty"`
}

// Layer returns the declared layer with the given target name.
func (p *ParsedProject) Layer(targetName string) (*depgraph.Layer, bool) {
	for _, l := range p.Layers {
		if l.Target == targetName {
			return l, true
		}
	}
	return nil, false
}

// LayerNames lists the declared layer targets in declaration order.
func (p *ParsedProject) LayerNames() []string {
	names := make([]string, len(p.Layers))
	for i, l := range p.Layers {
		names[i] = l.Target
	}
	return names
}
