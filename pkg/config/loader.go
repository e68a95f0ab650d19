package config

import (
	"context"
	"fmt"
	"time"
)

// Loader combines the CUE project parser and the Starlark layer
// loader into one entry point.
type Loader struct {
	cue    *CUEParser
	layers *LayerLoader
}

// NewLoader creates a loader with default timeouts.
func NewLoader() *Loader {
	return &Loader{
		cue:    NewCUEParser(),
		layers: NewLayerLoader(30 * time.Second),
	}
}

// Load parses the project from projectSources and evaluates the layer
// declarations from layerFiles. Validation problems are collected in
// the returned ParsedProject; a non-nil error means loading could not
// proceed at all.
func (l *Loader) Load(ctx context.Context, projectSources, layerFiles []string) (*ParsedProject, error) {
	parsed, err := l.cue.Parse(ctx, projectSources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return parsed, nil
	}

	for _, file := range layerFiles {
		layers, err := l.layers.LoadFile(ctx, file)
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				File:     file,
				Message:  err.Error(),
				Severity: "error",
			})
			continue
		}
		parsed.Layers = append(parsed.Layers, layers...)
		parsed.SourceFiles = append(parsed.SourceFiles, file)
	}
	if len(parsed.Errors) > 0 {
		return parsed, nil
	}

	l.applyDefaults(parsed)
	return parsed, nil
}

// applyDefaults fills the project default flavor into root layers that
// declare none.
func (l *Loader) applyDefaults(parsed *ParsedProject) {
	if parsed.Project.DefaultFlavor == "" {
		return
	}
	for _, layer := range parsed.Layers {
		if layer.Parent == nil && layer.Flavor == "" {
			layer.Flavor = parsed.Project.DefaultFlavor
		}
	}
}

// Errs joins the parsed project's validation errors into one error,
// or nil when the project is clean.
func (p *ParsedProject) Errs() error {
	if len(p.Errors) == 0 {
		return nil
	}
	msg := ""
	for i, e := range p.Errors {
		if i > 0 {
			msg += "; "
		}
		if e.File != "" {
			msg += e.File + ": "
		}
		msg += e.Message
	}
	return fmt.Errorf("project has %d validation errors: %s", len(p.Errors), msg)
}
