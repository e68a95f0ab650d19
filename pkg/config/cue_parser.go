package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates CUE project files.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// Parse parses CUE project configuration from the given sources. Each
// source may be a file or a directory holding a CUE package; multiple
// sources unify into one project value.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedProject, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedProject{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		parseErrors = append(parseErrors, cp.convertCUEErrors(err)...)
		return &ParsedProject{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return cp.extractProject(cueValue, sourceFiles)
}

// ParseInline parses inline CUE content, mainly for tests.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedProject, error) {
	val := cp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		return &ParsedProject{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}
	return cp.extractProject(val, []string{"inline"})
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// extractProject decodes and validates the project from a CUE value.
func (cp *CUEParser) extractProject(val cue.Value, sourceFiles []string) (*ParsedProject, error) {
	parsed := &ParsedProject{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	projectVal := val.LookupPath(cue.ParsePath("project"))
	if !projectVal.Exists() {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "project",
			Message:  "no project definition found",
			Severity: "error",
		})
		return parsed, nil
	}

	if err := cp.schemaRegistry.ValidateProject(projectVal); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "project",
			Message:  err.Error(),
			Severity: "error",
		})
		return parsed, nil
	}

	var project Project
	if err := projectVal.Decode(&project); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "project",
			Message:  fmt.Sprintf("failed to decode project: %v", err),
			Severity: "error",
		})
		return parsed, nil
	}

	if err := cp.validator.Struct(project); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "project",
			Message:  fmt.Sprintf("validation failed: %v", err),
			Severity: "error",
		})
		return parsed, nil
	}

	seen := make(map[string]bool, len(project.Flavors))
	for _, fl := range project.Flavors {
		if seen[fl.Name] {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "project.flavors",
				Message:  fmt.Sprintf("duplicate flavor %q", fl.Name),
				Severity: "error",
			})
		}
		seen[fl.Name] = true
	}
	if project.DefaultFlavor != "" && !seen[project.DefaultFlavor] {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "project.default_flavor",
			Message:  fmt.Sprintf("default flavor %q is not declared", project.DefaultFlavor),
			Severity: "error",
		})
	}

	parsed.Project = project
	return parsed, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int
		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return validationErrors
}
