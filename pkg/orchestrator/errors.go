// Package orchestrator drives the layer build pipeline: manifest
// generation, snapshot allocation, compilation, publication and
// garbage collection.
package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorClass classifies build failures for reporting and exit codes.
type ErrorClass string

const (
	// ErrorClassConfig covers invalid project definitions: malformed
	// layers, unknown flavors, feature validation failures.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassResolution covers failures to resolve targets to
	// artifacts: missing resolution table entries, unpublished
	// parent snapshots.
	ErrorClassResolution ErrorClass = "resolution"

	// ErrorClassBuild covers compiler subprocess failures.
	ErrorClassBuild ErrorClass = "build"

	// ErrorClassLifecycle covers snapshot allocate/publish/GC
	// failures on the build root.
	ErrorClassLifecycle ErrorClass = "lifecycle"
)

// BuildError is a classified error with target attribution.
type BuildError struct {
	// Class is the failure classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable summary.
	Message string `json:"message"`

	// Target is the layer target being built, if known.
	Target string `json:"target,omitempty"`

	// Stage names the pipeline stage that failed.
	Stage string `json:"stage,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target=%s): %s", e.Class, e.Message, e.Target, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BuildError) Unwrap() error {
	return e.Err
}

func (e *BuildError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// NewConfigError creates a config-class error.
func NewConfigError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassConfig, Message: message, Err: err}
}

// NewResolutionError creates a resolution-class error.
func NewResolutionError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassResolution, Message: message, Err: err}
}

// NewBuildError creates a build-class error.
func NewBuildError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassBuild, Message: message, Err: err}
}

// NewLifecycleError creates a lifecycle-class error.
func NewLifecycleError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassLifecycle, Message: message, Err: err}
}

// WithTarget adds target attribution to an error.
func (e *BuildError) WithTarget(target string) *BuildError {
	e.Target = target
	return e
}

// WithStage adds stage attribution to an error.
func (e *BuildError) WithStage(stage string) *BuildError {
	e.Stage = stage
	return e
}

// ClassOf returns the classification of err, or the empty class when
// err carries none.
func ClassOf(err error) ErrorClass {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
