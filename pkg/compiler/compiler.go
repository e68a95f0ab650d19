// Package compiler invokes the external layer compiler that
// materializes a feature manifest into a volume. The orchestrator
// stays a thin supervisor: the compiler is a subprocess with a fixed
// flag contract, and only its exit status decides success.
package compiler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// Request carries everything one compile invocation needs.
type Request struct {
	// Target is the logical target being built, passed for logging
	// and error attribution on the compiler side.
	Target string
	// ManifestPath is the serialized feature manifest to apply.
	ManifestPath string
	// ParentVolume is the resolved parent volume path, empty for
	// layers without a parent.
	ParentVolume string
	// VolumeDir is the directory the compiler must create and fill.
	VolumeDir string
	// OutputPath is where the compiler may write auxiliary build
	// output before publication.
	OutputPath string
}

// Compiler runs the external compile binary.
type Compiler struct {
	// Binary is the compiler executable. Defaults to "antlir-compile"
	// on PATH when empty.
	Binary string
	// ExtraArgs are appended verbatim after the generated flags.
	ExtraArgs []string

	log zerolog.Logger
}

// New returns a compiler using binary, falling back to the default
// when binary is empty.
func New(binary string, log zerolog.Logger) *Compiler {
	if binary == "" {
		binary = "antlir-compile"
	}
	return &Compiler{Binary: binary, log: log.With().Str("component", "compiler").Logger()}
}

// Args renders the subprocess argument list for req.
func (c *Compiler) Args(req Request) []string {
	args := []string{
		"--target", req.Target,
		"--manifest", req.ManifestPath,
		"--volume", req.VolumeDir,
	}
	if req.ParentVolume != "" {
		args = append(args, "--parent-volume", req.ParentVolume)
	}
	if req.OutputPath != "" {
		args = append(args, "--output", req.OutputPath)
	}
	return append(args, c.ExtraArgs...)
}

// Run executes one compile. Cancelling ctx kills the subprocess. The
// compiler's stdout and stderr are streamed line by line into the
// structured log; success is exit status zero, nothing else.
func (c *Compiler) Run(ctx context.Context, req Request) error {
	log := c.log.With().Str("target", req.Target).Logger()

	cmd := exec.CommandContext(ctx, c.Binary, c.Args(req)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("compile %s: %w", req.Target, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("compile %s: %w", req.Target, err)
	}

	start := time.Now()
	log.Info().Str("binary", c.Binary).Msg("starting compile")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("compile %s: start: %w", req.Target, err)
	}

	done := make(chan struct{}, 2)
	stream := func(r io.Reader, level zerolog.Level) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			log.WithLevel(level).Msg(sc.Text())
		}
		done <- struct{}{}
	}
	go stream(stdout, zerolog.DebugLevel)
	go stream(stderr, zerolog.WarnLevel)
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("compile %s: %w", req.Target, ctxErr)
		}
		return fmt.Errorf("compile %s: %w", req.Target, err)
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("compile finished")
	return nil
}
