package compiler

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewDefaultsBinary(t *testing.T) {
	c := New("", zerolog.Nop())
	if c.Binary != "antlir-compile" {
		t.Errorf("default binary = %q", c.Binary)
	}
	c = New("/opt/bin/compile", zerolog.Nop())
	if c.Binary != "/opt/bin/compile" {
		t.Errorf("binary = %q", c.Binary)
	}
}

func TestArgs(t *testing.T) {
	c := New("compile", zerolog.Nop())
	c.ExtraArgs = []string{"--debug"}

	got := c.Args(Request{
		Target:       "//os:base",
		ManifestPath: "/w/manifest.json",
		ParentVolume: "/w/parent/volume",
		VolumeDir:    "/w/volume",
		OutputPath:   "/w/out.json",
	})
	want := []string{
		"--target", "//os:base",
		"--manifest", "/w/manifest.json",
		"--volume", "/w/volume",
		"--parent-volume", "/w/parent/volume",
		"--output", "/w/out.json",
		"--debug",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args = %v, want %v", got, want)
	}

	// Optional flags are omitted when empty.
	got = c.Args(Request{Target: "//os:base", ManifestPath: "/m", VolumeDir: "/v"})
	for _, flag := range []string{"--parent-volume", "--output"} {
		for _, a := range got {
			if a == flag {
				t.Errorf("Args includes %s for an empty value: %v", flag, got)
			}
		}
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compile")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunSuccess(t *testing.T) {
	c := New(writeScript(t, "#!/bin/sh\necho building\nexit 0\n"), zerolog.Nop())
	if err := c.Run(context.Background(), Request{Target: "//os:base"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestRunFailure(t *testing.T) {
	c := New(writeScript(t, "#!/bin/sh\necho doomed >&2\nexit 3\n"), zerolog.Nop())
	err := c.Run(context.Background(), Request{Target: "//os:base"})
	if err == nil {
		t.Fatal("Run should fail on a nonzero exit")
	}
	if !strings.Contains(err.Error(), "//os:base") {
		t.Errorf("error should name the target: %v", err)
	}
}

func TestRunCancellation(t *testing.T) {
	c := New(writeScript(t, "#!/bin/sh\nsleep 30\n"), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Run(ctx, Request{Target: "//os:base"})
	if err == nil {
		t.Fatal("Run should fail when the context is cancelled")
	}
	if !strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		t.Errorf("cancellation error = %v, want the context error surfaced", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "does-not-exist"), zerolog.Nop())
	if err := c.Run(context.Background(), Request{Target: "//os:base"}); err == nil {
		t.Fatal("Run should fail for a missing binary")
	}
}
