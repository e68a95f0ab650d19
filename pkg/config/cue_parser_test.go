package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const validProjectCUE = `
project: {
	name:       "osimages"
	build_root: "/build"
	flavors: [
		{name: "centos9", build_appliance: {target: "//ba:centos9", layer: true}},
		{name: "fedora40"},
	]
	default_flavor: "centos9"
	targets: {
		"//artifacts:bashrc": "/artifacts/bashrc"
	}
}
`

func TestParseInlineValidProject(t *testing.T) {
	parser := NewCUEParser()
	parsed, err := parser.ParseInline(context.Background(), validProjectCUE)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if len(parsed.Errors) > 0 {
		t.Fatalf("valid project reported errors: %v", parsed.Errors)
	}

	p := parsed.Project
	if p.Name != "osimages" || p.BuildRoot != "/build" {
		t.Errorf("project = %+v", p)
	}
	if len(p.Flavors) != 2 || p.Flavors[0].Name != "centos9" {
		t.Errorf("flavors = %+v", p.Flavors)
	}
	if p.Flavors[0].BuildAppliance.Target != "//ba:centos9" {
		t.Errorf("build appliance = %+v", p.Flavors[0].BuildAppliance)
	}
	if p.DefaultFlavor != "centos9" {
		t.Errorf("default flavor = %q", p.DefaultFlavor)
	}
	if p.Targets["//artifacts:bashrc"] != "/artifacts/bashrc" {
		t.Errorf("targets = %v", p.Targets)
	}
}

func TestParseInlineMissingRequiredField(t *testing.T) {
	parser := NewCUEParser()
	parsed, err := parser.ParseInline(context.Background(), `
project: {
	name: "osimages"
	flavors: [{name: "centos9"}]
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if len(parsed.Errors) == 0 {
		t.Fatal("project without build_root should report an error")
	}
}

func TestParseInlineEmptyFlavors(t *testing.T) {
	parser := NewCUEParser()
	parsed, err := parser.ParseInline(context.Background(), `
project: {
	name:       "osimages"
	build_root: "/build"
	flavors: []
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if len(parsed.Errors) == 0 {
		t.Fatal("project without flavors should report an error")
	}
}

func TestParseInlineDuplicateFlavors(t *testing.T) {
	parser := NewCUEParser()
	parsed, err := parser.ParseInline(context.Background(), `
project: {
	name:       "osimages"
	build_root: "/build"
	flavors: [{name: "centos9"}, {name: "centos9"}]
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if len(parsed.Errors) == 0 {
		t.Fatal("duplicate flavor names should report an error")
	}
}

func TestParseInlineUndeclaredDefaultFlavor(t *testing.T) {
	parser := NewCUEParser()
	parsed, err := parser.ParseInline(context.Background(), `
project: {
	name:           "osimages"
	build_root:     "/build"
	flavors:        [{name: "centos9"}]
	default_flavor: "debian"
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if len(parsed.Errors) == 0 {
		t.Fatal("undeclared default flavor should report an error")
	}
}

func TestParseInlineNoProject(t *testing.T) {
	parser := NewCUEParser()
	parsed, err := parser.ParseInline(context.Background(), `something: {a: 1}`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if len(parsed.Errors) == 0 {
		t.Fatal("content without a project should report an error")
	}
}

func TestParseInlineSyntaxError(t *testing.T) {
	parser := NewCUEParser()
	parsed, err := parser.ParseInline(context.Background(), `project: {name: `)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if len(parsed.Errors) == 0 {
		t.Fatal("malformed CUE should report an error")
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.cue")
	if err := os.WriteFile(path, []byte(validProjectCUE), 0o644); err != nil {
		t.Fatal(err)
	}

	parser := NewCUEParser()
	parsed, err := parser.Parse(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(parsed.Errors) > 0 {
		t.Fatalf("valid project file reported errors: %v", parsed.Errors)
	}
	if parsed.Project.Name != "osimages" {
		t.Errorf("project name = %q", parsed.Project.Name)
	}
	if len(parsed.SourceFiles) != 1 || parsed.SourceFiles[0] != path {
		t.Errorf("source files = %v", parsed.SourceFiles)
	}
}

func TestParseMissingSource(t *testing.T) {
	parser := NewCUEParser()
	if _, err := parser.Parse(context.Background(), []string{"/nonexistent/project.cue"}); err == nil {
		t.Error("Parse should fail for a missing source")
	}
	if _, err := parser.Parse(context.Background(), nil); err == nil {
		t.Error("Parse should fail with no sources")
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	if _, ok := sr.GetSchema("project"); !ok {
		t.Error("built-in project schema missing")
	}
	if _, ok := sr.GetSchema("flavor"); !ok {
		t.Error("built-in flavor schema missing")
	}
	if err := sr.RegisterSchema("broken", `a: {`); err == nil {
		t.Error("RegisterSchema should reject malformed CUE")
	}
	names := sr.ListSchemas()
	if len(names) != 2 {
		t.Errorf("ListSchemas = %v", names)
	}
}
