package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/facebookincubator/antlir-sub004/pkg/feature"
)

func TestLoadSingleLayer(t *testing.T) {
	ll := NewLayerLoader(0)
	layers, err := ll.Load(context.Background(), "layers.star", `
layer(
    name = "//os:base",
    flavor = "centos9",
    features = [
        ensure_dirs(path = "/etc", mode = 0o755),
        install(src = "//artifacts:bashrc", dst = "/etc/bashrc", mode = 0o644),
    ],
)
`)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(layers) != 1 {
		t.Fatalf("declared %d layers, want 1", len(layers))
	}
	l := layers[0]
	if l.Target != "//os:base" || l.Flavor != "centos9" || l.Parent != nil {
		t.Errorf("layer = %+v", l)
	}
	feats := l.Features.Flatten()
	if len(feats) != 2 {
		t.Fatalf("layer has %d features, want 2", len(feats))
	}
	if feats[0].Kind() != feature.KindEnsureDirs || feats[1].Kind() != feature.KindInstall {
		t.Errorf("feature kinds = %v, %v", feats[0].Kind(), feats[1].Kind())
	}
	install := feats[1].Params().(feature.InstallParams)
	if install.Source.Target != "//artifacts:bashrc" || install.Dest != "/etc/bashrc" || install.Mode != 0o644 {
		t.Errorf("install params = %+v", install)
	}
}

func TestLoadParentChain(t *testing.T) {
	ll := NewLayerLoader(0)
	layers, err := ll.Load(context.Background(), "layers.star", `
layer(name = "//os:base", flavor = "centos9")
layer(
    name = "//svc:web",
    parent = "//os:base",
    features = [ensure_dirs(path = "/srv/web", mode = 0o755)],
)
`)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(layers) != 2 {
		t.Fatalf("declared %d layers, want 2", len(layers))
	}
	child := layers[1]
	if child.Parent == nil || child.Parent.Target != "//os:base" {
		t.Errorf("child parent = %+v", child.Parent)
	}
}

func TestLoadUndeclaredParent(t *testing.T) {
	ll := NewLayerLoader(0)
	_, err := ll.Load(context.Background(), "layers.star", `
layer(name = "//svc:web", parent = "//os:base")
`)
	if err == nil {
		t.Fatal("referencing an undeclared parent should fail")
	}
	if !strings.Contains(err.Error(), "//os:base") {
		t.Errorf("error should name the missing parent: %v", err)
	}
}

func TestLoadDuplicateLayer(t *testing.T) {
	ll := NewLayerLoader(0)
	_, err := ll.Load(context.Background(), "layers.star", `
layer(name = "//os:base", flavor = "centos9")
layer(name = "//os:base", flavor = "centos9")
`)
	if err == nil {
		t.Fatal("declaring a layer twice should fail")
	}
}

func TestLoadNoLayers(t *testing.T) {
	ll := NewLayerLoader(0)
	if _, err := ll.Load(context.Background(), "layers.star", `x = 1`); err == nil {
		t.Fatal("a file declaring no layers should fail")
	}
}

func TestLoadFeatureGroupsNest(t *testing.T) {
	ll := NewLayerLoader(0)
	layers, err := ll.Load(context.Background(), "layers.star", `
base_dirs = feature_group(
    ensure_dirs(path = "/etc", mode = 0o755),
    ensure_dirs(path = "/var", mode = 0o755),
)
layer(
    name = "//os:base",
    flavor = "centos9",
    features = [base_dirs, remove(path = "/etc/motd", must_exist = False)],
)
`)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	feats := layers[0].Features.Flatten()
	if len(feats) != 3 {
		t.Fatalf("flattened to %d features, want 3", len(feats))
	}
	rm := feats[2].Params().(feature.RemoveParams)
	if rm.Path != "/etc/motd" || rm.MustExist {
		t.Errorf("remove params = %+v", rm)
	}
}

func TestLoadRPMsWithVersionSets(t *testing.T) {
	ll := NewLayerLoader(0)
	layers, err := ll.Load(context.Background(), "layers.star", `
layer(
    name = "//os:base",
    flavor = "centos9",
    flavors = ["centos9", "fedora40"],
    features = [
        rpms_install(
            names = ["bash", "coreutils"],
            version_sets = {
                "centos9": "//vs:centos9",
                "fedora40": "//vs:fedora40",
            },
        ),
    ],
)
`)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	l := layers[0]
	if len(l.FlavorSet) != 2 {
		t.Errorf("flavor set = %v", l.FlavorSet)
	}
	params := l.Features.Flatten()[0].Params().(feature.RPMParams)
	if params.Action != feature.RPMInstall || len(params.Names) != 2 {
		t.Errorf("rpm params = %+v", params)
	}
	if params.VersionSetByFlavor["centos9"].Target != "//vs:centos9" {
		t.Errorf("version sets = %v", params.VersionSetByFlavor)
	}
}

func TestLoadCloneSlashValidation(t *testing.T) {
	ll := NewLayerLoader(0)
	// Trailing-slash semantics: a directory-content source requires a
	// directory destination.
	_, err := ll.Load(context.Background(), "layers.star", `
layer(
    name = "//os:base",
    flavor = "centos9",
    features = [clone(src_layer = "//os:tools", src_path = "/opt/bin/", dst_path = "/usr/local/bin")],
)
`)
	if err == nil {
		t.Fatal("clone with mismatched trailing slashes should fail")
	}

	layers, err := ll.Load(context.Background(), "layers.star", `
layer(
    name = "//os:base",
    flavor = "centos9",
    features = [clone(src_layer = "//os:tools", src_path = "/opt/bin/", dst_path = "/usr/local/bin/")],
)
`)
	if err != nil {
		t.Fatalf("well-formed clone failed: %v", err)
	}
	params := layers[0].Features.Flatten()[0].Params().(feature.CloneParams)
	if params.SourceLayer.Target != "//os:tools" || !params.SourceLayer.Layer {
		t.Errorf("clone source layer = %+v", params.SourceLayer)
	}
}

func TestLoadBuildAppliance(t *testing.T) {
	ll := NewLayerLoader(0)
	layers, err := ll.Load(context.Background(), "layers.star", `
layer(name = "//ba:centos9", flavor = "centos9", build_appliance = True)
layer(name = "//os:base", parent = "//ba:centos9")
`)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !layers[0].BuildAppliance {
		t.Error("build_appliance flag not carried")
	}
	if layers[1].BuildAppliance {
		t.Error("child inherited the build_appliance flag")
	}
}

func TestLoadInvalidFeatureParams(t *testing.T) {
	ll := NewLayerLoader(0)
	// Relative dest paths are rejected at declaration time.
	_, err := ll.Load(context.Background(), "layers.star", `
layer(
    name = "//os:base",
    flavor = "centos9",
    features = [install(src = "//artifacts:bashrc", dst = "etc/bashrc")],
)
`)
	if err == nil {
		t.Fatal("install with a relative dest should fail")
	}
}

func TestLoadTimeout(t *testing.T) {
	ll := NewLayerLoader(50 * time.Millisecond)
	_, err := ll.Load(context.Background(), "layers.star", `
def spin():
    x = 0
    for i in range(1000000000):
        x += i
    return x

v = spin()
`)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("runaway script returned %v, want a timeout error", err)
	}
}

func TestLoaderAppliesDefaultFlavor(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "project.cue")
	layersPath := filepath.Join(dir, "layers.star")
	if err := os.WriteFile(projectPath, []byte(validProjectCUE), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(layersPath, []byte(`
layer(name = "//os:base")
layer(name = "//svc:web", parent = "//os:base")
`), 0o644); err != nil {
		t.Fatal(err)
	}

	parsed, err := NewLoader().Load(context.Background(), []string{projectPath}, []string{layersPath})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := parsed.Errs(); err != nil {
		t.Fatalf("clean project reported: %v", err)
	}

	base, ok := parsed.Layer("//os:base")
	if !ok {
		t.Fatal("//os:base not declared")
	}
	if base.Flavor != "centos9" {
		t.Errorf("root layer flavor = %q, want the project default", base.Flavor)
	}
	web, _ := parsed.Layer("//svc:web")
	if web.Flavor != "" {
		t.Errorf("child layer flavor = %q, want inherited (empty)", web.Flavor)
	}
	if names := parsed.LayerNames(); len(names) != 2 || names[0] != "//os:base" {
		t.Errorf("layer names = %v", names)
	}
}

func TestLoaderCollectsLayerErrors(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "project.cue")
	layersPath := filepath.Join(dir, "layers.star")
	if err := os.WriteFile(projectPath, []byte(validProjectCUE), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(layersPath, []byte(`layer(name = "//a", parent = "//missing")`), 0o644); err != nil {
		t.Fatal(err)
	}

	parsed, err := NewLoader().Load(context.Background(), []string{projectPath}, []string{layersPath})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if parsed.Errs() == nil {
		t.Fatal("broken layer file should surface as a validation error")
	}
}
