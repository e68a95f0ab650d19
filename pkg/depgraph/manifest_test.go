package depgraph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/facebookincubator/antlir-sub004/pkg/feature"
	"github.com/facebookincubator/antlir-sub004/pkg/flavor"
	"github.com/facebookincubator/antlir-sub004/pkg/target"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	reg, err := flavor.NewRegistry([]flavor.Flavor{
		{Name: "centos9", BuildAppliance: target.Ref{Target: "//ba:centos9", Layer: true}},
		{Name: "fedora40", BuildAppliance: target.Ref{Target: "//ba:fedora40", Layer: true}},
	})
	if err != nil {
		t.Fatalf("flavor registry: %v", err)
	}
	return &Builder{
		Flavors: reg,
		Resolution: target.ResolutionTable{
			"//os:base":          "/build/current/os_base",
			"//artifacts:bashrc": "/build/artifacts/bashrc",
			"//vs:centos9":       "/build/vs/centos9.json",
			"//vs:fedora40":      "/build/vs/fedora40.json",
		},
	}
}

func installFeature(t *testing.T, src, dst string) feature.Feature {
	t.Helper()
	f, err := feature.New(feature.InstallParams{
		Source: target.Ref{Target: src},
		Dest:   dst,
	})
	if err != nil {
		t.Fatalf("install feature: %v", err)
	}
	return f
}

func TestBuildRootLayer(t *testing.T) {
	b := testBuilder(t)
	layer := &Layer{
		Target: "//os:base",
		Flavor: "centos9",
		Features: feature.Group(
			feature.Leaf(feature.MustNew(feature.EnsureDirsParams{Path: "/etc", Mode: 0o755})),
			feature.Leaf(installFeature(t, "//artifacts:bashrc", "/etc/bashrc")),
		),
	}

	m, err := b.Build(layer)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if m.Flavor != "centos9" {
		t.Errorf("manifest flavor = %q, want centos9", m.Flavor)
	}
	if m.ParentLink != nil {
		t.Error("root layer manifest should carry no parent link")
	}
	if len(m.Features) != 2 {
		t.Fatalf("manifest has %d features, want 2", len(m.Features))
	}
	if got := m.Paths["//artifacts:bashrc"]; got != "/build/artifacts/bashrc" {
		t.Errorf("resolved path = %q", got)
	}
}

func TestBuildChildLinksParentOnly(t *testing.T) {
	b := testBuilder(t)
	parent := &Layer{
		Target: "//os:base",
		Flavor: "centos9",
		Features: feature.Group(
			feature.Leaf(installFeature(t, "//artifacts:bashrc", "/etc/bashrc")),
		),
	}
	child := &Layer{
		Target: "//svc:web",
		Parent: parent,
		Features: feature.Group(
			feature.Leaf(feature.MustNew(feature.EnsureDirsParams{Path: "/srv/web", Mode: 0o755})),
		),
	}

	m, err := b.Build(child)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if m.Flavor != "centos9" {
		t.Errorf("child should inherit parent flavor, got %q", m.Flavor)
	}
	if m.ParentLink == nil {
		t.Fatal("child manifest must carry a parent link")
	}
	params, ok := m.ParentLink.Params().(feature.ParentLayerParams)
	if !ok {
		t.Fatalf("parent link params are %T", m.ParentLink.Params())
	}
	if params.Volume.Target != "//os:base" || !params.Volume.Layer {
		t.Errorf("parent link volume = %+v", params.Volume)
	}

	// The parent's declared features are the parent's business; the
	// child manifest lists only its own plus the link.
	if len(m.Features) != 1 {
		t.Fatalf("child manifest has %d features, want 1", len(m.Features))
	}
	if _, resolved := m.Paths["//artifacts:bashrc"]; resolved {
		t.Error("child manifest resolved a path only the parent references")
	}
	if got := m.Paths["//os:base"]; got != "/build/current/os_base" {
		t.Errorf("parent volume path = %q", got)
	}
}

func TestBuildApplianceParentHasNoLink(t *testing.T) {
	b := testBuilder(t)
	ba := &Layer{
		Target:         "//ba:centos9",
		Flavor:         "centos9",
		BuildAppliance: true,
	}
	child := &Layer{
		Target: "//os:base",
		Parent: ba,
		Features: feature.Group(
			feature.Leaf(feature.MustNew(feature.EnsureDirsParams{Path: "/etc", Mode: 0o755})),
		),
	}

	m, err := b.Build(child)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if m.ParentLink != nil {
		t.Error("child of a build appliance should not link to its volume")
	}
	if m.Flavor != "centos9" {
		t.Errorf("flavor still inherits across the appliance boundary, got %q", m.Flavor)
	}
}

func TestBuildFiltersVersionSets(t *testing.T) {
	b := testBuilder(t)
	layer := &Layer{
		Target:    "//os:base",
		Flavor:    "centos9",
		FlavorSet: []string{"centos9", "fedora40"},
		Features: feature.Leaf(feature.MustNew(feature.RPMParams{
			Action: feature.RPMInstall,
			Names:  []string{"bash"},
			VersionSetByFlavor: map[string]target.Ref{
				"centos9":  {Target: "//vs:centos9"},
				"fedora40": {Target: "//vs:fedora40"},
			},
		})),
	}

	m, err := b.Build(layer)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(m.Features) != 1 {
		t.Fatalf("manifest has %d features, want 1", len(m.Features))
	}
	params := m.Features[0].Params().(feature.RPMParams)
	if len(params.VersionSetByFlavor) != 1 {
		t.Fatalf("emitted version sets = %v, want the effective flavor only", params.VersionSetByFlavor)
	}
	if _, ok := params.VersionSetByFlavor["centos9"]; !ok {
		t.Errorf("effective flavor centos9 missing from %v", params.VersionSetByFlavor)
	}

	// The filtered-out flavor's version set never enters the path table.
	if _, resolved := m.Paths["//vs:fedora40"]; resolved {
		t.Error("fedora40 version set resolved despite being filtered out")
	}
	if got := m.Paths["//vs:centos9"]; got != "/build/vs/centos9.json" {
		t.Errorf("centos9 version set path = %q", got)
	}
}

func TestBuildCoverageFailure(t *testing.T) {
	b := testBuilder(t)
	layer := &Layer{
		Target:    "//os:base",
		Flavor:    "centos9",
		FlavorSet: []string{"centos9", "fedora40"},
		Features: feature.Leaf(feature.MustNew(feature.RPMParams{
			Action: feature.RPMInstall,
			Names:  []string{"bash"},
			VersionSetByFlavor: map[string]target.Ref{
				"centos9": {Target: "//vs:centos9"},
			},
		})),
	}
	_, err := b.Build(layer)
	if err == nil {
		t.Fatal("Build should fail when an install covers only part of the flavor set")
	}
	if !strings.Contains(err.Error(), "fedora40") {
		t.Errorf("coverage error should name the missing flavor: %v", err)
	}
}

func TestBuildAncestorFlavorMismatch(t *testing.T) {
	b := testBuilder(t)
	grandparent := &Layer{Target: "//os:base", Flavor: "centos9"}
	parent := &Layer{Target: "//os:mid", Parent: grandparent}
	leaf := &Layer{Target: "//svc:web", Parent: parent, Flavor: "fedora40"}

	_, err := b.Build(leaf)
	if err == nil {
		t.Fatal("Build should surface a flavor mismatch against an ancestor")
	}
	if !strings.Contains(err.Error(), "centos9") || !strings.Contains(err.Error(), "fedora40") {
		t.Errorf("mismatch error should name both flavors: %v", err)
	}
}

func TestBuildUnknownFlavor(t *testing.T) {
	b := testBuilder(t)
	_, err := b.Build(&Layer{Target: "//os:base", Flavor: "debian"})
	if err == nil {
		t.Fatal("Build should reject a flavor the registry does not know")
	}
}

func TestBuildUnresolvedReference(t *testing.T) {
	b := testBuilder(t)
	layer := &Layer{
		Target:   "//os:base",
		Flavor:   "centos9",
		Features: feature.Leaf(installFeature(t, "//artifacts:missing", "/etc/x")),
	}
	_, err := b.Build(layer)
	if err == nil {
		t.Fatal("Build should fail on an unresolved target reference")
	}
	if !strings.Contains(err.Error(), "//artifacts:missing") {
		t.Errorf("error should name the unresolved target: %v", err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	b := testBuilder(t)
	mkLayer := func() *Layer {
		shared := feature.Leaf(installFeature(t, "//artifacts:bashrc", "/etc/bashrc"))
		return &Layer{
			Target: "//os:base",
			Flavor: "centos9",
			Features: feature.Group(
				shared,
				feature.Leaf(feature.MustNew(feature.EnsureDirsParams{Path: "/etc", Mode: 0o755})),
				shared, // duplicate, deduplicated on registration
			),
		}
	}

	m1, err := b.Build(mkLayer())
	if err != nil {
		t.Fatalf("first Build failed: %v", err)
	}
	m2, err := b.Build(mkLayer())
	if err != nil {
		t.Fatalf("second Build failed: %v", err)
	}

	if len(m1.Features) != 2 {
		t.Errorf("duplicate feature survived deduplication: %d features", len(m1.Features))
	}
	if m1.Digest() != m2.Digest() {
		t.Errorf("identical layers produced different digests: %s vs %s", m1.Digest(), m2.Digest())
	}

	raw1, err := json.Marshal(m1)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw2, err := json.Marshal(m2)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw1) != string(raw2) {
		t.Error("identical layers produced different serialized manifests")
	}
}

func TestWriteFile(t *testing.T) {
	b := testBuilder(t)
	m, err := b.Build(&Layer{
		Target:   "//os:base",
		Flavor:   "centos9",
		Features: feature.Leaf(feature.MustNew(feature.EnsureDirsParams{Path: "/etc", Mode: 0o755})),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := m.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written manifest: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("written manifest is not valid JSON: %v", err)
	}
	if decoded["target"] != "//os:base" {
		t.Errorf("written manifest target = %v", decoded["target"])
	}
}
