package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/facebookincubator/antlir-sub004/pkg/compiler"
	"github.com/facebookincubator/antlir-sub004/pkg/depgraph"
	"github.com/facebookincubator/antlir-sub004/pkg/feature"
	"github.com/facebookincubator/antlir-sub004/pkg/flavor"
	"github.com/facebookincubator/antlir-sub004/pkg/stores"
	"github.com/facebookincubator/antlir-sub004/pkg/subvol"
	"github.com/facebookincubator/antlir-sub004/pkg/target"
	"github.com/facebookincubator/antlir-sub004/pkg/telemetry"
)

// stubCompiler writes a shell script that creates the requested volume
// directory, standing in for the real compile binary.
func stubCompiler(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-compile")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing stub compiler: %v", err)
	}
	return path
}

const okCompilerScript = `#!/bin/sh
while [ $# -gt 0 ]; do
    case "$1" in
    --volume) mkdir -p "$2"; shift 2 ;;
    *) shift ;;
    esac
done
`

func testTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	return tel
}

func testOrchestrator(t *testing.T, compilerScript string) *Orchestrator {
	t.Helper()
	tel := testTelemetry(t)

	snapshots, err := subvol.NewManager(t.TempDir(), tel.Logger.Zerolog())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	flavors, err := flavor.NewRegistry([]flavor.Flavor{{Name: "centos9"}})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("store Init failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("store Migrate failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &Orchestrator{
		Manifests: &depgraph.Builder{
			Flavors: flavors,
			Resolution: target.ResolutionTable{
				"//artifacts:bashrc": "/artifacts/bashrc",
			},
		},
		Snapshots: snapshots,
		Compiler:  compiler.New(stubCompiler(t, compilerScript), tel.Logger.Zerolog()),
		History:   store,
		Telemetry: tel,
	}
}

func baseLayer() *depgraph.Layer {
	return &depgraph.Layer{
		Target: "//os:base",
		Flavor: "centos9",
		Features: feature.Leaf(feature.MustNew(feature.InstallParams{
			Source: target.Ref{Target: "//artifacts:bashrc"},
			Dest:   "/etc/bashrc",
		})),
	}
}

func TestBuildPublishes(t *testing.T) {
	o := testOrchestrator(t, okCompilerScript)
	ctx := context.Background()

	result, err := o.Build(ctx, baseLayer())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if result.Target != "//os:base" || result.Flavor != "centos9" || result.Version != 1 {
		t.Errorf("result = %+v", result)
	}
	if result.BuildID == "" || result.ManifestDigest == "" {
		t.Errorf("result missing identity fields: %+v", result)
	}

	// The snapshot is live and resolvable.
	vol, err := o.Snapshots.Current("//os:base")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if vol != filepath.Clean(result.VolumePath) {
		t.Errorf("Current = %q, result volume = %q", vol, result.VolumePath)
	}
	rec, err := o.Snapshots.LoadOutput("//os:base")
	if err != nil {
		t.Fatalf("LoadOutput failed: %v", err)
	}
	if rec.Flavor != "centos9" || rec.ManifestDigest != result.ManifestDigest {
		t.Errorf("published record = %+v", rec)
	}

	// History recorded the build and the snapshot.
	build, err := o.History.GetBuild(ctx, result.BuildID)
	if err != nil {
		t.Fatalf("GetBuild failed: %v", err)
	}
	if build.Status != stores.BuildStatusPublished {
		t.Errorf("history status = %q", build.Status)
	}
	snap, err := o.History.GetSnapshot(ctx, "//os:base")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.BuildID != result.BuildID || snap.Version != 1 {
		t.Errorf("history snapshot = %+v", snap)
	}

	// The compiler consumed a manifest written into the wrapper.
	manifestPath := filepath.Join(filepath.Dir(vol), "manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		t.Errorf("manifest not written next to the volume: %v", err)
	}
}

func TestBuildCompilerFailure(t *testing.T) {
	o := testOrchestrator(t, "#!/bin/sh\nexit 1\n")
	ctx := context.Background()

	_, err := o.Build(ctx, baseLayer())
	if err == nil {
		t.Fatal("Build should fail when the compiler exits nonzero")
	}
	if got := ClassOf(err); got != ErrorClassBuild {
		t.Errorf("error class = %q, want %q", got, ErrorClassBuild)
	}

	// Nothing was published.
	if _, err := o.Snapshots.Current("//os:base"); err == nil {
		t.Error("failed build must not publish a snapshot")
	}

	// History recorded the failure.
	builds, err := o.History.ListBuilds(ctx, "//os:base", 0)
	if err != nil {
		t.Fatalf("ListBuilds failed: %v", err)
	}
	if len(builds) != 1 || builds[0].Status != stores.BuildStatusFailed {
		t.Errorf("history = %+v", builds)
	}
	if builds[0].Error == nil {
		t.Error("failed build should carry an error message in history")
	}
}

func TestGCReclaimsFailedBuild(t *testing.T) {
	o := testOrchestrator(t, "#!/bin/sh\nexit 1\n")
	ctx := context.Background()

	if _, err := o.Build(ctx, baseLayer()); err == nil {
		t.Fatal("Build should fail when the compiler exits nonzero")
	}

	// The build released its lock on the way out, so the dead wrapper
	// is reclaimable without another build of the same target.
	stats, err := o.CollectGarbage(ctx)
	if err != nil {
		t.Fatalf("CollectGarbage failed: %v", err)
	}
	if stats.Examined != 1 || stats.Reclaimed != 1 {
		t.Errorf("stats = %+v, want the failed build's wrapper reclaimed", stats)
	}
}

func TestBuildConfigErrorClass(t *testing.T) {
	o := testOrchestrator(t, okCompilerScript)
	layer := baseLayer()
	layer.Flavor = "debian"

	_, err := o.Build(context.Background(), layer)
	if err == nil {
		t.Fatal("Build should fail for an unknown flavor")
	}
	if got := ClassOf(err); got != ErrorClassConfig {
		t.Errorf("error class = %q, want %q", got, ErrorClassConfig)
	}
}

func TestBuildMissingParentIsResolutionError(t *testing.T) {
	o := testOrchestrator(t, okCompilerScript)
	child := &depgraph.Layer{
		Target: "//svc:web",
		Parent: baseLayer(),
		Features: feature.Leaf(feature.MustNew(feature.EnsureDirsParams{
			Path: "/srv/web",
			Mode: 0o755,
		})),
	}

	_, err := o.Build(context.Background(), child)
	if err == nil {
		t.Fatal("Build should fail when the parent was never published")
	}
	if got := ClassOf(err); got != ErrorClassResolution {
		t.Errorf("error class = %q, want %q", got, ErrorClassResolution)
	}
}

func TestBuildChildUsesParentVolume(t *testing.T) {
	// The stub records its --parent-volume argument so the test can
	// assert the child compile saw the parent's published volume.
	recordFile := filepath.Join(t.TempDir(), "parent-volume")
	script := `#!/bin/sh
while [ $# -gt 0 ]; do
    case "$1" in
    --volume) vol="$2"; shift 2 ;;
    --parent-volume) printf '%s' "$2" > ` + recordFile + `; shift 2 ;;
    *) shift ;;
    esac
done
mkdir -p "$vol"
`
	o := testOrchestrator(t, script)
	ctx := context.Background()

	parent := baseLayer()
	if _, err := o.Build(ctx, parent); err != nil {
		t.Fatalf("parent Build failed: %v", err)
	}
	parentVol, err := o.Snapshots.Current("//os:base")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}

	child := &depgraph.Layer{
		Target: "//svc:web",
		Parent: parent,
		Features: feature.Leaf(feature.MustNew(feature.EnsureDirsParams{
			Path: "/srv/web",
			Mode: 0o755,
		})),
	}
	if _, err := o.Build(ctx, child); err != nil {
		t.Fatalf("child Build failed: %v", err)
	}

	recorded, err := os.ReadFile(recordFile)
	if err != nil {
		t.Fatalf("stub did not record the parent volume: %v", err)
	}
	if string(recorded) != parentVol {
		t.Errorf("compiler saw parent volume %q, want %q", recorded, parentVol)
	}
}

func TestBuildRebuildSupersedes(t *testing.T) {
	o := testOrchestrator(t, okCompilerScript)
	ctx := context.Background()

	r1, err := o.Build(ctx, baseLayer())
	if err != nil {
		t.Fatalf("first Build failed: %v", err)
	}
	r2, err := o.Build(ctx, baseLayer())
	if err != nil {
		t.Fatalf("second Build failed: %v", err)
	}
	if r2.Version != r1.Version+1 {
		t.Errorf("versions = %d then %d, want monotonic", r1.Version, r2.Version)
	}
	if r1.ManifestDigest != r2.ManifestDigest {
		t.Error("identical layer should produce an identical manifest digest")
	}

	stats, err := o.CollectGarbage(ctx)
	if err != nil {
		t.Fatalf("CollectGarbage failed: %v", err)
	}
	if stats.Reclaimed != 1 {
		t.Errorf("GC stats = %+v, want the superseded snapshot reclaimed", stats)
	}
	vol, err := o.Snapshots.Current("//os:base")
	if err != nil {
		t.Fatalf("Current after GC failed: %v", err)
	}
	if vol != filepath.Clean(r2.VolumePath) {
		t.Errorf("Current after GC = %q, want %q", vol, r2.VolumePath)
	}
}

func TestBuildWithoutHistory(t *testing.T) {
	o := testOrchestrator(t, okCompilerScript)
	o.History = nil

	if _, err := o.Build(context.Background(), baseLayer()); err != nil {
		t.Fatalf("Build without history failed: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		err  *BuildError
		want ErrorClass
	}{
		{NewConfigError("bad config", base), ErrorClassConfig},
		{NewResolutionError("missing target", base), ErrorClassResolution},
		{NewBuildError("compiler died", base), ErrorClassBuild},
		{NewLifecycleError("publish failed", base), ErrorClassLifecycle},
	}
	for _, tc := range tests {
		if got := ClassOf(tc.err); got != tc.want {
			t.Errorf("ClassOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
		if !errors.Is(tc.err, base) {
			t.Errorf("%v should unwrap to the underlying error", tc.err)
		}
	}
	if ClassOf(base) != "" {
		t.Error("unclassified errors should report an empty class")
	}

	e := NewBuildError("compiler died", base).WithTarget("//os:base").WithStage("compile")
	msg := e.Error()
	if msg == "" || e.Target != "//os:base" || e.Stage != "compile" {
		t.Errorf("attributed error = %+v (%s)", e, msg)
	}
}
