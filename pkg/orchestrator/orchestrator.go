package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/facebookincubator/antlir-sub004/pkg/compiler"
	"github.com/facebookincubator/antlir-sub004/pkg/depgraph"
	"github.com/facebookincubator/antlir-sub004/pkg/stores"
	"github.com/facebookincubator/antlir-sub004/pkg/subvol"
	"github.com/facebookincubator/antlir-sub004/pkg/telemetry"
)

// Orchestrator supervises layer builds end to end: manifest
// generation, snapshot allocation, compilation, publication and
// history bookkeeping.
type Orchestrator struct {
	Manifests *depgraph.Builder
	Snapshots *subvol.Manager
	Compiler  *compiler.Compiler
	History   *stores.SQLiteStore
	Telemetry *telemetry.Telemetry
}

// Result summarizes one successful build.
type Result struct {
	// BuildID is the unique ID assigned to this build attempt.
	BuildID string
	// Target is the layer target that was built.
	Target string
	// Flavor is the effective flavor it was built with.
	Flavor string
	// Version is the published snapshot version.
	Version uint64
	// VolumePath is the path of the live volume.
	VolumePath string
	// ManifestDigest is the content digest of the manifest supplied
	// to the compiler.
	ManifestDigest string
	// Duration is the wall time of the whole build.
	Duration time.Duration
}

// Build runs one layer build. On success the target's previous
// snapshot is superseded and the new one is live; on failure the
// allocated wrapper is left for the garbage collector and the error is
// recorded in build history.
func (o *Orchestrator) Build(ctx context.Context, layer *depgraph.Layer) (*Result, error) {
	buildID := uuid.New().String()
	log := o.Telemetry.Logger.WithBuildID(buildID).WithTarget(layer.Target)
	ctx, span := o.Telemetry.Tracer.StartBuildSpan(ctx, buildID, layer.Target)
	defer span.End()
	timer := telemetry.NewTimer()
	// The in-flight gauge must move before anything can fail, so every
	// RecordBuildCompleted below pairs with exactly one increment.
	o.Telemetry.Metrics.RecordBuildActive()

	result, err := o.build(ctx, buildID, layer, log, timer)
	if err != nil {
		span.SetAttributes(telemetry.AttrErrorClass.String(string(ClassOf(err))))
		telemetry.RecordError(span, err)
		o.Telemetry.Metrics.RecordError(string(ClassOf(err)))
		o.Telemetry.Metrics.RecordBuildCompleted("failed", timer.Duration())
		log.WithError(err).Error("build failed")
		return nil, err
	}
	telemetry.RecordSuccess(span)
	o.Telemetry.Metrics.RecordBuildCompleted("published", timer.Duration())
	log.Infof("build published in %s", result.Duration)
	return result, nil
}

func (o *Orchestrator) build(ctx context.Context, buildID string, layer *depgraph.Layer, log *telemetry.Logger, timer *telemetry.Timer) (*Result, error) {
	manifest, err := o.Manifests.Build(layer)
	if err != nil {
		return nil, NewConfigError("manifest generation failed", err).
			WithTarget(layer.Target).WithStage("manifest")
	}
	o.Telemetry.Metrics.RecordBuildStarted(manifest.Flavor)
	for _, f := range manifest.Features {
		o.Telemetry.Metrics.RecordFeatureRegistered(string(f.Kind()))
	}
	// Declared features minus manifest features is the number of
	// duplicate declarations the registry collapsed.
	if n := len(layer.Features.Flatten()) - len(manifest.Features); n > 0 {
		o.Telemetry.Metrics.RecordFeaturesDeduped(n)
	}

	// The parent volume is resolved before allocation so a missing
	// parent cannot strand a half-allocated snapshot.
	var parentVolume string
	if manifest.ParentLink != nil {
		parentVolume, err = o.Snapshots.Current(layer.Parent.Target)
		if err != nil {
			return nil, NewResolutionError("parent snapshot not published", err).
				WithTarget(layer.Target).WithStage("resolve")
		}
	}

	alloc, err := o.Snapshots.Allocate(layer.Target)
	if err != nil {
		return nil, NewLifecycleError("snapshot allocation failed", err).
			WithTarget(layer.Target).WithStage("allocate")
	}
	// Releasing the build lock lets a later GC pass classify this
	// snapshot; held until then, it marks the build as in flight.
	defer alloc.Close()
	log.Infof("allocated snapshot version %d", alloc.Version)
	telemetry.AnnotateSnapshot(ctx, manifest.Flavor, alloc.Version, alloc.WrapperName())

	digest := manifest.Digest()
	if o.History != nil {
		rec := &stores.Build{
			ID:             buildID,
			Target:         layer.Target,
			Flavor:         manifest.Flavor,
			Version:        alloc.Version,
			ManifestDigest: digest,
			Status:         stores.BuildStatusRunning,
			StartedAt:      time.Now().UTC(),
		}
		if err := o.History.CreateBuild(ctx, rec); err != nil {
			log.WithError(err).Warn("could not record build start")
		}
	}

	result, err := o.compileAndPublish(ctx, layer, manifest, alloc, parentVolume, digest, log)
	if o.History != nil {
		status := stores.BuildStatusPublished
		if err != nil {
			status = stores.BuildStatusFailed
		}
		if herr := o.History.FinishBuild(ctx, buildID, status, err); herr != nil {
			log.WithError(herr).Warn("could not record build completion")
		}
		if err == nil {
			snap := &stores.Snapshot{
				Target:        layer.Target,
				Version:       alloc.Version,
				SubvolRelPath: filepath.Join(alloc.WrapperName(), "volume"),
				BuildID:       buildID,
				PublishedAt:   time.Now().UTC(),
			}
			if herr := o.History.UpsertSnapshot(ctx, snap); herr != nil {
				log.WithError(herr).Warn("could not record published snapshot")
			}
		}
	}
	if err != nil {
		return nil, err
	}

	result.BuildID = buildID
	result.Duration = timer.Duration()
	return result, nil
}

func (o *Orchestrator) compileAndPublish(ctx context.Context, layer *depgraph.Layer, manifest *depgraph.Manifest, alloc *subvol.Allocation, parentVolume, digest string, log *telemetry.Logger) (*Result, error) {
	manifestPath := filepath.Join(alloc.WrapperDir, subvol.ManifestName)
	if err := manifest.WriteFile(manifestPath); err != nil {
		return nil, NewLifecycleError("could not write manifest", err).
			WithTarget(layer.Target).WithStage("manifest")
	}

	compileCtx, compileSpan := o.Telemetry.Tracer.StartCompileSpan(ctx, layer.Target)
	compileTimer := telemetry.NewTimer()
	err := o.Compiler.Run(compileCtx, compiler.Request{
		Target:       layer.Target,
		ManifestPath: manifestPath,
		ParentVolume: parentVolume,
		VolumeDir:    alloc.VolumeDir,
		OutputPath:   alloc.OutputPath,
	})
	if err != nil {
		telemetry.RecordError(compileSpan, err)
		compileSpan.End()
		o.Telemetry.Metrics.RecordCompile("failed", compileTimer.Duration())
		return nil, NewBuildError("compiler failed", err).
			WithTarget(layer.Target).WithStage("compile")
	}
	telemetry.RecordSuccess(compileSpan)
	compileSpan.End()
	o.Telemetry.Metrics.RecordCompile("ok", compileTimer.Duration())

	rec, err := subvol.NewOnDisk(alloc)
	if err != nil {
		return nil, NewLifecycleError("could not build snapshot record", err).
			WithTarget(layer.Target).WithStage("publish")
	}
	rec.Flavor = manifest.Flavor
	rec.ManifestDigest = digest
	if err := o.Snapshots.Publish(alloc, rec); err != nil {
		return nil, NewLifecycleError("snapshot publication failed", err).
			WithTarget(layer.Target).WithStage("publish")
	}

	return &Result{
		Target:         layer.Target,
		Flavor:         manifest.Flavor,
		Version:        alloc.Version,
		VolumePath:     alloc.VolumeDir,
		ManifestDigest: digest,
	}, nil
}

// CollectGarbage runs one GC pass over the build root, recording
// metrics and tracing. A contended lock is reported as a clean no-op.
func (o *Orchestrator) CollectGarbage(ctx context.Context) (subvol.GCStats, error) {
	ctx, span := o.Telemetry.Tracer.StartGCSpan(ctx, o.Snapshots.Root())
	defer span.End()
	timer := telemetry.NewTimer()

	stats, err := o.Snapshots.CollectGarbage(ctx)
	switch {
	case errors.Is(err, subvol.ErrGCContended):
		o.Telemetry.Metrics.RecordGCPass("contended", 0, 0, timer.Duration())
		o.Telemetry.Logger.Info("garbage collection skipped, build root is locked")
		return stats, nil
	case err != nil:
		telemetry.RecordError(span, err)
		o.Telemetry.Metrics.RecordGCPass("failed", stats.Reclaimed, stats.Skipped, timer.Duration())
		return stats, NewLifecycleError("garbage collection failed", err).WithStage("gc")
	}

	telemetry.RecordSuccess(span)
	o.Telemetry.Metrics.RecordGCPass("ok", stats.Reclaimed, stats.Skipped, timer.Duration())
	o.Telemetry.Logger.Infof("garbage collection reclaimed %d of %d wrappers (%d skipped)",
		stats.Reclaimed, stats.Examined, stats.Skipped)
	return stats, nil
}
