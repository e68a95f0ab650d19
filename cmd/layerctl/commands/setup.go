package commands

import (
	"context"
	"fmt"

	"github.com/facebookincubator/antlir-sub004/pkg/compiler"
	"github.com/facebookincubator/antlir-sub004/pkg/config"
	"github.com/facebookincubator/antlir-sub004/pkg/depgraph"
	"github.com/facebookincubator/antlir-sub004/pkg/flavor"
	"github.com/facebookincubator/antlir-sub004/pkg/orchestrator"
	"github.com/facebookincubator/antlir-sub004/pkg/stores"
	"github.com/facebookincubator/antlir-sub004/pkg/subvol"
	"github.com/facebookincubator/antlir-sub004/pkg/target"
	"github.com/facebookincubator/antlir-sub004/pkg/telemetry"
)

// app is the wired-up application state shared by all subcommands.
type app struct {
	project   *config.ParsedProject
	tel       *telemetry.Telemetry
	snapshots *subvol.Manager
	history   *stores.SQLiteStore
	orch      *orchestrator.Orchestrator
}

// loadProject parses and validates the project without touching the
// build root. Used by commands that only inspect configuration.
func loadProject(ctx context.Context) (*config.ParsedProject, error) {
	loader := config.NewLoader()
	parsed, err := loader.Load(ctx, []string{projectPath}, layerFiles)
	if err != nil {
		return nil, err
	}
	if err := parsed.Errs(); err != nil {
		return nil, err
	}
	return parsed, nil
}

// loadApp wires the full application: telemetry, snapshot manager,
// build history and orchestrator.
func loadApp(ctx context.Context) (*app, error) {
	parsed, err := loadProject(ctx)
	if err != nil {
		return nil, err
	}

	telCfg := telemetry.DefaultConfig()
	if parsed.Project.Telemetry == "production" {
		telCfg = telemetry.ProductionConfig()
	}
	telCfg.ServiceName = "layerctl"
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	if jsonOutput {
		telCfg.Logging.Format = "json"
	}
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry setup: %w", err)
	}

	snapshots, err := subvol.NewManager(parsed.Project.BuildRoot, tel.Logger.Zerolog())
	if err != nil {
		return nil, err
	}

	var history *stores.SQLiteStore
	if parsed.Project.HistoryDB != "" {
		history, err = stores.NewSQLiteStore(stores.Config{Path: parsed.Project.HistoryDB})
		if err != nil {
			return nil, err
		}
		if err := history.Init(ctx); err != nil {
			return nil, err
		}
		if err := history.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	flavors, err := flavor.NewRegistry(parsed.Project.Flavors)
	if err != nil {
		return nil, err
	}

	a := &app{
		project:   parsed,
		tel:       tel,
		snapshots: snapshots,
		history:   history,
	}
	a.orch = &orchestrator.Orchestrator{
		Manifests: &depgraph.Builder{
			Flavors: flavors,
			Coverage: flavor.CoverageConfig{
				ExcludedFlavors: parsed.Project.ExcludedCoverageFlavors,
			},
			Resolution: a.resolutionTable(),
		},
		Snapshots: snapshots,
		Compiler:  compiler.New(parsed.Project.Compiler, tel.Logger.Zerolog()),
		History:   history,
		Telemetry: tel,
	}
	a.orch.Compiler.ExtraArgs = parsed.Project.CompilerArgs
	return a, nil
}

// resolutionTable assembles the target resolution table: the static
// artifact targets from the project plus every layer with a published
// snapshot.
func (a *app) resolutionTable() target.ResolutionTable {
	table := make(target.ResolutionTable, len(a.project.Project.Targets))
	for name, path := range a.project.Project.Targets {
		table[name] = path
	}
	for _, layer := range a.project.Layers {
		if path, err := a.snapshots.Current(layer.Target); err == nil {
			table[layer.Target] = path
		}
	}
	return table
}

// refreshResolution recomputes layer resolutions after a publication.
func (a *app) refreshResolution() {
	a.orch.Manifests.Resolution = a.resolutionTable()
}

// close releases app resources.
func (a *app) close(ctx context.Context) {
	if a.history != nil {
		_ = a.history.Close()
	}
	_ = a.tel.Shutdown(ctx)
}
