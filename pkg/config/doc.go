// Package config loads build projects. A project has two layers of
// configuration: a CUE project file describing the build environment
// (build root, compiler, flavors, target resolution, telemetry), and
// Starlark layer files declaring the image layers themselves through a
// small domain DSL. CUE handles the typed, schema-validated side;
// Starlark handles the procedural side where layers are composed from
// shared feature macros.
package config
