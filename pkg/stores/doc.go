// Package stores persists build history: one row per layer build with
// its target, snapshot version, manifest digest, outcome and timing,
// plus a snapshot table mirroring what is currently published. The
// backing store is SQLite with embedded schema migrations.
package stores
