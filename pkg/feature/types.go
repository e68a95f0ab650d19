package feature

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/facebookincubator/antlir-sub004/pkg/target"
)

// Kind discriminates the feature union.
type Kind string

const (
	KindInstall     Kind = "install"
	KindRemove      Kind = "remove"
	KindEnsureDirs  Kind = "ensure_dirs"
	KindSymlink     Kind = "symlink"
	KindMount       Kind = "mount"
	KindTarball     Kind = "tarball"
	KindClone       Kind = "clone"
	KindRPM         Kind = "rpm"
	KindUser        Kind = "user"
	KindGroup       Kind = "group"
	KindGenrule     Kind = "genrule"
	KindParentLayer Kind = "parent_layer"
)

// Params is implemented by every kind-specific parameter struct.
// Implementations must be plain JSON-serializable value types.
type Params interface {
	// FeatureKind returns the union tag for this parameter record.
	FeatureKind() Kind

	// Validate rejects malformed parameters before any registration
	// side effects. Errors must name the offending values.
	Validate() error
}

// InstallParams copies a source artifact to a destination path inside
// the layer.
type InstallParams struct {
	// Source references the artifact to install.
	Source target.Ref `json:"source"`

	// Dest is the absolute destination path inside the layer.
	Dest string `json:"dest"`

	// Mode is the destination file mode (e.g. 0o644). Zero means
	// "preserve the source mode".
	Mode uint32 `json:"mode,omitempty"`

	// User and Group own the installed file. Empty means root.
	User  string `json:"user,omitempty"`
	Group string `json:"group,omitempty"`
}

func (InstallParams) FeatureKind() Kind { return KindInstall }

func (p InstallParams) Validate() error {
	if p.Source.Target == "" {
		return fmt.Errorf("install: empty source target (dest %q)", p.Dest)
	}
	if !strings.HasPrefix(p.Dest, "/") {
		return fmt.Errorf("install: dest %q must be an absolute path", p.Dest)
	}
	return nil
}

// RemoveParams deletes a path from the layer.
type RemoveParams struct {
	// Path is the absolute path to remove.
	Path string `json:"path"`

	// MustExist makes removal of a missing path an error instead of a
	// no-op.
	MustExist bool `json:"must_exist,omitempty"`
}

func (RemoveParams) FeatureKind() Kind { return KindRemove }

func (p RemoveParams) Validate() error {
	if !strings.HasPrefix(p.Path, "/") {
		return fmt.Errorf("remove: path %q must be an absolute path", p.Path)
	}
	return nil
}

// EnsureDirsParams creates a directory chain with fixed ownership and
// mode, verifying attributes if the directories already exist.
type EnsureDirsParams struct {
	Path  string `json:"path"`
	Mode  uint32 `json:"mode,omitempty"`
	User  string `json:"user,omitempty"`
	Group string `json:"group,omitempty"`
}

func (EnsureDirsParams) FeatureKind() Kind { return KindEnsureDirs }

func (p EnsureDirsParams) Validate() error {
	if !strings.HasPrefix(p.Path, "/") {
		return fmt.Errorf("ensure_dirs: path %q must be an absolute path", p.Path)
	}
	return nil
}

// SymlinkParams creates a symlink at Dest pointing at Source.
type SymlinkParams struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`

	// Directory distinguishes symlinks-to-directories from
	// symlinks-to-files; the compiler validates the link target type.
	Directory bool `json:"directory,omitempty"`
}

func (SymlinkParams) FeatureKind() Kind { return KindSymlink }

func (p SymlinkParams) Validate() error {
	if p.Source == "" || p.Dest == "" {
		return fmt.Errorf("symlink: source %q and dest %q must both be non-empty", p.Source, p.Dest)
	}
	return nil
}

// MountParams mounts a host path or another layer at a mountpoint.
type MountParams struct {
	// Mountpoint is the absolute path inside the layer.
	Mountpoint string `json:"mountpoint"`

	// LayerSource references another layer to mount. Exactly one of
	// LayerSource and HostPath must be set.
	LayerSource *target.Ref `json:"layer_source,omitempty"`

	// HostPath is a build-host path to bind-mount.
	HostPath string `json:"host_path,omitempty"`

	ReadOnly bool `json:"read_only,omitempty"`
}

func (MountParams) FeatureKind() Kind { return KindMount }

func (p MountParams) Validate() error {
	if !strings.HasPrefix(p.Mountpoint, "/") {
		return fmt.Errorf("mount: mountpoint %q must be an absolute path", p.Mountpoint)
	}
	hasLayer := p.LayerSource != nil && p.LayerSource.Target != ""
	hasHost := p.HostPath != ""
	if hasLayer == hasHost {
		return fmt.Errorf("mount: exactly one of layer_source and host_path must be set (mountpoint %q)", p.Mountpoint)
	}
	return nil
}

// TarballParams unpacks a tarball artifact into a directory.
type TarballParams struct {
	Source  target.Ref `json:"source"`
	IntoDir string     `json:"into_dir"`

	// ForceRootOwnership resets all unpacked entries to root:root.
	ForceRootOwnership bool `json:"force_root_ownership,omitempty"`
}

func (TarballParams) FeatureKind() Kind { return KindTarball }

func (p TarballParams) Validate() error {
	if p.Source.Target == "" {
		return fmt.Errorf("tarball: empty source target (into_dir %q)", p.IntoDir)
	}
	if !strings.HasPrefix(p.IntoDir, "/") {
		return fmt.Errorf("tarball: into_dir %q must be an absolute path", p.IntoDir)
	}
	return nil
}

// CloneParams copies a subtree from another layer's published volume.
//
// Trailing-slash semantics follow rsync: a SourcePath ending in "/"
// clones the directory's contents, in which case DestPath must also end
// in "/" (the contents land inside it). A SourcePath without a trailing
// slash clones the directory itself, and DestPath names the resulting
// path. Mixing the two is a configuration error, never silently
// coerced.
type CloneParams struct {
	SourceLayer target.Ref `json:"source_layer"`
	SourcePath  string     `json:"source_path"`
	DestPath    string     `json:"dest_path"`
}

func (CloneParams) FeatureKind() Kind { return KindClone }

func (p CloneParams) Validate() error {
	if p.SourceLayer.Target == "" {
		return fmt.Errorf("clone: empty source layer (source_path %q)", p.SourcePath)
	}
	if !strings.HasPrefix(p.SourcePath, "/") || !strings.HasPrefix(p.DestPath, "/") {
		return fmt.Errorf(
			"clone: source_path %q and dest_path %q must be absolute paths",
			p.SourcePath, p.DestPath,
		)
	}
	srcContents := strings.HasSuffix(p.SourcePath, "/")
	destDir := strings.HasSuffix(p.DestPath, "/")
	if srcContents && !destDir {
		return fmt.Errorf(
			"clone: source_path %q clones directory contents (trailing slash), "+
				"so dest_path %q must also end in a slash",
			p.SourcePath, p.DestPath,
		)
	}
	if !srcContents && destDir {
		return fmt.Errorf(
			"clone: source_path %q clones the directory itself, "+
				"so dest_path %q must not end in a slash",
			p.SourcePath, p.DestPath,
		)
	}
	return nil
}

// RPMAction is a package-transaction verb.
type RPMAction string

const (
	// RPMInstall installs packages by name.
	RPMInstall RPMAction = "install"

	// RPMRemoveIfExists removes packages, tolerating absence. The
	// package managers we drive have no strict "remove" verb.
	RPMRemoveIfExists RPMAction = "remove_if_exists"
)

// RPMParams describes one package transaction entry.
type RPMParams struct {
	Action RPMAction `json:"action"`

	// Names lists package names. Versions, releases, and architectures
	// are deliberately not accepted here; pinning goes through
	// per-flavor version sets.
	Names []string `json:"names,omitempty"`

	// Source optionally references a local package artifact to install
	// instead of named packages.
	Source *target.Ref `json:"source,omitempty"`

	// VersionSetByFlavor maps a flavor name to the version-set target
	// constraining package versions under that flavor. An empty map
	// means the feature applies to every flavor the build knows about.
	// The manifest merger filters this map down to the flavors a layer
	// actually builds for.
	VersionSetByFlavor map[string]target.Ref `json:"version_set_by_flavor,omitempty"`
}

func (RPMParams) FeatureKind() Kind { return KindRPM }

func (p RPMParams) Validate() error {
	switch p.Action {
	case RPMInstall, RPMRemoveIfExists:
	default:
		return fmt.Errorf("rpm: unknown action %q", p.Action)
	}
	hasNames := len(p.Names) > 0
	hasSource := p.Source != nil && p.Source.Target != ""
	if hasNames == hasSource {
		return fmt.Errorf("rpm: exactly one of names and source must be set (action %q)", p.Action)
	}
	return nil
}

// UserParams adds a user entry to the layer's passwd database.
type UserParams struct {
	Name         string `json:"name"`
	UID          uint32 `json:"uid"`
	PrimaryGroup string `json:"primary_group"`
	Home         string `json:"home"`
	Shell        string `json:"shell,omitempty"`
}

func (UserParams) FeatureKind() Kind { return KindUser }

func (p UserParams) Validate() error {
	if p.Name == "" || p.PrimaryGroup == "" {
		return fmt.Errorf("user: name %q and primary_group %q must both be non-empty", p.Name, p.PrimaryGroup)
	}
	if !strings.HasPrefix(p.Home, "/") {
		return fmt.Errorf("user %q: home %q must be an absolute path", p.Name, p.Home)
	}
	return nil
}

// GroupParams adds a group entry to the layer's group database.
type GroupParams struct {
	Name string `json:"name"`
	GID  uint32 `json:"gid"`
}

func (GroupParams) FeatureKind() Kind { return KindGroup }

func (p GroupParams) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("group: empty name (gid %d)", p.GID)
	}
	return nil
}

// GenruleParams runs an arbitrary command inside the layer being built.
// Layers using this are opaque to feature-level reasoning and usually
// mark themselves as build-appliance boundaries.
type GenruleParams struct {
	Cmd  []string `json:"cmd"`
	User string   `json:"user,omitempty"`
}

func (GenruleParams) FeatureKind() Kind { return KindGenrule }

func (p GenruleParams) Validate() error {
	if len(p.Cmd) == 0 {
		return fmt.Errorf("genrule: empty command")
	}
	return nil
}

// ParentLayerParams is the synthetic feature the manifest merger
// prepends for layers with a parent: it tells the compiler which
// published volume to start snapshotting from. User declarations never
// contain it.
type ParentLayerParams struct {
	Volume target.Ref `json:"volume"`
}

func (ParentLayerParams) FeatureKind() Kind { return KindParentLayer }

func (p ParentLayerParams) Validate() error {
	if p.Volume.Target == "" {
		return fmt.Errorf("parent_layer: empty volume target")
	}
	return nil
}

// Feature is one immutable declarative unit of filesystem change. Build
// one with New; the zero value is invalid.
type Feature struct {
	params Params
	id     target.ID
}

// New validates params and constructs a Feature with its content-derived
// identity.
func New(params Params) (Feature, error) {
	if params == nil {
		return Feature{}, fmt.Errorf("feature: nil params")
	}
	if err := params.Validate(); err != nil {
		return Feature{}, fmt.Errorf("feature %s: %w", params.FeatureKind(), err)
	}
	return Feature{
		params: params,
		id: target.Digest(map[string]any{
			"kind":   string(params.FeatureKind()),
			"params": params,
		}),
	}, nil
}

// MustNew is New for statically-known-good parameters; it panics on
// validation failure. Intended for tests and the merger's synthetic
// parent-link feature.
func MustNew(params Params) Feature {
	f, err := New(params)
	if err != nil {
		panic(err)
	}
	return f
}

// Kind returns the union tag.
func (f Feature) Kind() Kind { return f.params.FeatureKind() }

// ID returns the content-derived identity used for deduplication.
func (f Feature) ID() target.ID { return f.id }

// Params returns the kind-specific parameter record.
func (f Feature) Params() Params { return f.params }

// WithParams returns a copy of the feature with params replaced and the
// identity recomputed. It is how the merger produces flavor-filtered
// variants without mutating registered features.
func (f Feature) WithParams(params Params) (Feature, error) {
	return New(params)
}

// Sources returns the named source-artifact references this feature
// needs resolved before compilation. Keys are stable per kind.
func (f Feature) Sources() map[string]target.Ref {
	out := map[string]target.Ref{}
	switch p := f.params.(type) {
	case InstallParams:
		out["source"] = p.Source
	case TarballParams:
		out["source"] = p.Source
	case RPMParams:
		if p.Source != nil {
			out["source"] = *p.Source
		}
	}
	return out
}

// Deps returns the named build-output references (published layer
// volumes, version sets) this feature depends on.
func (f Feature) Deps() map[string]target.Ref {
	out := map[string]target.Ref{}
	switch p := f.params.(type) {
	case MountParams:
		if p.LayerSource != nil {
			out["layer_source"] = *p.LayerSource
		}
	case CloneParams:
		out["source_layer"] = p.SourceLayer
	case RPMParams:
		for flavorName, ref := range p.VersionSetByFlavor {
			out["version_set/"+flavorName] = ref
		}
	case ParentLayerParams:
		out["volume"] = p.Volume
	}
	return out
}

// MarshalJSON emits the manifest record shape:
// {"kind": ..., "params": ..., "sources": ..., "deps": ...}.
func (f Feature) MarshalJSON() ([]byte, error) {
	record := struct {
		Kind    Kind                  `json:"kind"`
		Params  Params                `json:"params"`
		Sources map[string]target.Ref `json:"sources,omitempty"`
		Deps    map[string]target.Ref `json:"deps,omitempty"`
	}{
		Kind:   f.Kind(),
		Params: f.params,
	}
	if s := f.Sources(); len(s) > 0 {
		record.Sources = s
	}
	if d := f.Deps(); len(d) > 0 {
		record.Deps = d
	}
	return json.Marshal(record)
}

// String renders the feature for error messages: kind plus parameters.
func (f Feature) String() string {
	raw, err := json.Marshal(f.params)
	if err != nil {
		return string(f.Kind())
	}
	return fmt.Sprintf("%s%s", f.Kind(), raw)
}
