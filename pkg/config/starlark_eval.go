package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/facebookincubator/antlir-sub004/pkg/depgraph"
	"github.com/facebookincubator/antlir-sub004/pkg/feature"
	"github.com/facebookincubator/antlir-sub004/pkg/target"
)

// LayerLoader evaluates Starlark layer files. The files declare layers
// through a small DSL of predeclared builders: feature constructors
// (install, rpms_install, ensure_dirs, ...) produce feature values,
// and layer(...) registers a layer composed of them. Parents are
// referenced by name and must be declared before their children, so a
// file reads top-down as a dependency chain.
type LayerLoader struct {
	timeout time.Duration
}

// NewLayerLoader creates a new layer loader.
func NewLayerLoader(timeout time.Duration) *LayerLoader {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &LayerLoader{timeout: timeout}
}

// LoadFile evaluates the layer file at path.
func (ll *LayerLoader) LoadFile(ctx context.Context, path string) ([]*depgraph.Layer, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layer file: %w", err)
	}
	return ll.Load(ctx, path, string(src))
}

// Load evaluates layer declarations from src. Evaluation runs in its
// own goroutine so a runaway script is bounded by the timeout.
func (ll *LayerLoader) Load(ctx context.Context, filename, src string) ([]*depgraph.Layer, error) {
	evalCtx, cancel := context.WithTimeout(ctx, ll.timeout)
	defer cancel()

	resultCh := make(chan []*depgraph.Layer, 1)
	errCh := make(chan error, 1)

	go func() {
		layers, err := ll.loadSync(filename, src)
		if err != nil {
			errCh <- err
		} else {
			resultCh <- layers
		}
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("layer evaluation timeout after %v", ll.timeout)
	case err := <-errCh:
		return nil, err
	case layers := <-resultCh:
		return layers, nil
	}
}

// loaderState accumulates layers as the script declares them.
type loaderState struct {
	layers []*depgraph.Layer
	byName map[string]*depgraph.Layer
}

func (ll *LayerLoader) loadSync(filename, src string) ([]*depgraph.Layer, error) {
	state := &loaderState{byName: make(map[string]*depgraph.Layer)}

	thread := &starlark.Thread{
		Name: "layers",
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print output
		},
	}

	predeclared := starlark.StringDict{
		"struct":                starlarkstruct.Default,
		"layer":                 starlark.NewBuiltin("layer", state.builtinLayer),
		"feature_group":         starlark.NewBuiltin("feature_group", builtinFeatureGroup),
		"install":               starlark.NewBuiltin("install", builtinInstall),
		"remove":                starlark.NewBuiltin("remove", builtinRemove),
		"ensure_dirs":           starlark.NewBuiltin("ensure_dirs", builtinEnsureDirs),
		"symlink":               starlark.NewBuiltin("symlink", builtinSymlink),
		"mount":                 starlark.NewBuiltin("mount", builtinMount),
		"tarball":               starlark.NewBuiltin("tarball", builtinTarball),
		"clone":                 starlark.NewBuiltin("clone", builtinClone),
		"rpms_install":          starlark.NewBuiltin("rpms_install", builtinRPMsInstall),
		"rpms_remove_if_exists": starlark.NewBuiltin("rpms_remove_if_exists", builtinRPMsRemoveIfExists),
		"image_user":            starlark.NewBuiltin("image_user", builtinUser),
		"image_group":           starlark.NewBuiltin("image_group", builtinGroup),
		"genrule":               starlark.NewBuiltin("genrule", builtinGenrule),
	}

	if _, err := starlark.ExecFile(thread, filename, src, predeclared); err != nil {
		return nil, fmt.Errorf("layer evaluation failed: %w", err)
	}
	if len(state.layers) == 0 {
		return nil, fmt.Errorf("%s declares no layers", filename)
	}
	return state.layers, nil
}

// featureValue wraps a feature tree as a Starlark value.
type featureValue struct {
	tree feature.Tree
}

func (fv featureValue) String() string        { return "feature" }
func (fv featureValue) Type() string          { return "feature" }
func (fv featureValue) Freeze()               {}
func (fv featureValue) Truth() starlark.Bool  { return starlark.True }
func (fv featureValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: feature") }

func newFeatureValue(params feature.Params) (starlark.Value, error) {
	f, err := feature.New(params)
	if err != nil {
		return nil, err
	}
	return featureValue{tree: feature.Leaf(f)}, nil
}

// collectFeatures converts a Starlark list of feature values (or
// nested lists) into one feature tree.
func collectFeatures(v starlark.Value) (feature.Tree, error) {
	switch val := v.(type) {
	case featureValue:
		return val.tree, nil
	case *starlark.List:
		var trees []feature.Tree
		for i := 0; i < val.Len(); i++ {
			sub, err := collectFeatures(val.Index(i))
			if err != nil {
				return feature.Tree{}, err
			}
			trees = append(trees, sub)
		}
		return feature.Group(trees...), nil
	case starlark.NoneType:
		return feature.Group(), nil
	default:
		return feature.Tree{}, fmt.Errorf("expected feature or list of features, got %s", v.Type())
	}
}

func (st *loaderState) builtinLayer(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name           string
		parent         string
		flavorName     string
		flavors        *starlark.List
		features       starlark.Value
		buildAppliance bool
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name,
		"parent?", &parent,
		"flavor?", &flavorName,
		"flavors?", &flavors,
		"features?", &features,
		"build_appliance?", &buildAppliance,
	); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("layer: name must not be empty")
	}
	if _, dup := st.byName[name]; dup {
		return nil, fmt.Errorf("layer %q declared twice", name)
	}

	layer := &depgraph.Layer{
		Target:         name,
		Flavor:         flavorName,
		BuildAppliance: buildAppliance,
	}
	if parent != "" {
		p, ok := st.byName[parent]
		if !ok {
			return nil, fmt.Errorf("layer %q: parent %q is not declared (parents must be declared first)", name, parent)
		}
		layer.Parent = p
	}
	if flavors != nil {
		for i := 0; i < flavors.Len(); i++ {
			s, ok := starlark.AsString(flavors.Index(i))
			if !ok {
				return nil, fmt.Errorf("layer %q: flavors must be strings", name)
			}
			layer.FlavorSet = append(layer.FlavorSet, s)
		}
	}
	if features != nil {
		tree, err := collectFeatures(features)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", name, err)
		}
		layer.Features = tree
	}

	st.layers = append(st.layers, layer)
	st.byName[name] = layer
	return starlark.String(name), nil
}

func builtinFeatureGroup(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("feature_group takes no keyword arguments")
	}
	var trees []feature.Tree
	for _, arg := range args {
		sub, err := collectFeatures(arg)
		if err != nil {
			return nil, err
		}
		trees = append(trees, sub)
	}
	return featureValue{tree: feature.Group(trees...)}, nil
}

func builtinInstall(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		src, dst    string
		mode        int
		user, group string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"src", &src, "dst", &dst, "mode?", &mode, "user?", &user, "group?", &group,
	); err != nil {
		return nil, err
	}
	return newFeatureValue(feature.InstallParams{
		Source: target.Ref{Target: src},
		Dest:   dst,
		Mode:   uint32(mode),
		User:   user,
		Group:  group,
	})
}

func builtinRemove(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path      string
		mustExist = true
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"path", &path, "must_exist?", &mustExist,
	); err != nil {
		return nil, err
	}
	return newFeatureValue(feature.RemoveParams{Path: path, MustExist: mustExist})
}

func builtinEnsureDirs(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path        string
		mode        int
		user, group string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"path", &path, "mode?", &mode, "user?", &user, "group?", &group,
	); err != nil {
		return nil, err
	}
	return newFeatureValue(feature.EnsureDirsParams{
		Path:  path,
		Mode:  uint32(mode),
		User:  user,
		Group: group,
	})
}

func builtinSymlink(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		src, dst  string
		directory bool
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"src", &src, "dst", &dst, "directory?", &directory,
	); err != nil {
		return nil, err
	}
	return newFeatureValue(feature.SymlinkParams{Source: src, Dest: dst, Directory: directory})
}

func builtinMount(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		mountpoint string
		layerName  string
		hostPath   string
		readOnly   = true
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"mountpoint", &mountpoint, "layer?", &layerName, "host_path?", &hostPath, "read_only?", &readOnly,
	); err != nil {
		return nil, err
	}
	params := feature.MountParams{
		Mountpoint: mountpoint,
		HostPath:   hostPath,
		ReadOnly:   readOnly,
	}
	if layerName != "" {
		params.LayerSource = &target.Ref{Target: layerName, Layer: true}
	}
	return newFeatureValue(params)
}

func builtinTarball(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		src, intoDir       string
		forceRootOwnership bool
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"src", &src, "into_dir", &intoDir, "force_root_ownership?", &forceRootOwnership,
	); err != nil {
		return nil, err
	}
	return newFeatureValue(feature.TarballParams{
		Source:             target.Ref{Target: src},
		IntoDir:            intoDir,
		ForceRootOwnership: forceRootOwnership,
	})
}

func builtinClone(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var srcLayer, srcPath, dstPath string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"src_layer", &srcLayer, "src_path", &srcPath, "dst_path", &dstPath,
	); err != nil {
		return nil, err
	}
	return newFeatureValue(feature.CloneParams{
		SourceLayer: target.Ref{Target: srcLayer, Layer: true},
		SourcePath:  srcPath,
		DestPath:    dstPath,
	})
}

// unpackVersionSets converts a {flavor: target} dict into version-set
// references.
func unpackVersionSets(d *starlark.Dict) (map[string]target.Ref, error) {
	if d == nil || d.Len() == 0 {
		return nil, nil
	}
	out := make(map[string]target.Ref, d.Len())
	for _, item := range d.Items() {
		k, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("version_sets keys must be flavor names")
		}
		v, ok := starlark.AsString(item[1])
		if !ok {
			return nil, fmt.Errorf("version_sets values must be target names")
		}
		out[k] = target.Ref{Target: v}
	}
	return out, nil
}

func builtinRPMsInstall(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		names       *starlark.List
		source      string
		versionSets *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"names?", &names, "source?", &source, "version_sets?", &versionSets,
	); err != nil {
		return nil, err
	}
	params := feature.RPMParams{Action: feature.RPMInstall}
	if names != nil {
		for i := 0; i < names.Len(); i++ {
			s, ok := starlark.AsString(names.Index(i))
			if !ok {
				return nil, fmt.Errorf("rpms_install: names must be strings")
			}
			params.Names = append(params.Names, s)
		}
	}
	if source != "" {
		params.Source = &target.Ref{Target: source}
	}
	vs, err := unpackVersionSets(versionSets)
	if err != nil {
		return nil, err
	}
	params.VersionSetByFlavor = vs
	return newFeatureValue(params)
}

func builtinRPMsRemoveIfExists(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var names *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "names", &names); err != nil {
		return nil, err
	}
	params := feature.RPMParams{Action: feature.RPMRemoveIfExists}
	for i := 0; i < names.Len(); i++ {
		s, ok := starlark.AsString(names.Index(i))
		if !ok {
			return nil, fmt.Errorf("rpms_remove_if_exists: names must be strings")
		}
		params.Names = append(params.Names, s)
	}
	return newFeatureValue(params)
}

func builtinUser(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, primaryGroup, home, shell string
		uid                             int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "uid", &uid, "primary_group", &primaryGroup, "home", &home, "shell?", &shell,
	); err != nil {
		return nil, err
	}
	return newFeatureValue(feature.UserParams{
		Name:         name,
		UID:          uint32(uid),
		PrimaryGroup: primaryGroup,
		Home:         home,
		Shell:        shell,
	})
}

func builtinGroup(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name string
		gid  int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "gid", &gid); err != nil {
		return nil, err
	}
	return newFeatureValue(feature.GroupParams{Name: name, GID: uint32(gid)})
}

func builtinGenrule(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		cmd  *starlark.List
		user string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cmd", &cmd, "user?", &user); err != nil {
		return nil, err
	}
	params := feature.GenruleParams{User: user}
	for i := 0; i < cmd.Len(); i++ {
		s, ok := starlark.AsString(cmd.Index(i))
		if !ok {
			return nil, fmt.Errorf("genrule: cmd must be a list of strings")
		}
		params.Cmd = append(params.Cmd, s)
	}
	return newFeatureValue(params)
}
