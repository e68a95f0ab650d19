package feature

import (
	"fmt"

	"github.com/facebookincubator/antlir-sub004/pkg/target"
)

// Node is one deduplicated build node: a unique feature plus its
// position in first-seen registration order. Manifest ordering sorts on
// Index, never on hash, so compiler diagnostics referencing "feature #N"
// stay meaningful across rebuilds.
type Node struct {
	Feature Feature
	Index   int
}

// Registry is the evaluation-scoped memoization table for feature
// registration. It is an explicit context object: one Registry per
// build evaluation, discarded after the manifest is emitted, so
// concurrent evaluations in one process never cross-contaminate.
//
// Registry is not safe for concurrent use; an evaluation is a single
// target-graph pass in one goroutine.
type Registry struct {
	nodes map[target.ID]*Node
	order []*Node
	refs  map[string]target.Ref
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[target.ID]*Node),
		refs:  make(map[string]target.Ref),
	}
}

// Register flattens the tree and returns one node per feature, in input
// order, collapsing content-identical features into the same node.
// Re-registering any subset of already-seen features is idempotent: the
// existing nodes are returned and no new state is created.
//
// Each newly created node's source and dependency references are
// recorded so the manifest build can later resolve their on-disk
// locations in one pass.
func (r *Registry) Register(tree Tree) ([]*Node, error) {
	flat := tree.Flatten()
	out := make([]*Node, 0, len(flat))
	for _, f := range flat {
		if f.params == nil {
			return nil, fmt.Errorf("register: zero-value feature (construct features with feature.New)")
		}
		node, ok := r.nodes[f.ID()]
		if !ok {
			node = &Node{Feature: f, Index: len(r.order)}
			r.nodes[f.ID()] = node
			r.order = append(r.order, node)
			for _, ref := range f.Sources() {
				r.refs[ref.Target] = ref
			}
			for _, ref := range f.Deps() {
				r.refs[ref.Target] = ref
			}
		}
		out = append(out, node)
	}
	return out, nil
}

// Nodes returns every unique node in registration order. The returned
// slice is shared; callers must not mutate it.
func (r *Registry) Nodes() []*Node {
	return r.order
}

// Len returns the number of unique registered features.
func (r *Registry) Len() int {
	return len(r.order)
}

// Refs returns the union of all registered features' source and
// dependency references, keyed by target identifier.
func (r *Registry) Refs() map[string]target.Ref {
	out := make(map[string]target.Ref, len(r.refs))
	for k, v := range r.refs {
		out[k] = v
	}
	return out
}
