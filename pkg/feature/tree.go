package feature

// Tree is the explicit recursive shape user declarations arrive in:
// a leaf holding one feature, or an ordered list of subtrees. Helper
// macros that bundle several features nest freely; flattening preserves
// depth-first, left-to-right order.
type Tree struct {
	leaf     *Feature
	children []Tree
}

// Leaf wraps a single feature.
func Leaf(f Feature) Tree {
	return Tree{leaf: &f}
}

// Group bundles subtrees in order. An empty group is valid and
// contributes nothing.
func Group(trees ...Tree) Tree {
	return Tree{children: trees}
}

// Flatten returns the features in depth-first, left-to-right order.
// Duplicates are preserved here; deduplication is the Registry's job.
func (t Tree) Flatten() []Feature {
	var out []Feature
	t.flatten(&out)
	return out
}

func (t Tree) flatten(out *[]Feature) {
	if t.leaf != nil {
		*out = append(*out, *t.leaf)
		return
	}
	for _, child := range t.children {
		child.flatten(out)
	}
}
