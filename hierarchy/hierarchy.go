// Package hierarchy builds an in-memory tree from slash-delimited
// organizational group paths and computes the leaf paths used to fan
// aggregation work out and back in across an organization's sub-groups.
package hierarchy

import (
	"strings"

	"github.com/c360/metricflow/errors"
)

// Separator delimits group path segments
const Separator = "/"

// Node is one group in the tree. Children preserve first-insertion
// order. The full path is accumulated at construction time so no
// parent back-reference is needed for path reconstruction.
type Node struct {
	Name     string
	Path     string
	children []*Node
	index    map[string]*Node
}

// IsLeaf reports whether the node has no children
func (n *Node) IsLeaf() bool {
	return len(n.children) == 0
}

// Children returns the node's children in insertion order
func (n *Node) Children() []*Node {
	return n.children
}

func (n *Node) child(name string) *Node {
	if n.index == nil {
		return nil
	}
	return n.index[name]
}

func (n *Node) addChild(name string) *Node {
	childPath := n.Path + name
	if n.Path != Separator {
		childPath = n.Path + Separator + name
	}
	child := &Node{Name: name, Path: childPath}
	if n.index == nil {
		n.index = make(map[string]*Node)
	}
	n.children = append(n.children, child)
	n.index[name] = child
	return child
}

// Tree is a group hierarchy rooted at "/". Built fresh per aggregation
// request from the flat list of group paths that contributed data.
type Tree struct {
	root *Node
}

// New creates an empty tree containing only the root
func New() *Tree {
	return &Tree{root: &Node{Name: Separator, Path: Separator}}
}

// Root returns the root node
func (t *Tree) Root() *Node {
	return t.root
}

// Add walks the path segment by segment, creating missing nodes and
// merging shared prefixes. Re-adding an already-present path is a
// no-op, and adding an ancestor of an existing leaf never prunes the
// deeper leaf: a node that already has children simply never reports
// as a leaf.
func (t *Tree) Add(path string) error {
	if !strings.HasPrefix(path, Separator) {
		return errors.WrapInvalid(nil, "hierarchy", "Add",
			"group path must start with "+Separator)
	}

	cur := t.root
	for _, segment := range strings.Split(strings.Trim(path, Separator), Separator) {
		if segment == "" {
			continue
		}
		next := cur.child(segment)
		if next == nil {
			next = cur.addChild(segment)
		}
		cur = next
	}
	return nil
}

// LeafPaths returns every path from the root to a childless node, in
// first-insertion order per branch. An empty tree yields the root path
// itself, since the root is then the only (trivial) leaf.
func (t *Tree) LeafPaths() []string {
	var leaves []string
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.IsLeaf() {
			leaves = append(leaves, n.Path)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	return leaves
}

// WalkPostOrder visits every node children-first, which is the order
// bottom-up aggregation consumes: by the time fn sees a node, fn has
// already seen all of its descendants.
func (t *Tree) WalkPostOrder(fn func(n *Node) error) error {
	var walk func(n *Node) error
	walk = func(n *Node) error {
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return fn(n)
	}
	return walk(t.root)
}

// Size returns the number of nodes in the tree, root included
func (t *Tree) Size() int {
	count := 0
	_ = t.WalkPostOrder(func(*Node) error {
		count++
		return nil
	})
	return count
}
