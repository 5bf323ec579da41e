// Package manifest models a repository snapshot as an arena-indexed tree of
// folders and files, and encodes it to the sync.json wire format.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Separator joins path components in entity names regardless of platform.
const Separator = "/"

// Kind tags an entity as a folder or a file.
type Kind uint8

const (
	KindFolder Kind = iota
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entity is one file-system object inside a snapshot.
type Entity struct {
	Name string // relative path, "" for the root
	Kind Kind
	Hash uint64 // content fingerprint, zero for folders
}

// IsFolder reports whether the entity is a folder.
func (e Entity) IsFolder() bool { return e.Kind == KindFolder }

// NodeID addresses a node inside one Manifest or Builder.
type NodeID int

// None is the parent of the root.
const None NodeID = -1

type node struct {
	entity     Entity
	components []string
	parent     NodeID
	children   []NodeID
}

// Structural errors. They are wrapped in *StructuralError.
var (
	ErrNoRoot          = errors.New("manifest has no root")
	ErrMultipleRoots   = errors.New("manifest has more than one root")
	ErrOrphan          = errors.New("parent folder not in manifest")
	ErrDuplicateName   = errors.New("duplicate entity name")
	ErrFileHasChildren = errors.New("file entity has children")
	ErrInvalidName     = errors.New("invalid entity name")
	ErrFinalized       = errors.New("builder already finalized")
)

// StructuralError names the entity that breaks the tree structure.
type StructuralError struct {
	Name string
	Err  error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Name)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Manifest is an immutable, validated snapshot tree.
type Manifest struct {
	nodes  []node
	root   NodeID
	byName map[string]NodeID
}

// Root returns the root node.
func (m *Manifest) Root() NodeID { return m.root }

// Len returns the number of nodes, root included.
func (m *Manifest) Len() int { return len(m.nodes) }

// Entity returns the entity stored at id.
func (m *Manifest) Entity(id NodeID) Entity { return m.nodes[id].entity }

// Components returns the path components of id; nil for the root.
func (m *Manifest) Components(id NodeID) []string {
	return append([]string(nil), m.nodes[id].components...)
}

// Parent returns the parent of id, or None and false for the root.
func (m *Manifest) Parent(id NodeID) (NodeID, bool) {
	p := m.nodes[id].parent
	return p, p != None
}

// Children returns the children of id ordered by name.
func (m *Manifest) Children(id NodeID) []NodeID {
	return append([]NodeID(nil), m.nodes[id].children...)
}

// Lookup finds a node by entity name.
func (m *Manifest) Lookup(name string) (NodeID, bool) {
	id, ok := m.byName[name]
	return id, ok
}

// Walk visits every node depth first, parents before children and siblings
// in name order. It stops at the first error returned by fn.
func (m *Manifest) Walk(fn func(id NodeID, e Entity) error) error {
	stack := []NodeID{m.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := fn(id, m.nodes[id].entity); err != nil {
			return err
		}
		children := m.nodes[id].children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return nil
}

// Files returns every file entity in walk order.
func (m *Manifest) Files() []Entity {
	var files []Entity
	_ = m.Walk(func(_ NodeID, e Entity) error {
		if e.Kind == KindFile {
			files = append(files, e)
		}
		return nil
	})
	return files
}

// Counts returns the number of folders and files.
func (m *Manifest) Counts() (folders, files int) {
	for _, n := range m.nodes {
		if n.entity.Kind == KindFile {
			files++
		} else {
			folders++
		}
	}
	return folders, files
}

// Tuple is the flattened, order-free form of a node.
type Tuple struct {
	Name   string
	Kind   Kind
	Hash   uint64
	Parent string
	Root   bool
}

// Tuples returns one tuple per node, sorted by name.
func (m *Manifest) Tuples() []Tuple {
	out := make([]Tuple, 0, len(m.nodes))
	for _, n := range m.nodes {
		t := Tuple{Name: n.entity.Name, Kind: n.entity.Kind, Hash: n.entity.Hash, Root: n.parent == None}
		if n.parent != None {
			t.Parent = m.nodes[n.parent].entity.Name
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Equal reports whether two manifests hold the same set of tuples.
func Equal(a, b *Manifest) bool {
	ta, tb := a.Tuples(), b.Tuples()
	if len(ta) != len(tb) {
		return false
	}
	for i := range ta {
		if ta[i] != tb[i] {
			return false
		}
	}
	return true
}

// Name joins path components into an entity name.
func Name(components []string) string {
	return strings.Join(components, Separator)
}

// Split is the inverse of Name.
func Split(name string) []string {
	if name == "" {
		return nil
	}
	return strings.Split(name, Separator)
}

// Builder collects entities before the tree is linked. All nodes must be
// added before Finalize; Finalize links them and returns the Manifest.
type Builder struct {
	nodes     []node
	byName    map[string]NodeID
	finalized bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{byName: make(map[string]NodeID)}
}

// Add inserts an entity addressed by its path components. The root has no
// components. Folder hashes are stored as zero.
func (b *Builder) Add(components []string, kind Kind, hash uint64) (NodeID, error) {
	if b.finalized {
		return None, ErrFinalized
	}
	name := Name(components)
	for _, c := range components {
		if c == "" || c == "." || c == ".." || strings.Contains(c, Separator) || !utf8.ValidString(c) {
			return None, &StructuralError{Name: name, Err: ErrInvalidName}
		}
	}
	if _, dup := b.byName[name]; dup {
		return None, &StructuralError{Name: name, Err: ErrDuplicateName}
	}
	if kind == KindFolder {
		hash = 0
	}

	id := NodeID(len(b.nodes))
	b.nodes = append(b.nodes, node{
		entity:     Entity{Name: name, Kind: kind, Hash: hash},
		components: append([]string(nil), components...),
		parent:     None,
	})
	b.byName[name] = id
	return id, nil
}

// Len returns how many entities have been added.
func (b *Builder) Len() int { return len(b.nodes) }

// Finalize links every node to the node named by its parent components and
// validates the tree. The Builder is unusable afterwards.
func (b *Builder) Finalize() (*Manifest, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	b.finalized = true

	root := None
	for id := range b.nodes {
		n := &b.nodes[id]
		if len(n.components) == 0 {
			root = NodeID(id)
			continue
		}
		parentName := Name(n.components[:len(n.components)-1])
		pid, ok := b.byName[parentName]
		if !ok {
			return nil, &StructuralError{Name: n.entity.Name, Err: ErrOrphan}
		}
		parent := &b.nodes[pid]
		if parent.entity.Kind == KindFile {
			return nil, &StructuralError{Name: parent.entity.Name, Err: ErrFileHasChildren}
		}
		n.parent = pid
		parent.children = append(parent.children, NodeID(id))
	}
	if root == None {
		return nil, &StructuralError{Name: "", Err: ErrNoRoot}
	}

	for id := range b.nodes {
		children := b.nodes[id].children
		sort.Slice(children, func(i, j int) bool {
			return b.nodes[children[i]].entity.Name < b.nodes[children[j]].entity.Name
		})
	}

	m := &Manifest{nodes: b.nodes, root: root, byName: b.byName}
	b.nodes = nil
	b.byName = nil
	return m, nil
}
