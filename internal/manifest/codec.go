package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FileName is the manifest published at a repository's URL.
const FileName = "sync.json"

// ErrMalformed is returned when a payload cannot be decoded into a tree.
var ErrMalformed = errors.New("malformed manifest")

// wireNode is the JSON shape of one node. Fields are additive only; older
// decoders ignore fields they do not know.
type wireNode struct {
	Name     string     `json:"name"`
	IsFolder bool       `json:"is_folder"`
	Hash     uint64     `json:"hash"`
	Children []wireNode `json:"children,omitempty"`
}

// Encode serializes m. Children are emitted in name order, so the output
// depends only on the tree's content.
func Encode(m *Manifest, pretty bool) ([]byte, error) {
	root := m.toWire(m.root)
	if pretty {
		return json.MarshalIndent(root, "", "  ")
	}
	return json.Marshal(root)
}

func (m *Manifest) toWire(id NodeID) wireNode {
	n := m.nodes[id]
	w := wireNode{
		Name:     n.entity.Name,
		IsFolder: n.entity.Kind == KindFolder,
		Hash:     n.entity.Hash,
	}
	for _, c := range n.children {
		w.Children = append(w.Children, m.toWire(c))
	}
	return w
}

// Decode parses a payload produced by Encode. The payload must describe
// exactly one root; every child name must extend its parent's name by one
// component.
func Decode(data []byte) (*Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrNoRoot)
	}
	if trimmed[0] == '[' {
		var roots []json.RawMessage
		if err := json.Unmarshal(trimmed, &roots); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(roots) == 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrNoRoot)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrMultipleRoots)
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}

	var root wireNode
	if err := json.Unmarshal(trimmed, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if root.Name != "" {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, &StructuralError{Name: root.Name, Err: ErrNoRoot})
	}

	b := NewBuilder()
	if err := addWire(b, root, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	m, err := b.Finalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return m, nil
}

func addWire(b *Builder, w wireNode, components []string) error {
	kind := KindFile
	if w.IsFolder {
		kind = KindFolder
	}
	if kind == KindFile && len(w.Children) > 0 {
		return &StructuralError{Name: w.Name, Err: ErrFileHasChildren}
	}
	if _, err := b.Add(components, kind, w.Hash); err != nil {
		return err
	}

	for _, c := range w.Children {
		cc := Split(c.Name)
		if len(cc) != len(components)+1 || Name(cc[:len(components)]) != w.Name {
			return &StructuralError{Name: c.Name, Err: ErrInvalidName}
		}
		if err := addWire(b, c, cc); err != nil {
			return err
		}
	}
	return nil
}
