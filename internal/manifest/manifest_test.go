package manifest

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// sample builds root "", folder "@mod", file "@mod/addon.pbo".
func sample(t *testing.T) *Manifest {
	t.Helper()
	b := NewBuilder()
	mustAdd(t, b, nil, KindFolder, 0)
	mustAdd(t, b, []string{"@mod"}, KindFolder, 0)
	mustAdd(t, b, []string{"@mod", "addon.pbo"}, KindFile, 123456789)
	m, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return m
}

func mustAdd(t *testing.T, b *Builder, components []string, kind Kind, hash uint64) NodeID {
	t.Helper()
	id, err := b.Add(components, kind, hash)
	if err != nil {
		t.Fatalf("Add(%v): %v", components, err)
	}
	return id
}

func TestFinalizeLinksParents(t *testing.T) {
	m := sample(t)

	if got := m.Entity(m.Root()).Name; got != "" {
		t.Fatalf("root name = %q", got)
	}
	mod, ok := m.Lookup("@mod")
	if !ok {
		t.Fatal("@mod missing")
	}
	if p, ok := m.Parent(mod); !ok || p != m.Root() {
		t.Errorf("@mod parent = %v, %v", p, ok)
	}
	file, ok := m.Lookup("@mod/addon.pbo")
	if !ok {
		t.Fatal("file missing")
	}
	if p, _ := m.Parent(file); p != mod {
		t.Errorf("file parent = %v, want %v", p, mod)
	}
	if _, ok := m.Parent(m.Root()); ok {
		t.Error("root must not have a parent")
	}
	if e := m.Entity(file); e.Kind != KindFile || e.Hash != 123456789 {
		t.Errorf("file entity = %+v", e)
	}
	folders, files := m.Counts()
	if folders != 2 || files != 1 {
		t.Errorf("counts = %d folders, %d files", folders, files)
	}
}

func TestFinalizeIndependentOfInsertionOrder(t *testing.T) {
	a := sample(t)

	b := NewBuilder()
	mustAdd(t, b, []string{"@mod", "addon.pbo"}, KindFile, 123456789)
	mustAdd(t, b, []string{"@mod"}, KindFolder, 0)
	mustAdd(t, b, nil, KindFolder, 0)
	m, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(a.Tuples(), m.Tuples()); diff != "" {
		t.Errorf("tuples differ (-want +got):\n%s", diff)
	}
	if !Equal(a, m) {
		t.Error("Equal returned false")
	}
}

func TestFinalizeRejectsOrphan(t *testing.T) {
	b := NewBuilder()
	mustAdd(t, b, nil, KindFolder, 0)
	mustAdd(t, b, []string{"@mod", "addons", "x.pbo"}, KindFile, 1)

	_, err := b.Finalize()
	if !errors.Is(err, ErrOrphan) {
		t.Fatalf("expected ErrOrphan, got %v", err)
	}
	var se *StructuralError
	if !errors.As(err, &se) || se.Name != "@mod/addons/x.pbo" {
		t.Errorf("expected structural error naming the orphan, got %v", err)
	}
}

func TestFinalizeRejectsMissingRoot(t *testing.T) {
	b := NewBuilder()
	mustAdd(t, b, []string{"@mod"}, KindFolder, 0)
	if _, err := b.Finalize(); !errors.Is(err, ErrOrphan) {
		t.Fatalf("expected ErrOrphan for a node without root, got %v", err)
	}

	if _, err := NewBuilder().Finalize(); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("expected ErrNoRoot, got %v", err)
	}
}

func TestFinalizeRejectsFileWithChildren(t *testing.T) {
	b := NewBuilder()
	mustAdd(t, b, nil, KindFolder, 0)
	mustAdd(t, b, []string{"a"}, KindFile, 1)
	mustAdd(t, b, []string{"a", "b"}, KindFile, 2)
	if _, err := b.Finalize(); !errors.Is(err, ErrFileHasChildren) {
		t.Fatalf("expected ErrFileHasChildren, got %v", err)
	}
}

func TestAddRejectsDuplicatesAndBadNames(t *testing.T) {
	b := NewBuilder()
	mustAdd(t, b, nil, KindFolder, 0)
	if _, err := b.Add(nil, KindFolder, 0); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
	for _, bad := range [][]string{{""}, {".."}, {"a/b"}, {"ok", "."}, {"bad\xffname.pbo"}} {
		if _, err := b.Add(bad, KindFile, 1); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Add(%q): expected ErrInvalidName, got %v", bad, err)
		}
	}
}

func TestBuilderSinglePhase(t *testing.T) {
	b := NewBuilder()
	mustAdd(t, b, nil, KindFolder, 0)
	if _, err := b.Finalize(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Add([]string{"late"}, KindFile, 1); !errors.Is(err, ErrFinalized) {
		t.Errorf("Add after Finalize: %v", err)
	}
	if _, err := b.Finalize(); !errors.Is(err, ErrFinalized) {
		t.Errorf("second Finalize: %v", err)
	}
}

func TestFolderHashIsZero(t *testing.T) {
	b := NewBuilder()
	mustAdd(t, b, nil, KindFolder, 99)
	m, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if h := m.Entity(m.Root()).Hash; h != 0 {
		t.Errorf("folder hash = %d", h)
	}
}

func TestWalkParentsFirst(t *testing.T) {
	b := NewBuilder()
	mustAdd(t, b, []string{"b", "z"}, KindFile, 3)
	mustAdd(t, b, []string{"b"}, KindFolder, 0)
	mustAdd(t, b, []string{"a"}, KindFile, 1)
	mustAdd(t, b, nil, KindFolder, 0)
	mustAdd(t, b, []string{"b", "c"}, KindFolder, 0)
	mustAdd(t, b, []string{"b", "c", "d"}, KindFile, 2)
	m, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	var order []string
	seen := map[string]bool{}
	err = m.Walk(func(id NodeID, e Entity) error {
		if p, ok := m.Parent(id); ok && !seen[m.Entity(p).Name] {
			t.Errorf("%q visited before its parent", e.Name)
		}
		seen[e.Name] = true
		order = append(order, e.Name)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"", "a", "b", "b/c", "b/c/d", "b/z"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("walk order (-want +got):\n%s", diff)
	}

	var files []string
	for _, f := range m.Files() {
		files = append(files, f.Name)
	}
	if got := strings.Join(files, ","); got != "a,b/c/d,b/z" {
		t.Errorf("files = %s", got)
	}
}

func TestWalkStopsOnError(t *testing.T) {
	m := sample(t)
	stop := errors.New("stop")
	visited := 0
	err := m.Walk(func(NodeID, Entity) error {
		visited++
		return stop
	})
	if !errors.Is(err, stop) || visited != 1 {
		t.Errorf("err = %v, visited = %d", err, visited)
	}
}
