// Package tree walks a repository folder and builds its manifest.
package tree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/modsync/internal/fingerprint"
	"github.com/schaermu/modsync/internal/manifest"
	"github.com/schaermu/modsync/internal/signature"
)

// ErrFolderNotFound is returned when the repository root does not exist.
var ErrFolderNotFound = errors.New("folder not found")

// EntryError reports an I/O failure on one entry.
type EntryError struct {
	Path string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Options controls a build.
type Options struct {
	// Parallel fingerprints entries on a worker pool.
	Parallel bool
	// Workers bounds the pool; zero means runtime.NumCPU().
	Workers int
	// Signer, when set, is called for every file after it is fingerprinted.
	Signer func(path string) error
	// Exclude is consulted for every entry below the root. Excluded
	// directories are skipped entirely.
	Exclude func(components []string, d fs.DirEntry) bool
}

// Entry is one enumerated file-system object.
type Entry struct {
	Path       string   // absolute or root-relative OS path
	Components []string // path components relative to root
	IsDir      bool
	Hash       uint64
}

// tempPrefix marks in-flight writes of sync.json and signatures.
const tempPrefix = ".modsync-"

// DefaultExclude leaves out the published manifest, signature artifacts and
// temp files left by interrupted writes.
func DefaultExclude(components []string, d fs.DirEntry) bool {
	if d.IsDir() {
		return false
	}
	if len(components) == 1 && components[0] == manifest.FileName {
		return true
	}
	return signature.IsSignature(d.Name()) || strings.HasPrefix(d.Name(), tempPrefix)
}

// Build enumerates root and returns its manifest. Any I/O error aborts the
// build; no partial manifest is returned.
func Build(ctx context.Context, root string, opts Options) (*manifest.Manifest, error) {
	entries, err := Enumerate(root, opts.Exclude)
	if err != nil {
		return nil, err
	}

	if opts.Parallel {
		err = fingerprintParallel(ctx, entries, opts)
	} else {
		err = fingerprintSequential(ctx, entries, opts)
	}
	if err != nil {
		return nil, err
	}

	return Link(entries)
}

// Enumerate lists root and everything below it, root first. A symlinked
// root is resolved first; symlinked folders below it are followed and listed
// under the link's name.
func Enumerate(root string, exclude func([]string, fs.DirEntry) bool) ([]Entry, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, root)
		}
		return nil, &EntryError{Path: root, Err: err}
	}

	w := &walker{exclude: exclude}
	if err := w.walk(resolved, nil); err != nil {
		return nil, err
	}
	return w.entries, nil
}

// ErrSymlinkLoop is returned when a symlinked folder points at one of its
// own ancestors.
var ErrSymlinkLoop = errors.New("symlink loop")

type walker struct {
	exclude func([]string, fs.DirEntry) bool
	entries []Entry
	// links holds the real parent directory of every symlink being followed.
	links []string
}

// walk lists dir, whose entries are named below prefix. For a followed
// symlink the caller has already recorded dir itself.
func (w *walker) walk(dir string, prefix []string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &EntryError{Path: path, Err: err}
		}

		rel, err := splitRel(dir, path)
		if err != nil {
			return &EntryError{Path: path, Err: err}
		}
		if rel == nil && prefix != nil {
			return nil
		}
		components := append(append([]string(nil), prefix...), rel...)

		if d.Type()&fs.ModeSymlink != 0 {
			return w.followLink(path, components, d)
		}

		if len(components) > 0 && w.exclude != nil && w.exclude(components, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		w.entries = append(w.entries, Entry{
			Path:       path,
			Components: components,
			IsDir:      d.IsDir(),
		})
		return nil
	})
}

// followLink records a symlink by the type of its target and descends into
// linked folders.
func (w *walker) followLink(path string, components []string, d fs.DirEntry) error {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return &EntryError{Path: path, Err: err}
	}
	info, err := os.Stat(target)
	if err != nil {
		return &EntryError{Path: path, Err: err}
	}

	linked := linkEntry{DirEntry: d, info: info}
	if w.exclude != nil && w.exclude(components, linked) {
		return nil
	}
	if !info.IsDir() {
		w.entries = append(w.entries, Entry{Path: path, Components: components})
		return nil
	}

	parent := filepath.Dir(path)
	for _, at := range append(w.links, parent) {
		if within(target, at) {
			return &EntryError{Path: path, Err: fmt.Errorf("%w: %s", ErrSymlinkLoop, target)}
		}
	}

	w.entries = append(w.entries, Entry{Path: target, Components: components, IsDir: true})
	w.links = append(w.links, parent)
	defer func() {
		w.links = w.links[:len(w.links)-1]
	}()
	return w.walk(target, components)
}

// linkEntry presents a symlink with its target's type and the link's name.
type linkEntry struct {
	fs.DirEntry
	info fs.FileInfo
}

func (e linkEntry) IsDir() bool                { return e.info.IsDir() }
func (e linkEntry) Type() fs.FileMode          { return e.info.Mode().Type() }
func (e linkEntry) Info() (fs.FileInfo, error) { return e.info, nil }

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// splitRel returns the components of path relative to root; nil for root.
func splitRel(root, path string) ([]string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, nil
	}
	return strings.Split(rel, string(filepath.Separator)), nil
}

func process(e *Entry, signer func(string) error) error {
	if e.IsDir {
		return nil
	}
	h, err := fingerprint.File(e.Path)
	if err != nil {
		return &EntryError{Path: e.Path, Err: err}
	}
	e.Hash = h
	if signer != nil {
		if err := signer(e.Path); err != nil {
			return &EntryError{Path: e.Path, Err: err}
		}
	}
	return nil
}

func fingerprintSequential(ctx context.Context, entries []Entry, opts Options) error {
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := process(&entries[i], opts.Signer); err != nil {
			return err
		}
	}
	return nil
}

// fingerprintParallel writes each result into its own slot; no locking needed.
func fingerprintParallel(ctx context.Context, entries []Entry, opts Options) error {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range entries {
		if entries[i].IsDir {
			continue
		}
		e := &entries[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return process(e, opts.Signer)
		})
	}
	return g.Wait()
}

// Link inserts every entry and then links the tree. It runs only after all
// entries have been fingerprinted.
func Link(entries []Entry) (*manifest.Manifest, error) {
	b := manifest.NewBuilder()
	for _, e := range entries {
		kind := manifest.KindFile
		if e.IsDir {
			kind = manifest.KindFolder
		}
		if _, err := b.Add(e.Components, kind, e.Hash); err != nil {
			return nil, err
		}
	}
	return b.Finalize()
}
