// Package stage lays a cloned repository out under its original names and
// starts the game on it.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/schaermu/modsync/internal/index"
	"github.com/schaermu/modsync/internal/manifest"
)

// ErrNotStaged means a file's content is missing from the local store.
var ErrNotStaged = errors.New("content not in local store")

// Store is the part of the index staging reads.
type Store interface {
	GetRepository(ctx context.Context, name string) (*index.Repository, error)
	Folders(ctx context.Context, repoID int64) ([]index.Folder, error)
	Files(ctx context.Context, repoID int64) ([]index.File, error)
}

// Staged describes a populated stage directory.
type Staged struct {
	Dir     string
	Mods    []string // top-level folders whose name starts with "@"
	Folders int
	Files   int
}

// ModArgs returns one -mod argument per staged mod folder.
func (s *Staged) ModArgs() []string {
	args := make([]string, 0, len(s.Mods))
	for _, mod := range s.Mods {
		args = append(args, "-mod="+filepath.Join(s.Dir, filepath.FromSlash(mod))+";")
	}
	return args
}

// Stage clears stageDir and recreates the indexed tree of repoName inside it,
// hard-linking each file to its blob in the repository's local path. When
// the index holds several rows for a name the latest one wins.
func Stage(ctx context.Context, store Store, repoName, stageDir string) (*Staged, error) {
	repo, err := store.GetRepository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	if err := checkStageDir(stageDir, repo.Path); err != nil {
		return nil, err
	}

	folders, err := store.Folders(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	files, err := store.Files(ctx, repo.ID)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(stageDir); err != nil {
		return nil, fmt.Errorf("failed to clear stage dir: %w", err)
	}
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stage dir: %w", err)
	}

	staged := &Staged{Dir: stageDir}
	seen := make(map[string]bool)
	for _, f := range folders {
		if f.IsRoot || seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		if err := os.MkdirAll(filepath.Join(stageDir, filepath.FromSlash(f.Name)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create folder %s: %w", f.Name, err)
		}
		staged.Folders++
		if c := manifest.Split(f.Name); len(c) == 1 && strings.HasPrefix(c[0], "@") {
			staged.Mods = append(staged.Mods, f.Name)
		}
	}
	sort.Strings(staged.Mods)

	latest := make(map[string]string, len(files))
	for _, f := range files {
		latest[f.Name] = f.ContentHash
	}
	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := filepath.Join(repo.Path, latest[name])
		dst := filepath.Join(stageDir, filepath.FromSlash(name))
		if err := link(src, dst); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", name, err)
		}
		staged.Files++
	}

	return staged, nil
}

// checkStageDir refuses directories whose removal would destroy the store.
func checkStageDir(stageDir, storePath string) error {
	if stageDir == "" || !filepath.IsAbs(stageDir) {
		return fmt.Errorf("stage dir must be an absolute path, got %q", stageDir)
	}
	clean := filepath.Clean(stageDir)
	if clean == filepath.Dir(clean) {
		return fmt.Errorf("refusing to stage into %s", clean)
	}
	store, err := filepath.Abs(storePath)
	if err != nil {
		return err
	}
	if rel, err := filepath.Rel(clean, store); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("stage dir %s contains the local store %s", clean, store)
	}
	return nil
}

func link(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotStaged, src)
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	err := os.Link(src, dst)
	if errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("%w (stage dir and local store must be on the same filesystem)", err)
	}
	return err
}

// Launch starts executable with args and returns without waiting for it.
func Launch(ctx context.Context, executable string, args []string) (*os.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Not tied to ctx: the game outlives the command that started it.
	cmd := exec.Command(executable, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", executable, err)
	}
	return cmd.Process, nil
}
