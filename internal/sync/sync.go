package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/modsync/internal/fingerprint"
	"github.com/schaermu/modsync/internal/manifest"
)

// maxManifestSize bounds the sync.json body read into memory.
const maxManifestSize = 256 << 20

// Index is the persistent folder/file store the engine materializes into.
type Index interface {
	RegisterRepository(ctx context.Context, name, path, url string) (int64, error)
	InsertFolder(ctx context.Context, name string, repoID int64, parentID *int64) (int64, error)
	InsertFile(ctx context.Context, name, contentHash string, repoID, parentID int64) (int64, error)
	FindFolderID(ctx context.Context, name string, repoID int64) (int64, error)
}

// Fetcher retrieves the bytes published at a URL.
type Fetcher interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// Options tunes the engine.
type Options struct {
	// Workers bounds concurrent downloads; zero means runtime.NumCPU().
	Workers int
	// Verify checks each download's fingerprint against its content hash.
	Verify bool
	// DryRun fetches the manifest and plans downloads without writing anything.
	DryRun bool
}

// Engine clones remote repositories into a local content-addressed store.
type Engine struct {
	index   Index
	fetcher Fetcher
	logger  *slog.Logger
	opts    Options
}

// NewEngine creates a new sync engine
func NewEngine(index Index, fetcher Fetcher, logger *slog.Logger, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Engine{
		index:   index,
		fetcher: fetcher,
		logger:  logger,
		opts:    opts,
	}
}

// Clone fetches the manifest published at remoteURL, records it in the index
// under repoName and downloads every blob missing from localPath.
//
// Materialization is not transactional: a failure halfway through leaves the
// rows written so far. Cloning the same name twice adds a second set of rows.
func (e *Engine) Clone(ctx context.Context, localPath, remoteURL, repoName string) (*Report, error) {
	start := time.Now()

	e.logger.Info("starting clone",
		"repo", repoName,
		"url", remoteURL,
		"path", localPath,
		"dry_run", e.opts.DryRun)

	manifestURL, err := ManifestURL(remoteURL)
	if err != nil {
		return nil, &CloneError{Step: StepParse, Err: err}
	}

	m, err := e.fetchManifest(ctx, manifestURL)
	if err != nil {
		return nil, &CloneError{Step: StepManifest, Err: err}
	}
	folders, files := m.Counts()
	e.logger.Info("manifest fetched", "url", manifestURL.String(), "folders", folders, "files", files)

	report := &Report{Repository: repoName, Folders: folders, Files: files}

	if e.opts.DryRun {
		plan, err := BuildPlan(m, localPath, manifestURL)
		if err != nil {
			return nil, &CloneError{Step: StepPlan, Err: err}
		}
		report.Planned = len(plan.Fetch)
		report.Skipped = plan.Present
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		report.Elapsed = time.Since(start)
		return report, nil
	}

	repoID, err := e.index.RegisterRepository(ctx, repoName, localPath, remoteURL)
	if err != nil {
		return nil, &CloneError{Step: StepRegister, Err: err}
	}
	report.RepositoryID = repoID

	if err := e.materialize(ctx, m, repoID); err != nil {
		return nil, &CloneError{Step: StepMaterialize, Err: err}
	}

	// Created once, before any download starts.
	if err := os.MkdirAll(localPath, 0755); err != nil {
		return nil, &CloneError{Step: StepPlan, Err: fmt.Errorf("failed to create local path: %w", err)}
	}

	plan, err := BuildPlan(m, localPath, manifestURL)
	if err != nil {
		return nil, &CloneError{Step: StepPlan, Err: err}
	}
	report.Planned = len(plan.Fetch)
	report.Skipped = plan.Present

	e.logger.Info("fetch plan",
		"fetch", len(plan.Fetch),
		"present", plan.Present,
		"workers", e.opts.Workers)

	results := e.fetchAll(ctx, plan.Fetch)
	for _, r := range results {
		if r.Err != nil {
			report.Failures = append(report.Failures, FetchFailure{URL: r.Task.URL, Path: r.Task.Path, Err: r.Err})
			continue
		}
		report.Fetched++
		report.Bytes += r.Bytes
	}

	report.Elapsed = time.Since(start)
	e.logger.Info("clone completed",
		"repo", repoName,
		"fetched", report.Fetched,
		"failed", len(report.Failures),
		"bytes", report.Bytes,
		"elapsed", report.Elapsed)
	return report, nil
}

// ManifestURL validates remote and returns the URL of its sync.json.
func ManifestURL(remote string) (*url.URL, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, remote)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + manifest.FileName
	u.RawPath = ""
	return u, nil
}

// BlobURL returns where the file called name is published, resolved against
// the manifest's own URL.
func BlobURL(manifestURL *url.URL, name string) string {
	return manifestURL.ResolveReference(&url.URL{Path: name}).String()
}

func (e *Engine) fetchManifest(ctx context.Context, manifestURL *url.URL) (*manifest.Manifest, error) {
	body, err := e.fetcher.Get(ctx, manifestURL.String())
	if err != nil {
		return nil, wrapNetwork(err)
	}
	defer func() {
		_ = body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(body, maxManifestSize+1))
	if err != nil {
		return nil, wrapNetwork(err)
	}
	if len(data) > maxManifestSize {
		return nil, fmt.Errorf("%w: manifest larger than %d bytes", ErrManifestFormat, maxManifestSize)
	}

	m, err := manifest.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestFormat, err)
	}
	return m, nil
}

// materialize writes one index row per manifest node. Walk visits parents
// first, so each parent row exists before its children look it up.
func (e *Engine) materialize(ctx context.Context, m *manifest.Manifest, repoID int64) error {
	return m.Walk(func(id manifest.NodeID, ent manifest.Entity) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		parent, hasParent := m.Parent(id)

		if ent.Kind == manifest.KindFolder {
			var parentID *int64
			if hasParent {
				pid, err := e.index.FindFolderID(ctx, m.Entity(parent).Name, repoID)
				if err != nil {
					return fmt.Errorf("%w: %q: %w", ErrFolderParent, ent.Name, err)
				}
				parentID = &pid
			}
			if _, err := e.index.InsertFolder(ctx, ent.Name, repoID, parentID); err != nil {
				return err
			}
			return nil
		}

		if !hasParent {
			return fmt.Errorf("%w: %q has no parent folder", ErrFileParent, ent.Name)
		}
		pid, err := e.index.FindFolderID(ctx, m.Entity(parent).Name, repoID)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrFileParent, ent.Name, err)
		}
		if _, err := e.index.InsertFile(ctx, ent.Name, fingerprint.Format(ent.Hash), repoID, pid); err != nil {
			return err
		}
		return nil
	})
}

// BuildPlan lists the blobs missing below localPath. Files sharing a content
// hash are fetched once.
func BuildPlan(m *manifest.Manifest, localPath string, manifestURL *url.URL) (*Plan, error) {
	plan := &Plan{Fetch: make([]Task, 0)}
	queued := make(map[string]bool)

	for _, f := range m.Files() {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: file root cannot be fetched", ErrFileParent)
		}
		path := BlobPath(localPath, f.Hash)
		if queued[path] {
			continue
		}
		queued[path] = true

		_, err := os.Stat(path)
		if err == nil {
			plan.Present++
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		plan.Fetch = append(plan.Fetch, Task{
			Name: f.Name,
			Hash: f.Hash,
			URL:  BlobURL(manifestURL, f.Name),
			Path: path,
		})
	}
	return plan, nil
}

// BlobPath is where content with the given hash lives below localPath.
func BlobPath(localPath string, hash uint64) string {
	return filepath.Join(localPath, fingerprint.Format(hash))
}

// fetchAll runs every task on the worker pool. A failed task never cancels
// the others; each result lands in its own slot.
func (e *Engine) fetchAll(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i := range tasks {
		g.Go(func() error {
			n, err := e.fetch(ctx, tasks[i])
			results[i] = Result{Task: tasks[i], Bytes: n, Err: err}
			if err != nil {
				e.logger.Warn("fetch failed", "url", tasks[i].URL, "path", tasks[i].Path, "error", err)
			} else {
				e.logger.Debug("fetched", "name", tasks[i].Name, "hash", tasks[i].Hash, "bytes", n)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// fetch streams one blob into a temp file next to its destination and renames
// it into place only once it is complete (and verified).
func (e *Engine) fetch(ctx context.Context, task Task) (int64, error) {
	body, err := e.fetcher.Get(ctx, task.URL)
	if err != nil {
		return 0, wrapNetwork(err)
	}
	defer func() {
		_ = body.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(task.Path), ".modsync-tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create blob file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	h := fingerprint.NewHash()
	n, err := io.Copy(io.MultiWriter(tmpFile, h), body)
	if err != nil {
		_ = tmpFile.Close()
		return 0, wrapNetwork(err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("failed to write blob file: %w", err)
	}

	if e.opts.Verify && h.Sum64() != task.Hash {
		return 0, fmt.Errorf("%w: %s: expected %d, got %d", ErrContentMismatch, task.Name, task.Hash, h.Sum64())
	}

	if err := os.Rename(tmpPath, task.Path); err != nil {
		return 0, fmt.Errorf("failed to store blob: %w", err)
	}
	return n, nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, task := range plan.Fetch {
		e.logger.Info("[dry-run] would fetch", "url", task.URL, "dest", task.Path)
	}
}

func wrapNetwork(err error) error {
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrContentMissing) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
