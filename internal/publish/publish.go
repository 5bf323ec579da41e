// Package publish turns a mod folder into a published repository: it builds
// the manifest, regenerates delta signatures and writes sync.json.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/modsync/internal/manifest"
	"github.com/schaermu/modsync/internal/signature"
	"github.com/schaermu/modsync/internal/tree"
)

// Options controls a publish run.
type Options struct {
	Parallel   bool
	Workers    int
	DeltaPatch bool // emit a .rsig signature next to every file
	Pretty     bool // indent sync.json
}

// Result summarizes a publish run.
type Result struct {
	Manifest *manifest.Manifest
	Path     string // written sync.json
	Files    int
	Folders  int
	Bytes    int64 // size of sync.json
	Removed  int   // stale signatures deleted before the build
	Elapsed  time.Duration
}

// Publish builds the manifest of root and writes it to root/sync.json.
// Nothing is written when the build fails.
func Publish(ctx context.Context, root string, opts Options) (*Result, error) {
	start := time.Now()
	res := &Result{Path: filepath.Join(root, manifest.FileName)}

	treeOpts := tree.Options{
		Parallel: opts.Parallel,
		Workers:  opts.Workers,
		Exclude:  tree.DefaultExclude,
	}
	if opts.DeltaPatch {
		removed, err := signature.RemoveStale(root)
		if err != nil {
			return nil, fmt.Errorf("failed to remove stale signatures: %w", err)
		}
		res.Removed = removed
		treeOpts.Signer = signature.Generate
	}

	m, err := tree.Build(ctx, root, treeOpts)
	if err != nil {
		return nil, err
	}

	data, err := manifest.Encode(m, opts.Pretty)
	if err != nil {
		return nil, err
	}
	if err := writeFile(res.Path, data); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", manifest.FileName, err)
	}

	res.Manifest = m
	res.Folders, res.Files = m.Counts()
	res.Bytes = int64(len(data))
	res.Elapsed = time.Since(start)
	return res, nil
}

// writeFile replaces dst atomically so readers never see a partial manifest.
func writeFile(dst string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".modsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
