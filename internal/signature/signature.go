// Package signature writes librsync block signatures next to repository files
// so clients can later request binary deltas instead of whole files.
package signature

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/balena-os/librsync-go"
)

// Suffix is appended to a file's path to name its signature.
const Suffix = ".rsig"

// librsync defaults (rdiff): 2 KiB blocks, full-length BLAKE2 strong sums.
const (
	DefaultBlockLen  uint32 = 2048
	DefaultStrongLen uint32 = 32
)

// Error reports a signature that could not be generated or removed.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("signature %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsSignature reports whether path names a signature artifact.
func IsSignature(path string) bool {
	return strings.HasSuffix(path, Suffix)
}

// PathFor returns the signature path for a source file.
func PathFor(path string) string {
	return path + Suffix
}

// Generate writes the signature of the file at path to PathFor(path),
// replacing any previous signature. A partially written signature is removed.
func Generate(path string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return &Error{Path: path, Err: err}
	}
	defer func() {
		_ = src.Close()
	}()

	sigPath := PathFor(path)
	tmp, err := os.CreateTemp(filepath.Dir(sigPath), ".modsync-sig-*")
	if err != nil {
		return &Error{Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if _, err = librsync.Signature(bufio.NewReader(src), w, DefaultBlockLen, DefaultStrongLen, librsync.BLAKE2_SIG_MAGIC); err != nil {
		_ = tmp.Close()
		return &Error{Path: path, Err: err}
	}
	if err = w.Flush(); err != nil {
		_ = tmp.Close()
		return &Error{Path: path, Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &Error{Path: path, Err: err}
	}
	if err = os.Rename(tmpPath, sigPath); err != nil {
		return &Error{Path: path, Err: err}
	}
	return nil
}

// RemoveStale deletes every signature artifact below root and returns how
// many were removed.
func RemoveStale(root string) (int, error) {
	var stale []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsSignature(path) {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		return 0, &Error{Path: root, Err: err}
	}

	removed := 0
	for _, path := range stale {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, &Error{Path: path, Err: err}
		}
		removed++
	}
	return removed, nil
}
