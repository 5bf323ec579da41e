package signature

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateWritesSignature(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "addon.pbo")
	if err := os.WriteFile(src, bytes.Repeat([]byte("0123456789"), 1000), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Generate(src); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	sig, err := os.ReadFile(PathFor(src))
	if err != nil {
		t.Fatalf("signature not written: %v", err)
	}
	if len(sig) < 12 {
		t.Fatalf("signature too short: %d bytes", len(sig))
	}
	if magic := binary.BigEndian.Uint32(sig[:4]); magic != 0x72730137 {
		t.Errorf("unexpected magic %#x", magic)
	}
	if blockLen := binary.BigEndian.Uint32(sig[4:8]); blockLen != DefaultBlockLen {
		t.Errorf("block length = %d, want %d", blockLen, DefaultBlockLen)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected source and signature only, got %d entries", len(entries))
	}
}

func TestGenerateMissingSource(t *testing.T) {
	err := Generate(filepath.Join(t.TempDir(), "missing"))
	var sigErr *Error
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
}

func TestRemoveStale(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "@mod", "addons"), 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"@mod/addons/a.pbo":      "a",
		"@mod/addons/a.pbo.rsig": "stale",
		"@mod/mod.cpp.rsig":      "stale",
		"keep.txt":               "k",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(name)), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	n, err := RemoveStale(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	for name := range files {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name)))
		if IsSignature(name) && err == nil {
			t.Errorf("%s should have been removed", name)
		}
		if !IsSignature(name) && err != nil {
			t.Errorf("%s should have been kept: %v", name, err)
		}
	}
}
