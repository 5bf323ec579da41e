// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// WriteTree creates files below root. Keys are slash-separated relative
// names; a key ending in "/" creates an empty directory.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if name[len(name)-1] == '/' {
			if err := os.MkdirAll(path, 0755); err != nil {
				t.Fatalf("mkdir %s: %v", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

// ModTree returns a small mod folder layout with distinct file contents.
func ModTree() map[string]string {
	return map[string]string{
		"@cba/mod.cpp":                  "name = \"CBA\";",
		"@cba/addons/cba_main.pbo":      "main-pbo-bytes",
		"@cba/addons/cba_common.pbo":    "common-pbo-bytes",
		"@cba/keys/cba.bikey":           "key",
		"@ace/addons/ace_common.pbo":    "ace-common",
		"@ace/addons/ace_common.pbo.bi": "ace-common-sig",
		"@ace/optionals/":               "",
		"readme.txt":                    "hello",
	}
}

// ListFiles returns the slash-separated names of regular files below root.
func ListFiles(t testing.TB, root string) []string {
	t.Helper()
	var names []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	sort.Strings(names)
	return names
}
