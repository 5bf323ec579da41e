//go:build integration

package tier1

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/modsync/internal/fingerprint"
	"github.com/schaermu/modsync/internal/manifest"
)

const (
	repoName   = "main"
	mirrorName = "mirror"
	modsDir    = "mods"
	storeDir   = "store"
)

var modTree = map[string]string{
	"@cba/mod.cpp":               `name = "CBA";`,
	"@cba/addons/cba_main.pbo":   "main-pbo-bytes",
	"@cba/addons/cba_common.pbo": "common-pbo-bytes",
	"@ace/addons/ace_common.pbo": "common-pbo-bytes",
	"readme.txt":                 "hello",
}

func TestTier1RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	defer h.Cleanup()

	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	if err := h.WriteConfig(); err != nil {
		t.Fatalf("write config: %v", err)
	}
	for name, content := range modTree {
		if err := h.WriteFile(modsDir+"/"+name, content); err != nil {
			t.Fatal(err)
		}
	}

	h.MustExec(ctx, "new", repoName, h.Path(modsDir), "http://unused.example.com", "--delta-patch")
	if err := h.StartServe(ctx, repoName); err != nil {
		t.Fatalf("start serve: %v", err)
	}

	t.Run("A_PublishWritesSignatures", func(t *testing.T) {
		testPublishWritesSignatures(t, h)
	})

	t.Run("B_DryRunTouchesNothing", func(t *testing.T) {
		testDryRun(t, h, ctx)
	})

	t.Run("C_CloneFetchesEveryBlob", func(t *testing.T) {
		testInitialClone(t, h, ctx)
	})

	t.Run("D_ReCloneFetchesNothing", func(t *testing.T) {
		testNoOpClone(t, h, ctx)
	})

	t.Run("E_RebuildPublishesChanges", func(t *testing.T) {
		testRebuild(t, h, ctx)
	})

	t.Run("F_StageOnly", func(t *testing.T) {
		testStageOnly(t, h, ctx)
	})
}

func testPublishWritesSignatures(t *testing.T, h *Harness) {
	body, err := h.Get("/sync.json")
	if err != nil {
		t.Fatal(err)
	}
	m, err := manifest.Decode([]byte(body))
	if err != nil {
		t.Fatalf("served manifest does not decode: %v", err)
	}
	if _, files := m.Counts(); files != len(modTree) {
		t.Errorf("manifest lists %d files, want %d", files, len(modTree))
	}
	for name := range modTree {
		if !h.FileExists(modsDir + "/" + name + ".rsig") {
			t.Errorf("signature missing for %s", name)
		}
	}
}

func testDryRun(t *testing.T, h *Harness, ctx context.Context) {
	h.MustExec(ctx, "clone", "dry", h.BaseURL(), h.Path("dry-store"), "--dry-run")
	if _, err := os.Stat(h.Path("dry-store")); !os.IsNotExist(err) {
		t.Error("dry-run created the local path")
	}
	stdout, _ := h.MustExec(ctx, "repos")
	if strings.Contains(stdout, "dry") {
		t.Errorf("dry-run registered a repository:\n%s", stdout)
	}
}

func testInitialClone(t *testing.T, h *Harness, ctx context.Context) {
	h.MustExec(ctx, "clone", mirrorName, h.BaseURL(), h.Path(storeDir))

	distinct := map[uint64]string{}
	for _, content := range modTree {
		distinct[fingerprint.Sum([]byte(content))] = content
	}
	entries, err := os.ReadDir(h.Path(storeDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(distinct) {
		t.Errorf("store holds %d blobs, want %d", len(entries), len(distinct))
	}
	for hash, content := range distinct {
		got, err := h.ReadFile(storeDir + "/" + fingerprint.Format(hash))
		if err != nil {
			t.Errorf("blob %d missing: %v", hash, err)
			continue
		}
		if got != content {
			t.Errorf("blob %d = %q, want %q", hash, got, content)
		}
	}

	stdout, _ := h.MustExec(ctx, "repos")
	if !strings.Contains(stdout, mirrorName) || !strings.Contains(stdout, h.Path(storeDir)) {
		t.Errorf("mirror not registered:\n%s", stdout)
	}
}

func testNoOpClone(t *testing.T, h *Harness, ctx context.Context) {
	stdout, _ := h.MustExec(ctx, "clone", mirrorName, h.BaseURL(), h.Path(storeDir))
	if !strings.Contains(stdout, "fetched=0") {
		t.Errorf("expected nothing fetched on re-clone, got:\n%s", stdout)
	}
}

func testRebuild(t *testing.T, h *Harness, ctx context.Context) {
	const added = "@ace/addons/ace_medical.pbo"
	if err := h.WriteFile(modsDir+"/"+added, "medical-pbo-bytes"); err != nil {
		t.Fatal(err)
	}
	if err := h.Rebuild(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		body, err := h.Get("/sync.json")
		if err == nil && strings.Contains(body, added) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rebuild did not publish %s", added)
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.MustExec(ctx, "clone", mirrorName, h.BaseURL(), h.Path(storeDir))
	hash := fingerprint.Sum([]byte("medical-pbo-bytes"))
	if !h.FileExists(storeDir + "/" + fingerprint.Format(hash)) {
		t.Error("new blob not fetched after rebuild")
	}
}

func testStageOnly(t *testing.T, h *Harness, ctx context.Context) {
	h.MustExec(ctx, "run", mirrorName, "--stage-only")

	for name, content := range modTree {
		got, err := h.ReadFile(filepath.ToSlash(filepath.Join("stage", name)))
		if err != nil {
			t.Errorf("%s not staged: %v", name, err)
			continue
		}
		if got != content {
			t.Errorf("%s = %q, want %q", name, got, content)
		}
	}
	if h.FileExists("stage/@cba/mod.cpp.rsig") {
		t.Error("signature artifacts must not be staged")
	}
}
