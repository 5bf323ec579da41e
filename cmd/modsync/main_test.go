package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/modsync/internal/manifest"
	"github.com/schaermu/modsync/internal/testutil"
	"github.com/schaermu/modsync/internal/tree"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	content := []byte(`index:
  path: "` + filepath.Join(tmpDir, "data", "index.sqlite3") + `"
build:
  workers: 2
run:
  stage_dir: "` + filepath.Join(tmpDir, "stage") + `"
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, content, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return cfgPath
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = writeTestConfig(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Build.Workers != 2 {
		t.Errorf("expected 2 build workers, got %d", cfg.Build.Workers)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := loadConfig(logger)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg, err := loadConfig(logger)
	// A missing default config file means defaults.
	if err != nil {
		t.Fatalf("expected defaults when default config file doesn't exist, got %v", err)
	}
	if !cfg.ParallelBuild() {
		t.Error("expected parallel builds by default")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		deltaPatch, sequential, pretty, dryRun, stageOnly = false, false, false, false, false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestNewBuildAndRepos(t *testing.T) {
	cfgPath := writeTestConfig(t)
	modDir := t.TempDir()
	testutil.WriteTree(t, modDir, testutil.ModTree())

	if _, err := execute(t, "--config", cfgPath, "--log-level", "error",
		"new", "main", modDir, "http://mods.example.com/main", "--delta-patch"); err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "--log-level", "error",
		"new", "main", modDir, "http://mods.example.com/main"); err == nil {
		t.Error("registering the same name twice should fail")
	}

	if _, err := execute(t, "--config", cfgPath, "--log-level", "error", "build", "main", "--sequential", "--pretty"); err != nil {
		t.Fatalf("build: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(modDir, manifest.FileName))
	if err != nil {
		t.Fatalf("sync.json not written: %v", err)
	}
	m, err := manifest.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, files := m.Counts(); files != 7 {
		t.Errorf("manifest lists %d files, want 7", files)
	}
	if _, err := os.Stat(filepath.Join(modDir, "readme.txt.rsig")); err != nil {
		t.Errorf("delta-patch repository built without signatures: %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "--log-level", "error", "repos")
	if err != nil {
		t.Fatalf("repos: %v", err)
	}
	if !strings.Contains(out, "main") || !strings.Contains(out, modDir) {
		t.Errorf("repos output missing registration:\n%s", out)
	}

	if _, err := execute(t, "--config", cfgPath, "--log-level", "error", "build", "unknown"); err == nil {
		t.Error("building an unregistered repository should fail")
	}
}

func TestNewRejectsMissingFolder(t *testing.T) {
	cfgPath := writeTestConfig(t)
	missing := filepath.Join(t.TempDir(), "nope")
	_, err := execute(t, "--config", cfgPath, "--log-level", "error",
		"new", "main", missing, "http://mods.example.com/main")
	if !errors.Is(err, tree.ErrFolderNotFound) {
		t.Fatalf("expected ErrFolderNotFound, got %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "--log-level", "error", "repos")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, missing) {
		t.Errorf("missing folder was registered:\n%s", out)
	}
}

func TestCloneRejectsInvalidURL(t *testing.T) {
	cfgPath := writeTestConfig(t)
	_, err := execute(t, "--config", cfgPath, "--log-level", "error",
		"clone", "main", "not-a-url", t.TempDir())
	if err == nil {
		t.Fatal("expected clone of an invalid URL to fail")
	}
}

func TestRunRequiresExecutable(t *testing.T) {
	cfgPath := writeTestConfig(t)
	_, err := execute(t, "--config", cfgPath, "--log-level", "error", "run", "main")
	if err == nil || !strings.Contains(err.Error(), "run.executable") {
		t.Fatalf("expected missing executable error, got %v", err)
	}
}
