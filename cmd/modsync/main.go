package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/schaermu/modsync/internal/activation"
	"github.com/schaermu/modsync/internal/config"
	"github.com/schaermu/modsync/internal/index"
	"github.com/schaermu/modsync/internal/publish"
	"github.com/schaermu/modsync/internal/stage"
	"github.com/schaermu/modsync/internal/sync"
	"github.com/schaermu/modsync/internal/tree"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	deltaPatch bool
	sequential bool
	pretty     bool
	dryRun     bool
	stageOnly  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "modsync",
	Short: "Publish and clone content-addressed mod repositories",
	Long: `modsync publishes a mod folder as a repository (a sync.json manifest of
content fingerprints served over HTTP) and clones such repositories into a
local content-addressed store.

A cloned repository can be staged under its original names and handed to the
game as -mod arguments.`,
	SilenceUsage: true,
}

var newCmd = &cobra.Command{
	Use:   "new NAME PATH URL",
	Short: "Register a repository to publish from PATH",
	Args:  cobra.ExactArgs(3),
	RunE:  runNew,
}

var buildCmd = &cobra.Command{
	Use:   "build NAME",
	Short: "Build the manifest of a registered repository",
	Long: `Build fingerprints every file below the repository path and writes its
sync.json. With delta patching enabled a .rsig signature is regenerated next
to every file.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

var cloneCmd = &cobra.Command{
	Use:   "clone NAME URL PATH",
	Short: "Clone the repository published at URL into PATH",
	Long: `Clone fetches URL/sync.json, records its tree in the index under NAME and
downloads every blob missing from PATH. Blobs already present are not fetched
again. Individual download failures are reported but do not stop the clone.`,
	Args: cobra.ExactArgs(3),
	RunE: runClone,
}

var serveCmd = &cobra.Command{
	Use:   "serve NAME",
	Short: "Serve a registered repository over HTTP",
	Long: `Serve publishes the repository once and then serves its directory. A POST
to /-/rebuild republishes it after a short debounce.

When started through systemd socket activation the passed socket is used
instead of serve.listen_addr.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

var runCmd = &cobra.Command{
	Use:   "run NAME [-- game args]",
	Short: "Stage a cloned repository and launch the game on it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List registered repositories",
	Args:  cobra.NoArgs,
	RunE:  runRepos,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("modsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/modsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	newCmd.Flags().BoolVar(&deltaPatch, "delta-patch", false, "generate rsync signatures next to every file on build")
	buildCmd.Flags().BoolVar(&sequential, "sequential", false, "fingerprint files one at a time")
	buildCmd.Flags().BoolVar(&pretty, "pretty", false, "indent sync.json")
	cloneCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be fetched without making changes")
	runCmd.Flags().BoolVar(&stageOnly, "stage-only", false, "stage the repository without launching the game")

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(versionCmd)
}

func runNew(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	name, url := args[0], args[2]
	path, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", tree.ErrFolderNotFound, path)
	}

	store, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	repo, err := store.CreateRepository(ctx, name, path, url, deltaPatch)
	if err != nil {
		return err
	}
	logger.Info("repository registered",
		"repo", repo.Name,
		"path", repo.Path,
		"url", repo.URL,
		"delta_patch", repo.DeltaPatch)
	return nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	repo, err := store.GetRepository(ctx, args[0])
	if err != nil {
		return err
	}

	opts := publishOptions(cfg, repo)
	opts.Pretty = pretty
	if sequential {
		opts.Parallel = false
	}

	logger.Info("building manifest", "repo", repo.Name, "path", repo.Path, "parallel", opts.Parallel, "delta_patch", opts.DeltaPatch)
	res, err := publish.Publish(ctx, repo.Path, opts)
	if err != nil {
		logger.Error("build failed", "repo", repo.Name, "error", err)
		return err
	}
	logger.Info("manifest written",
		"path", res.Path,
		"folders", res.Folders,
		"files", res.Files,
		"bytes", res.Bytes,
		"stale_signatures", res.Removed,
		"elapsed", res.Elapsed)
	return nil
}

func runClone(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	name, url := args[0], args[1]
	path, err := filepath.Abs(args[2])
	if err != nil {
		return err
	}

	store, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	fetcher := sync.NewHTTPFetcher(cfg.HTTP.Timeout, cfg.HTTP.UserAgent)
	engine := sync.NewEngine(store, fetcher, logger, sync.Options{
		Workers: cfg.Sync.Workers,
		Verify:  cfg.VerifyDownloads(),
		DryRun:  dryRun,
	})

	report, err := engine.Clone(ctx, path, url, name)
	if err != nil {
		logger.Error("clone failed", "repo", name, "error", err)
		return err
	}
	for _, f := range report.Failures {
		logger.Error("download failed", "url", f.URL, "path", f.Path, "error", f.Err)
	}
	if report.Failed() {
		return fmt.Errorf("%d of %d downloads failed", len(report.Failures), report.Planned)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	repo, err := store.GetRepository(ctx, args[0])
	_ = store.Close()
	if err != nil {
		return err
	}

	ln, err := activation.Listener(activation.SocketName)
	if err != nil {
		return fmt.Errorf("socket activation: %w", err)
	}
	if ln != nil {
		logger.Info("using systemd socket", "addr", ln.Addr().String())
	}

	server, err := publish.NewServer(publish.ServerConfig{
		Root:       repo.Path,
		ListenAddr: cfg.Serve.ListenAddr,
		Debounce:   cfg.RebuildDelay(),
		SecretFile: cfg.Serve.SecretFile,
		Publish:    publishOptions(cfg, repo),
	}, logger)
	if err != nil {
		return err
	}
	return server.Start(ctx, ln)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Run.StageDir == "" {
		return errors.New("run.stage_dir is required")
	}
	if cfg.Run.Executable == "" && !stageOnly {
		return errors.New("run.executable is required unless --stage-only is set")
	}

	store, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	staged, err := stage.Stage(ctx, store, args[0], cfg.Run.StageDir)
	if err != nil {
		logger.Error("staging failed", "repo", args[0], "error", err)
		return err
	}
	logger.Info("repository staged",
		"repo", args[0],
		"dir", staged.Dir,
		"mods", len(staged.Mods),
		"folders", staged.Folders,
		"files", staged.Files)
	if stageOnly {
		return nil
	}

	gameArgs := append(staged.ModArgs(), cfg.Run.Args...)
	gameArgs = append(gameArgs, args[1:]...)
	proc, err := stage.Launch(ctx, cfg.Run.Executable, gameArgs)
	if err != nil {
		return err
	}
	logger.Info("game launched", "executable", cfg.Run.Executable, "pid", proc.Pid)
	return proc.Release()
}

func runRepos(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	repos, err := store.ListRepositories(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tPATH\tURL\tDELTA")
	for _, r := range repos {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", r.Name, r.Path, r.URL, r.DeltaPatch)
	}
	return w.Flush()
}

func publishOptions(cfg *config.Config, repo *index.Repository) publish.Options {
	return publish.Options{
		Parallel:   cfg.ParallelBuild(),
		Workers:    cfg.Build.Workers,
		DeltaPatch: repo.DeltaPatch,
	}
}

func openIndex(ctx context.Context, cfg *config.Config) (*index.Store, error) {
	if cfg.Index.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Index.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	return index.Open(ctx, cfg.Index.Path)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath
	}

	logger.Debug("loading configuration", "path", os.ExpandEnv(configPath))

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"index", cfg.Index.Path,
		"build_parallel", cfg.ParallelBuild(),
		"sync_workers", cfg.Sync.Workers,
		"verify", cfg.VerifyDownloads())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
