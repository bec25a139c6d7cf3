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

	"github.com/schaermu/gitfleet/internal/backup"
	"github.com/schaermu/gitfleet/internal/bootstrap"
	"github.com/schaermu/gitfleet/internal/gitcmd"
	"github.com/schaermu/gitfleet/internal/manifest"
	"github.com/schaermu/gitfleet/internal/markup"
	"github.com/schaermu/gitfleet/internal/reconcile"
	"github.com/schaermu/gitfleet/internal/registry"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	logLevel  string
	logFormat string

	// Command flags
	cfgFile      string
	storeDir     string
	linkDir      string
	branchName   string
	remoteName   string
	registryFile string
	tagFilter    string
	dryRun       bool
	jsonReport   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes onto the documented exit codes: 2 for
// config parse or validation failures, 1 for everything else. Success is
// handled by cobra returning nil.
func exitCode(err error) int {
	var parseErr *markup.Error
	if errors.As(err, &parseErr) {
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "gitfleet",
	Short: "Manage a fleet of git repositories from a single declarative config",
	Long: `gitfleet keeps a server-side collection of bare git repositories, their
hooks and their access symlinks in line with one config file pushed to an
"admin" repository.

Every push to the admin repository triggers a reconciliation: repositories
named in the config are created, hooks are installed or removed, and symlinks
are created, retargeted or removed until the server matches the config.`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the store, link root and admin repository",
	Long: `Init creates the store and link root directories, seeds the admin
repository with a config declaring itself, and runs one reconciliation so the
admin hook and symlink exist.

Re-running init on an initialized layout is a no-op and reports the existing
paths.`,
	RunE: runInit,
}

var switchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Reconcile the server against the fleet config",
	Long: `Switch loads the fleet config, scans the store and link root, and applies
whatever changes are needed to make the server match the config.

With no --config flag the config is read from the admin repository's HEAD in
the store. Repositories on disk but absent from the config are preserved and
reported as orphans; symlinks pointing outside the store are never touched.`,
	RunE: runSwitch,
}

var searchCmd = &cobra.Command{
	Use:   "search TERM...",
	Short: "Search repository ids and tags",
	Long: `Search prints one line per repository whose id or tags contain every
given term, in the form

  id,git+ssh://<store>/<id>

With no terms every repository is listed.`,
	RunE: runSearch,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List repository ids",
	RunE:  runList,
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage named admin repository locations",
	Long: `Remote maintains a per-user registry of named admin repository locations
so search and list can resolve configs without spelling out paths. The
registry lives at $HOME/.config/gitfleet/remotes.yaml.`,
}

var remoteAddCmd = &cobra.Command{
	Use:   "add NAME PATH",
	Short: "Register an admin repository location",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemoteAdd,
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a registered location",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteRemove,
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered locations",
	RunE:  runRemoteList,
}

var backupCmd = &cobra.Command{
	Use:   "backup ARCHIVE",
	Short: "Archive the store into a zstd-compressed tarball",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore ARCHIVE DIR",
	Short: "Unpack a store archive into a directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runRestore,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitfleet %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Init command flags
	initCmd.Flags().StringVar(&storeDir, "store", "", "store directory holding the bare repositories")
	initCmd.Flags().StringVar(&linkDir, "links", "", "link root directory (default: sibling 'links' of the store)")
	initCmd.Flags().StringVar(&branchName, "branch", "", "default branch for new repositories (default: main)")
	_ = initCmd.MarkFlagRequired("store")

	// Switch command flags
	switchCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default: config.xml from the admin repository's HEAD)")
	switchCmd.Flags().StringVar(&storeDir, "store", "", "store directory holding the admin repository")
	switchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	switchCmd.Flags().BoolVar(&jsonReport, "json", false, "print the reconciliation report as JSON on stdout")

	// Search/list command flags
	for _, cmd := range []*cobra.Command{searchCmd, listCmd} {
		cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file to search instead of a store")
		cmd.Flags().StringVar(&storeDir, "store", "", "store directory holding the admin repository")
		cmd.Flags().StringVar(&remoteName, "remote", "", "registered admin repository to resolve the config from")
	}
	listCmd.Flags().StringVar(&tagFilter, "tag", "", "only list repositories carrying this tag")

	// Remote command flags
	remoteCmd.PersistentFlags().StringVar(&registryFile, "registry", "", "registry file (default is $HOME/.config/gitfleet/remotes.yaml)")
	remoteCmd.AddCommand(remoteAddCmd)
	remoteCmd.AddCommand(remoteRemoveCmd)
	remoteCmd.AddCommand(remoteListCmd)

	// Backup command flags
	backupCmd.Flags().StringVar(&storeDir, "store", "", "store directory to archive")
	_ = backupCmd.MarkFlagRequired("store")

	// Add commands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(versionCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	links := linkDir
	if links == "" {
		links = filepath.Join(filepath.Dir(storeDir), "links")
	}

	result, err := bootstrap.Init(ctx, bootstrap.Options{
		Store:    storeDir,
		LinkRoot: links,
		Branch:   branchName,
	}, gitcmd.NewShellClient(), logger)
	if err != nil {
		logger.Error("init failed", "error", err)
		return err
	}

	if result.Created {
		logger.Info("fleet initialized", "store", result.Store, "links", result.LinkRoot, "admin", result.Admin)
	} else {
		logger.Info("fleet already initialized", "store", result.Store, "links", result.LinkRoot, "admin", result.Admin)
	}
	fmt.Printf("store: %s\nlinks: %s\nadmin: %s\n", result.Store, result.LinkRoot, result.Admin)
	return nil
}

func runSwitch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	git := gitcmd.NewShellClient()

	desired, err := loadDesired(ctx, git, logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}

	engine := reconcile.NewEngine(git, logger, dryRun)
	report, runErr := engine.Run(ctx, desired)
	if report != nil && jsonReport {
		out, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Println(out)
	}
	if runErr != nil {
		logger.Error("reconciliation failed", "error", runErr)
		return runErr
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	m, err := loadDesired(ctx, gitcmd.NewShellClient(), logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}

	for _, id := range m.Search(args) {
		fmt.Printf("%s,git+ssh://%s\n", id, filepath.Join(m.Store, id))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	m, err := loadDesired(ctx, gitcmd.NewShellClient(), logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}

	ids := m.IDs()
	if tagFilter != "" {
		ids = m.FilterTag(tagFilter)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runRemoteAdd(cmd *cobra.Command, args []string) error {
	path, err := registryPath()
	if err != nil {
		return err
	}
	reg, err := registry.Load(path)
	if err != nil {
		return err
	}
	if err := reg.Add(args[0], args[1]); err != nil {
		return err
	}
	return reg.Save(path)
}

func runRemoteRemove(cmd *cobra.Command, args []string) error {
	path, err := registryPath()
	if err != nil {
		return err
	}
	reg, err := registry.Load(path)
	if err != nil {
		return err
	}
	if err := reg.Remove(args[0]); err != nil {
		return err
	}
	return reg.Save(path)
}

func runRemoteList(cmd *cobra.Command, args []string) error {
	path, err := registryPath()
	if err != nil {
		return err
	}
	reg, err := registry.Load(path)
	if err != nil {
		return err
	}
	for _, name := range reg.Names() {
		remote, _ := reg.Lookup(name)
		fmt.Printf("%s\t%s\n", name, remote.URL)
	}
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	if err := backup.Create(storeDir, args[0]); err != nil {
		logger.Error("backup failed", "error", err)
		return err
	}
	logger.Info("store archived", "store", storeDir, "archive", args[0])
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	if err := backup.Restore(args[0], args[1]); err != nil {
		logger.Error("restore failed", "error", err)
		return err
	}
	logger.Info("store restored", "archive", args[0], "dest", args[1])
	return nil
}

// loadDesired resolves the fleet config: an explicit file wins, then a
// registered remote, then the admin repository inside --store.
func loadDesired(ctx context.Context, git gitcmd.Client, logger *slog.Logger) (*manifest.Manifest, error) {
	if cfgFile != "" {
		logger.Debug("loading config file", "path", cfgFile)
		return manifest.Load(cfgFile)
	}

	store := storeDir
	if remoteName != "" {
		path, err := registryPath()
		if err != nil {
			return nil, err
		}
		reg, err := registry.Load(path)
		if err != nil {
			return nil, err
		}
		remote, err := reg.Lookup(remoteName)
		if err != nil {
			return nil, err
		}
		// Only local admin repositories can be resolved; fetching over
		// the network is out of scope.
		if !filepath.IsAbs(remote.URL) {
			return nil, fmt.Errorf("remote %q is not a local path: %s", remoteName, remote.URL)
		}
		store = filepath.Dir(remote.URL)
	}
	if store == "" {
		return nil, fmt.Errorf("no config source: pass --config, --store or a registered --remote")
	}

	logger.Debug("resolving config from admin repository", "store", store)
	return bootstrap.ResolveConfig(ctx, git, store)
}

func registryPath() (string, error) {
	if registryFile != "" {
		return registryFile, nil
	}
	return registry.DefaultPath()
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

	// Logs go to stderr so stdout stays clean for search, list and
	// --json output.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
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
