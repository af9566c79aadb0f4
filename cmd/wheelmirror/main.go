// Command wheelmirror builds, updates, and serves a partial offline
// mirror of a PyPI-compatible package registry.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/lib/pq"

	"github.com/bilusteknoloji/wheelmirror/internal/audit"
	"github.com/bilusteknoloji/wheelmirror/internal/config"
	"github.com/bilusteknoloji/wheelmirror/internal/downloader"
	"github.com/bilusteknoloji/wheelmirror/internal/index"
	"github.com/bilusteknoloji/wheelmirror/internal/objectstore"
	"github.com/bilusteknoloji/wheelmirror/internal/regcache"
	"github.com/bilusteknoloji/wheelmirror/internal/registry"
	"github.com/bilusteknoloji/wheelmirror/internal/resolver"
	"github.com/bilusteknoloji/wheelmirror/internal/server"
	"github.com/bilusteknoloji/wheelmirror/internal/target"
	"github.com/bilusteknoloji/wheelmirror/internal/update"
	"github.com/bilusteknoloji/wheelmirror/internal/wheelcache"
)

var version = "0.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:           "wheelmirror",
		Short:         "Build and serve an offline PyPI mirror",
		Long:          "wheelmirror resolves a wishlist's dependency closure, downloads the wheels that matter for your target environments, and emits a PEP 503/691 index you can serve statically.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(newBuildCmd(), newUpdateCmd(), newServeCmd())

	return rootCmd.Execute()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// mirrorSpec is the fully resolved set of inputs a build or update run
// needs, whichever of --config/--wishlist+flags the caller supplied.
type mirrorSpec struct {
	wishlist       []string
	pythonVersions []string
	platforms      []string
	outputDir      string
	pypiURL        string
}

func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to a [mirror] TOML config file")
	cmd.Flags().String("wishlist", "", "Path to a plaintext wishlist (one requirement per line); overridden by --config if both are set")
	cmd.Flags().StringSlice("package", nil, "Root package requirement (repeatable); combined with --wishlist/--config")
	cmd.Flags().StringSlice("python-version", nil, "Target Python runtime version, e.g. 3.12 (repeatable)")
	cmd.Flags().StringSlice("platform", nil, "Target platform tag, e.g. linux_x86_64 (repeatable)")
	cmd.Flags().String("output-dir", "mirror", "Mirror output directory")
	cmd.Flags().String("pypi-url", "https://pypi.org/pypi", "Upstream JSON API base URL")
}

func loadMirrorSpec(cmd *cobra.Command) (mirrorSpec, error) {
	configPath, _ := cmd.Flags().GetString("config")
	wishlistPath, _ := cmd.Flags().GetString("wishlist")
	extraPackages, _ := cmd.Flags().GetStringSlice("package")
	pythonVersions, _ := cmd.Flags().GetStringSlice("python-version")
	platforms, _ := cmd.Flags().GetStringSlice("platform")
	outputDir, _ := cmd.Flags().GetString("output-dir")
	pypiURL, _ := cmd.Flags().GetString("pypi-url")

	spec := mirrorSpec{
		pythonVersions: pythonVersions,
		platforms:      platforms,
		outputDir:      outputDir,
		pypiURL:        pypiURL,
	}

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return mirrorSpec{}, err
		}

		spec.wishlist = cfg.Mirror.Packages
		spec.pythonVersions = cfg.Mirror.PythonVersions
		spec.platforms = cfg.Mirror.Platforms
		spec.outputDir = cfg.Mirror.OutputDir
		spec.pypiURL = cfg.Mirror.PyPIURL
	} else if wishlistPath != "" {
		packages, err := config.ParseWishlist(wishlistPath)
		if err != nil {
			return mirrorSpec{}, err
		}

		spec.wishlist = packages
	}

	spec.wishlist = append(spec.wishlist, extraPackages...)

	if len(spec.wishlist) == 0 {
		return mirrorSpec{}, fmt.Errorf("no packages specified; use --config, --wishlist, or --package")
	}

	if len(spec.pythonVersions) == 0 {
		return mirrorSpec{}, fmt.Errorf("at least one --python-version is required")
	}

	if len(spec.platforms) == 0 {
		return mirrorSpec{}, fmt.Errorf("at least one --platform is required")
	}

	return spec, nil
}

// addBackendFlags registers the optional domain-stack backends shared by
// build and update: Redis registry caching, a local wheel cache, and
// S3-compatible object storage offload.
func addBackendFlags(cmd *cobra.Command) {
	cmd.Flags().String("redis-url", "", "Optional Redis URL caching registry lookups (e.g. redis://localhost:6379/0)")
	cmd.Flags().String("cache-dir", "", "Optional local wheel cache directory shared across builds")
	cmd.Flags().String("base-url", "", "Absolute base URL this mirror will be served from; relative ../../files/ URLs are used if unset")
	cmd.Flags().Int("registry-concurrency", 10, "Max concurrent registry API requests")
	cmd.Flags().Int("jobs", 0, "Max concurrent wheel downloads (default: GOMAXPROCS)")
	cmd.Flags().String("minio-endpoint", "", "Optional S3-compatible endpoint for wheel offload (e.g. minio.internal:9000)")
	cmd.Flags().String("minio-access-key", "", "Object store access key")
	cmd.Flags().String("minio-secret-key", "", "Object store secret key")
	cmd.Flags().String("minio-bucket", "wheelmirror", "Object store bucket")
	cmd.Flags().Bool("minio-ssl", true, "Use TLS when connecting to the object store")
}

func buildRegistryClient(cmd *cobra.Command, spec mirrorSpec, logger *slog.Logger) registry.Client {
	concurrency, _ := cmd.Flags().GetInt("registry-concurrency")
	redisURL, _ := cmd.Flags().GetString("redis-url")

	client := registry.New(
		registry.WithBaseURL(spec.pypiURL),
		registry.WithLogger(logger),
		registry.WithMaxInFlight(concurrency),
	)

	return regcache.New(client, redisURL, regcache.WithLogger(logger))
}

func buildDownloaderOptions(cmd *cobra.Command, logger *slog.Logger) ([]downloader.Option, error) {
	var opts []downloader.Option

	jobs, _ := cmd.Flags().GetInt("jobs")
	if jobs > 0 {
		opts = append(opts, downloader.WithMaxWorkers(jobs))
	}

	opts = append(opts, downloader.WithLogger(logger))

	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	if cacheDir != "" {
		cache, err := wheelcache.New(cacheDir, wheelcache.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("setting up wheel cache: %w", err)
		}

		opts = append(opts, downloader.WithCache(cache))
	}

	store, err := buildObjectStore(cmd, logger)
	if err != nil {
		return nil, err
	}

	if store != nil {
		opts = append(opts, downloader.WithObjectStore(store))
	}

	opts = append(opts, downloader.WithProgressWriter(os.Stderr, isTerminal(os.Stderr)))

	return opts, nil
}

func buildObjectStore(cmd *cobra.Command, logger *slog.Logger) (objectstore.Store, error) {
	endpoint, _ := cmd.Flags().GetString("minio-endpoint")
	if endpoint == "" {
		return nil, nil
	}

	accessKey, _ := cmd.Flags().GetString("minio-access-key")
	secretKey, _ := cmd.Flags().GetString("minio-secret-key")
	bucket, _ := cmd.Flags().GetString("minio-bucket")
	useSSL, _ := cmd.Flags().GetBool("minio-ssl")

	return objectstore.NewMinIOStore(endpoint, accessKey, secretKey, bucket, useSSL, objectstore.WithLogger(logger))
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}

	return info.Mode()&os.ModeCharDevice != 0
}

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Resolve a wishlist and build a fresh mirror from scratch",
		RunE:  runBuild,
	}

	addSourceFlags(cmd)
	addBackendFlags(cmd)

	return cmd
}

func runBuild(cmd *cobra.Command, _ []string) error {
	start := time.Now()
	logger := newLogger(cmd)

	spec, err := loadMirrorSpec(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	targets := target.Product(spec.pythonVersions, spec.platforms)
	client := buildRegistryClient(cmd, spec, logger)
	res := resolver.New(client, targets, resolver.WithLogger(logger))

	fmt.Println("Resolving dependency closure...")

	closure, err := res.Resolve(ctx, spec.wishlist)
	if err != nil {
		return fmt.Errorf("resolving wishlist: %w", err)
	}

	serving, metadataOnly := classify(closure)
	fmt.Printf("Resolved %d packages (%d target-serving, %d metadata-only)\n", len(closure), serving, metadataOnly)

	requests, unsafe := downloader.SelectRequests(closure, spec.pythonVersions, spec.platforms)
	for _, name := range unsafe {
		logger.Warn("dropped unsafe wheel filename", slog.String("filename", name))
	}

	dlOpts, err := buildDownloaderOptions(cmd, logger)
	if err != nil {
		return err
	}

	baseURL, _ := cmd.Flags().GetString("base-url")

	filesDir := filepath.Join(spec.outputDir, "files")

	fmt.Printf("Downloading %d wheels...\n", len(requests))

	dl := downloader.New(filesDir, dlOpts...)
	if _, err := dl.Download(ctx, requests); err != nil {
		return fmt.Errorf("downloading wheels: %w", err)
	}

	if err := index.Build(closure, spec.outputDir, index.WithBaseURL(baseURL), index.WithLogger(logger)); err != nil {
		return fmt.Errorf("emitting index: %w", err)
	}

	fmt.Printf("Mirror built at %s in %.1fs\n", spec.outputDir, time.Since(start).Seconds())

	return nil
}

func classify(closure resolver.ClosureMap) (serving, metadataOnly int) {
	for _, pkg := range closure {
		if pkg.NeedsWheels {
			serving++
		} else {
			metadataOnly++
		}
	}

	return serving, metadataOnly
}

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Re-resolve a wishlist and incrementally refresh an existing mirror",
		RunE:  runUpdate,
	}

	addSourceFlags(cmd)
	addBackendFlags(cmd)

	cmd.Flags().String("archives-dir", "archives", "Directory holding the pre-update archive of each run")
	cmd.Flags().String("diffs-dir", "diffs", "Directory holding the portable diff package of each run")
	cmd.Flags().String("postgres-dsn", "", "Optional Postgres DSN recording update history")
	cmd.Flags().String("kafka-brokers", "", "Optional comma-separated Kafka broker list publishing update notifications")
	cmd.Flags().String("kafka-topic", "wheelmirror.updates", "Kafka topic for update notifications")

	return cmd
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)

	spec, err := loadMirrorSpec(cmd)
	if err != nil {
		return err
	}

	archivesDir, _ := cmd.Flags().GetString("archives-dir")
	diffsDir, _ := cmd.Flags().GetString("diffs-dir")
	baseURL, _ := cmd.Flags().GetString("base-url")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	targets := target.Product(spec.pythonVersions, spec.platforms)
	client := buildRegistryClient(cmd, spec, logger)
	res := resolver.New(client, targets, resolver.WithLogger(logger))

	dlOpts, err := buildDownloaderOptions(cmd, logger)
	if err != nil {
		return err
	}

	rec, err := buildAuditRecorder(cmd, ctx, logger)
	if err != nil {
		return err
	}

	pipeline := update.New(spec.outputDir, archivesDir, diffsDir, res, spec.pythonVersions, spec.platforms,
		update.WithBaseURL(baseURL),
		update.WithLogger(logger),
		update.WithDownloaderOptions(dlOpts...),
		update.WithAuditRecorder(rec),
	)

	fmt.Println("Staging update...")

	result, err := pipeline.Run(ctx, spec.wishlist)
	if err != nil {
		return fmt.Errorf("updating mirror: %w", err)
	}

	fmt.Printf("Updated mirror: +%d/-%d wheels, %d index files added, %d changed\n",
		len(result.Diff.AddedWheels), len(result.Diff.RemovedWheels), len(result.Diff.AddedIndex), len(result.Diff.ChangedIndex))
	fmt.Printf("Diff package written to %s\n", result.DiffDir)

	return nil
}

func buildAuditRecorder(cmd *cobra.Command, ctx context.Context, logger *slog.Logger) (*audit.Recorder, error) {
	dsn, _ := cmd.Flags().GetString("postgres-dsn")
	brokers, _ := cmd.Flags().GetString("kafka-brokers")
	topic, _ := cmd.Flags().GetString("kafka-topic")

	var opts []audit.Option
	opts = append(opts, audit.WithLogger(logger))

	if brokers != "" {
		opts = append(opts, audit.WithKafka(brokers, topic))
	}

	if dsn == "" {
		return audit.New(opts...), nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	opts = append(opts, audit.WithDB(db))

	rec := audit.New(opts...)

	if err := rec.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensuring audit schema: %w", err)
	}

	return rec, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a built mirror over HTTP",
		RunE:  runServe,
	}

	cmd.Flags().String("mirror-dir", "mirror", "Mirror directory to serve (containing simple/ and files/)")
	cmd.Flags().String("addr", ":8080", "Listen address")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)

	mirrorDir, _ := cmd.Flags().GetString("mirror-dir")
	addr, _ := cmd.Flags().GetString("addr")

	handler := server.New(mirrorDir, server.WithLogger(logger))

	mux := http.NewServeMux()
	handler.Routes(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving mirror", slog.String("addr", addr), slog.String("mirror_dir", mirrorDir))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving mirror: %w", err)
	}

	return nil
}
