package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"catalog-ingest-service/internal/api"
	"catalog-ingest-service/internal/blob"
	"catalog-ingest-service/internal/config"
	"catalog-ingest-service/internal/domain"
	"catalog-ingest-service/internal/identity"
	"catalog-ingest-service/internal/ingest"
	"catalog-ingest-service/internal/linker"
	"catalog-ingest-service/internal/metrics"
	"catalog-ingest-service/internal/ratelimit"
	"catalog-ingest-service/internal/rawstore"
	"catalog-ingest-service/internal/sales"
	"catalog-ingest-service/internal/source"
	"catalog-ingest-service/internal/store"
)

const (
	defaultAppName = "CatalogIngestService"

	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

type cliFlags struct {
	source         string
	limit          int
	offset         int
	force          bool
	skipEnrichment bool
	backfill       bool
	reprocessRaw   bool
	merge          bool
	dryRun         bool
	mergeLimit     int
	serve          bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.source, "source", "", "source to ingest (default: all configured sources)")
	flag.IntVar(&f.limit, "limit", 0, "max items processed per source, 0 for no limit")
	flag.IntVar(&f.offset, "offset", 0, "items to skip from the head of the listing")
	flag.BoolVar(&f.force, "force", false, "reprocess items whose payload did not change")
	flag.BoolVar(&f.skipEnrichment, "skip-enrichment", false, "skip relation linking and sale tracking")
	flag.BoolVar(&f.backfill, "backfill", false, "also walk the listing from its last page backwards")
	flag.BoolVar(&f.reprocessRaw, "reprocess-raw", false, "re-derive canonical state from stored raw payloads without fetching")
	flag.BoolVar(&f.merge, "merge", false, "run the placeholder identity merge instead of ingesting")
	flag.BoolVar(&f.dryRun, "dry-run", false, "with -merge, report planned merges without applying them")
	flag.IntVar(&f.mergeLimit, "merge-limit", 0, "with -merge, max placeholders handled, 0 for all")
	flag.BoolVar(&f.serve, "serve", false, "serve the ops HTTP API and gRPC health instead of running once")
	flag.Parse()
	return f
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Error loading configuration: %v\n", err)
		return exitFatal
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Error building logger: %v\n", err)
		return exitFatal
	}
	defer func() { _ = logger.Sync() }()
	if envErr != nil {
		logger.Info(".env file not found or error loading, relying on system environment variables")
	}
	logger.Info("starting service", zap.String("app_env", cfg.AppEnv), zap.String("log_level", cfg.LogLevel))

	policy, err := config.LoadPolicy(cfg.Ingest.PolicyFile)
	if err != nil {
		logger.Error("failed to load policy file", zap.String("path", cfg.Ingest.PolicyFile), zap.Error(err))
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Database Connection ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN())
	if err != nil {
		logger.Error("failed to initialize database connection", zap.Error(err))
		return exitFatal
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	dbStore := store.NewPostgresStore(db, logger)
	defer dbStore.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	err = dbStore.Ping(pingCtx)
	cancelPing()
	if err != nil {
		logger.Error("storage unavailable", zap.Error(eris.Wrapf(ingest.ErrStorageUnavailable, "startup: %v", err)))
		return exitFatal
	}
	if err := dbStore.Migrate(ctx); err != nil {
		logger.Error("schema migration failed", zap.Error(err))
		return exitFatal
	}
	logger.Info("database connection established")

	app, err := buildApp(cfg, policy, dbStore, logger)
	if err != nil {
		logger.Error("failed to wire components", zap.Error(err))
		return exitFatal
	}

	switch {
	case flags.serve:
		return serve(ctx, cfg, app, db, logger)
	case flags.merge:
		return runMerge(ctx, app, flags, logger)
	default:
		return runIngest(ctx, app, flags, logger)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.AppEnv == "production" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(defaultAppName), nil
}

// app is the wired component graph shared by every mode.
type app struct {
	manager  *ingest.Manager
	merger   *identity.Merger
	raw      *rawstore.Store
	products *store.PostgresStore
	metrics  *metrics.Metrics
}

func buildApp(cfg *config.Config, policy *config.Policy, dbStore *store.PostgresStore, logger *zap.Logger) (*app, error) {
	var blobs blob.Store
	if cfg.Ingest.BlobDir != "" {
		fs, err := blob.NewFSStore(cfg.Ingest.BlobDir)
		if err != nil {
			return nil, err
		}
		blobs = fs
	}

	m := metrics.New()
	raw := rawstore.New(dbStore, blobs, logger)
	lk := linker.New(dbStore, logger)
	tracker := sales.NewTracker(dbStore, logger)
	limiters := ratelimit.NewRegistry(policy.RateLimits)
	pipelineCfg := policy.PipelineConfig(cfg.Ingest)

	specs := policy.SourceSpecs(cfg.Source)
	if len(specs) == 0 {
		return nil, errors.New("no sources configured: set SOURCE_BASE_URL or list sources in the policy file")
	}
	runners := make([]ingest.Runner, 0, len(specs))
	for _, spec := range specs {
		adapter, err := newAdapter(spec, cfg.Source, logger)
		if err != nil {
			return nil, err
		}
		p, err := ingest.NewPipeline(ingest.Deps{
			Source:  adapter,
			Parser:  newParser(spec),
			Raw:     raw,
			Catalog: dbStore,
			Linker:  lk,
			Sales:   tracker,
			Limiter: limiters.Get(spec.Target()),
			Health:  dbStore,
			Metrics: m,
			Logger:  logger,
		}, pipelineCfg)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", spec.Name, err)
		}
		runners = append(runners, p)
	}

	merger, err := identity.NewMerger(dbStore, policy.IdentityPolicy(), logger)
	if err != nil {
		return nil, err
	}
	return &app{
		manager:  ingest.NewManager(runners, tracker, logger),
		merger:   merger,
		raw:      raw,
		products: dbStore,
		metrics:  m,
	}, nil
}

func newParser(spec config.SourceSpec) ingest.Parser {
	if spec.PayloadFormat() == config.FormatHTML {
		return source.HTMLParser{}
	}
	return source.JSONParser{}
}

func newAdapter(spec config.SourceSpec, sc config.SourceConfig, logger *zap.Logger) (ingest.SourceAdapter, error) {
	listing, err := source.NewHTTPJSONAdapter(source.HTTPJSONAdapterOptions{
		Name:      spec.Name,
		BaseURL:   spec.BaseURL,
		UserAgent: sc.UserAgent,
		Timeout:   sc.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if spec.Kind != config.SourceKindBrowser {
		return listing, nil
	}
	fetcher := source.NewBrowserFetcher(sc.BrowserControlURL, sc.Timeout, logger)
	return source.NewBrowserAdapter(listing, fetcher, spec.ItemURL)
}

func runIngest(ctx context.Context, a *app, f cliFlags, logger *zap.Logger) int {
	opts := domain.RunOptions{
		Limit:          f.limit,
		Offset:         f.offset,
		ForceReprocess: f.force,
		SkipEnrichment: f.skipEnrichment,
		Backfill:       f.backfill,
	}

	var (
		results []*domain.RunStats
		err     error
	)
	switch {
	case f.source != "":
		var stats *domain.RunStats
		if f.reprocessRaw {
			stats, err = a.manager.Reprocess(ctx, f.source, opts)
		} else {
			stats, err = a.manager.Run(ctx, f.source, opts)
		}
		if stats != nil {
			results = append(results, stats)
		}
	case f.reprocessRaw:
		for _, name := range a.manager.Sources() {
			stats, rerr := a.manager.Reprocess(ctx, name, opts)
			if stats != nil {
				results = append(results, stats)
			}
			if rerr != nil && err == nil {
				err = rerr
			}
		}
	default:
		results, err = a.manager.RunAll(ctx, opts)
	}

	printJSON(map[string]interface{}{"runs": results})

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ingest.ErrUnknownSource):
		logger.Error("unknown source", zap.String("source", f.source), zap.Strings("known", a.manager.Sources()))
		return exitUsage
	case ingest.Fatal(err):
		logger.Error("run aborted", zap.Error(err))
		return exitFatal
	default:
		logger.Warn("run ended early", zap.Error(err))
		return exitOK
	}
}

func runMerge(ctx context.Context, a *app, f cliFlags, logger *zap.Logger) int {
	rep, err := a.merger.Run(ctx, identity.Options{DryRun: f.dryRun, Limit: f.mergeLimit})
	if err != nil {
		logger.Error("identity merge failed", zap.Error(err))
		return exitFatal
	}
	api.RecordMergeReport(a.metrics, rep)
	printJSON(rep)
	return exitOK
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// --- Serve mode ---

func serve(ctx context.Context, cfg *config.Config, a *app, db *sql.DB, logger *zap.Logger) int {
	httpAPIHandler := api.NewHTTPHandler(api.Deps{
		Runs:     a.manager,
		Merger:   a.merger,
		Raw:      a.raw,
		Products: a.products,
		DB:       db,
		Metrics:  a.metrics,
	}, logger)

	httpRouter := chi.NewRouter()
	setupBaseMiddleware(httpRouter, logger)
	httpAPIHandler.RegisterRoutes(httpRouter)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HttpServer.Port,
		Handler:      httpRouter,
		ReadTimeout:  cfg.HttpServer.TimeoutRead,
		WriteTimeout: cfg.HttpServer.TimeoutWrite,
		IdleTimeout:  cfg.HttpServer.TimeoutIdle,
	}

	grpcServer, healthServer := setupGRPCServer(logger)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GrpcServer.Port)
	if err != nil {
		logger.Error("failed to listen for gRPC", zap.String("port", cfg.GrpcServer.Port), zap.Error(err))
		return exitFatal
	}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", zap.String("port", cfg.HttpServer.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("gRPC server listening", zap.String("port", cfg.GrpcServer.Port))
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchStorage(watchCtx, db, healthServer, logger)

	code := exitOK
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, starting graceful shutdown")
	case err := <-serveErr:
		logger.Error("server failed", zap.Error(err))
		code = exitFatal
	}
	waitForShutdown(logger, httpServer, grpcServer, healthServer)
	return code
}

func setupBaseMiddleware(router *chi.Mux, logger *zap.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	logger.Debug("base HTTP middleware registered")
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func setupGRPCServer(logger *zap.Logger) (*grpc.Server, *health.Server) {
	s := grpc.NewServer()

	// Register gRPC Health Checking Protocol service.
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	logger.Debug("gRPC health check service registered")

	// Enable gRPC server reflection (useful for tools like grpcurl).
	reflection.Register(s)
	return s, hs
}

// watchStorage keeps the gRPC health status in line with the database ping.
func watchStorage(ctx context.Context, db *sql.DB, hs *health.Server, logger *zap.Logger) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if err := db.PingContext(pingCtx); err != nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			logger.Warn("health check DB ping failed", zap.Error(err))
		}
		hs.SetServingStatus("", status)
	}
	check()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func waitForShutdown(logger *zap.Logger, httpServer *http.Server, grpcServer *grpc.Server, hs *health.Server) {
	// A fresh context: the signal context is already done.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	hs.Shutdown()

	stoppedGrpc := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedGrpc)
	}()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		logger.Info("HTTP server gracefully shut down")
	}

	select {
	case <-stoppedGrpc:
		logger.Info("gRPC server gracefully shut down")
	case <-shutdownCtx.Done():
		logger.Warn("gRPC server graceful shutdown timed out, forcing stop", zap.Error(shutdownCtx.Err()))
		grpcServer.Stop()
	}
	logger.Info("graceful shutdown sequence completed")
}
