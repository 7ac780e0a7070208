package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/moss-itam/moss/cmd/moss/cli"
	"github.com/moss-itam/moss/internal/app"
	"github.com/moss-itam/moss/internal/observability"
	"github.com/moss-itam/moss/internal/platform/cache"
	"github.com/moss-itam/moss/internal/platform/db"
	"github.com/moss-itam/moss/internal/rbac"
	"github.com/moss-itam/moss/internal/roles"
	"github.com/moss-itam/moss/internal/shared"
	"github.com/moss-itam/moss/internal/users"
	"github.com/moss-itam/moss/jobs"
)

const usage = `usage: moss <command> [flags]

commands:
  serve          run the HTTP API (default)
  check          resolve one permission decision
  effective      list a user's role-derived permissions
  sync-catalog   write the permission catalog
  jobs           trigger or inspect background jobs
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	command, args := "serve", os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	var code int
	switch command {
	case "serve":
		code = exitCode(logger, "serve", serve(ctx, stop, cfg, logger))
	case "check":
		code = runCheck(ctx, cfg, logger, args)
	case "effective":
		code = runEffective(ctx, cfg, logger, args)
	case "sync-catalog":
		code = exitCode(logger, "sync catalog", runSyncCatalog(ctx, cfg, logger))
	case "jobs":
		code = runJobs(ctx, cfg, logger, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

func exitCode(logger *slog.Logger, what string, err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	logger.Error(what, slog.Any("error", err))
	return 1
}

// runtimeDeps holds the shared connections and the rbac core.
type runtimeDeps struct {
	pool    *pgxpool.Pool
	redis   *redis.Client
	metrics *observability.Metrics
	cache   *rbac.DecisionCache
	bus     *rbac.InvalidationBus
	engine  *rbac.Engine
	service *rbac.Service
}

func (d *runtimeDeps) Close(logger *slog.Logger) {
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

func buildDeps(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*runtimeDeps, error) {
	deps := &runtimeDeps{metrics: observability.NewMetrics()}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, err
	}
	deps.pool = pool

	redisClient, err := cache.New(ctx, redisOptions(cfg))
	if err != nil {
		deps.Close(logger)
		return nil, err
	}
	deps.redis = redisClient

	cacheMetrics, err := rbac.NewCacheMetrics(deps.metrics.Registerer())
	if err != nil {
		deps.Close(logger)
		return nil, err
	}
	deps.cache = rbac.NewDecisionCache(rbac.CacheConfig{
		TTL:       cfg.RBACCacheTTL,
		MaxChains: cfg.RBACChainCacheSize,
		Metrics:   cacheMetrics,
	})
	deps.bus = rbac.NewInvalidationBus(redisClient, cfg.RBACInvalidationChannel, deps.cache, logger)
	if !deps.bus.Enabled() {
		logger.Warn("rbac: invalidation bus disabled, relying on cache TTL across processes")
	}

	store := rbac.NewPGStore(pool)
	deps.engine = rbac.NewEngine(store, deps.cache, deps.bus, logger)
	deps.engine.SetObserver(deps.metrics)
	deps.service = rbac.NewService(store, deps.engine, logger)
	return deps, nil
}

func redisOptions(cfg *app.Config) cache.Options {
	return cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func asynqOptions(cfg *app.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)

	if err := deps.bus.Listen(ctx); err != nil {
		return err
	}
	go deps.cache.Run(ctx, cfg.RBACCacheSweep)

	jobClient := jobs.NewClient(asynqOptions(cfg))
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynqOptions(cfg))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(deps.redis, cfg.SessionCookie, logger)
	rbacMiddleware := rbac.Middleware{Engine: deps.engine, Logger: logger}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		RBACHandler:    rbac.NewHandler(logger, deps.service, jobClient, rbacMiddleware),
		RolesHandler:   roles.NewHandler(logger, deps.service, deps.engine, jobClient, rbacMiddleware),
		UsersHandler:   users.NewHandler(logger, deps.service, jobClient, rbacMiddleware),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        deps.metrics,
		Database:       deps.pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func runCheck(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	var opts cli.CheckOptions
	fs.StringVar(&opts.UserID, "user", "", "user id")
	fs.StringVar(&opts.Action, "action", "", "action, e.g. view")
	fs.StringVar(&opts.ObjectType, "type", "", "object type, e.g. device")
	fs.StringVar(&opts.ObjectID, "object", "", "optional object id")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	opts.Stdout, opts.Stderr = os.Stdout, os.Stderr

	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("init", slog.Any("error", err))
		return 2
	}
	defer deps.Close(logger)
	return cli.NewRBACCLI(deps.engine, nil).CheckCommand(ctx, opts)
}

func runEffective(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("effective", flag.ContinueOnError)
	userID := fs.String("user", "", "user id")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("init", slog.Any("error", err))
		return 2
	}
	defer deps.Close(logger)
	return cli.NewRBACCLI(deps.engine, nil).EffectiveCommand(ctx, *userID, *jsonOutput, os.Stdout, os.Stderr)
}

func runSyncCatalog(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)
	return cli.NewRBACCLI(nil, deps.service).SyncCatalog(ctx, os.Stdout)
}

func runJobs(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: moss jobs trigger <task> [-retention d] | moss jobs inspect")
		return 2
	}
	jobsCLI := cli.NewJobsCLI(asynqOptions(cfg))
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: moss jobs trigger <task> [-retention d]")
			return 2
		}
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		retention := fs.Duration("retention", 0, "override audit retention")
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], *retention)
		if err != nil {
			logger.Error("trigger job", slog.Any("error", err))
			return 1
		}
		fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "inspect":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			logger.Error("inspect queues", slog.Any("error", err))
			return 1
		}
		for _, s := range stats {
			fmt.Fprintf(os.Stdout, "%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs command %q\n", args[0])
		return 2
	}
	return 0
}
