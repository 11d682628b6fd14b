// Package main is the entry point for the FileVault server binary.
// It dispatches its subcommands (serve, migrate, bootstrap, token, version) via a
// simple switch on os.Args so the binary's full CLI surface is readable in one
// place. The serve command runs migrations and the backend bootstrap on startup,
// so a fresh container never needs a separate setup step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filevault/filevault/internal/api"
	"github.com/filevault/filevault/internal/auth"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/crypto"
	"github.com/filevault/filevault/internal/db"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/db/repositories"
	"github.com/filevault/filevault/internal/files"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/registry"
	"github.com/filevault/filevault/internal/safego"
	"github.com/filevault/filevault/internal/storage"
	"github.com/filevault/filevault/internal/telemetry"

	// Register storage adapters
	_ "github.com/filevault/filevault/internal/storage/azure"
	_ "github.com/filevault/filevault/internal/storage/ftp"
	_ "github.com/filevault/filevault/internal/storage/gcs"
	_ "github.com/filevault/filevault/internal/storage/local"
	_ "github.com/filevault/filevault/internal/storage/s3"
	_ "github.com/filevault/filevault/internal/storage/webdav"
)

const usage = `usage: %s <command>

commands:
  serve                     run the HTTP API (default)
  migrate <up|down|version> manage the database schema
  bootstrap [admin-email]   register the system backend; optionally create an admin
  token <user-id>           print a signed bearer token for a user
  version                   print the version
`

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("FileVault v%s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	ctx := context.Background()
	switch command {
	case "serve":
		return serve(ctx, cfg, configPath)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down|version>", os.Args[0])
		}
		return runMigrations(ctx, cfg, os.Args[2])
	case "bootstrap":
		email := ""
		if len(os.Args) > 2 {
			email = os.Args[2]
		}
		return bootstrap(ctx, cfg, email)
	case "token":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s token <user-id>", os.Args[0])
		}
		return printToken(ctx, cfg, os.Args[2])
	default:
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		return fmt.Errorf("unknown command: %s", command)
	}
}

// app holds the wired domain services.
type app struct {
	db       *sqlx.DB
	native   storage.Storage
	registry *registry.Registry
	quota    *quota.Enforcer
	files    *files.Manager
	catalog  *registry.Catalog
}

func connect(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)
	return database, nil
}

// wire builds the storage registry, quota enforcer, file manager and catalog.
func wire(ctx context.Context, cfg *config.Config, database *sqlx.DB) (*app, error) {
	native, err := storage.NewNative(ctx, &cfg.Storage)
	switch {
	case errors.Is(err, storage.ErrNativeDisabled):
		slog.Warn("no built-in object store; uploads need a configured backend")
		native = nil
	case err != nil:
		return nil, fmt.Errorf("failed to initialize native storage: %w", err)
	default:
		slog.Info("initialized native storage", "driver", cfg.Storage.Native)
	}

	var box *crypto.SecretBox
	if cfg.EncryptionKey != "" {
		if box, err = crypto.FromKeyString(cfg.EncryptionKey); err != nil {
			return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
	} else if cfg.Auth.DevMode {
		slog.Warn("ENCRYPTION_KEY not set; backend credentials are stored unsealed (dev mode)")
	} else {
		return nil, errors.New("ENCRYPTION_KEY environment variable must be set")
	}

	backends := repositories.NewBackendRepository(database)
	users := repositories.NewUserRepository(database)
	groups := repositories.NewGroupRepository(database)
	fileRepo := repositories.NewFileRepository(database)

	reg := registry.New(backends, users, groups, registry.Options{
		Native:               native,
		SecretBox:            box,
		Timeout:              cfg.Storage.AdapterTimeout,
		CacheSize:            cfg.Storage.AdapterCacheSize,
		CacheTTL:             cfg.Storage.AdapterCacheTTL,
		BaselineAllocationGB: cfg.Quota.BaselineGroupAllocationGB,
	})
	enforcer := quota.New(users, fileRepo, groups)

	return &app{
		db:       database,
		native:   native,
		registry: reg,
		quota:    enforcer,
		files: files.NewManager(database, reg, enforcer, files.Config{
			BaseURL:    cfg.Server.BaseURL,
			PresignTTL: cfg.Storage.PresignTTL,
		}),
		catalog: registry.NewCatalog(database, reg),
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.DevMode)
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	database, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	a, err := wire(ctx, cfg, database)
	if err != nil {
		return err
	}
	if err := a.registry.Bootstrap(ctx); err != nil {
		return fmt.Errorf("backend bootstrap failed: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	telemetry.StartDBStatsCollector(runCtx, database.DB, 30*time.Second)

	err = config.Watch(configPath, func(c *config.Config) {
		telemetry.SetLogLevel(c.Logging.Level)
	})
	switch {
	case errors.Is(err, config.ErrNoConfigFile):
		slog.Debug("config watch disabled: no config file")
	case err != nil:
		slog.Warn("config watch disabled", "error", err)
	}

	var metricsSrv *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		safego.Go("metrics-server", func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router, bg, err := api.NewRouter(cfg, api.Deps{
		DB:      database,
		Tokens:  issuer,
		Files:   a.files,
		Quota:   a.quota,
		Catalog: a.catalog,
		Native:  a.native,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	safego.Go("http-server", func() {
		slog.Info("starting server", "addr", server.Addr, "base_url", cfg.Server.BaseURL, "tls", cfg.Security.TLS.Enabled)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	bg.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(ctx context.Context, cfg *config.Config, direction string) error {
	database, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if direction != "version" {
		slog.Info("running migrations", "direction", direction)
		if err := db.RunMigrations(database.DB, direction); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	fmt.Printf("schema version: %d (dirty: %v)\n", v, dirty)
	return nil
}

// bootstrap registers the system backend and baseline group allocations. With an
// email it also creates that admin account if it does not exist and prints a token.
func bootstrap(ctx context.Context, cfg *config.Config, adminEmail string) error {
	database, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	a, err := wire(ctx, cfg, database)
	if err != nil {
		return err
	}
	if err := a.registry.Bootstrap(ctx); err != nil {
		return fmt.Errorf("backend bootstrap failed: %w", err)
	}
	fmt.Println("storage backends bootstrapped")

	if adminEmail == "" {
		return nil
	}
	users := repositories.NewUserRepository(database)
	u, err := users.GetUserByEmail(ctx, adminEmail)
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", adminEmail, err)
	}
	if u == nil {
		u = &models.User{
			Email:          adminEmail,
			Name:           adminEmail,
			Role:           models.RoleAdmin,
			StorageQuotaGB: cfg.Quota.DefaultUserQuotaGB,
		}
		if err := users.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("failed to create admin: %w", err)
		}
		fmt.Printf("created admin %s (%s)\n", u.Email, u.ID)
	}
	return printToken(ctx, cfg, u.ID)
}

// printToken writes a bearer token for userID to stdout.
func printToken(ctx context.Context, cfg *config.Config, userID string) error {
	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, false)
	if err != nil {
		return fmt.Errorf("cannot sign tokens: %w", err)
	}
	database, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	u, err := repositories.NewUserRepository(database).GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if u == nil {
		return fmt.Errorf("user %s not found", userID)
	}
	token, err := issuer.GenerateJWT(u, 0)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
