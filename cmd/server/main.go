package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-expenses/internal/client"
	"github.com/pesio-ai/be-expenses/internal/config"
	"github.com/pesio-ai/be-expenses/internal/database"
	"github.com/pesio-ai/be-expenses/internal/handler"
	"github.com/pesio-ai/be-expenses/internal/logger"
	"github.com/pesio-ai/be-expenses/internal/middleware"
	"github.com/pesio-ai/be-expenses/internal/repository"
	"github.com/pesio-ai/be-expenses/internal/repository/mongostore"
	"github.com/pesio-ai/be-expenses/internal/service"
)

// backend is the selected record store plus whatever must be closed on exit.
type backend struct {
	store     repository.Store
	rules     repository.RuleStore
	directory service.DirectoryClientInterface
	close     func()
}

func main() {
	// Load configuration
	cfg, err := config.Load(getEnv("EXPENSES_CONFIG_FILE", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("driver", cfg.Database.Driver).
		Msg("Starting Expenses Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orgUsers, err := loadDirectory(cfg.Seed.DirectoryFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load directory file")
	}

	be, err := openBackend(ctx, cfg, orgUsers, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record store")
	}
	defer be.close()

	rates, err := client.NewStaticRates(cfg.Workflow.BaseCurrency, cfg.Workflow.Rates)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid currency rate table")
	}

	// Notifications
	var publisher *client.NotificationPublisher
	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, cfg.NATS.ConnectWait)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		publisher = client.NewNotificationPublisher(nc, cfg.NATS.SubjectPrefix, log.Component("notifications"))
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		publisher = client.NewNotificationPublisher(nil, cfg.NATS.SubjectPrefix, log.Component("notifications"))
		log.Warn().Msg("NATS URL not set; notifications are logged only")
	}

	// Initialize services
	engine := service.NewApprovalRuleEngine(be.directory, cfg.Workflow.FallbackRole, log.Component("rule_engine"))
	workflow := service.NewExpenseWorkflowService(be.store, be.rules, engine, rates, publisher,
		service.WorkflowConfig{
			StoreTimeout: cfg.Workflow.StoreTimeout,
			BaseCurrency: cfg.Workflow.BaseCurrency,
			AdminRole:    cfg.Workflow.AdminRole,
		}, log.Component("workflow"))
	expenses := service.NewExpenseService(be.store, be.rules, workflow, be.directory, log.Component("expenses"))

	if cfg.Seed.RulesFile != "" {
		seeds, err := client.LoadRulesFile(cfg.Seed.RulesFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load rules file")
		}
		n, err := expenses.SeedRules(ctx, seeds)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to seed approval rules")
		}
		log.Info().Int("created", n).Int("in_file", len(seeds)).Msg("Approval rules seeded")
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(expenses, workflow, be.store, handler.RetryConfig{
		Attempts: cfg.Workflow.RetryAttempts,
		Backoff:  cfg.Workflow.RetryBackoff,
	}, log)
	mux := http.NewServeMux()
	httpHandler.Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.AllowedOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcHandler := handler.NewGRPCHandler(be.store, 0, log)
	grpcServer := grpcHandler.NewServer()
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return grpcHandler.Run(gctx) })

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		return
	}
	log.Info().Msg("Server stopped")
}

func loadDirectory(path string) ([]repository.OrgUser, error) {
	if path == "" {
		return nil, nil
	}
	return client.LoadDirectoryFile(path)
}

// openBackend connects the configured record store. Postgres also serves the
// org directory from its own table; the other drivers use the directory file.
func openBackend(ctx context.Context, cfg *config.Config, users []repository.OrgUser, log *logger.Logger) (*backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.New(ctx, database.Config{
			DSN:         cfg.Database.DSN(),
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connection established")

		if cfg.Database.Migrate {
			applied, err := db.Migrate(ctx)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info().Strs("applied", applied).Msg("Database migrations complete")
		}

		directory := repository.NewDirectoryRepository(db)
		if len(users) > 0 {
			if err := directory.Upsert(ctx, users); err != nil {
				db.Close()
				return nil, fmt.Errorf("seed directory: %w", err)
			}
			log.Info().Int("users", len(users)).Msg("Org directory seeded")
		}

		store := repository.NewPostgresStore(db)
		return &backend{store: store, rules: store, directory: directory, close: db.Close}, nil

	case "mongo":
		store, err := mongostore.Connect(ctx, cfg.Database.MongoURI, cfg.Database.MongoDB)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close(context.Background())
			return nil, err
		}
		log.Info().Str("database", cfg.Database.MongoDB).Msg("MongoDB connection established")
		return &backend{
			store:     store,
			rules:     store,
			directory: client.NewStaticDirectory(users),
			close:     func() { _ = store.Close(context.Background()) },
		}, nil

	default:
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		store := repository.NewInMemoryStore()
		return &backend{
			store:     store,
			rules:     store,
			directory: client.NewStaticDirectory(users),
			close:     func() {},
		}, nil
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
