package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"flowdeck/backend/internal/api"
	"flowdeck/backend/internal/auth"
	"flowdeck/backend/internal/catalog"
	"flowdeck/backend/internal/config"
	"flowdeck/backend/internal/durable"
	"flowdeck/backend/internal/integrations/google"
	"flowdeck/backend/internal/logging"
	"flowdeck/backend/internal/mcp"
	"flowdeck/backend/internal/oauth"
	"flowdeck/backend/internal/repository"
	"flowdeck/backend/internal/resolver"
	"flowdeck/backend/internal/schedule"
	"flowdeck/backend/internal/secrets"
	"flowdeck/backend/internal/services"
	"flowdeck/backend/internal/tls"
	"flowdeck/backend/internal/vault"
	"flowdeck/backend/internal/workflows"
)

const (
	serviceName = "flowdeck"
	// finished runs and sent events kept for inspection
	serveRunHistory = 200
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Workflow automation backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server and the workflow runtime",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context(), configPath)
			},
		},
	)
	return root
}

func migrate(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database schema applied", "db", cfg.DB.Name)
	return nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"issuer", cfg.Auth.Issuer,
		"client_id", cfg.Auth.ClientID,
		"swagger_client_id", cfg.Auth.SwaggerClientID,
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client id matches the backend client id; the Swagger UI uses PKCE without a secret")
	}

	// Persistence
	var store repository.Repository
	if cfg.DB.Name == "" && cfg.IsDev() {
		logger.Warn("No database configured, using the in-memory store")
		store = repository.NewMemoryStore()
	} else {
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if cfg.IsDev() {
			if err := repository.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
		store = repository.NewPostgresStore(pool)
		logger.Info("Database connected")
	}

	cat, err := catalog.Load()
	if err != nil {
		return fmt.Errorf("failed to load template catalog: %w", err)
	}

	// Credentials
	box, err := secrets.NewBox(cfg.Encryption.Key)
	if err != nil {
		return err
	}
	credentialVault := vault.New(store, box)
	providers := oauth.NewProviders(cfg)
	tokens := oauth.NewManager(providers, credentialVault, logger)
	credentialResolver := resolver.New(store, credentialVault, tokens, logger)

	// Durable runtime and the functions it runs
	clock := durable.RealClock()
	runtime := durable.NewLocal(logger, durable.WithClock(clock),
		durable.WithRetryPolicy(cfg.Runtime.MaxAttempts, cfg.Runtime.InitialBackoff),
		durable.WithHistory(serveRunHistory))
	defer runtime.Close()

	workflowService := services.NewWorkflowService(store, cat, runtime, clock, logger)
	userService := services.NewUserService(store, workflowService, logger)
	engine := schedule.NewEngine(store, runtime, clock, logger)
	runner := workflows.New(cat, workflows.Resolve(credentialResolver), logger)

	if err := runtime.Register(engine.Function()); err != nil {
		return err
	}
	if err := runtime.Register(runner.Functions()...); err != nil {
		return err
	}
	if err := runtime.Register(workflowService.Functions()...); err != nil {
		return err
	}
	logger.Info("Service layer initialized", "templates", len(cat.All()))

	// Waiting cycles live in the runtime, so a new process re-arms them.
	if _, err := workflowService.ResumeSchedules(ctx); err != nil {
		return fmt.Errorf("failed to resume schedules: %w", err)
	}

	// Authentication
	authz, err := auth.New(ctx, cfg, userService, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	deps := api.Deps{
		Workflows: workflowService,
		Users:     userService,
		Vault:     credentialVault,
		Consent:   providers,
		Accounts: func(ctx context.Context, token *oauth2.Token) (string, error) {
			return google.AccountEmail(ctx, token)
		},
		State:  box,
		Health: store,
		Logger: logger,
	}
	if cfg.Auth.WebhookSecret != "" {
		verifier, err := auth.NewWebhookVerifier(cfg.Auth.WebhookSecret)
		if err != nil {
			return err
		}
		deps.Webhooks = verifier
	} else {
		logger.Warn("auth.webhook_secret is not set, identity webhooks are disabled")
	}
	apiServer := api.NewServer(deps)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = apiServer.ErrorHandler

	// Middleware
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}))
	if cfg.HTTP.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.HTTP.RateLimit))))
	}

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	// Mount REST API handlers
	v1 := e.Group("/api/v1", echo.WrapMiddleware(authz.RequireAuth))
	apiServer.Register(e, v1)
	api.RegisterDocs(e, cfg.Auth.Issuer, cfg.Auth.SwaggerClientID)
	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(workflowService)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enable {
		generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return err
		}
		if generated {
			logger.Info("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile)
		}
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
