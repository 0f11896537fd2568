package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"flowdeck/backend/internal/auth"
	"flowdeck/backend/internal/catalog"
	"flowdeck/backend/internal/config"
	"flowdeck/backend/internal/durable"
	"flowdeck/backend/internal/logging"
	"flowdeck/backend/internal/repository"
	"flowdeck/backend/internal/services"
)

// seed provisions the local development user, the one the auth bypass signs
// in as, with every free template installed.
func main() {
	ctx := context.Background()
	configPath := flag.String("config", "", "Path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	store := repository.NewPostgresStore(pool)

	cat, err := catalog.Load()
	if err != nil {
		log.Fatalf("Failed to load catalog: %v", err)
	}

	// Installing does not dispatch events; the runtime only answers Handles.
	runtime := durable.NewLocal(logger)
	defer runtime.Close()

	workflows := services.NewWorkflowService(store, cat, runtime, durable.RealClock(), logger)
	users := services.NewUserService(store, workflows, logger)

	user, err := users.EnsureUser(ctx, auth.DevExternalID, auth.DevEmail)
	if err != nil {
		log.Fatalf("Failed to provision dev user: %v", err)
	}
	logger.Info("Dev user ready", "id", user.ID, "external_id", user.ExternalID)

	created, err := workflows.InstallDefaults(ctx, user.ID)
	if err != nil {
		log.Fatalf("Failed to install default workflows: %v", err)
	}
	logger.Info("Seeding complete!", "installed", created)
}
