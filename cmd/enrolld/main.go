// enrolld is the course-selection enrollment service.
//
// It serves the two-stage authentication flows, the admission funnel for
// seat selection, and the dispatcher that serially applies enrollment
// mutations against the authoritative course store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/enrollware/enroll-core/migrations"

	"github.com/enrollware/enroll-core/internal/api"
	"github.com/enrollware/enroll-core/internal/auth"
	"github.com/enrollware/enroll-core/internal/course"
	"github.com/enrollware/enroll-core/internal/dispatch"
	"github.com/enrollware/enroll-core/internal/infrastructure/config"
	"github.com/enrollware/enroll-core/internal/infrastructure/database"
	"github.com/enrollware/enroll-core/internal/infrastructure/logging"
	"github.com/enrollware/enroll-core/internal/ratelimit"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// janitorInterval is how often expired refresh tokens and codes are swept.
const janitorInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting enrolld",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Credential store and auth gateway.
	users := auth.NewUserRepository(db.DB)
	tokens := auth.NewTokenRepository(db.DB)
	codes := auth.NewCodeRepository(db.DB)
	gateway := auth.NewGateway(users, tokens, codes, auth.GatewayConfig{
		Secret:             cfg.Security.JWT.Secret,
		AccessTTL:          cfg.Security.AccessTokenDuration(),
		RefreshTTL:         cfg.Security.RefreshTokenDuration(),
		RequireTeacherTOTP: cfg.Security.RequireTeacherTOTP,
	})
	go janitorLoop(ctx, gateway, log)

	// Rate limiter with its idle-bucket janitor.
	limiter := ratelimit.New(ratelimit.Config{
		UserCapacity:         cfg.RateLimit.UserCapacity,
		UserRefillPerMin:     cfg.RateLimit.UserRefillPerMin,
		IPCapacity:           cfg.RateLimit.IPCapacity,
		IPRefillPerMin:       cfg.RateLimit.IPRefillPerMin,
		TOTPFailCapacity:     cfg.RateLimit.TOTPFailCapacity,
		TOTPFailRefillPerMin: cfg.RateLimit.TOTPFailRefillPerMin,
		BucketIdle:           time.Duration(cfg.RateLimit.BucketIdleMinutes) * time.Minute,
	}, log)
	go limiter.Run(ctx)
	gateway.SetTOTPThrottle(limiter)

	// Course store and dispatcher.
	courses := course.NewRepository(db.DB)
	journal := dispatch.NewJournal(db.DB, time.Duration(cfg.Dispatch.TaskTTLSeconds)*time.Second)
	go journal.Run(ctx)

	dispatcher := dispatch.New(courses, studentTagSource{users}, journal,
		log.With("component", "dispatch"), dispatch.Config{
			WorkerCount:   cfg.Dispatch.WorkerCount,
			MaxQueueDepth: cfg.Dispatch.MaxQueueDepth,
			MaxAttempts:   cfg.Dispatch.MaxAttempts,
			TaskDeadline:  time.Duration(cfg.Dispatch.TaskDeadlineSeconds) * time.Second,
			ShutdownGrace: time.Duration(cfg.Dispatch.ShutdownGraceSeconds) * time.Second,
		})

	// HTTP front door. New wires the dispatcher's terminal-task events into
	// the WebSocket hub, so it must run before workers start.
	server, err := api.New(api.Deps{
		Config:     cfg,
		Logger:     log,
		DB:         db,
		Auth:       gateway,
		Users:      users,
		Courses:    courses,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("building api server: %w", err)
	}

	dispatcher.Start()
	defer func() {
		log.Info("stopping dispatcher")
		if closeErr := dispatcher.Close(); closeErr != nil {
			log.Error("error stopping dispatcher", "error", closeErr)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()
	defer func() {
		log.Info("stopping http server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping http server", "error", closeErr)
		}
	}()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	// Deferred Close() calls run in reverse order:
	// 1. HTTP server (stop intake)
	// 2. Dispatcher (drain queue, fail remaining pending)
	// 3. Database

	log.Info("enrolld stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ENROLLD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ENROLLD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// janitorLoop sweeps expired refresh tokens and registration/reset codes.
func janitorLoop(ctx context.Context, gateway *auth.Gateway, log *logging.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens, codes, err := gateway.JanitorSweep(ctx)
			if err != nil {
				log.Warn("credential janitor sweep failed", "error", err)
				continue
			}
			if tokens > 0 || codes > 0 {
				log.Debug("credential janitor sweep", "tokens", tokens, "codes", codes)
			}
		}
	}
}

// studentTagSource resolves a student's eligibility tags from the
// credential store for the dispatcher's tag checks.
type studentTagSource struct {
	users auth.UserRepository
}

// StudentTags implements dispatch.TagSource.
func (s studentTagSource) StudentTags(ctx context.Context, userID string) ([]string, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving student tags: %w", err)
	}
	return user.Tags, nil
}
