package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/nahid/user-service/internal/config"
	delivery "github.com/nahid/user-service/internal/delivery/http"
	"github.com/nahid/user-service/internal/middleware"
	"github.com/nahid/user-service/internal/repository/postgres"
	"github.com/nahid/user-service/internal/token"
	"github.com/nahid/user-service/internal/usecase"
	"github.com/nahid/user-service/migrations"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("User Service Starting...")

	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("Server configured on port %s", cfg.Server.Port)

	// Apply migrations before taking traffic
	if err := runMigrations(cfg.Database.URL); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	// Connect to PostgreSQL with retry
	var pool *pgxpool.Pool
	for attempt := 1; attempt <= 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				cancel()
				log.Println("Connected to PostgreSQL")
				break
			} else {
				pool.Close()
				log.Printf("Attempt %d: Failed to ping database: %v", attempt, pingErr)
			}
		} else {
			log.Printf("Attempt %d: Failed to connect to database: %v", attempt, err)
		}
		cancel()
		if attempt == 5 {
			log.Fatalf("Could not connect to database after 5 attempts")
		}
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
	defer pool.Close()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Initialize repositories
	userRepo := postgres.NewUserRepository(pool)
	tokenRepo := postgres.NewRefreshTokenRepository(pool)
	eventRepo := postgres.NewLoginEventRepository(pool)

	// Token manager fails fast on a weak signing key
	tokens, err := token.NewManager(cfg.JWT.Secret, cfg.JWT.ClockSkew)
	if err != nil {
		log.Fatalf("Invalid JWT configuration: %v", err)
	}

	// Initialize usecase, handler and middleware
	authUsecase := usecase.NewAuthUsecase(userRepo, tokenRepo, eventRepo, tokens, &cfg.JWT, logger)
	handler := delivery.NewHandler(authUsecase, userRepo, eventRepo)
	authMiddleware := middleware.NewAuthMiddleware(authUsecase)

	// Create router
	router := delivery.NewRouter(handler, authMiddleware, cfg.CORS.AllowedOrigins)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Periodic sweep of expired refresh tokens
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go sweepExpiredTokens(sweepCtx, authUsecase, cfg.Cleanup.Interval)

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	fmt.Println()
	log.Println("Shutting down server...")

	sweepCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

func runMigrations(dbURL string) error {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	return goose.UpContext(context.Background(), db, ".")
}

func sweepExpiredTokens(ctx context.Context, auth *usecase.AuthUsecase, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := auth.CleanupExpiredTokens(time.Now()); err != nil {
				log.Printf("Token sweep failed: %v", err)
			}
		}
	}
}
