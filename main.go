package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"eventcancel-backend/internal/config"
	"eventcancel-backend/internal/mq"
	"eventcancel-backend/internal/notify"
	"eventcancel-backend/internal/obs"
	"eventcancel-backend/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eventcancel",
		Short: "Host cancellation adjudication service",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.App, config.Policy, error) {
	config.LoadEnv()
	cfg, err := config.Load()
	if err != nil {
		return cfg, config.Policy{}, fmt.Errorf("config: %w", err)
	}
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return cfg, policy, err
	}
	return cfg, policy, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, policy, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownObs, err := obs.Init(ctx, "eventcancel-api", cfg.OTLPEndpoint)
			if err != nil {
				return err
			}
			defer func() { _ = shutdownObs(context.Background()) }()

			app, err := buildApp(cfg, policy)
			if err != nil {
				return err
			}
			defer app.Close()

			r := gin.Default()
			r.Use(CORSMiddleware())
			SetupRoutes(r, app.handlers, cfg.JWTSecret)

			srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				log.Printf("🚀 Server running on %s", cfg.HTTPAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			log.Println("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("http shutdown: %v", err)
			}
			// let adjudication and notification tasks finish
			return app.runner.Wait(shutdownCtx)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued guest and host notices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.RabbitURL == "" {
				return errors.New("RABBIT_URL is required for the worker")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			consumer, err := mq.NewConsumer(mq.ConsumerConfig{
				URL:      cfg.RabbitURL,
				Exchange: cfg.NotifyExchange,
				Queue:    cfg.NotifyQueue,
				Bindings: []string{notify.RKGuestNotice, notify.RKHostNotice},
				Prefetch: 16,
				DLX:      cfg.NotifyExchange + ".dlx",
				DLXQueue: cfg.NotifyQueue + ".dlq",
			})
			if err != nil {
				return err
			}
			defer consumer.Close()

			log.Printf("[notify] worker consuming %s", cfg.NotifyQueue)
			return notify.NewWorker(consumer, notify.NewConsole()).Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DBDriver, cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			return store.Migrate(db)
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID uint
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnv()
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is missing")
			}
			tok, err := GenerateToken(secret, userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().UintVar(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&role, "role", RoleHost, "role claim (host, reviewer)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
