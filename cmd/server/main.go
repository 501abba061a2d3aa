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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/taskflow/internal/app"
	"github.com/suPer8Hu/taskflow/internal/auth"
	"github.com/suPer8Hu/taskflow/internal/config"
	"github.com/suPer8Hu/taskflow/internal/db"
	"github.com/suPer8Hu/taskflow/internal/httpapi"
	"github.com/suPer8Hu/taskflow/internal/httpapi/handlers"
	"github.com/suPer8Hu/taskflow/internal/logging"
	"github.com/suPer8Hu/taskflow/internal/metrics"
	"github.com/suPer8Hu/taskflow/internal/store/rabbitmq"
)

var withAsync bool

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Task manager with a conversational agent",
	Long: `taskflow serves the task REST API and the chat endpoint where an
LLM agent manages your tasks through tool calls.

Configuration is read from the environment (and a .env file if present).`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logging.Init(cfg.Environment, cfg.LogLevel)
		gdb, err := db.Open(cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		if err := db.Migrate(gdb); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrate: schema up to date")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withAsync, "async", true, "enable /api/chat/async (needs RabbitMQ)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := logging.Init(cfg.Environment, cfg.LogLevel)
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN)
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	m := metrics.New()
	chatSvc, err := app.NewChatService(ctx, cfg, gdb, log, m)
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := app.ChatLimiter(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLimiter()

	authn := auth.NewAuthenticator(cfg.JWTSecret, time.Duration(cfg.JWTTTLHours)*time.Hour)
	h := handlers.NewHandler(gdb, cfg, authn, chatSvc)

	if withAsync {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			// the synchronous API still works without a broker
			log.WithError(err).Warn("server: rabbitmq unavailable, async chat disabled")
		} else {
			defer pub.Close()
			h.Publisher = pub
		}
	}

	r := httpapi.NewRouter(httpapi.Deps{Handler: h, Metrics: m, ChatLimiter: limiter, Log: log})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("server: listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
