package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/beehive"
	"github.com/glimte/beehive/internal/config"
	"github.com/glimte/beehive/internal/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "beehive",
		Short: "Asynchronous message delivery between bees",
		Long: `Beehive registers named bees, queues their messages through RabbitMQ and
pushes deliveries and status updates to connected clients over server-sent events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the message consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg.Log, verbose)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return serve(cfg, logger)
		},
	}

	deadLetterCmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect the dead-letter queue",
	}

	var peekCount int
	deadLetterPeekCmd := &cobra.Command{
		Use:   "peek",
		Short: "Print dead-lettered messages without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			cm := rabbitmq.NewConnectionManager(cfg.RabbitMQ.URLs,
				rabbitmq.WithAppName(cfg.AppName+"-cli"),
				rabbitmq.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
			)
			if err := cm.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer cm.Close()

			conn, err := cm.Connection()
			if err != nil {
				return err
			}

			letters, err := rabbitmq.PeekDeadLetters(ctx, conn, peekCount)
			if err != nil {
				return fmt.Errorf("failed to peek dead letters: %w", err)
			}

			printDeadLetters(letters)
			return nil
		},
	}
	deadLetterPeekCmd.Flags().IntVarP(&peekCount, "count", "n", 10, "Number of messages to peek")

	deadLetterCmd.AddCommand(deadLetterPeekCmd)
	rootCmd.AddCommand(serveCmd, deadLetterCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newLogger(cfg config.LogConfig, verbose bool) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := beehive.NewClient(ctx, cfg, beehive.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		client.Close(context.Background())
		return fmt.Errorf("failed to start: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           client.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			client.Close(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Ending the sessions first lets open event streams return.
	client.Sessions().Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	return client.Close(shutdownCtx)
}

func printDeadLetters(letters []rabbitmq.DeadLetter) {
	if len(letters) == 0 {
		fmt.Println("No dead letters found")
		return
	}

	for i, letter := range letters {
		fmt.Printf("Dead letter %d:\n", i+1)
		fmt.Printf("  Exchange: %s\n", letter.Fields.Exchange)
		fmt.Printf("  Routing Key: %s\n", letter.Fields.RoutingKey)
		if letter.Properties.MessageID != "" {
			fmt.Printf("  Message ID: %s\n", letter.Properties.MessageID)
		}
		if !letter.Properties.Timestamp.IsZero() {
			fmt.Printf("  Timestamp: %s\n", letter.Properties.Timestamp.Format(time.RFC3339))
		}
		content, err := json.MarshalIndent(letter.Content, "  ", "  ")
		if err != nil {
			content = letter.Content
		}
		fmt.Printf("  Content: %s\n", content)
		fmt.Println(strings.Repeat("-", 60))
	}
}
