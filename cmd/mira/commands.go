package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mira/mira-back/internal/config"
	httpserver "github.com/mira/mira-back/internal/http"
	"github.com/mira/mira-back/internal/http/handlers"
	"github.com/mira/mira-back/internal/service"
)

const shutdownTimeout = 10 * time.Second

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, and the queue worker unless WORKER_ENABLED=false",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg := config.Load()
		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()
		rt.bridge(ctx)

		if cfg.WorkerEnabled {
			w, err := rt.newWorker()
			if err != nil {
				return err
			}
			go func() {
				if err := w.Run(ctx); err != nil {
					slog.ErrorContext(ctx, "worker exited", "error", err)
				}
			}()
			defer w.Stop()
		} else {
			slog.InfoContext(ctx, "worker disabled by configuration")
		}

		api := handlers.NewAPI(service.NewNotesService(rt.store, rt.queue), rt.hub)
		server := &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: httpserver.NewRouter(ctx, httpserver.RouterDependencies{
				API:            api,
				AuthToken:      cfg.AuthToken,
				CORSOrigins:    cfg.CORSAllowedOrigins,
				RateLimitRPS:   cfg.RateLimitRPS,
				RateLimitBurst: cfg.RateLimitBurst,
			}),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errChan := make(chan error, 1)
		go func() {
			slog.InfoContext(ctx, "api listening", "addr", cfg.HTTPAddr)
			errChan <- server.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "shutdown signal received")
		case err := <-errChan:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "graceful shutdown failed", "error", err)
		}
		return nil
	},
}

// --- worker ---

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the enhancement queue worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, config.Load())
		if err != nil {
			return err
		}
		defer rt.Close()

		w, err := rt.newWorker()
		if err != nil {
			return err
		}
		return w.Run(ctx)
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue counts per status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), config.Load())
		if err != nil {
			return err
		}
		defer rt.Close()

		stats, err := rt.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		output := map[string]any{
			"pending":    stats.Pending,
			"processing": stats.Processing,
			"completed":  stats.Completed,
			"failed":     stats.Failed,
			"total":      stats.Total,
		}
		if stats.OldestPending != nil {
			output["oldest_pending"] = stats.OldestPending.Format(time.RFC3339)
		}
		return printJSON(output)
	},
}

// --- failed ---

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List terminally failed jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		rt, err := newRuntime(cmd.Context(), config.Load())
		if err != nil {
			return err
		}
		defer rt.Close()

		failed, err := service.NewNotesService(rt.store, rt.queue).FailedJobs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(failed)
	},
}

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Create a note and queue it for enhancement",
	Long: `Create a note and queue it for enhancement.

Examples:
  mira enqueue --user user-1 --text "Remind me to call the dentist tomorrow"
  mira enqueue --user user-1 --file ./note.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")

		if text == "" && file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}
		if strings.TrimSpace(text) == "" {
			return errors.New("one of --text or --file is required")
		}

		rt, err := newRuntime(cmd.Context(), config.Load())
		if err != nil {
			return err
		}
		defer rt.Close()

		note, job, err := service.NewNotesService(rt.store, rt.queue).CreateNote(cmd.Context(), userID, text)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"note_id": note.ID, "job_id": job.ID})
	},
}

func init() {
	failedCmd.Flags().Int("limit", service.DefaultFailedLimit, "maximum number of jobs to list")
	enqueueCmd.Flags().String("user", "", "owner of the note")
	enqueueCmd.Flags().String("text", "", "note content")
	enqueueCmd.Flags().String("file", "", "read note content from a file")
	_ = enqueueCmd.MarkFlagRequired("user")
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
