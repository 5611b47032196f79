package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/obligation-engine/api"
	"github.com/warp/obligation-engine/config"
	"github.com/warp/obligation-engine/timeline"
)

type configLoader func() (*config.Config, error)

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(v *viper.Viper, load configLoader) *cobra.Command {
	var origins []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, origins)
		},
	}

	cmd.Flags().Int("port", 8080, "HTTP server port")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", []string{"http://localhost:5173", "http://localhost:8080"}, "allowed CORS origins")
	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, origins []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}

	handler := api.NewHandler(a.store, a.generator, a.reconciler, a.importer, sched)
	handler.Logger = a.logger

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, origins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "component", "main", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sched.Start(ctx)

	select {
	case err := <-serveErr:
		sched.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", "component", "main")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server forced to shutdown", "component", "main", "error", err)
	}
	sched.Stop()

	a.logger.Info("server stopped", "component", "main")
	return nil
}

// =============================================================================
// RECONCILE
// =============================================================================

func newReconcileCmd(load configLoader) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Find (and optionally remove) duplicate timeline instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var out any
			if dryRun {
				out, err = a.reconciler.FindDuplicates(cmd.Context())
			} else {
				out, err = a.reconciler.RemoveDuplicates(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "report without deleting")
	return cmd
}

// =============================================================================
// GENERATE
// =============================================================================

func newGenerateCmd(load configLoader) *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Regenerate timelines from stored assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if clientID == "" {
				result, err := a.maintainer.RegenerateAll(cmd.Context())
				if result != nil {
					if perr := printJSON(cmd, result); perr != nil {
						return perr
					}
				}
				return err
			}

			client, err := a.store.GetClient(cmd.Context(), timeline.ClientID(clientID))
			if err != nil {
				return err
			}
			result, err := a.generator.Regenerate(cmd.Context(), client)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{
				"created":  result.Created,
				"existing": result.Existing,
				"removed":  result.Removed,
			})
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "client ID (default: every client)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
