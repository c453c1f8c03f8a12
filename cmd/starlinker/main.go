// Command starlinker runs the news backend and the module runtime.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"starlinker/internal/alerts"
	"starlinker/internal/config"
	"starlinker/internal/forge/admin"
	"starlinker/internal/forge/module"
	"starlinker/internal/forge/modules"
	"starlinker/internal/forge/runtime"
	"starlinker/internal/forge/watch"
	"starlinker/internal/ingest"
	"starlinker/internal/scheduler"
	"starlinker/internal/server"
	"starlinker/internal/store"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	rootCmd := &cobra.Command{
		Use:   "starlinker",
		Short: "News ingest backend and module runtime",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the news backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			addr, _ := cmd.Flags().GetString("addr")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runServe(ctx, logger, dataDir, addr)
		},
	}
	serveCmd.Flags().String("data-dir", "starlinker_data", "data directory for the database")
	serveCmd.Flags().String("addr", ":4777", "listen address (host:port)")

	forgeCmd := &cobra.Command{
		Use:   "forge",
		Short: "Start the module runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			moduleDir, _ := cmd.Flags().GetString("modules")
			addr, _ := cmd.Flags().GetString("addr")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runForge(ctx, logger, moduleDir, addr)
		},
	}
	forgeCmd.Flags().String("modules", "modules", "directory scanned for module manifests")
	forgeCmd.Flags().String("addr", ":4778", "listen address (host:port)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, forgeCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context, logger *slog.Logger, dataDir, addr string) error {
	st, err := store.Open(filepath.Join(dataDir, "starlinker.db"), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	settings := config.NewRepository(st)

	manager := ingest.NewManager(st, nil, logger)
	manager.Register(&ingest.PatchNotes{})

	alertSvc := alerts.NewService(st, alerts.Options{Logger: logger})
	digestSvc := alerts.NewDigestService(st, alerts.Options{Logger: logger})

	sched := scheduler.New(settings, manager, alertSvc, digestSvc, scheduler.Options{Logger: logger})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	api := server.New(st, settings, alertSvc, digestSvc, sched, logger)
	httpServer := &http.Server{Addr: addr, Handler: api.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runForge(ctx context.Context, logger *slog.Logger, moduleDir, addr string) error {
	entries := module.NewRegistry()
	modules.RegisterExamples(entries)
	rt, err := runtime.New(runtime.Config{
		ModuleDir: moduleDir,
		Entries:   entries,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	if err := rt.Start(); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer rt.Stop()

	watcher := watch.New(moduleDir, rt.Bus, logger)
	if err := watcher.Start(); err != nil {
		logger.Warn("module watcher unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	httpServer := &http.Server{Addr: addr, Handler: admin.New(rt, logger).Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
