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

	apphttp "resonance/internal/http"
	"resonance/internal/orchestrator"
)

func main() {
	root := &cobra.Command{
		Use:   "resonance",
		Short: "Search, score and download wishlist albums from a slskd peer",
	}
	root.AddCommand(cmdServe(), cmdRun())
	if err := root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func cmdServe() *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Serve the HTTP API and run jobs on an interval",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.logger

			if err := a.manager.Start(ctx); err != nil {
				return fmt.Errorf("start manager: %w", err)
			}

			gin.SetMode(gin.ReleaseMode)
			router := gin.New()
			router.Use(gin.Recovery())
			apphttp.NewHandler(a.tasks, a.discoveries, a.manager, a.wishlist, a.bus, a.registry, logger).RegisterRoutes(router)

			srv := &http.Server{
				Addr:    a.cfg.Server.Addr,
				Handler: router,
			}

			go func() {
				logger.Infof("listening on %s", a.cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatalf("http server: %v", err)
				}
			}()

			<-ctx.Done()
			logger.Info("shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("http shutdown: %v", err)
			}
			a.manager.Shutdown()

			logger.Info("bye")
			return nil
		},
	}
}

func cmdRun() *cobra.Command {
	return &cobra.Command{
		Use:          "run",
		Short:        "Run one job and exit",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.manager.RunOnce(ctx)
			if errors.Is(err, orchestrator.ErrCancelled) {
				a.logger.Info("job run cancelled")
				return nil
			}
			if err != nil {
				return err
			}
			a.logger.Infof("job run finished: %+v", summary)
			return nil
		},
	}
}
