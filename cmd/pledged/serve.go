package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"github.com/mayone/pledges/app/controllers"
	"github.com/mayone/pledges/internal/pkg/cache"
	"github.com/mayone/pledges/internal/pkg/router"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pledge HTTP API",
		Long: `Serve the pledge HTTP API.

By default the side-effect workers run in the same process. Pass
--worker=false when "pledged worker" runs separately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			limiterStorage := cache.NewLimiterStorage(c.cfg.Cache)
			defer func() { _ = limiterStorage.Close() }()

			app := router.NewApplication(c.cfg,
				router.NewPledgeRouter(c.cfg, controllers.NewPledgeController(c.cfg, c.service), limiterStorage),
				router.NewAdminRouter(c.cfg, controllers.NewJobsController(c.queue)),
			)

			if withWorker {
				c.manager.Start()
				defer c.manager.Stop()
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- app.Listen(fmt.Sprintf("%s:%s", c.cfg.Host, c.cfg.Port))
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Info("[Router] Shutting down HTTP server")
				return app.ShutdownWithTimeout(shutdownTimeout)
			}
		},
	}

	cmd.Flags().BoolVar(&withWorker, "worker", true, "run the side-effect workers in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the side-effect workers without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			c.manager.Start()
			<-ctx.Done()
			c.manager.Stop()
			return nil
		},
	}
}

// withComponents runs fn against a freshly bootstrapped set of components
// for the one-shot operator commands.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, c *components) error) error {
	ctx := cmd.Context()
	c, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
