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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muenzbox/muenzbox/adapters/control"
	"github.com/muenzbox/muenzbox/internal/api"
	"github.com/muenzbox/muenzbox/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "muenzbox",
		Short:         "Coin-gated screen time for the household",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load (default .env)")

	root.AddCommand(newServeCmd(&envFile))
	root.AddCommand(newRefillCmd(&envFile))
	root.AddCommand(newExpireCmd(&envFile))
	root.AddCommand(newDevicesCmd(&envFile))
	return root
}

func newServeCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *envFile)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger

	sched, err := scheduler.New(a.sessions, a.allowance, scheduler.Config{
		Refill:   a.cfg.Schedule.Refill,
		Expiry:   a.cfg.Schedule.Expiry,
		Location: a.cfg.Location,
	}, logger)
	if err != nil {
		return err
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	var simulator *control.Simulator
	if a.dispatcher.Mock() {
		simulator = a.dispatcher.Simulator()
	}
	api.InitRoutes(e, api.NewHandler(a.sessions, a.allowance, a.household, a.issuer, a.hub, simulator, logger))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		logger.Info("Server started", zap.String("port", a.cfg.Port))
		if err := e.Start(":" + a.cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}

func newRefillCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refill",
		Short: "Run the weekly coin refill now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *envFile)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			report, err := a.allowance.WeeklyRefill(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "refilled identities=%d entries=%d failed=%d\n",
				report.Identities, report.Entries, report.Failed)
			return nil
		},
	}
}

func newExpireCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "End every overdue session now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *envFile)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			results, err := a.sessions.ExpireSessions(ctx)
			if err != nil {
				return err
			}
			for _, r := range results {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\thardware_ok=%t\n",
					r.Session.ID, r.Session.IdentityID, r.Session.Category, r.HardwareOK)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "expired %d sessions\n", len(results))
			return nil
		},
	}
}

func newDevicesCmd(envFile *string) *cobra.Command {
	devices := &cobra.Command{Use: "devices", Short: "Device administration"}

	devices.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update devices from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := loadApp(ctx, *envFile)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			created, updated, err := a.household.ImportDevices(ctx, f)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "devices created=%d updated=%d\n", created, updated)
			return nil
		},
	})

	devices.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *envFile)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			list, err := a.household.ListDevices(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no devices")
				return nil
			}
			for _, d := range list {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\tactive=%t\n",
					d.ID, d.Category, d.ControlMethod, d.Name, d.Active)
			}
			return nil
		},
	})

	devices.AddCommand(&cobra.Command{
		Use:   "status <id>",
		Short: "Poll a device's live state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *envFile)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			status, err := a.household.DeviceStatus(ctx, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tunlocked=%t\n",
				status.Device.Name, status.Device.ControlMethod, status.Unlocked)
			return nil
		},
	})

	return devices
}
