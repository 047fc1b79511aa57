package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rgbw-link/internal/link"
	"rgbw-link/internal/protocol"
	"rgbw-link/internal/session"
	"rgbw-link/internal/store"
	"rgbw-link/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "rgbw-link",
		Short:         "Preset and live color control for an RGBW BLE light",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newPortsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the light session with its HTTP, MQTT and automation surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to a YAML or TOML config file")
	return cmd
}

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports that may host the BLE UART bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := link.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tPRODUCT")
			for _, p := range ports {
				id := ""
				if p.USB {
					id = p.VID + ":" + p.PID
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.Name, p.USB, id, p.Product)
			}
			return tw.Flush()
		},
	}
}

func serve(parent context.Context, cfg *Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("rgbw-link starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path, cfg.Store.HistoryLimit)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	transport, err := createTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	sessCfg, err := cfg.sessionConfig()
	if err != nil {
		return err
	}
	events := session.NewEventBus(logger)
	sess := session.New(transport, events, db, sessCfg, logger.With("component", "session"))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sess.Run(ctx)
	})

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(sess, cfg, logger)
	g.Go(func() error {
		return auto.Watch(ctx)
	})

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithHistory(db), web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(sess, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(sess, cfg, logger)

	g.Go(func() error {
		if err := sess.Connect(ctx); err != nil {
			logger.Warn("initial connect failed, use /api/link/connect to retry", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		auto.Stop()
		mqtt.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
		if err := sess.Disconnect(); err != nil && !errors.Is(err, link.ErrNotConnected) {
			logger.Warn("disconnect", "err", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("goodbye")
	return err
}

// demoColors seed the simulator so a fresh session has presets to show.
var demoColors = []protocol.RGB{
	{R: 255, G: 0, B: 0},
	{R: 255, G: 160, B: 0},
	{R: 0, G: 200, B: 255},
	{R: 180, G: 0, B: 255},
}

func createTransport(cfg *Config, logger *slog.Logger) (link.Transport, error) {
	switch cfg.Link.Type {
	case "serial":
		logger.Info("using serial link", "port", cfg.Link.Port, "baud", cfg.Link.Baud)
		return link.NewSerialTransport(cfg.Link.Port, cfg.Link.Baud, logger.With("component", "link")), nil
	case "simulator":
		logger.Info("using simulated fixture")
		return link.NewSimulator(logger.With("component", "simulator"), demoColors...), nil
	default:
		return nil, fmt.Errorf("unknown link type: %q (supported: serial, simulator)", cfg.Link.Type)
	}
}
