package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quelabs/quecore/internal/config"
	"github.com/quelabs/quecore/internal/logger"
	"github.com/quelabs/quecore/pkg/gateway"
	"github.com/quelabs/quecore/pkg/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runtime in the foreground",
	Long: `Load the configuration, start the runtime (plugins, engine, context
aggregator) and, when enabled, the HTTP gateway. Runs until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxAgeDay: cfg.Logging.MaxAgeDay,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Close()

	rt, err := runtime.New(cfg, log.Zerolog(), runtime.Options{})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw, err = gateway.NewServer(gateway.Config{
			Addr:    cfg.Gateway.Addr,
			Runtime: rt,
			Logger:  log.Zerolog(),
		})
		if err == nil {
			err = gw.Start()
		}
		if err != nil {
			rt.Stop(context.Background())
			return fmt.Errorf("failed to start gateway: %w", err)
		}
		fmt.Printf("Gateway listening on %s\n", gw.Addr())
	}

	fmt.Printf("quecore running with %d tools registered\n", len(rt.ListTools()))
	<-ctx.Done()
	fmt.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "gateway shutdown: %v\n", err)
		}
	}
	rt.Stop(shutdownCtx)
	return nil
}
