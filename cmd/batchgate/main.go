package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"batchgate/internal/config"
	"batchgate/internal/server"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// flagOverrides holds CLI values that replace config file values when set
type flagOverrides struct {
	logLevel string
	host     string
	rpcPort  int
	wsPort   int
}

func main() {
	var cfgPath string
	var over flagOverrides

	root := &cobra.Command{
		Use:     "batchgate",
		Short:   "JSON-RPC gateway that batches requests to a main upstream and falls back when it stalls",
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		Example: "  batchgate --config config.toml\n  batchgate --config config.json --log-level debug --rpc-port 9545",
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
			return run(cfgPath, over, changed)
		},
		SilenceUsage: true,
	}

	fs := root.Flags()
	fs.StringVarP(&cfgPath, "config", "c", "config.json", "path to config file (.json or .toml)")
	fs.StringVar(&over.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&over.host, "host", "", "listen host")
	fs.IntVar(&over.rpcPort, "rpc-port", 0, "HTTP JSON-RPC port")
	fs.IntVar(&over.wsPort, "ws-port", 0, "WebSocket JSON-RPC port")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath string, over flagOverrides, changed map[string]bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if changed["log-level"] {
		cfg.LogLevel = over.logLevel
	}
	if changed["host"] {
		cfg.Host = over.host
	}
	if changed["rpc-port"] {
		cfg.RPCPort = over.rpcPort
	}
	if changed["ws-port"] {
		cfg.WSPort = over.wsPort
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", cfgPath).
		Str("host", cfg.Host).
		Int("rpcPort", cfg.RPCPort).
		Int("wsPort", cfg.WSPort).
		Int("groups", len(cfg.Groups)).
		Msg("starting batchgate")

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		return err
	}
	return nil
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
