// Command eventhandler runs the event distribution service.
//
// The base logger is built here from settings and passed down; components
// scope it with their own attributes. slog.SetDefault is never called.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/config"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/observability"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "eventhandler",
		Short:         "Publish/subscribe event distribution service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (.yaml, .yml or .json)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(stderr, settings.Log.Level, settings.Log.Format)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, settings)
		},
	}
	serveCmd.Flags().BoolP("debug", "d", false, "debug logging, including why candidates were dropped")
	serveCmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	serveCmd.Flags().String("store", "", "store driver: memory, sqlite or postgres (overrides store.driver)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), settings)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
	return rootCmd
}

// loadSettings reads the config file and environment, then applies any
// command-line overrides the command defines.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.New(nil)
	if path != "" {
		var err error
		if cfg, err = config.FromFile(path); err != nil {
			return config.Settings{}, err
		}
	}
	cfg = cfg.WithEnv(os.Getenv, config.Keys...)

	overrides := map[string]any{}
	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		overrides[config.KeyHTTPAddr] = f.Value.String()
	}
	if f := cmd.Flags().Lookup("store"); f != nil && f.Changed {
		overrides[config.KeyStoreDriver] = f.Value.String()
	}
	if debug, err := cmd.Flags().GetBool("debug"); err == nil && debug {
		overrides[config.KeyLogLevel] = "debug"
	}
	cfg = cfg.WithValues(overrides)

	return config.Load(cfg)
}

func printSettings(w io.Writer, s config.Settings) {
	rows := []struct {
		key   string
		value any
	}{
		{config.KeyHTTPAddr, s.HTTP.Addr},
		{config.KeyHTTPMaxBodyBytes, s.HTTP.MaxBodyBytes},
		{config.KeyStoreDriver, s.Store.Driver},
		{config.KeyStoreSQLitePath, s.Store.SQLitePath},
		{config.KeyStorePostgresDSN, redact(s.Store.PostgresDSN)},
		{config.KeyDeliveryAttemptTimeout, s.Delivery.AttemptTimeout},
		{config.KeyDeliveryMaxConcurrency, s.Delivery.MaxConcurrency},
		{config.KeyDeliveryInsecureSkipVerify, s.Delivery.InsecureSkipVerify},
		{config.KeyRedisAddr, s.Redis.Addr},
		{config.KeyRedisIdempotencyTTL, s.Redis.IdempotencyTTL},
		{config.KeyKafkaBrokers, s.Kafka.Brokers},
		{config.KeyKafkaReportTopic, s.Kafka.ReportTopic},
		{config.KeyLogLevel, s.Log.Level},
		{config.KeyLogFormat, s.Log.Format},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s=%v\n", r.key, r.value)
	}
}

func redact(dsn string) string {
	if dsn == "" {
		return ""
	}
	return "<set>"
}
