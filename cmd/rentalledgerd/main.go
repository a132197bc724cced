package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/rentalledger/internal/config"
)

const (
	envPrefix          = "RENTALLEDGER"
	flagConfig         = "config"
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagLogDev         = "log-dev"
	flagOnce           = "once"
	configKeyDatabase  = "database_url"
	configKeyListen    = "listen_addr"
	configKeyLogDev    = "log_dev"
	defaultDatabaseURL = "sqlite:///tmp/rentalledger.db"
	defaultListenAddr  = ":8080"
)

// envKeys are bound explicitly so Unmarshal sees them without a config file entry.
var envKeys = []string{
	"listen_addr", "database_url", "allowed_origins", "jwt_signing_key", "jwt_issuer", "jwt_cookie_name",
	"admin_user_ids", "log_dev", "currency", "platform_account", "fund_account", "platform_fee_bps",
	"nats_url", "stripe.secret_key", "redis.addr", "redis.password", "redis.db",
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rentalledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	settings := viper.New()
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "rentalledgerd",
		Short:         "Wallet, escrow and guarantee fund service for peer-to-peer car rentals",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd, settings)
			if err != nil {
				return err
			}
			*cfg = loaded
			return nil
		},
	}
	cmd.PersistentFlags().String(flagConfig, "", "path to a YAML config file")
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.PersistentFlags().Bool(flagLogDev, false, "human-readable development logging")

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newJobsCommand(cfg))
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context(), *cfg, true)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context(), *cfg, false)
			},
		},
	)
	return cmd
}

func newJobsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run the background sweeps without the HTTP API",
	}
	run := &cobra.Command{
		Use:   "run [job...]",
		Short: "Run the sweeps on their schedule, or once with --once",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, err := cmd.Flags().GetBool(flagOnce)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runJobs(ctx, *cfg, once, args)
		},
	}
	run.Flags().Bool(flagOnce, false, "run the named jobs (or all) once and exit")
	cmd.AddCommand(run)
	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper) (config.Config, error) {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	settings.AutomaticEnv()
	for _, key := range envKeys {
		if err := settings.BindEnv(key); err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	bindings := map[string]string{
		configKeyDatabase: flagDatabaseURL,
		configKeyListen:   flagListenAddr,
		configKeyLogDev:   flagLogDev,
	}
	for key, flagName := range bindings {
		if err := settings.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			return config.Config{}, err
		}
	}

	path, err := flags.GetString(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if path != "" {
		settings.SetConfigFile(path)
		if err := settings.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return config.Load(settings)
}
