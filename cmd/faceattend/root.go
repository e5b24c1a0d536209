package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/faceattend/internal/config"
	"github.com/example/faceattend/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

const serviceName = "faceattend"

// app is the state shared by every subcommand: the viper instance flags are
// bound onto, and the configuration and logger resolved before RunE.
type app struct {
	v          *viper.Viper
	configPath string

	cfg    config.Config
	logger *slog.Logger

	// newEngine is replaced in tests.
	newEngine engineFactory
}

func newApp() *app {
	return &app{v: config.NewViper(), newEngine: buildEngine}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "faceattend",
		Short:         "Face recognition attendance server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (ini, yaml, toml or json)")
	flags.String("db", "", "database DSN; postgres:// selects PostgreSQL, anything else is a SQLite path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json or text)")
	bindFlag(a.v, "db.dsn", flags.Lookup("db"))
	bindFlag(a.v, "log.level", flags.Lookup("log-level"))
	bindFlag(a.v, "log.format", flags.Lookup("log-format"))

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newEnrollCmd(a),
		newHashKeyCmd(a),
	)
	return root
}

// load resolves the configuration once flags are parsed. Unchanged flags
// leave the file, environment and defaults in charge.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(cmd.OutOrStdout(), cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(a.logger)
	return nil
}

func execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newApp()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
