// Package cli implements the timedim command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/quantfold/timedim/internal/config"
	"github.com/quantfold/timedim/internal/dataset"
	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/logging"
	"github.com/quantfold/timedim/internal/validation"
)

// defaultConfigFile is picked up from the working directory when no
// --config flag is given.
const defaultConfigFile = "timedim.yaml"

type ctxKey int

const configKey ctxKey = 0

// rootFlags are the persistent flags applied on top of the loaded
// configuration.
type rootFlags struct {
	configPath string
	dataDir    string
	logLevel   string
	logJSON    bool
	workers    int
}

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd(version string) *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "timedim",
		Short: "Build, store and query lagged feature panels",
		Long: `timedim turns ordered feature series into lagged panels: each feature
column expands into (t, t-1, ..., t-lag) columns, computed per partition
with overlap carried across partition boundaries.

Panels persist as Parquet chunk stores addressed by name under the data
directory, and can be profiled or queried with SQL (DuckDB) in place.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipsSetup(cmd) {
				return nil
			}
			cfg, err := loadConfig(cmd.Flags(), flags)
			if err != nil {
				return err
			}
			if err := initRuntime(cfg); err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	registerRootFlags(rootCmd.PersistentFlags(), flags)

	rootCmd.SetVersionTemplate("timedim {{.Version}}\n")

	rootCmd.AddCommand(
		newBuildCommand(),
		newInfoCommand(),
		newHeadCommand(),
		newDescribeCommand(),
		newQueryCommand(),
		newCompactCommand(),
		newReplCommand(),
		newVersionCommand(version),
	)

	return rootCmd
}

// skipsSetup reports whether a command runs without configuration or
// logging setup (help, version, shell completion machinery).
func skipsSetup(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "version", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return true
	}
	if cmd.Name() == "completion" {
		return true
	}
	return cmd.Parent() != nil && cmd.Parent().Name() == "completion"
}

// registerRootFlags binds the persistent flags shared by every
// command.
func registerRootFlags(fs *pflag.FlagSet, flags *rootFlags) {
	fs.StringVarP(&flags.configPath, "config", "c", "", "config file path (default "+defaultConfigFile+" if present)")
	fs.StringVar(&flags.dataDir, "data-dir", "", "root directory for named panel stores")
	fs.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&flags.logJSON, "log-json", false, "log in JSON format")
	fs.IntVar(&flags.workers, "workers", 0, "partition tasks executed concurrently")
}

// loadConfig loads the config file and applies persistent flag
// overrides. Only flags the user actually set override the file, so an
// explicit --log-json=false beats a config file that enables JSON
// output. A missing default config file falls back to defaults; a
// missing --config path is an error.
func loadConfig(fs *pflag.FlagSet, flags *rootFlags) (*config.Config, error) {
	var cfg *config.Config
	if flags.configPath != "" {
		c, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		c, err := config.Load(defaultConfigFile)
		switch {
		case err == nil:
			cfg = c
		case errors.Is(err, os.ErrNotExist):
			cfg = config.DefaultConfig()
		default:
			return nil, err
		}
	}

	if fs.Changed("data-dir") {
		cfg.DataDir = flags.dataDir
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if fs.Changed("log-json") {
		cfg.Logging.JSON = flags.logJSON
	}
	if fs.Changed("workers") {
		cfg.Engine.Workers = flags.workers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initRuntime installs logging and the shared default engine from the
// effective configuration.
func initRuntime(cfg *config.Config) error {
	level, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Logging.JSON)

	eng, err := dataset.New(cfg)
	if err != nil {
		return err
	}
	dataset.SetDefault(eng)
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errs.NewInvalidValue("log level", s, "must be debug, info, warn or error")
	}
	return level, nil
}

// configFrom returns the configuration installed by the root pre-run.
func configFrom(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey).(*config.Config); ok {
		return cfg
	}
	return config.DefaultConfig()
}

// resolveStoreDir maps a store argument to its directory. Relative
// names are validated and placed under the data directory; absolute
// paths are used as-is.
func resolveStoreDir(cfg *config.Config, name string) (string, error) {
	if !filepath.IsAbs(name) {
		if err := validation.ValidateName(name, validation.StoreRules()); err != nil {
			return "", err
		}
	}
	return cfg.StoreDir(name), nil
}

// Execute runs the root command and returns the process exit code.
func Execute(version string) int {
	rootCmd := NewRootCmd(version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return errs.ExitCode(err)
	}
	return errs.ExitOK
}
