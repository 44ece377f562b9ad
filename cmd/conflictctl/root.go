package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/lock/redislock"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/metrics/otelmetrics"
	"github.com/c0deZ3R0/go-conflict-kit/storage/bolt"
	"github.com/c0deZ3R0/go-conflict-kit/storage/postgres"
	"github.com/c0deZ3R0/go-conflict-kit/storage/sqlite"
)

const envPrefix = "CONFLICTCTL"

// settings are resolved from flags, CONFLICTCTL_* variables and the
// optional --config file, in that order of precedence.
type settings struct {
	Store    string `mapstructure:"store"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	Policy   string `mapstructure:"policy"`
	Redis    string `mapstructure:"redis"`
	LogLevel string `mapstructure:"log-level"`
}

// documentStore is what every adapter offers the CLI.
type documentStore interface {
	conflictkit.Store
	PutRevision(ctx context.Context, doc *document.Document) (string, error)
	Close() error
}

// app holds everything one command invocation needs.
type app struct {
	settings settings
	logger   *logging.Logger
	store    documentStore
	config   *conflictkit.Config
	engine   *conflictkit.Engine
	scanner  *conflictkit.Scanner
	closers  []func() error
	out      io.Writer
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "conflictctl",
		Short:         "Detect and resolve conflicting document revisions",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config %s: %w", configFile, err)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("store", "sqlite", "store adapter: sqlite, postgres or bolt")
	flags.String("dsn", "conflicts.db", "data source: sqlite file, postgres connection string or bolt file")
	flags.String("table", "", "table (sqlite, postgres) or bucket (bolt) name")
	flags.String("policy", "", "engine and entity policy file (yaml or json)")
	flags.String("redis", "", "redis address for a lock shared between processes")
	flags.String("log-level", "", "log level: trace, debug, info, warn or error")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	open := func(cmd *cobra.Command) (*app, error) {
		var s settings
		if err := v.Unmarshal(&s); err != nil {
			return nil, fmt.Errorf("failed to decode settings: %w", err)
		}
		return openApp(cmd.Context(), s, cmd.OutOrStdout(), cmd.ErrOrStderr())
	}

	root.AddCommand(
		newScanCmd(open),
		newDetectCmd(open),
		newResolveCmd(open),
		newSweepCmd(open),
		newWatchCmd(open),
		newImportCmd(open),
	)
	return root
}

func openApp(ctx context.Context, s settings, out, errOut io.Writer) (_ *app, err error) {
	logCfg := logging.GetConfigFromEnv()
	if s.LogLevel != "" {
		logCfg.Level = s.LogLevel
	}
	logCfg.Output = errOut
	levelVar := logging.Init(logCfg)

	a := &app{settings: s, logger: logging.Default(), out: out}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.store, err = openStore(s, a.logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	var engineOpts []conflictkit.EngineOption
	var scannerOpts []conflictkit.ScannerOption
	if s.Policy != "" {
		loader := conflictkit.NewConfigLoader(
			conflictkit.WithConfigLogger(a.logger),
			conflictkit.WithWatcher(conflictkit.NewLoggingWatcher(a.logger)),
		)
		if err = loader.LoadFromFile(s.Policy); err != nil {
			return nil, err
		}
		a.config = loader.Current()
		if s.LogLevel == "" && a.config.LogLevel != "" {
			levelVar.SetFromString(a.config.LogLevel)
		}
		if engineOpts, err = loader.EngineOptions(); err != nil {
			return nil, err
		}
		if scannerOpts, err = loader.ScannerOptions(); err != nil {
			return nil, err
		}
	}

	metrics, err := otelmetrics.New(nil)
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts, conflictkit.WithLogger(a.logger), conflictkit.WithMetrics(metrics))

	if s.Redis != "" {
		client := redis.NewClient(&redis.Options{Addr: s.Redis})
		a.closers = append(a.closers, client.Close)
		if err = client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker, lerr := redislock.New(client, redislock.WithLogger(a.logger))
		if lerr != nil {
			return nil, lerr
		}
		engineOpts = append(engineOpts, conflictkit.WithLocker(locker))
	}

	if a.engine, err = conflictkit.NewEngine(a.store, engineOpts...); err != nil {
		return nil, err
	}
	scannerOpts = append(scannerOpts,
		conflictkit.WithScannerDetector(a.engine.Detector()),
		conflictkit.WithScannerLogger(a.logger),
		conflictkit.WithScannerMetrics(metrics),
	)
	a.scanner = conflictkit.NewScanner(a.store, scannerOpts...)
	return a, nil
}

func openStore(s settings, logger *logging.Logger) (documentStore, error) {
	switch strings.ToLower(s.Store) {
	case "sqlite", "sqlite3":
		store, err := sqlite.New(&sqlite.Config{
			DataSourceName: s.DSN,
			EnableWAL:      true,
			TableName:      s.Table,
			Logger:         logger.WithComponent(logging.Component("sqlite-store")),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres", "postgresql":
		store, err := postgres.New(&postgres.Config{
			ConnectionString: s.DSN,
			TableName:        s.Table,
			Logger:           logger.WithComponent(logging.Component("postgres-store")),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "bolt", "bbolt":
		store, err := bolt.New(&bolt.Config{
			Path:   s.DSN,
			Bucket: s.Table,
			Logger: logger.WithComponent(logging.Component("bolt-store")),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q: want sqlite, postgres or bolt", s.Store)
	}
}

// Close releases everything opened by openApp, last opened first.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
