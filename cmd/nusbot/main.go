package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kraiz/nusbot/internal/blob"
	"github.com/kraiz/nusbot/internal/bot"
	"github.com/kraiz/nusbot/internal/config"
	"github.com/kraiz/nusbot/internal/storage"
	"github.com/kraiz/nusbot/internal/utils"
	"github.com/kraiz/nusbot/internal/version"
)

// logLevel is raised or lowered once the configuration is known.
var logLevel = new(slog.LevelVar)

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	cmd := &cobra.Command{
		Use:     "nusbot",
		Short:   "ADC hub bot that announces filelist changes",
		Version: version.Detailed(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)

			// all good now, no usage on runtime errors
			cmd.SilenceUsage = true

			defer slog.Info("Bye!")
			return runBot(cmd.Context(), cfg)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("hub", "H", config.DefaultHubAddress, "hub address, host:port or adc://host:port")
	cmd.Flags().StringP("nick", "n", config.DefaultNick, "nick to log in with")
	cmd.Flags().DurationP("interval", "i", config.Default().ScanInterval, "time between filelist scans")
	cmd.Flags().String("mode", config.ModePassive, "peer connect mode, passive or active")
	cmd.Flags().BoolP("magnet", "m", false, "add magnet links to announcements")
	cmd.Flags().String("http", config.DefaultHTTPAddr, "control plane address, empty to disable")

	cmd.PersistentFlags().StringP("config", "c", "", "config file (default "+config.DefaultConfigPath+")")
	cmd.PersistentFlags().StringP("data-dir", "d", config.DefaultDataDir, "data directory")
	cmd.PersistentFlags().String("db", "", "database file (default <data-dir>/nusbot.db)")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")

	bind(v, "hub.address", cmd.Flags().Lookup("hub"))
	bind(v, "identity.nick", cmd.Flags().Lookup("nick"))
	bind(v, "scan_interval", cmd.Flags().Lookup("interval"))
	bind(v, "connect_mode", cmd.Flags().Lookup("mode"))
	bind(v, "magnet_links", cmd.Flags().Lookup("magnet"))
	bind(v, "http_addr", cmd.Flags().Lookup("http"))
	bind(v, "data_dir", cmd.PersistentFlags().Lookup("data-dir"))
	bind(v, "db_path", cmd.PersistentFlags().Lookup("db"))
	bind(v, "log_level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(v),
		newChangesCmd(v),
		newDiffCmd(),
		newArchiveCmd(v),
	)

	return cmd
}

func main() {
	// an optional .env in the working directory
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	closeLog, err := setupLogging(os.Stdout, config.DefaultLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		closeLog()
		os.Exit(1)
	}
}

// setupLogging logs to stdout and appends to the log file, which other
// commands share with a running bot.
func setupLogging(stdout *os.File, logFile string) (func(), error) {
	if err := utils.EnsureDir(filepath.Dir(logFile)); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	stdoutHandler := tint.NewHandler(stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(stdout.Fd()),
	})

	interceptor := utils.NewLogInterceptor(file)
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, newFileHandler(interceptor))))

	return func() {
		interceptor.Close()
		file.Close()
	}, nil
}

func newFileHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// Do not include time as it is added by the log interceptor.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
}

func applyLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		slog.Warn("unknown log level, keeping info", "level", level)
		l = slog.LevelInfo
	}
	logLevel.Set(l)
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) error {
	path, _ := cmd.Flags().GetString("config")
	if err := config.ReadInConfig(v, path); err != nil {
		return err
	}
	applyLogLevel(v.GetString("log_level"))
	return nil
}

func runBot(ctx context.Context, cfg *config.Config) error {
	lock := bot.NewDataDirLock(cfg.DataDir)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	var opts []storage.Option
	if cfg.Archive.Enabled() {
		archive, err := blob.NewArchiveWithS3Config(ctx, &cfg.Archive)
		if err != nil {
			return err
		}
		opts = append(opts, storage.WithArchive(archive))
		slog.Info("archiving filelists", "bucket", cfg.Archive.BucketName, "prefix", cfg.Archive.Prefix)
	}

	store, err := storage.Open(ctx, cfg.DBPath, opts...)
	if err != nil {
		return err
	}
	defer store.Close()

	b, err := bot.New(cfg, store)
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

func bind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
