package main

import (
	"fmt"
	"os"

	"github.com/assessly/fieldsync/internal/config"
	"github.com/assessly/fieldsync/internal/logger"
	"github.com/op/go-logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	v       = config.New()
	cfg     *config.Config
	log     *logging.Logger
	logPath string

	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first data store and sync for field assessments",
	Long: `fieldsync keeps assessments, photos and deficiencies on this device and
syncs them to the server whenever a connection is available.

Every edit is saved locally first together with a sync queue entry. A
background coordinator ('fieldsync daemon') drains the queue on demand,
when connectivity returns, and periodically.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(v, cmd)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Local Data:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: $FIELDSYNC_CONFIG_DIR or ~/.fieldsync/fieldsync.yaml)")
	flags.String("data-dir", config.DefaultDataDir(), "Directory holding the local store and logs")
	flags.String("log-level", "INFO", "Log level (DEBUG, INFO, NOTICE, WARNING, ERROR)")
	flags.String("base-url", "", "Remote API base URL")
	flags.String("listen", "127.0.0.1:7734", "Coordinator listen address")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Also log to stderr")
}

// loadConfig reads the config file, binds flags and initializes logging.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	if err := config.BindFlags(v, cmd.Root().PersistentFlags(), "data_dir", "log_level", "api.base_url", "daemon.listen"); err != nil {
		return err
	}
	if err := config.ReadFile(v, configFile); err != nil {
		return err
	}
	c, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = c

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log, logPath, err = logger.Init(logger.Options{
		Dir:    cfg.LogDir(),
		Level:  level,
		Stderr: verbose,
	})
	if err != nil {
		return err
	}
	log.Debugf("fieldsync %s, data dir %s", cmd.Name(), cfg.DataDir)
	return nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
