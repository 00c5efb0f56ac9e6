package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/photofold/sync-engine/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Photo library sync daemon",
	Long: `syncd serves the incremental sync protocol for photo library clients:
a checkpointed change stream over HTTP and websocket, plus the legacy
full/delta asset endpoints.

Configuration is read from a YAML file (--config, ./syncd.yaml or
/etc/syncd/syncd.yaml) and may be overridden with SYNCD_* environment
variables, e.g. SYNCD_SERVER_ADDR or SYNCD_DATABASE_PATH.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		logging.Init(logging.Config{
			Level:       viper.GetString("log.level"),
			Format:      viper.GetString("log.format"),
			Environment: viper.GetString("log.environment"),
			File:        viper.GetString("log.file"),
			MaxSizeMB:   viper.GetInt("log.max_size_mb"),
			MaxBackups:  viper.GetInt("log.max_backups"),
			MaxAgeDays:  viper.GetInt("log.max_age_days"),
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./syncd.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func initConfig() error {
	viper.SetDefault("server.addr", ":8086")
	viper.SetDefault("server.request_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("database.path", "syncd.db")
	viper.SetDefault("database.wal", true)
	viper.SetDefault("database.tombstone_retention", "720h")
	viper.SetDefault("sync.page_size", 500)
	viper.SetDefault("sync.ack_batch_cap", 1000)
	viper.SetDefault("sync.purge_interval", "1h")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.environment", "production")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("syncd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/syncd")
	}

	viper.SetEnvPrefix("SYNCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults plus environment apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}
