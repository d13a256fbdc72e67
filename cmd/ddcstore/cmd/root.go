package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/ddc"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:          "ddcstore",
	Short:        "Content-addressed reference and blob store",
	Long:         "Serve and administer a derived-data cache of refs, blobs and their garbage collection.",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/ddcstore/config.yaml)")
	rootCmd.PersistentFlags().String("dir", "", "data directory (default: ~/.local/share/ddcstore)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")

	viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DDC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("dir", defaultDataDir())

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ddcstore")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "ddcstore")
	}
	return ".ddcstore"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "ddcstore")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "ddcstore")
	}
	return ".ddcstore"
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(viper.GetString("log_level")); err == nil {
		log.SetLevel(lvl)
	}
	if viper.GetString("log_format") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// loadConfig overlays the viper keys that are set on the defaults for the
// data directory.
func loadConfig() ddc.Config {
	cfg := ddc.DefaultConfig(viper.GetString("dir"))

	setString := func(key string, dst *string) {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}

	setString("catalog.backend", &cfg.Catalog.Backend)
	setString("blobs.backend", &cfg.Blobs.Backend)
	setString("blobs.dir", &cfg.Blobs.Dir)
	setString("blobs.redirect_base_url", &cfg.Blobs.RedirectBaseURL)
	setString("transform.name", &cfg.Transform.Name)
	setInt("transform.zstd_level", &cfg.Transform.ZstdLevel)

	setInt("refs.inline_threshold", &cfg.Refs.InlineThreshold)
	setInt("refs.max_parallel_resolve", &cfg.Refs.MaxParallelResolve)
	setInt("refs.last_access_queue", &cfg.Refs.LastAccessQueue)
	if viper.IsSet("refs.last_access_throttle") {
		cfg.Refs.LastAccessThrottle = viper.GetDuration("refs.last_access_throttle")
	}

	setString("replication.local_region", &cfg.Replication.LocalRegion)
	if viper.IsSet("replication.regions") {
		cfg.Replication.Regions = viper.GetStringSlice("replication.regions")
	}

	if viper.IsSet("limits.max_blob_bytes") {
		cfg.Limits.MaxBlobBytes = viper.GetUint64("limits.max_blob_bytes")
	}
	setInt("limits.max_batch_ops", &cfg.Limits.MaxBatchOps)

	if viper.IsSet("gc.enabled") {
		cfg.GC.Enabled = viper.GetBool("gc.enabled")
	}
	if viper.IsSet("gc.last_access_cutoff") {
		cfg.GC.LastAccessCutoff = viper.GetDuration("gc.last_access_cutoff")
	}
	if viper.IsSet("gc.run_every") {
		cfg.GC.RunEvery = viper.GetDuration("gc.run_every")
	}
	if viper.IsSet("gc.orphan_grace") {
		cfg.GC.OrphanGrace = viper.GetDuration("gc.orphan_grace")
	}
	for ns := range viper.GetStringMap("gc.namespace_policies") {
		key := "gc.namespace_policies." + ns
		if cfg.GC.Namespaces == nil {
			cfg.GC.Namespaces = make(map[core.NamespaceID]core.NamespacePolicy)
		}
		cfg.GC.Namespaces[core.NamespaceID(ns)] = core.NamespacePolicy{
			LastAccessCutoff: viper.GetDuration(key + ".cutoff"),
			Disabled:         viper.GetBool(key + ".disabled"),
		}
	}

	setString("api.listen", &cfg.API.Listen)
	if viper.IsSet("api.tokens") {
		cfg.API.Tokens = viper.GetStringMapStringSlice("api.tokens")
	}
	if viper.IsSet("api.admin_tokens") {
		cfg.API.AdminTokens = viper.GetStringSlice("api.admin_tokens")
	}
	if viper.IsSet("api.max_inflight_writes") {
		cfg.API.MaxInFlightWrites = viper.GetInt64("api.max_inflight_writes")
	}
	return cfg
}

func openStore(ctx context.Context) (ddc.Store, *logrus.Logger, error) {
	log := newLogger()
	s, err := ddc.Open(ctx, loadConfig(), ddc.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return s, log, nil
}
