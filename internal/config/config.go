// Package config implements the daemon's layered configuration (spec's
// ambient stack expansion): defaults, then a YAML file at
// ~/.finger/config.yaml (or an explicit --config path), then FINGER_*
// environment variables, then any values a cobra flag has explicitly set
// -- each layer overriding the last.
//
// Grounded on the teacher's cmd/cobra_cli.go, which is the only place in
// the pack that actually drives spf13/viper (viper.SetConfigName +
// viper.AddConfigPath("$HOME")/(".")): the same config-name/search-path
// idiom is used here, generalized from its hardcoded "alex-config"/json
// pair to a named file under the daemon's own dotdir in yaml, since
// spf13/viper supports yaml natively and the rest of the pack's own
// persisted documents (internal/resources, internal/checkpoint) are
// JSON/line-delimited already -- yaml reads more naturally as a
// hand-edited operator file.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Jasonzhangf/finger-sub001/internal/fileutil"
)

// EnvPrefix is the environment variable prefix viper binds against
// (FINGER_HTTP_ADDR, FINGER_KERNEL_BINARY, ...).
const EnvPrefix = "FINGER"

// Config is the daemon's fully resolved runtime configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	HTTPAddr string `mapstructure:"http_addr"`
	WSAddr   string `mapstructure:"ws_addr"`

	KernelBinary  string            `mapstructure:"kernel_binary"`
	KernelArgs    []string          `mapstructure:"kernel_args"`
	KernelEnv     map[string]string `mapstructure:"kernel_env"`
	KernelTimeout time.Duration     `mapstructure:"kernel_timeout"`

	CheckpointRetention int `mapstructure:"checkpoint_retention"`

	ContextMaxTokens          int     `mapstructure:"context_max_tokens"`
	ContextPreservedCycles    int     `mapstructure:"context_preserved_cycles"`
	ContextCompressionThresh  float64 `mapstructure:"context_compression_threshold"`

	ResourcePoolSeedFile string `mapstructure:"resource_pool_seed_file"`
	AutostartDir         string `mapstructure:"autostart_dir"`

	LogLevel string `mapstructure:"log_level"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// defaults seeds every value Config can hold before the file/env/flag
// layers are applied.
func defaults(v *viper.Viper) {
	v.SetDefault("data_dir", "~/.finger")
	v.SetDefault("http_addr", ":8099")
	v.SetDefault("ws_addr", ":8100")
	v.SetDefault("kernel_binary", "finger-kernel")
	v.SetDefault("kernel_timeout", "120s")
	v.SetDefault("checkpoint_retention", 50)
	v.SetDefault("context_max_tokens", 128000)
	v.SetDefault("context_preserved_cycles", 3)
	v.SetDefault("context_compression_threshold", 0.8)
	v.SetDefault("resource_pool_seed_file", "~/.finger/resources.json")
	v.SetDefault("autostart_dir", "~/.finger/autostart")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":8101")
}

// Load builds a Config from defaults, an optional YAML file, FINGER_*
// environment variables, and any flags the caller's cobra command has
// parsed (spec ambient-stack expansion: "layered spf13/viper + spf13/cobra
// ... env prefix FINGER_ ... YAML at ~/.finger/config.yaml").
func Load(cmd *cobra.Command, explicitFile string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.finger")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = fileutil.ResolvePath(cfg.DataDir, "~/.finger")
	cfg.ResourcePoolSeedFile = fileutil.ResolvePath(cfg.ResourcePoolSeedFile, cfg.DataDir+"/resources.json")
	cfg.AutostartDir = fileutil.ResolvePath(cfg.AutostartDir, cfg.DataDir+"/autostart")
	return &cfg, nil
}
