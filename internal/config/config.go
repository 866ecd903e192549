// Package config loads arc-session settings from defaults, config file,
// ARC_SESSION_* environment variables and command-line flags.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. ARC_SESSION_GRPC_ADDR.
const EnvPrefix = "ARC_SESSION"

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	Broker        BrokerConfig        `mapstructure:"broker"`
	Client        ClientConfig        `mapstructure:"client"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type GRPCConfig struct {
	Addr           string `mapstructure:"addr"`
	MaxRecvMsgSize int    `mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize int    `mapstructure:"max_send_msg_size"`
}

type BrokerConfig struct {
	// TxTimeout applies to XA branches started without a timeout of their own.
	TxTimeout time.Duration `mapstructure:"tx_timeout"`
	TxLog     BackendConfig `mapstructure:"txlog"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type ClientConfig struct {
	Addr         string        `mapstructure:"addr"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
}

type ObservabilityConfig struct {
	LogLevel       string  `mapstructure:"log_level"`
	LogFormat      string  `mapstructure:"log_format"`
	MetricsAddr    string  `mapstructure:"metrics_addr"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string  `mapstructure:"otlp_protocol"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
}

// DefaultDataDir returns ~/.arc-session, or a relative directory when the
// home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc-session"
	}
	return filepath.Join(home, ".arc-session")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("grpc.addr", ":61616")
	v.SetDefault("grpc.max_recv_msg_size", 4*1024*1024)
	v.SetDefault("grpc.max_send_msg_size", 4*1024*1024)

	v.SetDefault("broker.tx_timeout", 5*time.Minute)
	v.SetDefault("broker.txlog.backend", "badger")

	v.SetDefault("client.addr", "localhost:61616")
	v.SetDefault("client.dial_timeout", 10*time.Second)
	v.SetDefault("client.close_timeout", 5*time.Second)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "auto")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.sample_ratio", 1.0)
	v.SetDefault("observability.service_name", "arc-session")
	v.SetDefault("observability.service_version", "dev")
}

// BindCommonFlags binds the flags every command accepts.
func BindCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file path")
	f.String("data-dir", "", "data directory (default ~/.arc-session)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (auto, json, text, pretty)")

	_ = v.BindPFlag("config", f.Lookup("config"))
	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
}

// BindServeFlags binds the broker server flags.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("addr", "", "gRPC listen address")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.String("txlog", "", "transaction log backend (memory, badger, sqlite, redis, s3)")
	f.Duration("tx-timeout", 0, "default XA branch timeout")

	_ = v.BindPFlag("grpc.addr", f.Lookup("addr"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("broker.txlog.backend", f.Lookup("txlog"))
	_ = v.BindPFlag("broker.tx_timeout", f.Lookup("tx-timeout"))
}

// BindClientFlags binds the flags of commands that talk to a broker.
func BindClientFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("broker", "", "broker address")
	f.Duration("dial-timeout", 0, "time allowed to connect to the broker")
	f.StringP("output", "o", "text", "output format (text, json, markdown)")

	_ = v.BindPFlag("client.addr", f.Lookup("broker"))
	_ = v.BindPFlag("client.dial_timeout", f.Lookup("dial-timeout"))
	_ = v.BindPFlag("output", f.Lookup("output"))
}

// Load reads config from flags, env, and file, returning the merged Config.
// A missing config file is only an error when configFile names it.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("arc-session")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arc-session")
		v.AddConfigPath("/etc/arc-session")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Broker.TxLog.Config == nil {
		cfg.Broker.TxLog.Config = map[string]string{}
	}
	return cfg, nil
}

// TxLogConfig returns the transaction log backend config with relative paths
// placed under the data directory.
func (c Config) TxLogConfig() map[string]string {
	out := make(map[string]string, len(c.Broker.TxLog.Config)+1)
	for k, v := range c.Broker.TxLog.Config {
		out[k] = v
	}
	if _, ok := out["path"]; !ok {
		switch c.Broker.TxLog.Backend {
		case "badger":
			out["path"] = filepath.Join(c.DataDir, "txlog")
		case "sqlite":
			out["path"] = filepath.Join(c.DataDir, "txlog.db")
		}
	}
	return out
}
