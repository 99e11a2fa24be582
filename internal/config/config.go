// Package config loads daemon configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DaemonConfig holds configuration for the bluewire daemon
type DaemonConfig struct {
	LogLevel     string
	ListenAddr   string
	ExchangeAddr string
	TOS          int
	Workers      int
	Batch        int
	MTU          int
	SendWindow   int
	RecvWindow   int
	SQDepth      int
	RQDepth      int
	CQDepth      int
	TimeoutMS    uint32
	MaxRetries   int
	EgressPPS    int
	MetricsAddr  string

	OtelEndpoint  string
	OtelIntervalS uint32

	RegistryEnabled bool
	RegistryDBURI   string
	RegistryNodeID  string
}

// Timeout returns the per-QP retransmit timeout as a duration.
func (c *DaemonConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// OtelInterval returns the metric export interval as a duration.
func (c *DaemonConfig) OtelInterval() time.Duration {
	return time.Duration(c.OtelIntervalS) * time.Second
}

// LoadDaemonConfig loads the daemon configuration from a file or environment variables
func LoadDaemonConfig(configPath string) (*DaemonConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", "0.0.0.0:4791") // RoCEv2 convention port
	v.SetDefault("exchange_addr", "0.0.0.0:18515")
	v.SetDefault("tos", 0)
	v.SetDefault("workers", 4)
	v.SetDefault("batch", 16)
	v.SetDefault("mtu", 1024)
	v.SetDefault("send_window", 64)
	v.SetDefault("recv_window", 128)
	v.SetDefault("sq_depth", 128)
	v.SetDefault("rq_depth", 128)
	v.SetDefault("cq_depth", 1024)
	v.SetDefault("timeout_ms", 100)
	v.SetDefault("max_retries", 5)
	v.SetDefault("egress_pps", 0) // 0 = unlimited
	v.SetDefault("metrics_addr", "")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("otel_interval_s", 10)
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.db_uri", "http://localhost:4001")
	v.SetDefault("registry.node_id", getSystemHostname())

	// Environment variables
	v.SetEnvPrefix("BLUEWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in default locations
		v.SetConfigName("blued")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.bluewire")
		v.AddConfigPath("/etc/bluewire")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config DaemonConfig
	config.LogLevel = v.GetString("log_level")
	config.ListenAddr = v.GetString("listen_addr")
	config.ExchangeAddr = v.GetString("exchange_addr")
	config.TOS = v.GetInt("tos")
	config.Workers = v.GetInt("workers")
	config.Batch = v.GetInt("batch")
	config.MTU = v.GetInt("mtu")
	config.SendWindow = v.GetInt("send_window")
	config.RecvWindow = v.GetInt("recv_window")
	config.SQDepth = v.GetInt("sq_depth")
	config.RQDepth = v.GetInt("rq_depth")
	config.CQDepth = v.GetInt("cq_depth")
	config.TimeoutMS = v.GetUint32("timeout_ms")
	config.MaxRetries = v.GetInt("max_retries")
	config.EgressPPS = v.GetInt("egress_pps")
	config.MetricsAddr = v.GetString("metrics_addr")
	config.OtelEndpoint = v.GetString("otel_endpoint")
	config.OtelIntervalS = v.GetUint32("otel_interval_s")
	config.RegistryEnabled = v.GetBool("registry.enabled")
	config.RegistryDBURI = v.GetString("registry.db_uri")
	config.RegistryNodeID = v.GetString("registry.node_id")
	if config.RegistryNodeID == "" {
		config.RegistryNodeID = getSystemHostname()
	}

	return &config, nil
}

// CreateDefaultDaemonConfig creates a default configuration file for the daemon
func CreateDefaultDaemonConfig(path string) error {
	// Default config content
	configContent := `# Bluewire Daemon Configuration
log_level: "info" # debug, info, warn, error
listen_addr: "0.0.0.0:4791" # engine datagram listener (RoCEv2 convention port)
exchange_addr: "0.0.0.0:18515" # TCP parameter exchange listener
tos: 0 # IP TOS byte for egress datagrams
workers: 4 # scheduler worker goroutines
batch: 16 # packets drained per QP per service round
mtu: 1024 # payload fragment size in bytes
send_window: 64 # in-flight packet cap per QP
recv_window: 128 # inbound packet queue depth per QP
sq_depth: 128 # send queue depth per QP
rq_depth: 128 # receive queue depth per QP
cq_depth: 1024 # completion queue depth
timeout_ms: 100 # retransmit timeout
max_retries: 5 # resend rounds before the QP errors out
egress_pps: 0 # egress packet pacing, 0 = unlimited
metrics_addr: "" # e.g. ":9090" enables the prometheus endpoint
otel_endpoint: "" # e.g. "grpc://localhost:4317"
otel_interval_s: 10 # OTLP export interval
registry:
  enabled: false
  db_uri: "http://localhost:4001" # rqlite endpoint directory
  node_id: "" # Leave empty to use hostname
`

	return writeConfigFile(path, configContent)
}
