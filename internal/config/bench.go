package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BenchConfig holds configuration for the bwping traffic driver
type BenchConfig struct {
	LogLevel   string
	ListenAddr string
	TOS        int
	Workers    int
	Batch      int
	MTU        int
	SendWindow int
	RecvWindow int
	SQDepth    int
	RQDepth    int
	CQDepth    int
	TimeoutMS  uint32
	MaxRetries int

	// Target is the peer daemon's exchange listener, host:port. TargetNode
	// resolves the peer through the registry instead.
	Target        string
	TargetNode    string
	RegistryDBURI string

	Rate        int    // issued operations per second, 0 = unlimited
	Count       uint64 // total operations, 0 = run until interrupted
	MessageSize int
	Outstanding int // operations in flight at once

	MixSend        int
	MixWrite       int
	MixRead        int
	MixCompareSwap int
	MixFetchAdd    int

	ReportIntervalS uint32
}

// Timeout returns the per-QP retransmit timeout as a duration.
func (c *BenchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ReportInterval returns the stats reporting cadence as a duration.
func (c *BenchConfig) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalS) * time.Second
}

// LoadBenchConfig loads the traffic driver configuration from a file or environment variables
func LoadBenchConfig(configPath string) (*BenchConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", "0.0.0.0:0") // ephemeral source port
	v.SetDefault("tos", 0)
	v.SetDefault("workers", 2)
	v.SetDefault("batch", 16)
	v.SetDefault("mtu", 1024)
	v.SetDefault("send_window", 64)
	v.SetDefault("recv_window", 128)
	v.SetDefault("sq_depth", 128)
	v.SetDefault("rq_depth", 16)
	v.SetDefault("cq_depth", 1024)
	v.SetDefault("timeout_ms", 100)
	v.SetDefault("max_retries", 5)
	v.SetDefault("target", "")
	v.SetDefault("target_node", "")
	v.SetDefault("registry.db_uri", "http://localhost:4001")
	v.SetDefault("rate", 0)
	v.SetDefault("count", 0)
	v.SetDefault("message_size", 4096)
	v.SetDefault("outstanding", 32)
	v.SetDefault("mix.send", 1)
	v.SetDefault("mix.write", 1)
	v.SetDefault("mix.read", 1)
	v.SetDefault("mix.compare_swap", 0)
	v.SetDefault("mix.fetch_add", 0)
	v.SetDefault("report_interval_s", 5)

	// Environment variables
	v.SetEnvPrefix("BWPING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in default locations
		v.SetConfigName("bwping")
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

	var config BenchConfig
	config.LogLevel = v.GetString("log_level")
	config.ListenAddr = v.GetString("listen_addr")
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
	config.Target = v.GetString("target")
	config.TargetNode = v.GetString("target_node")
	config.RegistryDBURI = v.GetString("registry.db_uri")
	config.Rate = v.GetInt("rate")
	config.Count = v.GetUint64("count")
	config.MessageSize = v.GetInt("message_size")
	config.Outstanding = v.GetInt("outstanding")
	config.MixSend = v.GetInt("mix.send")
	config.MixWrite = v.GetInt("mix.write")
	config.MixRead = v.GetInt("mix.read")
	config.MixCompareSwap = v.GetInt("mix.compare_swap")
	config.MixFetchAdd = v.GetInt("mix.fetch_add")
	config.ReportIntervalS = v.GetUint32("report_interval_s")

	return &config, nil
}

// CreateDefaultBenchConfig creates a default configuration file for the traffic driver
func CreateDefaultBenchConfig(path string) error {
	// Default config content
	configContent := `# Bluewire Traffic Driver Configuration
log_level: "info" # debug, info, warn, error
listen_addr: "0.0.0.0:0" # local datagram endpoint, port 0 = ephemeral
tos: 0 # IP TOS byte for egress datagrams
workers: 2 # scheduler worker goroutines
batch: 16 # packets drained per QP per service round
mtu: 1024 # payload fragment size in bytes
send_window: 64 # in-flight packet cap per QP
recv_window: 128 # inbound packet queue depth per QP
sq_depth: 128 # send queue depth
rq_depth: 16 # receive queue depth
cq_depth: 1024 # completion queue depth
timeout_ms: 100 # retransmit timeout
max_retries: 5 # resend rounds before the QP errors out
target: "" # peer exchange listener, host:port
target_node: "" # resolve the peer through the registry instead
registry:
  db_uri: "http://localhost:4001" # rqlite endpoint directory
rate: 0 # operations per second, 0 = unlimited
count: 0 # total operations, 0 = run until interrupted
message_size: 4096 # payload bytes per operation
outstanding: 32 # operations in flight at once
mix: # relative operation weights
  send: 1
  write: 1
  read: 1
  compare_swap: 0
  fetch_add: 0
report_interval_s: 5 # stats reporting cadence
`

	return writeConfigFile(path, configContent)
}
