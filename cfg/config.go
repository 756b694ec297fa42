package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ServerConfiguration controls the two listeners and ingress behavior
type ServerConfiguration struct {
	BindAddress   string            `toml:"bind_address"`
	AdvertiseIP   string            `toml:"advertise_ip"` // Reported to clients in handshake responses and status
	ProxyPort     int               `toml:"proxy_port"`   // Client-facing port, also serves the admin API
	CapturePort   int               `toml:"capture_port"` // Capture agent port
	ReadOnly      bool              `toml:"readonly"`     // Discard delivered data and never spawn agents
	CountRecords  bool              `toml:"count_records"`
	MaxPacketSize datasize.ByteSize `toml:"max_packet_size"`
	ReadBufferKB  int               `toml:"read_buffer_kb"`
}

// PipelineConfiguration controls per-stream queues and the shared encode pool
type PipelineConfiguration struct {
	EncodeWorkers     int               `toml:"encode_workers"`
	EncodeQueueSize   int               `toml:"encode_queue_size"`
	InboundQueueSize  int               `toml:"inbound_queue_size"`
	OutboundQueueSize int               `toml:"outbound_queue_size"`
	WaitNum           int               `toml:"wait_num"`     // Max items collected per batch
	WaitTimeMS        int               `toml:"wait_time_ms"` // Max wait for the first item of a batch
	CompressThreshold datasize.ByteSize `toml:"compress_threshold"`
}

// DetectConfiguration controls the periodic garbage collection routine
type DetectConfiguration struct {
	IntervalSeconds    int `toml:"interval_seconds"`
	SourceLeaseSeconds int `toml:"source_lease_seconds"` // Sources silent for this long are torn down
	InitTimeoutSeconds int `toml:"init_timeout_seconds"` // Sinks waiting this long for a source are torn down
	PathRetainHours    int `toml:"path_retain_hours"`
}

// CaptureConfiguration selects and configures the capture agent invoker
type CaptureConfiguration struct {
	Invoker        string   `toml:"invoker"` // "script" or "memory"
	WorkDir        string   `toml:"work_dir"`
	StartScript    string   `toml:"start_script"`
	Shell          string   `toml:"shell"`
	SpawnRate      float64  `toml:"spawn_rate"` // Agent starts per second, 0 = unlimited
	SpawnBurst     int      `toml:"spawn_burst"`
	ProtectedPaths []string `toml:"protected_paths"`
}

// AuthConfiguration controls tenant authentication of client handshakes
type AuthConfiguration struct {
	Mode            string   `toml:"mode"` // "allow_all" or "allowlist"
	AllowedUsers    []string `toml:"allowed_users"`
	AllowedURLs     []string `toml:"allowed_urls"`
	CacheSize       int      `toml:"cache_size"`
	CacheTTLSeconds int      `toml:"cache_ttl_seconds"`
}

// NATSConfiguration for the NATS monitor sink
type NATSConfiguration struct {
	URL string `toml:"url"`
}

// KafkaConfiguration for the Kafka monitor sink
type KafkaConfiguration struct {
	Brokers []string `toml:"brokers"`
}

// MonitorConfiguration controls periodic per-stream metric reports and status pushes
type MonitorConfiguration struct {
	Enabled         bool               `toml:"enabled"`
	IntervalSeconds int                `toml:"interval_seconds"`
	Sink            string             `toml:"sink"` // "", "nats" or "kafka"
	Topic           string             `toml:"topic"`
	Compress        bool               `toml:"compress"`
	NATS            NATSConfiguration  `toml:"nats"`
	Kafka           KafkaConfiguration `toml:"kafka"`
}

// AdminConfiguration controls the HTTP admin API served on the proxy port
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Secret  string `toml:"secret"` // Required in X-Cdcrelay-Secret or a Bearer token when set
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled                bool `toml:"enabled"`
	CollectIntervalSeconds int  `toml:"collect_interval_seconds"` // Per-stream gauge sampling period
}

// Configuration is the main configuration structure
type Configuration struct {
	ServerID uint64 `toml:"server_id"`
	DataDir  string `toml:"data_dir"`

	Server     ServerConfiguration     `toml:"server"`
	Pipeline   PipelineConfiguration   `toml:"pipeline"`
	Detect     DetectConfiguration     `toml:"detect"`
	Capture    CaptureConfiguration    `toml:"capture"`
	Auth       AuthConfiguration       `toml:"auth"`
	Monitor    MonitorConfiguration    `toml:"monitor"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag     = flag.String("data-dir", "", "Data directory (overrides config)")
	ServerIDFlag    = flag.Uint64("server-id", 0, "Server ID (overrides config, 0=auto)")
	ProxyPortFlag   = flag.Int("proxy-port", 0, "Client-facing port (overrides config)")
	CapturePortFlag = flag.Int("capture-port", 0, "Capture agent port (overrides config)")
	ReadOnlyFlag    = flag.Bool("readonly", false, "Discard delivered data and never spawn capture agents")
)

// Default returns a fresh copy of the default configuration
func Default() *Configuration {
	return &Configuration{
		ServerID: 0, // Auto-generate
		DataDir:  "./cdcrelay-data",

		Server: ServerConfiguration{
			BindAddress:   "0.0.0.0",
			ProxyPort:     8890,
			CapturePort:   8891,
			MaxPacketSize: 8 * datasize.MB,
			ReadBufferKB:  64,
		},

		Pipeline: PipelineConfiguration{
			EncodeWorkers:     8,
			EncodeQueueSize:   1024,
			InboundQueueSize:  50000,
			OutboundQueueSize: 50000,
			WaitNum:           35000,
			WaitTimeMS:        2000,
			CompressThreshold: 0,
		},

		Detect: DetectConfiguration{
			IntervalSeconds:    120,
			SourceLeaseSeconds: 300,
			InitTimeoutSeconds: 300,
			PathRetainHours:    168, // 7 days
		},

		Capture: CaptureConfiguration{
			Invoker:    "script",
			Shell:      "/bin/sh",
			SpawnRate:  5,
			SpawnBurst: 10,
		},

		Auth: AuthConfiguration{
			Mode:            "allow_all",
			CacheSize:       1024,
			CacheTTLSeconds: 300,
		},

		Monitor: MonitorConfiguration{
			Enabled:         false,
			IntervalSeconds: 10,
			Topic:           "cdcrelay.metrics",
			Compress:        true,
		},

		Admin: AdminConfiguration{
			Enabled: true,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:                true,
			CollectIntervalSeconds: 15,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ServerIDFlag != 0 {
		Config.ServerID = *ServerIDFlag
	}
	if *ProxyPortFlag != 0 {
		Config.Server.ProxyPort = *ProxyPortFlag
	}
	if *CapturePortFlag != 0 {
		Config.Server.CapturePort = *CapturePortFlag
	}
	if *ReadOnlyFlag {
		Config.Server.ReadOnly = true
	}

	if Config.ServerID == 0 {
		var err error
		Config.ServerID, err = generateServerID()
		if err != nil {
			return fmt.Errorf("failed to generate server ID: %w", err)
		}
		log.Info().Uint64("server_id", Config.ServerID).Msg("Auto-generated server ID")
	}

	if Config.Capture.WorkDir == "" {
		Config.Capture.WorkDir = filepath.Join(Config.DataDir, "run")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateServerID creates a stable server ID based on machine ID
func generateServerID() (uint64, error) {
	id, err := machineid.ProtectedID("cdcrelay")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// Validate checks configuration for errors
func Validate() error {
	if !validPort(Config.Server.ProxyPort) {
		return fmt.Errorf("invalid proxy port: %d", Config.Server.ProxyPort)
	}
	if !validPort(Config.Server.CapturePort) {
		return fmt.Errorf("invalid capture port: %d", Config.Server.CapturePort)
	}
	if Config.Server.ProxyPort == Config.Server.CapturePort {
		return fmt.Errorf("proxy and capture ports must differ: %d", Config.Server.ProxyPort)
	}
	if Config.Server.MaxPacketSize < datasize.KB || Config.Server.MaxPacketSize > datasize.GB {
		return fmt.Errorf("max packet size must be between 1KB and 1GB, got %s", Config.Server.MaxPacketSize.HumanReadable())
	}

	p := Config.Pipeline
	if p.EncodeWorkers < 1 {
		return fmt.Errorf("encode workers must be >= 1")
	}
	if p.EncodeQueueSize < 1 {
		return fmt.Errorf("encode queue size must be >= 1")
	}
	if p.InboundQueueSize < 1 || p.OutboundQueueSize < 1 {
		return fmt.Errorf("pipeline queue sizes must be >= 1")
	}
	if p.WaitNum < 1 {
		return fmt.Errorf("wait num must be >= 1")
	}
	if p.WaitTimeMS < 1 {
		return fmt.Errorf("wait time must be >= 1ms")
	}

	d := Config.Detect
	if d.IntervalSeconds < 1 {
		return fmt.Errorf("detect interval must be >= 1 second")
	}
	if d.SourceLeaseSeconds < 1 {
		return fmt.Errorf("source lease must be >= 1 second")
	}
	if d.InitTimeoutSeconds < 1 {
		return fmt.Errorf("init timeout must be >= 1 second")
	}
	if d.PathRetainHours < 0 {
		return fmt.Errorf("path retain hours must be >= 0")
	}

	switch Config.Capture.Invoker {
	case "memory":
	case "script":
		if Config.Capture.StartScript == "" && !Config.Server.ReadOnly {
			return fmt.Errorf("capture start script is required for the script invoker")
		}
	default:
		return fmt.Errorf("invalid capture invoker: %s", Config.Capture.Invoker)
	}

	switch Config.Auth.Mode {
	case "allow_all", "allowlist":
	default:
		return fmt.Errorf("invalid auth mode: %s", Config.Auth.Mode)
	}
	if Config.Auth.CacheTTLSeconds < 0 {
		return fmt.Errorf("auth cache TTL must be >= 0")
	}

	if Config.Monitor.Enabled {
		if Config.Monitor.IntervalSeconds < 1 {
			return fmt.Errorf("monitor interval must be >= 1 second")
		}
		switch Config.Monitor.Sink {
		case "":
		case "nats":
			if Config.Monitor.NATS.URL == "" {
				return fmt.Errorf("monitor nats url is required")
			}
		case "kafka":
			if len(Config.Monitor.Kafka.Brokers) == 0 {
				return fmt.Errorf("monitor kafka brokers are required")
			}
		default:
			return fmt.Errorf("invalid monitor sink: %s", Config.Monitor.Sink)
		}
	}

	if Config.Prometheus.Enabled && Config.Prometheus.CollectIntervalSeconds < 1 {
		return fmt.Errorf("prometheus collect interval must be >= 1 second")
	}

	if Config.Logging.Format != "" && Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// WaitTime returns the batch collection timeout
func (p PipelineConfiguration) WaitTime() time.Duration {
	return time.Duration(p.WaitTimeMS) * time.Millisecond
}

// Interval returns the detection period
func (d DetectConfiguration) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds) * time.Second
}

// SourceLease returns how long a silent source is tolerated
func (d DetectConfiguration) SourceLease() time.Duration {
	return time.Duration(d.SourceLeaseSeconds) * time.Second
}

// InitTimeout returns how long a sink may wait for its source
func (d DetectConfiguration) InitTimeout() time.Duration {
	return time.Duration(d.InitTimeoutSeconds) * time.Second
}

// PathRetain returns how long unbound working directories are kept
func (d DetectConfiguration) PathRetain() time.Duration {
	return time.Duration(d.PathRetainHours) * time.Hour
}

// CollectInterval returns how often stream gauges are sampled
func (p PrometheusConfiguration) CollectInterval() time.Duration {
	return time.Duration(p.CollectIntervalSeconds) * time.Second
}
