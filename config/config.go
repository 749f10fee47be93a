// Package config defines the process configuration (spec §6
// "Configuration"): CLI flags, a JSON file overlay, and an optional .env
// file overlay, following the same layered shape the teacher uses for its
// own Config.
//
// Grounded on xtaci-kcptun/server/config.go (flat JSON-tagged struct +
// parseJSONConfig) and xtaci-kcptun/client/config_test.go's table-driven
// test shape; the .env overlay follows R2Northstar-Atlas/cmd/atlas/main.go's
// readEnv helper built on hashicorp/go-envparse.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-envparse"
	"github.com/urfave/cli"
)

// Protocol selects which transports the event loop listens on.
type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoBoth Protocol = "both"
)

// Config is the full process configuration.
type Config struct {
	ListenTCP string   `json:"listen_tcp"`
	ListenUDP string   `json:"listen_udp"`
	Protocol  Protocol `json:"protocol"`

	KeyFile        string `json:"key_file"`
	RidsDir        string `json:"rids_dir"`
	BusPath        string `json:"bus_path"`
	KeyRequestPath string `json:"key_request_path"`

	WorkerPool        int `json:"worker_pool"`
	SenderPool        int `json:"sender_pool"`
	QueueSize         int `json:"queue_size"`
	KeyUpdateInterval int `json:"key_update_interval"` // seconds, [1, 3600]
	RidsClosingTime   int `json:"rids_closing_time"`   // seconds
	EventWaitTimeoutMs int `json:"event_wait_timeout_ms"`
	MaxMessageSize    int `json:"max_message_size"`
	HighWaterMark     int `json:"high_water_mark"`

	MetricsListen string `json:"metrics_listen"`
	Log           string `json:"log"`
	LogLevel      string `json:"log_level"`
	Quiet         bool   `json:"quiet"`
}

// Flags is the CLI surface, mirroring the teacher's myApp.Flags shape.
func Flags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "listen-tcp", Value: ":9900", Usage: "agent TCP listen address"},
		cli.StringFlag{Name: "listen-udp", Value: ":9900", Usage: "agent UDP listen address"},
		cli.StringFlag{Name: "protocol", Value: "both", Usage: "tcp, udp, or both"},
		cli.StringFlag{Name: "key-file", Value: "keys.ndjson", Usage: "path to the newline-delimited JSON key file"},
		cli.StringFlag{Name: "rids-dir", Value: "rids", Usage: "directory holding per-agent rids files"},
		cli.StringFlag{Name: "bus-path", Value: "/var/run/agentsec/bus.sock", Usage: "downstream bus unix datagram socket"},
		cli.StringFlag{Name: "key-request-path", Value: "/var/run/agentsec/keyreq.sock", Usage: "key-provisioning back-end unix datagram socket"},
		cli.IntFlag{Name: "worker-pool", Value: 4, Usage: "number of worker goroutines, 1-16"},
		cli.IntFlag{Name: "sender-pool", Value: 4, Usage: "number of sender goroutines, 1-64"},
		cli.IntFlag{Name: "queue-size", Value: 4096, Usage: "inbound message queue capacity"},
		cli.IntFlag{Name: "key-update-interval", Value: 60, Usage: "key-file reload interval in seconds, 1-3600"},
		cli.IntFlag{Name: "rids-closing-time", Value: 3600, Usage: "idle threshold for closing rids handles, in seconds"},
		cli.IntFlag{Name: "event-wait-timeout-ms", Value: 1000, Usage: "notifier Wait timeout in milliseconds"},
		cli.IntFlag{Name: "max-message-size", Value: 65536, Usage: "maximum accepted frame/datagram payload size"},
		cli.IntFlag{Name: "high-water-mark", Value: 1 << 20, Usage: "per-socket buffer high-water mark in bytes"},
		cli.StringFlag{Name: "metrics-listen", Value: "", Usage: "address to expose Prometheus metrics on, empty disables"},
		cli.StringFlag{Name: "log", Value: "", Usage: "log file path, empty goes to stderr"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "zerolog level: debug, info, warn, error"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-connection info logs"},
		cli.StringFlag{Name: "env-file", Value: "", Usage: "optional .env-format file overlaid onto CLI defaults"},
		cli.StringFlag{Name: "c", Value: "", Usage: "config from JSON file, overrides CLI and env-file values"},
	}
}

// FromContext builds a Config from parsed CLI flags.
func FromContext(c *cli.Context) Config {
	return Config{
		ListenTCP:          c.String("listen-tcp"),
		ListenUDP:          c.String("listen-udp"),
		Protocol:           Protocol(c.String("protocol")),
		KeyFile:            c.String("key-file"),
		RidsDir:            c.String("rids-dir"),
		BusPath:            c.String("bus-path"),
		KeyRequestPath:     c.String("key-request-path"),
		WorkerPool:         c.Int("worker-pool"),
		SenderPool:         c.Int("sender-pool"),
		QueueSize:          c.Int("queue-size"),
		KeyUpdateInterval:  c.Int("key-update-interval"),
		RidsClosingTime:    c.Int("rids-closing-time"),
		EventWaitTimeoutMs: c.Int("event-wait-timeout-ms"),
		MaxMessageSize:     c.Int("max-message-size"),
		HighWaterMark:      c.Int("high-water-mark"),
		MetricsListen:      c.String("metrics-listen"),
		Log:                c.String("log"),
		LogLevel:           c.String("log-level"),
		Quiet:              c.Bool("quiet"),
	}
}

// parseJSONConfig overlays path's JSON object onto cfg, same shape as the
// teacher's function of the same name.
func parseJSONConfig(cfg *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(cfg)
}

// LoadJSONOverlay applies path's JSON object onto cfg if path is non-empty.
func LoadJSONOverlay(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	return parseJSONConfig(cfg, path)
}

// envOverlay maps recognized env-file keys onto Config fields. Only a
// handful of fields are meaningful to override outside of CLI flags or the
// JSON file; everything else stays CLI/JSON-only.
func envOverlay(cfg *Config, env map[string]string) {
	if v, ok := env["AGENTSEC_KEY_FILE"]; ok {
		cfg.KeyFile = v
	}
	if v, ok := env["AGENTSEC_BUS_PATH"]; ok {
		cfg.BusPath = v
	}
	if v, ok := env["AGENTSEC_KEY_REQUEST_PATH"]; ok {
		cfg.KeyRequestPath = v
	}
	if v, ok := env["AGENTSEC_LOG_LEVEL"]; ok {
		cfg.LogLevel = v
	}
}

// LoadEnvOverlay reads an .env-format file at path (hashicorp/go-envparse
// syntax) and overlays recognized AGENTSEC_* keys onto cfg. An empty path
// is a no-op; a path naming a file that does not exist is an error.
func LoadEnvOverlay(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	env, err := envparse.Parse(f)
	if err != nil {
		return fmt.Errorf("parse env file %s: %w", path, err)
	}
	envOverlay(cfg, env)
	return nil
}

// Validate enforces the bounds named in spec §6 and rejects configurations
// that cannot start the process.
func (c *Config) Validate() error {
	if c.WorkerPool < 1 || c.WorkerPool > 16 {
		return fmt.Errorf("worker_pool must be in [1, 16], got %d", c.WorkerPool)
	}
	if c.SenderPool < 1 || c.SenderPool > 64 {
		return fmt.Errorf("sender_pool must be in [1, 64], got %d", c.SenderPool)
	}
	if c.KeyUpdateInterval < 1 || c.KeyUpdateInterval > 3600 {
		return fmt.Errorf("key_update_interval must be in [1, 3600], got %d", c.KeyUpdateInterval)
	}
	if c.RidsClosingTime < 1 {
		return fmt.Errorf("rids_closing_time must be positive, got %d", c.RidsClosingTime)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	switch c.Protocol {
	case ProtoTCP, ProtoUDP, ProtoBoth:
	default:
		return fmt.Errorf("protocol must be tcp, udp, or both, got %q", c.Protocol)
	}
	if c.Protocol == ProtoTCP || c.Protocol == ProtoBoth {
		if c.ListenTCP == "" {
			return fmt.Errorf("listen_tcp must be set when protocol enables TCP")
		}
	}
	if c.Protocol == ProtoUDP || c.Protocol == ProtoBoth {
		if c.ListenUDP == "" {
			return fmt.Errorf("listen_udp must be set when protocol enables UDP")
		}
	}
	if c.KeyFile == "" {
		return fmt.Errorf("key_file must be set")
	}
	if c.BusPath == "" {
		return fmt.Errorf("bus_path must be set")
	}
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	return nil
}
