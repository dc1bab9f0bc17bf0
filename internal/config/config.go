// Package config handles loading and validation of datapill configuration.
// It loads from an optional YAML file, .env files, environment variables,
// and CLI flags. Flags win over env vars, env vars over the file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Remote ledger
	RemoteBaseURL string // DATAPILL_REMOTE_URL
	APIKey        string // DATAPILL_API_KEY
	DeviceID      string // DATAPILL_DEVICE_ID (generated and persisted if empty)

	// Change notifications (optional; sync still works without a broker)
	MQTTBroker      string // DATAPILL_MQTT_BROKER (host:port)
	MQTTUsername    string // DATAPILL_MQTT_USERNAME
	MQTTPassword    string // DATAPILL_MQTT_PASSWORD
	MQTTTopicPrefix string // DATAPILL_MQTT_TOPIC_PREFIX

	// Sampling and sync cadence
	SampleInterval time.Duration // DATAPILL_SAMPLE_INTERVAL (seconds)
	SyncInterval   time.Duration // DATAPILL_SYNC_INTERVAL (seconds)

	// Connectivity probe
	ProbeAddr     string        // DATAPILL_PROBE_ADDR (host:port)
	ProbeInterval time.Duration // DATAPILL_PROBE_INTERVAL (seconds)

	// Web UI
	Port               int           // DATAPILL_PORT
	Host               string        // DATAPILL_HOST (bind address, default 0.0.0.0)
	AdminUser          string        // DATAPILL_ADMIN_USER
	AdminPass          string        // DATAPILL_ADMIN_PASS
	SessionIdleTimeout time.Duration // DATAPILL_SESSION_IDLE_TIMEOUT (seconds)

	// Storage and logging
	DBPath         string // DATAPILL_DB_PATH
	DBPathExplicit bool   // true if user explicitly set --db or DATAPILL_DB_PATH
	LogLevel       string // DATAPILL_LOG_LEVEL

	DebugMode bool // --debug flag (foreground mode)
	TestMode  bool // --test flag (test mode isolation)
}

// fileConfig is the YAML config file layout.
type fileConfig struct {
	Remote struct {
		URL      string `yaml:"url"`
		APIKey   string `yaml:"api_key"`
		DeviceID string `yaml:"device_id"`
	} `yaml:"remote"`
	MQTT struct {
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	SampleIntervalSec int    `yaml:"sample_interval"`
	SyncIntervalSec   int    `yaml:"sync_interval"`
	Probe             struct {
		Addr        string `yaml:"addr"`
		IntervalSec int    `yaml:"interval"`
	} `yaml:"probe"`
	Web struct {
		Port      int    `yaml:"port"`
		Host      string `yaml:"host"`
		AdminUser string `yaml:"admin_user"`
		AdminPass string `yaml:"admin_pass"`
	} `yaml:"web"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
}

// flagValues holds parsed CLI flags.
type flagValues struct {
	configFile string
	interval   int
	port       int
	db         string
	debug      bool
	test       bool
}

// Load reads configuration from the config file, .env file, environment
// variables, and CLI flags.
func Load() (*Config, error) {
	return loadWithArgs(os.Args[1:])
}

// loadWithArgs loads config with specific arguments (for testing).
func loadWithArgs(args []string) (*Config, error) {
	flags := &flagValues{}

	// Parse CLI flags manually to avoid flag.ExitOnError in tests
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--debug":
			flags.debug = true
		case arg == "--test":
			flags.test = true
		case strings.HasPrefix(arg, "--config="):
			flags.configFile = strings.TrimPrefix(arg, "--config=")
		case arg == "--config":
			if i+1 < len(args) {
				flags.configFile = args[i+1]
				i++
			}
		case strings.HasPrefix(arg, "--interval="):
			val := strings.TrimPrefix(arg, "--interval=")
			if v, err := strconv.Atoi(val); err == nil {
				flags.interval = v
			}
		case arg == "--interval":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.interval = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--port="):
			val := strings.TrimPrefix(arg, "--port=")
			if v, err := strconv.Atoi(val); err == nil {
				flags.port = v
			}
		case arg == "--port":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.port = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--db="):
			flags.db = strings.TrimPrefix(arg, "--db=")
		case arg == "--db":
			if i+1 < len(args) {
				flags.db = args[i+1]
				i++
			}
		}
	}

	return loadFromSources(flags)
}

// loadFromSources combines the config file, environment and CLI flags.
func loadFromSources(flags *flagValues) (*Config, error) {
	// Try to load .env file (ignore errors - file is optional)
	_ = godotenv.Load(".env")

	cfg := &Config{}

	// Config file first; everything after can override it.
	path := flags.configFile
	if path == "" {
		path = os.Getenv("DATAPILL_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("DATAPILL_REMOTE_URL"); v != "" {
		cfg.RemoteBaseURL = v
	}
	if v := os.Getenv("DATAPILL_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("DATAPILL_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}

	if v := os.Getenv("DATAPILL_MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = v
	}
	if v := os.Getenv("DATAPILL_MQTT_USERNAME"); v != "" {
		cfg.MQTTUsername = v
	}
	if v := os.Getenv("DATAPILL_MQTT_PASSWORD"); v != "" {
		cfg.MQTTPassword = v
	}
	if v := os.Getenv("DATAPILL_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTTTopicPrefix = v
	}

	// Sample interval (seconds)
	if flags.interval > 0 {
		cfg.SampleInterval = time.Duration(flags.interval) * time.Second
	} else if env := os.Getenv("DATAPILL_SAMPLE_INTERVAL"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.SampleInterval = time.Duration(v) * time.Second
		}
	}

	// Sync interval (seconds)
	if env := os.Getenv("DATAPILL_SYNC_INTERVAL"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.SyncInterval = time.Duration(v) * time.Second
		}
	}

	if v := os.Getenv("DATAPILL_PROBE_ADDR"); v != "" {
		cfg.ProbeAddr = v
	}
	if env := os.Getenv("DATAPILL_PROBE_INTERVAL"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.ProbeInterval = time.Duration(v) * time.Second
		}
	}

	// Port
	if flags.port > 0 {
		cfg.Port = flags.port
	} else if env := os.Getenv("DATAPILL_PORT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.Port = v
		}
	}
	if v := os.Getenv("DATAPILL_HOST"); v != "" {
		cfg.Host = v
	}

	// Admin credentials
	if v := os.Getenv("DATAPILL_ADMIN_USER"); v != "" {
		cfg.AdminUser = v
	}
	if v := os.Getenv("DATAPILL_ADMIN_PASS"); v != "" {
		cfg.AdminPass = v
	}

	// DB Path
	if flags.db != "" {
		cfg.DBPath = flags.db
		cfg.DBPathExplicit = true
	} else if envDB := os.Getenv("DATAPILL_DB_PATH"); envDB != "" {
		cfg.DBPath = envDB
		cfg.DBPathExplicit = true
	}

	if v := os.Getenv("DATAPILL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// Session Idle Timeout (seconds)
	if env := os.Getenv("DATAPILL_SESSION_IDLE_TIMEOUT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.SessionIdleTimeout = time.Duration(v) * time.Second
		}
	}

	cfg.DebugMode = flags.debug
	cfg.TestMode = flags.test

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile reads a YAML config file into the Config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	c.RemoteBaseURL = fc.Remote.URL
	c.APIKey = fc.Remote.APIKey
	c.DeviceID = fc.Remote.DeviceID
	c.MQTTBroker = fc.MQTT.Broker
	c.MQTTUsername = fc.MQTT.Username
	c.MQTTPassword = fc.MQTT.Password
	c.MQTTTopicPrefix = fc.MQTT.TopicPrefix
	if fc.SampleIntervalSec > 0 {
		c.SampleInterval = time.Duration(fc.SampleIntervalSec) * time.Second
	}
	if fc.SyncIntervalSec > 0 {
		c.SyncInterval = time.Duration(fc.SyncIntervalSec) * time.Second
	}
	c.ProbeAddr = fc.Probe.Addr
	if fc.Probe.IntervalSec > 0 {
		c.ProbeInterval = time.Duration(fc.Probe.IntervalSec) * time.Second
	}
	if fc.Web.Port > 0 {
		c.Port = fc.Web.Port
	}
	c.Host = fc.Web.Host
	c.AdminUser = fc.Web.AdminUser
	c.AdminPass = fc.Web.AdminPass
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
		c.DBPathExplicit = true
	}
	c.LogLevel = fc.LogLevel
	return nil
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.RemoteBaseURL == "" {
		c.RemoteBaseURL = "https://ledger.datapill.app/v1"
	}
	if c.MQTTTopicPrefix == "" {
		c.MQTTTopicPrefix = "datapill"
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = 60 * time.Second
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 15 * time.Minute
	}
	if c.ProbeAddr == "" {
		c.ProbeAddr = "1.1.1.1:443"
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.Port == 0 {
		c.Port = 9311
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.AdminUser == "" {
		c.AdminUser = "admin"
	}
	if c.AdminPass == "" {
		c.AdminPass = "changeme"
	}
	if c.DBPath == "" {
		if c.isDockerEnvironment() {
			c.DBPath = "/data/datapill.db"
		} else {
			home, err := os.UserHomeDir()
			if err != nil || home == "" {
				c.DBPath = "./datapill.db"
			} else {
				c.DBPath = filepath.Join(home, ".datapill", "data", "datapill.db")
			}
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = 600 * time.Second
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	minInterval := 10 * time.Second
	maxInterval := 3600 * time.Second
	if c.SampleInterval < minInterval {
		return fmt.Errorf("sample interval must be at least %v", minInterval)
	}
	if c.SampleInterval > maxInterval {
		return fmt.Errorf("sample interval must be at most %v", maxInterval)
	}

	if c.SyncInterval < time.Minute {
		return fmt.Errorf("sync interval must be at least 1m")
	}

	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535")
	}

	if c.ProbeAddr != "" && !strings.Contains(c.ProbeAddr, ":") {
		return fmt.Errorf("probe address must be host:port, got %q", c.ProbeAddr)
	}

	return nil
}

// HasMQTT reports whether a change-notification broker is configured.
func (c *Config) HasMQTT() bool {
	return c.MQTTBroker != ""
}

// String returns a redacted string representation of the config.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  RemoteBaseURL: %s,\n", c.RemoteBaseURL)
	fmt.Fprintf(&sb, "  APIKey: %s,\n", redactSecret(c.APIKey))
	fmt.Fprintf(&sb, "  DeviceID: %s,\n", c.DeviceID)
	if c.HasMQTT() {
		fmt.Fprintf(&sb, "  MQTTBroker: %s,\n", c.MQTTBroker)
		fmt.Fprintf(&sb, "  MQTTTopicPrefix: %s,\n", c.MQTTTopicPrefix)
	}
	fmt.Fprintf(&sb, "  SampleInterval: %v,\n", c.SampleInterval)
	fmt.Fprintf(&sb, "  SyncInterval: %v,\n", c.SyncInterval)
	fmt.Fprintf(&sb, "  ProbeAddr: %s,\n", c.ProbeAddr)
	fmt.Fprintf(&sb, "  Port: %d,\n", c.Port)
	fmt.Fprintf(&sb, "  AdminUser: %s,\n", c.AdminUser)
	fmt.Fprintf(&sb, "  AdminPass: ****,\n")
	fmt.Fprintf(&sb, "  DBPath: %s,\n", c.DBPath)
	fmt.Fprintf(&sb, "  LogLevel: %s,\n", c.LogLevel)
	fmt.Fprintf(&sb, "  DebugMode: %v,\n", c.DebugMode)
	fmt.Fprintf(&sb, "}")
	return sb.String()
}

// redactSecret masks a secret for display.
func redactSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 7 {
		return "***...***"
	}
	return s[:4] + "***...***" + s[len(s)-3:]
}

// LogWriter returns the appropriate log destination based on debug mode.
// In debug mode or Docker it returns os.Stdout; in background mode it
// returns a file handle next to the database.
func (c *Config) LogWriter() (io.Writer, error) {
	if c.DebugMode || c.isDockerEnvironment() {
		return os.Stdout, nil
	}

	logName := ".datapill.log"
	if c.TestMode {
		logName = ".datapill-test.log"
	}
	logPath := filepath.Join(filepath.Dir(c.DBPath), logName)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// isDockerEnvironment detects if running inside a Docker container.
func (c *Config) isDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("DOCKER_CONTAINER") != ""
}
