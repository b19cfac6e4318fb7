package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/queue"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/scheduler"
)

// Transports.
const (
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// Config holds worker configuration from environment variables and an
// optional JSON file.
type Config struct {
	Port            string
	GRPCPort        string
	Transport       string
	NatsURL         string
	ProjectID       string
	CredentialsPath string
	Consume         []string
	LogLevel        string
	ConfigFile      string

	NackDelay       time.Duration
	DrainTimeout    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Loaded from ConfigFile.
	BackgroundJobs queue.Options
	Connections    map[string]pubsub.ConnectionConfig
	Queues         map[string]queue.Override
	Schedules      []scheduler.Schedule
}

// LoadConfig reads configuration from environment variables with defaults,
// then overlays OJS_CONFIG_FILE when set.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:            getEnv("OJS_PORT", "8080"),
		GRPCPort:        getEnv("OJS_GRPC_PORT", "9090"),
		Transport:       getEnv("OJS_TRANSPORT", TransportNATS),
		NatsURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		ProjectID:       getEnv("OJS_PROJECT_ID", "ojs"),
		CredentialsPath: getEnv("NATS_CREDS", ""),
		Consume:         splitList(getEnv("OJS_CONSUME", "*")),
		LogLevel:        getEnv("OJS_LOG_LEVEL", "info"),
		ConfigFile:      getEnv("OJS_CONFIG_FILE", ""),

		NackDelay:       getEnvDuration("OJS_NACK_DELAY", pubsub.DefaultNackDelay),
		DrainTimeout:    getEnvDuration("OJS_DRAIN_TIMEOUT", pubsub.DefaultDrainTimeout),
		ReadTimeout:     getEnvDuration("OJS_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("OJS_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("OJS_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: getEnvDuration("OJS_SHUTDOWN_TIMEOUT", 30*time.Second),

		BackgroundJobs: queue.DefaultOptions(),
	}
	cfg.BackgroundJobs.PrefetchCount = getEnvInt("OJS_PREFETCH", cfg.BackgroundJobs.PrefetchCount)
	cfg.BackgroundJobs.AutoCreateTopics = getEnvBool("OJS_AUTO_CREATE", cfg.BackgroundJobs.AutoCreateTopics)
	cfg.BackgroundJobs.AutoCreateSubscriptions = cfg.BackgroundJobs.AutoCreateTopics

	switch cfg.Transport {
	case TransportNATS, TransportMemory:
	default:
		return cfg, core.NewConfigurationError("unknown transport "+cfg.Transport, map[string]any{
			"transport": cfg.Transport,
			"supported": []string{TransportNATS, TransportMemory},
		})
	}

	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.applyFile(data); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", cfg.ConfigFile, err)
		}
	}
	return cfg, nil
}

// DefaultConnection is the connection built from the environment.
func (c Config) DefaultConnection() pubsub.ConnectionConfig {
	return pubsub.ConnectionConfig{
		ProjectID:       c.ProjectID,
		URL:             c.NatsURL,
		CredentialsPath: c.CredentialsPath,
		NackDelay:       c.NackDelay,
		DrainTimeout:    c.DrainTimeout,
	}
}

type fileConfig struct {
	Connections    map[string]fileConnection `json:"connections"`
	BackgroundJobs json.RawMessage           `json:"background_jobs"`
	Queues         map[string]queue.Override `json:"queues"`
	Schedules      []scheduler.Schedule      `json:"schedules"`
}

type fileConnection struct {
	ProjectID       string          `json:"project_id"`
	URL             string          `json:"url"`
	EmulatorHost    string          `json:"emulator_host"`
	Credentials     json.RawMessage `json:"credentials"`
	CredentialsPath string          `json:"credentials_path"`
	NackDelay       string          `json:"nack_delay"`
	DrainTimeout    string          `json:"drain_timeout"`
}

func (c *Config) applyFile(data []byte) error {
	var f fileConfig
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	// Fields absent from background_jobs keep their current values.
	if len(f.BackgroundJobs) > 0 {
		if err := json.Unmarshal(f.BackgroundJobs, &c.BackgroundJobs); err != nil {
			return fmt.Errorf("background_jobs: %w", err)
		}
	}

	if len(f.Connections) > 0 {
		c.Connections = make(map[string]pubsub.ConnectionConfig, len(f.Connections))
	}
	for name, fc := range f.Connections {
		conn := pubsub.ConnectionConfig{
			ProjectID:       fc.ProjectID,
			URL:             fc.URL,
			EmulatorHost:    fc.EmulatorHost,
			CredentialsPath: fc.CredentialsPath,
		}
		if conn.ProjectID == "" {
			conn.ProjectID = c.ProjectID
		}
		if conn.URL == "" {
			conn.URL = c.NatsURL
		}
		if len(fc.Credentials) > 0 {
			conn.CredentialsJSON = string(fc.Credentials)
		}
		var err error
		if conn.NackDelay, err = parseFileDuration(fc.NackDelay, c.NackDelay); err != nil {
			return fmt.Errorf("connections.%s.nack_delay: %w", name, err)
		}
		if conn.DrainTimeout, err = parseFileDuration(fc.DrainTimeout, c.DrainTimeout); err != nil {
			return fmt.Errorf("connections.%s.drain_timeout: %w", name, err)
		}
		c.Connections[name] = conn
	}

	c.Queues = f.Queues
	c.Schedules = f.Schedules
	return nil
}

func parseFileDuration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	return core.ParseDelay(v)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := core.ParseDelay(val); err == nil {
			return d
		}
	}
	return defaultVal
}
