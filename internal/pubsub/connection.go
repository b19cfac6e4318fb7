package pubsub

import (
	"sort"
	"sync"
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
)

// DefaultConnectionName is always registered.
const DefaultConnectionName = "Default"

const (
	DefaultNackDelay    = 10 * time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// ConnectionConfig describes how to reach one transport endpoint.
type ConnectionConfig struct {
	Name      string `json:"-"`
	ProjectID string `json:"project_id"`
	URL       string `json:"url"`

	// EmulatorHost, when set, replaces URL.
	EmulatorHost string `json:"emulator_host,omitempty"`

	// CredentialsJSON is inline credential material.
	CredentialsJSON string `json:"credentials_json,omitempty"`
	// CredentialsPath points at a credentials file.
	CredentialsPath string `json:"credentials_path,omitempty"`
	// Credential is a pre-built, transport specific credential.
	Credential any `json:"-"`

	NackDelay    time.Duration `json:"nack_delay,omitempty"`
	DrainTimeout time.Duration `json:"drain_timeout,omitempty"`
}

// Endpoint returns the address clients should dial.
func (c *ConnectionConfig) Endpoint() string {
	if c.EmulatorHost != "" {
		return c.EmulatorHost
	}
	return c.URL
}

// EffectiveNackDelay returns NackDelay or its default.
func (c *ConnectionConfig) EffectiveNackDelay() time.Duration {
	if c.NackDelay > 0 {
		return c.NackDelay
	}
	return DefaultNackDelay
}

// EffectiveDrainTimeout returns DrainTimeout or its default.
func (c *ConnectionConfig) EffectiveDrainTimeout() time.Duration {
	if c.DrainTimeout > 0 {
		return c.DrainTimeout
	}
	return DefaultDrainTimeout
}

// Connections is a name-keyed set of connection configs shared by transports.
type Connections struct {
	mu    sync.RWMutex
	conns map[string]*ConnectionConfig
}

// NewConnections returns a registry holding def under DefaultConnectionName
// plus any extra named connections.
func NewConnections(def ConnectionConfig, extra map[string]ConnectionConfig) *Connections {
	c := &Connections{conns: make(map[string]*ConnectionConfig, len(extra)+1)}
	for name, cfg := range extra {
		cfg := cfg
		cfg.Name = name
		c.conns[name] = &cfg
	}
	def.Name = DefaultConnectionName
	if existing, ok := c.conns[DefaultConnectionName]; ok {
		// An explicit "Default" entry in extra wins over the bare default.
		def = *existing
	}
	c.conns[DefaultConnectionName] = &def
	return c
}

// Get returns the named connection. Unknown names are a configuration error.
func (c *Connections) Get(name string) (*ConnectionConfig, error) {
	if name == "" {
		name = DefaultConnectionName
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.conns[name]
	if !ok {
		return nil, core.NewConfigurationError("unknown pub/sub connection "+name, map[string]any{
			"connection": name,
		})
	}
	return cfg, nil
}

// Names returns the registered connection names, sorted.
func (c *Connections) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.conns))
	for name := range c.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
