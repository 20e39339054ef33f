// Package config loads the offload daemon configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	InstanceID       string `yaml:"instance_id"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"` // default: 5

	Inference InferenceConfig `yaml:"inference"`
	Network   NetworkConfig   `yaml:"network"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Report    ReportConfig    `yaml:"report"`
}

// InferenceConfig selects the model and the remote service.
type InferenceConfig struct {
	AssetRoot        string `yaml:"asset_root"`         // models, labels and images live here
	ModelPath        string `yaml:"model_path"`         // relative to asset_root
	LabelsPath       string `yaml:"labels_path"`        // optional
	Framework        string `yaml:"framework"`          // tensor_filter framework
	ServiceName      string `yaml:"service_name"`       // remote service looked up for offloading
	OffloadTimeoutMS int    `yaml:"offload_timeout_ms"` // tensor_query_client timeout
	LocalTimeoutMS   int    `yaml:"local_timeout_ms"`   // local request expiry
	CompletionBuffer int    `yaml:"completion_buffer"`
}

// NetworkConfig determines the address advertised as the query client host.
type NetworkConfig struct {
	LocalIP   string `yaml:"local_ip"`  // wins over interface
	Interface string `yaml:"interface"` // e.g. wlan0; empty picks the first up non-loopback
}

// DiscoveryConfig lists the registry feeders.
type DiscoveryConfig struct {
	Static    []StaticService    `yaml:"static"`
	Advertise []AdvertiseService `yaml:"advertise"` // services served by this device
	MQTT      MQTTConfig         `yaml:"mqtt"`
	Gossip    GossipConfig       `yaml:"gossip"`
}

// AdvertiseService is a query server running on this device, announced to
// peers at the local IP.
type AdvertiseService struct {
	Name string `yaml:"name"`
	Port uint16 `yaml:"port"`
}

// StaticService is a registry entry known at startup.
type StaticService struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// GossipConfig configures the memberlist feeder.
type GossipConfig struct {
	Enabled   bool     `yaml:"enabled"`
	NodeName  string   `yaml:"node_name"`
	BindPort  int      `yaml:"bind_port"`
	SeedNodes []string `yaml:"seed_nodes"`
}

// ReportConfig configures result publishing.
type ReportConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// OffloadTimeout returns the query timeout as a duration.
func (c *Config) OffloadTimeout() time.Duration {
	return time.Duration(c.Inference.OffloadTimeoutMS) * time.Millisecond
}

// LocalTimeout returns the local request expiry as a duration.
func (c *Config) LocalTimeout() time.Duration {
	return time.Duration(c.Inference.LocalTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Overrides are environment variables applied on top of the file.
type Overrides struct {
	InstanceID     string        `envconfig:"OFFLOAD_INSTANCE_ID,optional"`
	AssetRoot      string        `envconfig:"OFFLOAD_ASSET_ROOT,optional"`
	ModelPath      string        `envconfig:"OFFLOAD_MODEL_PATH,optional"`
	ServiceName    string        `envconfig:"OFFLOAD_SERVICE_NAME,optional"`
	OffloadTimeout time.Duration `envconfig:"OFFLOAD_TIMEOUT,optional"`
	LocalIP        string        `envconfig:"OFFLOAD_LOCAL_IP,optional"`
	Interface      string        `envconfig:"OFFLOAD_INTERFACE,optional"`
	MQTTBroker     string        `envconfig:"OFFLOAD_MQTT_BROKER,optional"`
	GossipSeeds    []string      `envconfig:"OFFLOAD_GOSSIP_SEEDS,optional"`
}

// Apply copies every set override into cfg.
func (o Overrides) Apply(cfg *Config) {
	if o.InstanceID != "" {
		cfg.InstanceID = o.InstanceID
	}
	if o.AssetRoot != "" {
		cfg.Inference.AssetRoot = o.AssetRoot
	}
	if o.ModelPath != "" {
		cfg.Inference.ModelPath = o.ModelPath
	}
	if o.ServiceName != "" {
		cfg.Inference.ServiceName = o.ServiceName
	}
	if o.OffloadTimeout > 0 {
		cfg.Inference.OffloadTimeoutMS = int(o.OffloadTimeout.Milliseconds())
	}
	if o.LocalIP != "" {
		cfg.Network.LocalIP = o.LocalIP
	}
	if o.Interface != "" {
		cfg.Network.Interface = o.Interface
	}
	if o.MQTTBroker != "" {
		cfg.Discovery.MQTT.Broker = o.MQTTBroker
		cfg.Report.MQTT.Broker = o.MQTTBroker
	}
	if len(o.GossipSeeds) > 0 {
		cfg.Discovery.Gossip.SeedNodes = o.GossipSeeds
	}
}

// Parse decodes YAML, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var env Overrides
	if err := envconfig.Init(&env); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}
	env.Apply(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}
