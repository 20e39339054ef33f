package config

import (
	"fmt"
	"net"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "offload-edge"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	inf := &cfg.Inference
	if inf.AssetRoot == "" {
		inf.AssetRoot = "."
	}
	if inf.ModelPath == "" {
		inf.ModelPath = "models/mobilenet_v1_1.0_224_quant.tflite"
	}
	if inf.Framework == "" {
		inf.Framework = "tensorflow-lite"
	}
	if inf.ServiceName == "" {
		inf.ServiceName = "mobilenet_v1_1.0_224_quant"
	}
	if inf.OffloadTimeoutMS < 0 {
		return fmt.Errorf("inference.offload_timeout_ms must be >= 0")
	}
	if inf.OffloadTimeoutMS == 0 {
		inf.OffloadTimeoutMS = 1000
	}
	if inf.LocalTimeoutMS < 0 {
		return fmt.Errorf("inference.local_timeout_ms must be >= 0")
	}
	if inf.LocalTimeoutMS == 0 {
		inf.LocalTimeoutMS = 5000
	}
	if inf.CompletionBuffer <= 0 {
		inf.CompletionBuffer = 16
	}

	if ip := cfg.Network.LocalIP; ip != "" && net.ParseIP(ip) == nil {
		return fmt.Errorf("network.local_ip %q is not an IP address", ip)
	}

	for i, s := range cfg.Discovery.Static {
		if s.Name == "" || s.IP == "" || s.Port == 0 {
			return fmt.Errorf("discovery.static[%d]: name, ip and port are required", i)
		}
	}

	for i, a := range cfg.Discovery.Advertise {
		if a.Name == "" || a.Port == 0 {
			return fmt.Errorf("discovery.advertise[%d]: name and port are required", i)
		}
	}

	if err := validateMQTT("discovery.mqtt", &cfg.Discovery.MQTT, "offload/services"); err != nil {
		return err
	}
	if err := validateMQTT("report.mqtt", &cfg.Report.MQTT, "offload/results/"+cfg.InstanceID); err != nil {
		return err
	}

	g := &cfg.Discovery.Gossip
	if g.Enabled {
		if g.NodeName == "" {
			g.NodeName = cfg.InstanceID
		}
		if g.BindPort < 0 || g.BindPort > 65535 {
			return fmt.Errorf("discovery.gossip.bind_port out of range: %d", g.BindPort)
		}
		if g.BindPort == 0 {
			g.BindPort = 7946
		}
	}

	return nil
}

func validateMQTT(section string, m *MQTTConfig, defaultPrefix string) error {
	if !m.Enabled {
		return nil
	}
	if m.Broker == "" {
		return fmt.Errorf("%s.broker is required when enabled", section)
	}
	if m.QoS > 2 {
		return fmt.Errorf("%s.qos must be 0, 1 or 2", section)
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = defaultPrefix
	}
	return nil
}
