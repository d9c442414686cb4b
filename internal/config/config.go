package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all manager configuration, loaded from a YAML file.
type Config struct {
	// Filesystem layout
	AgentsDir    string `yaml:"agents_dir"`
	TemplatesDir string `yaml:"templates_dir"`
	ManifestPath string `yaml:"manifest_path"`
	DBPath       string `yaml:"db_path"`

	Ports      PortsConfig      `yaml:"ports"`
	Images     ImagesConfig     `yaml:"images"`
	Nginx      NginxConfig      `yaml:"nginx"`
	Retention  RetentionConfig  `yaml:"retention"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Deployment DeploymentConfig `yaml:"deployments"`
	API        APIConfig        `yaml:"api"`
	Servers    []ServerConfig   `yaml:"servers"`

	// EncryptionSecret derives the AEAD key sealing tokens at rest.
	// Read from CIRIS_ENCRYPTION_SECRET, never from the YAML file.
	EncryptionSecret string `yaml:"-"`

	LogJSON bool `yaml:"log_json"`
}

// PortsConfig defines the allocator range and reserved ports.
type PortsConfig struct {
	Start    int   `yaml:"start"`
	End      int   `yaml:"end"`
	Reserved []int `yaml:"reserved"`
}

// ImagesConfig names the container registry and default agent image.
type ImagesConfig struct {
	Registry     string `yaml:"registry"`
	DefaultImage string `yaml:"default_image"`
	GUIImage     string `yaml:"gui_image"`
}

// NginxConfig controls reverse-proxy reconciliation.
type NginxConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ConfigDir     string `yaml:"config_dir"`
	ContainerName string `yaml:"container_name"`
}

// RetentionConfig controls periodic image cleanup.
type RetentionConfig struct {
	VersionsToKeep int           `yaml:"versions_to_keep"`
	Interval       time.Duration `yaml:"interval"`
}

// RecoveryConfig controls the crash-recovery loop.
type RecoveryConfig struct {
	CheckInterval    time.Duration `yaml:"check_interval"`
	DeploymentWindow time.Duration `yaml:"deployment_window"`
}

// DeploymentConfig controls canary rollouts and health gates.
type DeploymentConfig struct {
	ExplorerPercent     int           `yaml:"explorer_percent"`
	EarlyAdopterPercent int           `yaml:"early_adopter_percent"`
	WaitForWork         time.Duration `yaml:"wait_for_work"`
	Stability           time.Duration `yaml:"stability"`
}

// APIConfig controls the control-plane HTTP server.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ServerConfig describes one Docker host the manager controls.
type ServerConfig struct {
	ServerID string `yaml:"server_id"`
	Hostname string `yaml:"hostname"`
	IsLocal  bool   `yaml:"is_local"`

	// Remote-only fields.
	VPCIP      string `yaml:"vpc_ip,omitempty"`
	DockerHost string `yaml:"docker_host,omitempty"` // e.g. tcp://10.0.0.2:2376
	TLSCA      string `yaml:"tls_ca,omitempty"`
	TLSCert    string `yaml:"tls_cert,omitempty"`
	TLSKey     string `yaml:"tls_key,omitempty"`
}

// Load reads the YAML config at path, applies defaults, and pulls the
// encryption secret from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.EncryptionSecret = os.Getenv("CIRIS_ENCRYPTION_SECRET")
	return cfg, nil
}

// Default returns a Config with every field set to its default value.
// Defaults are materialized here, never at read time.
func Default() *Config {
	return &Config{
		AgentsDir:    "/opt/ciris/agents",
		TemplatesDir: "/opt/ciris/templates",
		ManifestPath: "/opt/ciris/templates/pre-approved.json",
		DBPath:       "/opt/ciris/manager.db",
		Ports:        PortsConfig{Start: 8080, End: 8199},
		Images: ImagesConfig{
			Registry:     "ghcr.io/cirisai",
			DefaultImage: "ciris-agent:latest",
		},
		Nginx: NginxConfig{
			Enabled:       true,
			ConfigDir:     "/home/ciris/nginx",
			ContainerName: "ciris-nginx",
		},
		Retention: RetentionConfig{VersionsToKeep: 3, Interval: 24 * time.Hour},
		Recovery:  RecoveryConfig{CheckInterval: 30 * time.Second, DeploymentWindow: 5 * time.Minute},
		Deployment: DeploymentConfig{
			ExplorerPercent:     10,
			EarlyAdopterPercent: 30,
			WaitForWork:         10 * time.Minute,
			Stability:           2 * time.Minute,
		},
		API:     APIConfig{Host: "127.0.0.1", Port: 8888},
		Servers: []ServerConfig{{ServerID: "main", Hostname: "localhost", IsLocal: true}},
		LogJSON: true,
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.AgentsDir == "" {
		errs = append(errs, errors.New("agents_dir must be set"))
	}
	if c.TemplatesDir == "" {
		errs = append(errs, errors.New("templates_dir must be set"))
	}
	if c.Ports.Start <= 0 || c.Ports.End < c.Ports.Start {
		errs = append(errs, fmt.Errorf("ports range %d-%d is invalid", c.Ports.Start, c.Ports.End))
	}
	if c.Retention.VersionsToKeep < 1 {
		errs = append(errs, fmt.Errorf("retention.versions_to_keep must be >= 1, got %d", c.Retention.VersionsToKeep))
	}
	if c.Recovery.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("recovery.check_interval must be > 0, got %s", c.Recovery.CheckInterval))
	}
	if c.Recovery.DeploymentWindow < 0 {
		errs = append(errs, fmt.Errorf("recovery.deployment_window must be >= 0, got %s", c.Recovery.DeploymentWindow))
	}
	if len(c.Servers) == 0 {
		errs = append(errs, errors.New("at least one server must be configured"))
	}
	seen := make(map[string]bool)
	localCount := 0
	for _, s := range c.Servers {
		if s.ServerID == "" {
			errs = append(errs, errors.New("server entries must have server_id"))
			continue
		}
		if seen[s.ServerID] {
			errs = append(errs, fmt.Errorf("duplicate server_id %q", s.ServerID))
		}
		seen[s.ServerID] = true
		if s.IsLocal {
			localCount++
			continue
		}
		if s.DockerHost == "" {
			errs = append(errs, fmt.Errorf("server %s: remote hosts need docker_host", s.ServerID))
		}
		if s.TLSCA == "" || s.TLSCert == "" || s.TLSKey == "" {
			errs = append(errs, fmt.Errorf("server %s: remote hosts need tls_ca, tls_cert, and tls_key", s.ServerID))
		}
	}
	if localCount > 1 {
		errs = append(errs, fmt.Errorf("only one server may be local, got %d", localCount))
	}
	if c.EncryptionSecret == "" {
		errs = append(errs, errors.New("CIRIS_ENCRYPTION_SECRET must be set"))
	}
	return errors.Join(errs...)
}

// Server returns the configuration for a host by id.
func (c *Config) Server(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ServerID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}
