// Package compose renders, rewrites, and translates the per-agent
// docker-compose document. Rendering is a pure function of its input;
// the same input always yields the same bytes.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cirisai/ciris-manager/internal/docker"
)

const (
	// ContainerPort is the fixed in-container API port.
	ContainerPort = 8080
	// namePrefix is prepended to the agent id to form the container name.
	namePrefix = "ciris"

	agentHome = "/app"
)

// Input is everything the renderer needs. Environment overrides are
// merged over the base map; values here may be sensitive and must not
// be logged.
type Input struct {
	AgentID         string
	Template        string
	HostID          string
	Port            int
	Image           string
	OAuthDir        string            // shared OAuth config dir, mounted read-only
	CallbackBaseURL string            // external base URL for OAuth callbacks
	DeploymentGroup string            // canary group, omitted from labels when empty
	Environment     map[string]string // caller overrides of the base env
	EnabledAdapters []string          // adapters switched on during creation
	CreatedAt       time.Time
}

// Healthcheck mirrors the compose healthcheck block.
type Healthcheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
}

// Service is one compose service. Environment and labels are kept as
// sorted KEY=VALUE lists so serialization is deterministic.
type Service struct {
	ContainerName string       `yaml:"container_name"`
	Image         string       `yaml:"image"`
	Ports         []string     `yaml:"ports"`
	Environment   []string     `yaml:"environment"`
	Volumes       []string     `yaml:"volumes"`
	Labels        []string     `yaml:"labels"`
	Healthcheck   *Healthcheck `yaml:"healthcheck,omitempty"`
	Restart       string       `yaml:"restart"`
}

// Document is the on-disk compose shape, one service keyed by agent id.
type Document struct {
	Services map[string]*Service `yaml:"services"`
}

// ContainerName returns the container name for an agent id.
func ContainerName(agentID string) string {
	return namePrefix + "-" + agentID
}

// Render produces the canonical compose document for one agent.
func Render(in Input) *Document {
	env := baseEnvironment(in)
	for k, v := range in.Environment {
		env[k] = v
	}
	env["ADAPTER_CHANNELS"] = strings.Join(adapterChannels(in, env), ",")

	labels := map[string]string{
		docker.LabelAgentID:  in.AgentID,
		docker.LabelTemplate: in.Template,
		docker.LabelCreated:  in.CreatedAt.UTC().Format(time.RFC3339),
		docker.LabelHostID:   in.HostID,
	}
	if in.DeploymentGroup != "" {
		labels[docker.LabelDeploymentGroup] = in.DeploymentGroup
	}

	svc := &Service{
		ContainerName: ContainerName(in.AgentID),
		Image:         in.Image,
		Ports:         []string{fmt.Sprintf("%d:%d", in.Port, ContainerPort)},
		Environment:   sortedPairs(env),
		Volumes:       volumes(in),
		Labels:        sortedPairs(labels),
		Healthcheck: &Healthcheck{
			Test:        []string{"CMD", "curl", "-f", fmt.Sprintf("http://localhost:%d/v1/system/health", ContainerPort)},
			Interval:    "30s",
			Timeout:     "10s",
			Retries:     3,
			StartPeriod: "40s",
		},
		// Lifecycle is manager-driven; the recovery loop decides restarts.
		Restart: "no",
	}

	return &Document{Services: map[string]*Service{in.AgentID: svc}}
}

func baseEnvironment(in Input) map[string]string {
	return map[string]string{
		"AGENT_ID":                in.AgentID,
		"TEMPLATE":                in.Template,
		"API_HOST":                "0.0.0.0",
		"API_PORT":                fmt.Sprintf("%d", ContainerPort),
		"OAUTH_CALLBACK_BASE_URL": in.CallbackBaseURL,
		"BILLING_ENABLED":         "false",
	}
}

// adapterChannels builds the channel list: "api" always, "discord" when
// a bot token is present, plus every adapter enabled during creation.
func adapterChannels(in Input, env map[string]string) []string {
	channels := []string{"api"}
	seen := map[string]bool{"api": true}
	if env["DISCORD_BOT_TOKEN"] != "" {
		channels = append(channels, "discord")
		seen["discord"] = true
	}
	adapters := append([]string(nil), in.EnabledAdapters...)
	sort.Strings(adapters)
	for _, a := range adapters {
		if a == "" || seen[a] {
			continue
		}
		channels = append(channels, a)
		seen[a] = true
	}
	return channels
}

// volumes lists the bind mounts. Per-agent sources are relative so the
// remote start path can rebase them onto the target host's agent dir.
func volumes(in Input) []string {
	v := []string{
		"./data:" + agentHome + "/data",
		"./data_archive:" + agentHome + "/data_archive",
		"./logs:" + agentHome + "/logs",
		"./config:" + agentHome + "/config",
		"./audit_keys:" + agentHome + "/audit_keys",
		"./.secrets:" + agentHome + "/.secrets",
		"./init_permissions.sh:/docker-init.sh:ro",
	}
	if in.OAuthDir != "" {
		v = append(v, in.OAuthDir+":/home/ciris/shared/oauth:ro")
	}
	return v
}

func sortedPairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Agent returns the document's single service and its key.
func (d *Document) Agent() (string, *Service, error) {
	if len(d.Services) != 1 {
		return "", nil, fmt.Errorf("compose document has %d services, want 1", len(d.Services))
	}
	for name, svc := range d.Services {
		return name, svc, nil
	}
	return "", nil, nil // unreachable
}

// SetImage replaces the service image, used when relaunching an agent
// on a new version without re-rendering the whole document.
func (d *Document) SetImage(image string) error {
	_, svc, err := d.Agent()
	if err != nil {
		return err
	}
	svc.Image = image
	return nil
}

// MergeEnvironment merges overrides into the service environment. A
// nil or empty value deletes the key. The list stays sorted.
func (d *Document) MergeEnvironment(overrides map[string]*string) error {
	_, svc, err := d.Agent()
	if err != nil {
		return err
	}

	env := make(map[string]string, len(svc.Environment))
	for _, pair := range svc.Environment {
		k, v, _ := strings.Cut(pair, "=")
		env[k] = v
	}
	for k, v := range overrides {
		if v == nil || *v == "" {
			delete(env, k)
			continue
		}
		env[k] = *v
	}
	svc.Environment = sortedPairs(env)
	return nil
}

// Environment returns the service environment as a map.
func (d *Document) Environment() (map[string]string, error) {
	_, svc, err := d.Agent()
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(svc.Environment))
	for _, pair := range svc.Environment {
		k, v, _ := strings.Cut(pair, "=")
		env[k] = v
	}
	return env, nil
}

// Marshal serializes the document deterministically.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Unmarshal parses a compose document previously produced by Render.
func Unmarshal(data []byte) (*Document, error) {
	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse compose document: %w", err)
	}
	return &d, nil
}

// ReadFile loads a compose document from disk.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose %s: %w", path, err)
	}
	return Unmarshal(data)
}

// WriteFile writes the document atomically (temp file + rename). The
// file stays owned by the manager so it can be rewritten later.
func WriteFile(path string, d *Document) error {
	data, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("marshal compose: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".compose-*.yml")
	if err != nil {
		return fmt.Errorf("create compose temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write compose: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod compose: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close compose temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace compose %s: %w", path, err)
	}
	return nil
}
