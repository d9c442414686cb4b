// Package registry is the source of truth for declared agents: their
// identity, host placement, allocated port, and sealed credentials.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cirisai/ciris-manager/internal/crypto"
	"github.com/cirisai/ciris-manager/internal/logging"
)

// documentVersion is the current on-disk schema version.
const documentVersion = 1

var (
	// ErrAgentExists is returned when registering a key that already exists.
	ErrAgentExists = errors.New("agent already registered")
	// ErrAgentNotFound is returned by precise lookups that miss.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAmbiguousAgent is returned when an agent id resolves to more
	// than one occurrence and the caller did not disambiguate.
	ErrAmbiguousAgent = errors.New("agent id matches multiple occurrences")
)

// VersionSlots holds the current and two previous images for an agent.
type VersionSlots struct {
	Current string `json:"current,omitempty"`
	NMinus1 string `json:"n_minus_1,omitempty"`
	NMinus2 string `json:"n_minus_2,omitempty"`
}

// VersionEntry records one image change in an agent's history.
type VersionEntry struct {
	Image        string    `json:"image"`
	Digest       string    `json:"digest,omitempty"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AgentRecord is one declared agent. Optional fields are explicit and
// defaulted at construction, never probed at read time.
type AgentRecord struct {
	AgentID      string `json:"agent_id"`
	OccurrenceID string `json:"occurrence_id,omitempty"`
	HostID       string `json:"host_id"`

	Name     string `json:"name"`
	Template string `json:"template"`
	Port     int    `json:"port"`

	ComposePath string `json:"compose_path"`

	// Sealed with the install AEAD key; plaintext never touches disk.
	ServiceTokenSealed  string `json:"service_token,omitempty"`
	AdminPasswordSealed string `json:"admin_password,omitempty"`

	DeploymentGroup string            `json:"deployment_group,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	DoNotAutostart  bool              `json:"do_not_autostart,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	Versions  VersionSlots   `json:"versions"`
	History   []VersionEntry `json:"version_history,omitempty"`
}

// Key returns the record's composite key.
func (r *AgentRecord) Key() Key {
	return NewKey(r.AgentID, r.OccurrenceID, r.HostID)
}

// ContainerName returns the container name for this agent.
func (r *AgentRecord) ContainerName() string {
	return "ciris-" + r.AgentID
}

// document is the on-disk JSON shape.
type document struct {
	Version int                     `json:"version"`
	Agents  map[string]*AgentRecord `json:"agents"`
}

// Registry is the persistent agent inventory. It is a single-writer
// resource: every mutation persists to disk before returning.
type Registry struct {
	path   string
	sealer *crypto.Sealer
	log    *logging.Logger

	mu     sync.Mutex
	agents map[string]*AgentRecord
}

// Load opens the registry document at path, creating an empty registry
// if the file does not exist. A parse failure is fatal; individual
// records with unusable keys are skipped with a warning.
func Load(path string, sealer *crypto.Sealer, log *logging.Logger) (*Registry, error) {
	r := &Registry{
		path:   path,
		sealer: sealer,
		log:    log,
		agents: make(map[string]*AgentRecord),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}

	for rawKey, rec := range doc.Agents {
		key, err := ParseKey(rawKey)
		if err != nil {
			log.Warn("skipping registry entry with malformed key", "key", rawKey, "error", err)
			continue
		}
		// Legacy records may omit the explicit fields; backfill from the key.
		if rec.AgentID == "" {
			rec.AgentID = key.AgentID
		}
		if rec.OccurrenceID == "" {
			rec.OccurrenceID = key.OccurrenceID
		}
		if rec.HostID == "" {
			rec.HostID = key.HostID
		}
		r.agents[rec.Key().String()] = rec
	}
	return r, nil
}

// persistLocked writes the document atomically (temp file + rename).
func (r *Registry) persistLocked() error {
	doc := document{Version: documentVersion, Agents: r.agents}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// Register adds a new record. Fails if the composite key exists.
func (r *Registry) Register(rec *AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.HostID == "" {
		rec.HostID = DefaultHost
	}
	key := rec.Key().String()
	if _, ok := r.agents[key]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, key)
	}
	r.agents[key] = rec
	return r.persistLocked()
}

// Lookup returns the single record for a precise composite key.
func (r *Registry) Lookup(key Key) (*AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[key.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, key.String())
	}
	return rec.clone(), nil
}

// Resolve finds a record by agent id alone. Returns ErrAmbiguousAgent
// when more than one occurrence matches.
func (r *Registry) Resolve(agentID string) (*AgentRecord, error) {
	matches := r.ListByAgentID(agentID)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s (%d occurrences)", ErrAmbiguousAgent, agentID, len(matches))
	}
}

// ListByAgentID returns all occurrences of an agent id.
func (r *Registry) ListByAgentID(agentID string) []*AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*AgentRecord
	for _, rec := range r.agents {
		if rec.AgentID == agentID {
			out = append(out, rec.clone())
		}
	}
	sortRecords(out)
	return out
}

// List returns a snapshot of every record, ordered by key.
func (r *Registry) List() []*AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.clone())
	}
	sortRecords(out)
	return out
}

// ListByHost returns a snapshot of the records placed on one host.
func (r *Registry) ListByHost(hostID string) []*AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*AgentRecord
	for _, rec := range r.agents {
		if rec.HostID == hostID {
			out = append(out, rec.clone())
		}
	}
	sortRecords(out)
	return out
}

// Unregister removes a record. Idempotent.
func (r *Registry) Unregister(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[key.String()]; !ok {
		return nil
	}
	delete(r.agents, key.String())
	return r.persistLocked()
}

// SetDeploymentGroup updates the canary group for an agent.
func (r *Registry) SetDeploymentGroup(key Key, group string) error {
	return r.Update(key, func(rec *AgentRecord) error {
		rec.DeploymentGroup = group
		return nil
	})
}

// Update applies a mutation to one record under the registry lock and
// persists the result. Used for version rotation so readers always see
// a consistent slot triple.
func (r *Registry) Update(key Key, fn func(rec *AgentRecord) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, key.String())
	}
	if err := fn(rec); err != nil {
		return err
	}
	return r.persistLocked()
}

// SealCredentials encrypts and stores the service token and admin
// password on a record that has not been registered yet.
func (r *Registry) SealCredentials(rec *AgentRecord, serviceToken, adminPassword string) error {
	tok, err := r.sealer.Seal(serviceToken)
	if err != nil {
		return fmt.Errorf("seal service token: %w", err)
	}
	pw, err := r.sealer.Seal(adminPassword)
	if err != nil {
		return fmt.Errorf("seal admin password: %w", err)
	}
	rec.ServiceTokenSealed = tok
	rec.AdminPasswordSealed = pw
	return nil
}

// ServiceToken decrypts the stored service token for an agent.
func (r *Registry) ServiceToken(key Key) (string, error) {
	rec, err := r.Lookup(key)
	if err != nil {
		return "", err
	}
	return r.sealer.Open(rec.ServiceTokenSealed)
}

// AdminPassword decrypts the stored admin password for an agent.
func (r *Registry) AdminPassword(key Key) (string, error) {
	rec, err := r.Lookup(key)
	if err != nil {
		return "", err
	}
	return r.sealer.Open(rec.AdminPasswordSealed)
}

// PortsInUse returns the key→port mapping for allocator bootstrap.
func (r *Registry) PortsInUse() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.agents))
	for key, rec := range r.agents {
		out[key] = rec.Port
	}
	return out
}

func (r *AgentRecord) clone() *AgentRecord {
	cp := *r
	if r.Environment != nil {
		cp.Environment = make(map[string]string, len(r.Environment))
		for k, v := range r.Environment {
			cp.Environment[k] = v
		}
	}
	cp.History = append([]VersionEntry(nil), r.History...)
	return &cp
}

func sortRecords(recs []*AgentRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Key().String() < recs[j].Key().String()
	})
}
