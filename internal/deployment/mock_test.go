package deployment

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cirisai/ciris-manager/internal/agentapi"
	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/docker"
	"github.com/cirisai/ciris-manager/internal/registry"
)

// fakeClock fires After immediately, advancing its own time by the
// requested duration so waits converge instantly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// memStore is an in-memory Store.
type memStore struct {
	mu          sync.Mutex
	deployments map[string]*Deployment
	proposals   map[string]*RollbackProposal
	history     []UpdateRecord
}

func newMemStore() *memStore {
	return &memStore{
		deployments: make(map[string]*Deployment),
		proposals:   make(map[string]*RollbackProposal),
	}
}

func (s *memStore) SaveDeployment(d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deployments[d.ID] = &cp
	return nil
}

func (s *memStore) GetDeployment(id string) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) ListDeployments(limit int) ([]*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Deployment
	for _, d := range s.deployments {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) ActiveDeployment() (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		if !d.State.Terminal() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) SaveProposal(p *RollbackProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.proposals[p.ID] = &cp
	return nil
}

func (s *memStore) GetProposal(id string) (*RollbackProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListProposals() ([]*RollbackProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RollbackProposal
	for _, p := range s.proposals {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) RecordUpdate(rec UpdateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	return nil
}

func (s *memStore) ListHistory(limit int) ([]UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UpdateRecord(nil), s.history...), nil
}

var _ Store = (*memStore)(nil)

// digestDocker answers digest lookups only; everything else panics.
type digestDocker struct {
	docker.API
	digest string
}

func (d digestDocker) DistributionDigest(ctx context.Context, imageRef string) (string, error) {
	if d.digest == "" {
		return "", errors.New("digest unavailable")
	}
	return d.digest, nil
}

type fakeFleet struct {
	servers map[string]config.ServerConfig
	digest  string
}

func (f *fakeFleet) Host(hostID string) (config.ServerConfig, bool) {
	s, ok := f.servers[hostID]
	return s, ok
}

func (f *fakeFleet) HostIDs() []string {
	ids := make([]string, 0, len(f.servers))
	for id := range f.servers {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeFleet) GetClient(hostID string) (docker.API, error) {
	if _, ok := f.servers[hostID]; !ok {
		return nil, errors.New("no client for " + hostID)
	}
	return digestDocker{digest: f.digest}, nil
}

// fakeLifecycle applies image swaps straight to the registry, rotating
// the version slots the way the real coordinator does.
type fakeLifecycle struct {
	mu      sync.Mutex
	reg     *registry.Registry
	applied []string // "agentID:image"
	failFor map[string]error
}

func (f *fakeLifecycle) ApplyImage(ctx context.Context, key registry.Key, image, digest, deploymentID string) error {
	f.mu.Lock()
	if err := f.failFor[key.AgentID+":"+image]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.applied = append(f.applied, key.AgentID+":"+image)
	f.mu.Unlock()

	return f.reg.Update(key, func(r *registry.AgentRecord) error {
		r.Versions.NMinus2 = r.Versions.NMinus1
		r.Versions.NMinus1 = r.Versions.Current
		r.Versions.Current = image
		r.History = append(r.History, registry.VersionEntry{Image: image, Digest: digest, DeploymentID: deploymentID})
		return nil
	})
}

func (f *fakeLifecycle) appliedList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

// agentDirectory routes fake agent API calls by port.
type agentDirectory struct {
	mu        sync.Mutex
	decisions map[int]agentapi.UpdateDecision
	reasons   map[int]string
	states    map[int]string
	proposals []int
}

func newAgentDirectory() *agentDirectory {
	return &agentDirectory{
		decisions: make(map[int]agentapi.UpdateDecision),
		reasons:   make(map[int]string),
		states:    make(map[int]string),
	}
}

func (d *agentDirectory) factory(baseURL, token string) AgentAPI {
	port, _ := strconv.Atoi(baseURL[strings.LastIndex(baseURL, ":")+1:])
	return &fakeAgent{dir: d, port: port}
}

type fakeAgent struct {
	dir  *agentDirectory
	port int
}

func (a *fakeAgent) ProposeUpdate(ctx context.Context, image, version, message string) (*agentapi.UpdateResponse, error) {
	a.dir.mu.Lock()
	defer a.dir.mu.Unlock()
	a.dir.proposals = append(a.dir.proposals, a.port)
	decision, ok := a.dir.decisions[a.port]
	if !ok {
		decision = agentapi.DecisionAccept
	}
	return &agentapi.UpdateResponse{Decision: decision, Reason: a.dir.reasons[a.port]}, nil
}

func (a *fakeAgent) CognitiveState(ctx context.Context) (string, error) {
	a.dir.mu.Lock()
	defer a.dir.mu.Unlock()
	state, ok := a.dir.states[a.port]
	if !ok {
		return "WORK", nil
	}
	return state, nil
}
