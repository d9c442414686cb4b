package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/cirisai/ciris-manager/internal/agentapi"
	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/docker"
)

// fakeClock returns a fixed time and fires After immediately.
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

// mockDocker records remote-path Docker calls.
type mockDocker struct {
	mu sync.Mutex

	createCalls  []string // container names
	startCalls   []string // ids
	stopCalls    []string
	removeCalls  []string
	pullCalls    []string
	execCalls    [][]string
	inspectState map[string]*container.State

	createErr  error
	startErr   error
	stopErr    error
	execCode   int
	execOutput string
	execErr    error
}

func (m *mockDocker) ListContainers(ctx context.Context) ([]container.Summary, error) {
	return nil, nil
}

func (m *mockDocker) ListAllContainers(ctx context.Context) ([]container.Summary, error) {
	return nil, nil
}

func (m *mockDocker) InspectContainer(ctx context.Context, ref string) (container.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.inspectState[ref]
	if !ok {
		return container.InspectResponse{}, errors.New("no such container: " + ref)
	}
	return container.InspectResponse{ID: ref, State: state}, nil
}

func (m *mockDocker) StopContainer(ctx context.Context, id string, timeout int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls = append(m.stopCalls, id)
	return m.stopErr
}

func (m *mockDocker) RemoveContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls = append(m.removeCalls, id)
	return nil
}

func (m *mockDocker) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.createCalls = append(m.createCalls, name)
	if m.inspectState == nil {
		m.inspectState = make(map[string]*container.State)
	}
	// Helper containers exit immediately in tests.
	m.inspectState[name] = &container.State{Running: false, ExitCode: 0}
	return name, nil
}

func (m *mockDocker) StartContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.startCalls = append(m.startCalls, id)
	return nil
}

func (m *mockDocker) RestartContainer(ctx context.Context, id string) error { return nil }

func (m *mockDocker) PullImage(ctx context.Context, refStr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullCalls = append(m.pullCalls, refStr)
	return nil
}

func (m *mockDocker) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	return "sha256:fake", nil
}

func (m *mockDocker) DistributionDigest(ctx context.Context, imageRef string) (string, error) {
	return "sha256:fake", nil
}

func (m *mockDocker) ListImages(ctx context.Context) ([]docker.ImageSummary, error) {
	return nil, nil
}

func (m *mockDocker) RemoveImage(ctx context.Context, id string) error { return nil }

func (m *mockDocker) PruneImages(ctx context.Context) (docker.PruneResult, error) {
	return docker.PruneResult{}, nil
}

func (m *mockDocker) ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execCalls = append(m.execCalls, append([]string{id}, cmd...))
	return m.execCode, m.execOutput, m.execErr
}

func (m *mockDocker) Ping(ctx context.Context) error { return nil }
func (m *mockDocker) Close() error                   { return nil }

var _ docker.API = (*mockDocker)(nil)

// fakeFleet maps host ids to mock clients.
type fakeFleet struct {
	servers map[string]config.ServerConfig
	clients map[string]docker.API
	failed  map[string]error
}

func (f *fakeFleet) Host(hostID string) (config.ServerConfig, bool) {
	s, ok := f.servers[hostID]
	return s, ok
}

func (f *fakeFleet) GetClient(hostID string) (docker.API, error) {
	c, ok := f.clients[hostID]
	if !ok {
		return nil, errors.New("no client for " + hostID)
	}
	return c, nil
}

func (f *fakeFleet) MarkFailed(hostID string, err error) {
	if f.failed == nil {
		f.failed = make(map[string]error)
	}
	f.failed[hostID] = err
}

func (f *fakeFleet) MarkHealthy(hostID string) {}

// fakeComposeRunner records compose CLI invocations.
type fakeComposeRunner struct {
	mu    sync.Mutex
	ups   []string
	downs []string
	upErr error
}

func (f *fakeComposeRunner) Up(ctx context.Context, composePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upErr != nil {
		return f.upErr
	}
	f.ups = append(f.ups, composePath)
	return nil
}

func (f *fakeComposeRunner) Down(ctx context.Context, composePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downs = append(f.downs, composePath)
	return nil
}

// fakeAgentAPI records credential bootstrap calls.
type fakeAgentAPI struct {
	mu              sync.Mutex
	loginCalls      int
	passwordUserIDs []string
	passwordChanges []string
	loginErr        error
}

func (f *fakeAgentAPI) Login(ctx context.Context, username, password string) (*agentapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &agentapi.Session{AccessToken: "access-token", UserID: "usr-admin-1"}, nil
}

func (f *fakeAgentAPI) ChangePassword(ctx context.Context, accessToken, userID, current, next string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwordUserIDs = append(f.passwordUserIDs, userID)
	f.passwordChanges = append(f.passwordChanges, next)
	return nil
}

// fakeProxy counts reconciles.
type fakeProxy struct {
	mu         sync.Mutex
	reconciles int
}

func (f *fakeProxy) Reconcile(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	return nil
}
