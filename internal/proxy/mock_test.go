package proxy

import (
	"context"
	"errors"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/docker"
)

type execCall struct {
	containerID string
	cmd         []string
}

// mockDocker implements docker.API for reconciler tests. Only the
// methods the reconciler touches have behavior.
type mockDocker struct {
	containers []container.Summary
	listErr    error

	execCalls []execCall
	execCode  int
	execOut   string
	execErr   error
}

func (m *mockDocker) ListContainers(ctx context.Context) ([]container.Summary, error) {
	return m.containers, m.listErr
}

func (m *mockDocker) ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error) {
	m.execCalls = append(m.execCalls, execCall{containerID: id, cmd: cmd})
	return m.execCode, m.execOut, m.execErr
}

func (m *mockDocker) ListAllContainers(ctx context.Context) ([]container.Summary, error) {
	return m.containers, m.listErr
}

func (m *mockDocker) InspectContainer(ctx context.Context, ref string) (container.InspectResponse, error) {
	return container.InspectResponse{}, errors.New("not implemented")
}

func (m *mockDocker) StopContainer(ctx context.Context, id string, timeout int) error { return nil }
func (m *mockDocker) RemoveContainer(ctx context.Context, id string) error           { return nil }

func (m *mockDocker) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockDocker) StartContainer(ctx context.Context, id string) error   { return nil }
func (m *mockDocker) RestartContainer(ctx context.Context, id string) error { return nil }
func (m *mockDocker) PullImage(ctx context.Context, refStr string) error    { return nil }

func (m *mockDocker) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockDocker) DistributionDigest(ctx context.Context, imageRef string) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockDocker) ListImages(ctx context.Context) ([]docker.ImageSummary, error) {
	return nil, nil
}

func (m *mockDocker) RemoveImage(ctx context.Context, id string) error { return nil }

func (m *mockDocker) PruneImages(ctx context.Context) (docker.PruneResult, error) {
	return docker.PruneResult{}, nil
}

func (m *mockDocker) Ping(ctx context.Context) error { return nil }
func (m *mockDocker) Close() error                   { return nil }

var _ docker.API = (*mockDocker)(nil)

// fakeFleet implements Fleet over a fixed set of mock clients.
type fakeFleet struct {
	servers     map[string]config.ServerConfig
	clients     map[string]docker.API
	unavailable map[string]bool
	failed      map[string]error
	healthy     []string
}

func (f *fakeFleet) HostIDs() []string {
	ids := make([]string, 0, len(f.servers))
	for id := range f.servers {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeFleet) Host(hostID string) (config.ServerConfig, bool) {
	s, ok := f.servers[hostID]
	return s, ok
}

func (f *fakeFleet) IsAvailable(hostID string) bool { return !f.unavailable[hostID] }

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

func (f *fakeFleet) MarkHealthy(hostID string) { f.healthy = append(f.healthy, hostID) }
