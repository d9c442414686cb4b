package proxy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moby/moby/api/types/container"

	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/docker"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/registry"
)

type staticRegistry struct {
	records []*registry.AgentRecord
}

func (s *staticRegistry) List() []*registry.AgentRecord { return s.records }

func agentSummary(agentID, hostID string) container.Summary {
	return container.Summary{
		ID:    "cid-" + agentID,
		Names: []string{"/ciris-" + agentID},
		Labels: map[string]string{
			docker.LabelAgentID: agentID,
			docker.LabelHostID:  hostID,
		},
	}
}

func newTestReconciler(t *testing.T, fleet *fakeFleet, reg Registry) (*Reconciler, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NginxConfig{Enabled: true, ConfigDir: dir, ContainerName: "ciris-nginx"}
	return NewReconciler(fleet, reg, cfg, logging.New(false), nil), dir
}

func TestRenderConfigSortsRoutes(t *testing.T) {
	a := RenderConfig([]Route{
		{AgentID: "zeta-111111", Upstream: "127.0.0.1:8081"},
		{AgentID: "alpha-222222", Upstream: "127.0.0.1:8080"},
	}, "")
	b := RenderConfig([]Route{
		{AgentID: "alpha-222222", Upstream: "127.0.0.1:8080"},
		{AgentID: "zeta-111111", Upstream: "127.0.0.1:8081"},
	}, "")
	if !bytes.Equal(a, b) {
		t.Error("route order changed the rendered config")
	}
	if !strings.Contains(string(a), "location /api/alpha-222222/") ||
		!strings.Contains(string(a), "location /agent/alpha-222222/") {
		t.Errorf("missing route blocks:\n%s", a)
	}
}

func TestRenderConfigGUI(t *testing.T) {
	conf := string(RenderConfig(nil, "127.0.0.1:3000"))
	if !strings.Contains(conf, "upstream ciris_gui") || !strings.Contains(conf, "location / {") {
		t.Errorf("missing GUI blocks:\n%s", conf)
	}
}

func TestReconcileLocalWritesAndReloads(t *testing.T) {
	mock := &mockDocker{containers: []container.Summary{agentSummary("scout-a3bx9k", "main")}}
	fleet := &fakeFleet{
		servers: map[string]config.ServerConfig{"main": {ServerID: "main", IsLocal: true}},
		clients: map[string]docker.API{"main": mock},
	}
	reg := &staticRegistry{records: []*registry.AgentRecord{
		{AgentID: "scout-a3bx9k", HostID: "main", Port: 8080},
	}}
	r, dir := newTestReconciler(t, fleet, reg)

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	conf, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(conf), "location /api/scout-a3bx9k/") {
		t.Errorf("config missing agent route:\n%s", conf)
	}
	if !strings.Contains(string(conf), "server 127.0.0.1:8080;") {
		t.Errorf("config missing upstream:\n%s", conf)
	}

	if len(mock.execCalls) != 2 {
		t.Fatalf("exec calls = %d, want validate + reload", len(mock.execCalls))
	}
	if mock.execCalls[0].cmd[1] != "-t" || mock.execCalls[1].cmd[2] != "reload" {
		t.Errorf("exec calls = %+v", mock.execCalls)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	mock := &mockDocker{containers: []container.Summary{agentSummary("scout-a3bx9k", "main")}}
	fleet := &fakeFleet{
		servers: map[string]config.ServerConfig{"main": {ServerID: "main", IsLocal: true}},
		clients: map[string]docker.API{"main": mock},
	}
	reg := &staticRegistry{records: []*registry.AgentRecord{
		{AgentID: "scout-a3bx9k", HostID: "main", Port: 8080},
	}}
	r, dir := newTestReconciler(t, fleet, reg)

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if !bytes.Equal(first, second) {
		t.Error("back-to-back reconciles produced different configs")
	}
}

func TestReconcileRemovedAgentLeavesNoRoutes(t *testing.T) {
	mock := &mockDocker{containers: []container.Summary{agentSummary("scout-a3bx9k", "main")}}
	fleet := &fakeFleet{
		servers: map[string]config.ServerConfig{"main": {ServerID: "main", IsLocal: true}},
		clients: map[string]docker.API{"main": mock},
	}
	reg := &staticRegistry{records: []*registry.AgentRecord{
		{AgentID: "scout-a3bx9k", HostID: "main", Port: 8080},
	}}
	r, dir := newTestReconciler(t, fleet, reg)

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Agent deleted: container gone, registry entry gone.
	mock.containers = nil
	reg.records = nil
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	conf, _ := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if strings.Contains(string(conf), "scout-a3bx9k") {
		t.Errorf("config still references removed agent:\n%s", conf)
	}
}

func TestReconcileRemoteInstallsViaExec(t *testing.T) {
	mock := &mockDocker{containers: []container.Summary{agentSummary("sage-x2m4kp", "scout")}}
	fleet := &fakeFleet{
		servers: map[string]config.ServerConfig{"scout": {ServerID: "scout", IsLocal: false}},
		clients: map[string]docker.API{"scout": mock},
	}
	reg := &staticRegistry{records: []*registry.AgentRecord{
		{AgentID: "sage-x2m4kp", HostID: "scout", Port: 8081},
	}}
	r, dir := newTestReconciler(t, fleet, reg)

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); !os.IsNotExist(err) {
		t.Error("remote reconcile wrote a local file")
	}
	if len(mock.execCalls) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(mock.execCalls))
	}
	script := mock.execCalls[0].cmd[2]
	for _, want := range []string{"mkdir -p /shared", "cat > " + remoteConfigPath, "location /api/sage-x2m4kp/", "nginx -t && nginx -s reload"} {
		if !strings.Contains(script, want) {
			t.Errorf("remote script missing %q:\n%s", want, script)
		}
	}
}

func TestReconcilePartialFailure(t *testing.T) {
	goodMock := &mockDocker{containers: []container.Summary{agentSummary("scout-a3bx9k", "main")}}
	fleet := &fakeFleet{
		servers: map[string]config.ServerConfig{
			"main":  {ServerID: "main", IsLocal: true},
			"scout": {ServerID: "scout", IsLocal: false},
		},
		clients:     map[string]docker.API{"main": goodMock},
		unavailable: map[string]bool{"scout": true},
	}
	reg := &staticRegistry{records: []*registry.AgentRecord{
		{AgentID: "scout-a3bx9k", HostID: "main", Port: 8080},
	}}
	r, dir := newTestReconciler(t, fleet, reg)

	err := r.Reconcile(context.Background())
	if err == nil {
		t.Fatal("expected aggregate error for unavailable host")
	}
	// The healthy host was still updated.
	if _, statErr := os.Stat(filepath.Join(dir, ConfigFileName)); statErr != nil {
		t.Errorf("local config not written despite remote failure: %v", statErr)
	}
}

func TestReconcileInvalidConfigSurfaced(t *testing.T) {
	mock := &mockDocker{
		containers: []container.Summary{agentSummary("scout-a3bx9k", "main")},
		execCode:   1,
		execOut:    "nginx: configuration file test failed",
	}
	fleet := &fakeFleet{
		servers: map[string]config.ServerConfig{"main": {ServerID: "main", IsLocal: true}},
		clients: map[string]docker.API{"main": mock},
	}
	reg := &staticRegistry{records: []*registry.AgentRecord{
		{AgentID: "scout-a3bx9k", HostID: "main", Port: 8080},
	}}
	r, _ := newTestReconciler(t, fleet, reg)

	if err := r.Reconcile(context.Background()); err == nil {
		t.Fatal("validation failure not surfaced")
	}
	if fleet.failed["main"] == nil {
		t.Error("host not marked failed after install error")
	}
}
