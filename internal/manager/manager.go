// Package manager wires every component together and runs the process
// lifecycle: startup probes, the registry rescan, the background loops,
// and the control-plane API server.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cirisai/ciris-manager/internal/api"
	"github.com/cirisai/ciris-manager/internal/clock"
	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/crypto"
	"github.com/cirisai/ciris-manager/internal/deployment"
	"github.com/cirisai/ciris-manager/internal/docker"
	"github.com/cirisai/ciris-manager/internal/events"
	"github.com/cirisai/ciris-manager/internal/lifecycle"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/proxy"
	"github.com/cirisai/ciris-manager/internal/recovery"
	"github.com/cirisai/ciris-manager/internal/registry"
	"github.com/cirisai/ciris-manager/internal/retention"
	"github.com/cirisai/ciris-manager/internal/store"
	"github.com/cirisai/ciris-manager/internal/templates"
)

// RegistryFileName is the registry document inside the agents dir.
const RegistryFileName = "metadata.json"

// shutdownTimeout bounds the graceful HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

// Manager owns every long-lived component of the process.
type Manager struct {
	cfg *config.Config
	log *logging.Logger

	reg   *registry.Registry
	fleet *docker.Facade
	db    *store.Store
	life  *lifecycle.Coordinator
	orch  *deployment.Orchestrator
	prox  *proxy.Reconciler
	rec   *recovery.Loop
	ret   *retention.Cleaner
	bus   *events.Bus
	api   *api.Server
}

// New constructs the full component graph. A registry parse failure is
// fatal here; individual bad records were already skipped inside Load.
func New(cfg *config.Config, log *logging.Logger) (*Manager, error) {
	sealer, err := crypto.NewSealer(cfg.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("init sealer: %w", err)
	}

	reg, err := registry.Load(filepath.Join(cfg.AgentsDir, RegistryFileName), sealer, log)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	alloc := registry.NewAllocator(cfg.Ports.Start, cfg.Ports.End, cfg.Ports.Reserved, reg.PortsInUse())

	tmpl, err := templates.NewStore(cfg.TemplatesDir, cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	clk := clock.Real{}
	bus := events.New()
	fleet := docker.NewFacade(cfg.Servers, log, clk)
	prox := proxy.NewReconciler(fleet, reg, cfg.Nginx, log.Component("proxy"), bus)
	life := lifecycle.New(cfg, reg, alloc, fleet, tmpl, prox, bus, log.Component("lifecycle"), clk)
	orch := deployment.New(cfg.Deployment, reg, fleet, life, db, bus, log.Component("deploy"), clk)
	rec := recovery.NewLoop(fleet, reg, life, cfg.Recovery, log.Component("recovery"), clk)
	ret := retention.NewCleaner(fleet, cfg.Retention, cfg.Images, func() bool {
		d, err := orch.Active()
		if err != nil {
			// Cannot tell; assume a rollout is in flight and keep the images.
			return true
		}
		return d != nil
	}, log.Component("retention"))
	orch.NotifyFinished(func(state deployment.State) {
		if state != deployment.StateCompleted && state != deployment.StateRolledBack {
			return
		}
		ret.Sweep(context.Background())
	})

	srv := api.NewServer(api.Dependencies{
		Registry:    reg,
		Fleet:       fleet,
		Lifecycle:   life,
		Deployments: orch,
		Templates:   tmpl,
		Bus:         bus,
		Log:         log.Component("api"),
	})

	return &Manager{
		cfg:   cfg,
		log:   log,
		reg:   reg,
		fleet: fleet,
		db:    db,
		life:  life,
		orch:  orch,
		prox:  prox,
		rec:   rec,
		ret:   ret,
		bus:   bus,
		api:   srv,
	}, nil
}

// Run brings the manager up and blocks until ctx is cancelled or the
// API server fails. Startup order: probe hosts, rescan the agents dir,
// reconcile the proxy once, then launch the loops and the server.
func (m *Manager) Run(ctx context.Context) error {
	m.probeHosts(ctx)

	missing, orphans := ScanAgentDirs(m.cfg.AgentsDir, m.reg.List())
	for _, path := range missing {
		m.log.Warn("registered agent has no compose file on disk", "path", path)
	}
	for _, dir := range orphans {
		m.log.Warn("agent directory has no registry entry, leaving unmanaged", "dir", dir)
	}

	if err := m.prox.Reconcile(ctx); err != nil {
		m.log.Warn("initial proxy reconcile failed", "error", err)
	}

	go m.rec.Run(ctx)
	go func() {
		if err := m.ret.Run(ctx); err != nil {
			m.log.Error("retention loop failed", "error", err)
		}
	}()

	addr := net.JoinHostPort(m.cfg.API.Host, strconv.Itoa(m.cfg.API.Port))
	errCh := make(chan error, 1)
	go func() {
		if err := m.api.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	m.log.Info("manager started", "agents", len(m.reg.List()), "hosts", len(m.fleet.HostIDs()))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		m.log.Error("api server failed", "error", runErr)
	}

	m.shutdown()
	return runErr
}

// probeHosts pings every configured host once. Failures open the
// breaker and are logged; boot never fails on an unreachable remote.
// Reachable hosts get the shared OAuth directory bootstrapped.
func (m *Manager) probeHosts(ctx context.Context) {
	hosts := m.fleet.HostIDs()
	sort.Strings(hosts)

	for _, hostID := range hosts {
		if err := m.fleet.Ping(ctx, hostID); err != nil {
			m.log.Warn("host unreachable at startup", "host", hostID, "error", err)
			m.bus.Publish(events.Event{
				Type: events.EventHostState, HostID: hostID,
				Message: "unreachable: " + err.Error(), Timestamp: time.Now(),
			})
			continue
		}
		m.log.Info("host reachable", "host", hostID)
		m.bus.Publish(events.Event{
			Type: events.EventHostState, HostID: hostID,
			Message: "reachable", Timestamp: time.Now(),
		})
		if err := m.life.BootstrapSharedDir(ctx, hostID); err != nil {
			m.log.Warn("shared dir bootstrap failed", "host", hostID, "error", err)
		}
	}
}

// ScanAgentDirs cross-checks the registry against the per-agent
// subdirectories on disk. It returns the compose paths of registered
// agents whose file is gone, and the directories that hold a compose
// file but no registration. The scan only reports drift; it never
// synthesizes records, because ports and sealed credentials cannot be
// recovered from a bare directory.
func ScanAgentDirs(agentsDir string, recs []*registry.AgentRecord) (missing, orphans []string) {
	known := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if _, err := os.Stat(rec.ComposePath); err != nil {
			missing = append(missing, rec.ComposePath)
		}
		known[filepath.Dir(rec.ComposePath)] = true
	}

	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return missing, orphans
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		dir := filepath.Join(agentsDir, e.Name())
		if known[dir] {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "docker-compose.yml")); err == nil {
			orphans = append(orphans, dir)
		}
	}
	sort.Strings(missing)
	sort.Strings(orphans)
	return missing, orphans
}

// shutdown drains the components in reverse dependency order: stop
// accepting API calls, wait for in-flight deployment work, then close
// the stores and clients.
func (m *Manager) shutdown() {
	m.log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.api.Shutdown(sctx); err != nil {
		m.log.Warn("api shutdown failed", "error", err)
	}

	m.orch.Shutdown()

	if err := m.db.Close(); err != nil {
		m.log.Warn("database close failed", "error", err)
	}
	if err := m.fleet.Close(); err != nil {
		m.log.Warn("docker client close failed", "error", err)
	}
}
