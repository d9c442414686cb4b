package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/docker"
	"github.com/cirisai/ciris-manager/internal/events"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/metrics"
	"github.com/cirisai/ciris-manager/internal/registry"
)

const (
	// remoteConfigPath is where the routes file lives inside a remote
	// host's proxy container.
	remoteConfigPath = "/etc/nginx/conf.d/" + ConfigFileName
	// sharedDir is bootstrapped inside remote proxy containers on first use.
	sharedDir = "/shared"

	guiContainerName = "ciris-gui"
	guiPort          = 3000

	execTimeoutSeconds = 30
)

// Fleet is the slice of the Docker facade the reconciler needs.
type Fleet interface {
	HostIDs() []string
	Host(hostID string) (config.ServerConfig, bool)
	IsAvailable(hostID string) bool
	GetClient(hostID string) (docker.API, error)
	MarkFailed(hostID string, err error)
	MarkHealthy(hostID string)
}

// Registry is the agent inventory the reconciler joins labels against.
type Registry interface {
	List() []*registry.AgentRecord
}

// Reconciler renders one routes file per host from the running agents
// and installs it. Reconciliation is idempotent; success means every
// host's proxy now serves exactly the discovered routes.
type Reconciler struct {
	fleet Fleet
	reg   Registry
	cfg   config.NginxConfig
	log   *logging.Logger
	bus   *events.Bus

	mu sync.Mutex // one reconcile at a time
}

// NewReconciler wires a reconciler.
func NewReconciler(fleet Fleet, reg Registry, cfg config.NginxConfig, log *logging.Logger, bus *events.Bus) *Reconciler {
	return &Reconciler{fleet: fleet, reg: reg, cfg: cfg, log: log, bus: bus}
}

// hostState is what discovery found on one host.
type hostState struct {
	routes []Route
	gui    bool
}

// Reconcile discovers running agents on every host and installs the
// resulting proxy configs. Returns an aggregate error if any host
// failed; the remaining hosts are still updated.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	hosts := r.fleet.HostIDs()
	sort.Strings(hosts)

	var errs []error
	for _, hostID := range hosts {
		if err := r.reconcileHost(ctx, hostID); err != nil {
			r.log.Warn("proxy reconcile failed for host", "host", hostID, "error", err)
			errs = append(errs, fmt.Errorf("host %s: %w", hostID, err))
		}
	}

	if r.bus != nil {
		msg := "ok"
		if len(errs) > 0 {
			msg = fmt.Sprintf("%d of %d hosts failed", len(errs), len(hosts))
		}
		r.bus.Publish(events.Event{Type: events.EventProxyReconciled, Message: msg})
	}
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileHost(ctx context.Context, hostID string) error {
	if !r.fleet.IsAvailable(hostID) {
		return fmt.Errorf("%w: circuit breaker open", docker.ErrHostUnavailable)
	}
	client, err := r.fleet.GetClient(hostID)
	if err != nil {
		return err
	}

	state, err := r.discover(ctx, client, hostID)
	if err != nil {
		r.fleet.MarkFailed(hostID, err)
		return err
	}

	conf := RenderConfig(state.routes, guiUpstream(state.gui))

	srv, ok := r.fleet.Host(hostID)
	if !ok {
		return fmt.Errorf("unknown host %q", hostID)
	}
	if srv.IsLocal {
		err = r.installLocal(ctx, client, conf)
	} else {
		err = r.installRemote(ctx, client, conf)
	}
	if err != nil {
		r.fleet.MarkFailed(hostID, err)
		return err
	}
	r.fleet.MarkHealthy(hostID)
	r.log.Info("proxy routes installed", "host", hostID, "routes", len(state.routes))
	return nil
}

// discover lists running containers and maps agent containers to
// routes. The container's host label wins over the registry record.
func (r *Reconciler) discover(ctx context.Context, client docker.API, hostID string) (*hostState, error) {
	containers, err := client.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	byAgent := make(map[string]*registry.AgentRecord)
	for _, rec := range r.reg.List() {
		byAgent[rec.AgentID+"@"+rec.HostID] = rec
	}

	state := &hostState{}
	for _, c := range containers {
		if containsName(c.Names, guiContainerName) {
			state.gui = true
			continue
		}
		agentID := docker.AgentID(c.Labels)
		if agentID == "" {
			continue
		}
		labelHost := c.Labels[docker.LabelHostID]
		if labelHost != "" && labelHost != hostID {
			continue
		}

		rec, ok := byAgent[agentID+"@"+hostID]
		if !ok {
			r.log.Warn("running agent container has no registry entry, skipping route", "agent", agentID, "host", hostID)
			continue
		}
		state.routes = append(state.routes, Route{
			AgentID:  agentID,
			Upstream: fmt.Sprintf("127.0.0.1:%d", rec.Port),
		})
	}
	return state, nil
}

// installLocal atomically replaces the routes file on disk, then
// validates and reloads the proxy container.
func (r *Reconciler) installLocal(ctx context.Context, client docker.API, conf []byte) error {
	path := filepath.Join(r.cfg.ConfigDir, ConfigFileName)
	tmp, err := os.CreateTemp(r.cfg.ConfigDir, ".routes-*.conf")
	if err != nil {
		return fmt.Errorf("create proxy temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(conf); err != nil {
		tmp.Close()
		return fmt.Errorf("write proxy config: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod proxy config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close proxy temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace proxy config: %w", err)
	}

	return r.validateAndReload(ctx, client)
}

// installRemote writes the identical bytes inside the remote proxy
// container via exec, then validates and reloads in the same shell.
func (r *Reconciler) installRemote(ctx context.Context, client docker.API, conf []byte) error {
	script := fmt.Sprintf(
		"mkdir -p %s && cat > %s << 'CIRIS_EOF'\n%s\nCIRIS_EOF\nnginx -t && nginx -s reload",
		sharedDir, remoteConfigPath, strings.TrimRight(string(conf), "\n"),
	)
	code, out, err := client.ExecContainer(ctx, r.cfg.ContainerName, []string{"sh", "-c", script}, execTimeoutSeconds)
	if err != nil {
		return fmt.Errorf("install remote proxy config: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("install remote proxy config: exit %d: %s", code, strings.TrimSpace(out))
	}
	return nil
}

func (r *Reconciler) validateAndReload(ctx context.Context, client docker.API) error {
	code, out, err := client.ExecContainer(ctx, r.cfg.ContainerName, []string{"nginx", "-t"}, execTimeoutSeconds)
	if err != nil {
		return fmt.Errorf("validate proxy config: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("proxy config invalid: %s", strings.TrimSpace(out))
	}

	code, out, err = client.ExecContainer(ctx, r.cfg.ContainerName, []string{"nginx", "-s", "reload"}, execTimeoutSeconds)
	if err != nil {
		return fmt.Errorf("reload proxy: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("reload proxy: exit %d: %s", code, strings.TrimSpace(out))
	}
	return nil
}

func guiUpstream(present bool) string {
	if !present {
		return ""
	}
	return fmt.Sprintf("127.0.0.1:%d", guiPort)
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if strings.TrimPrefix(n, "/") == want {
			return true
		}
	}
	return false
}
