// Package recovery restarts crashed agents. It never touches running
// containers, and it never restarts an agent that chose to stop:
// exit code zero means the agent asked to shut down, and that wish is
// honored regardless of anything else.
package recovery

import (
	"context"
	"sort"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/cirisai/ciris-manager/internal/clock"
	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/docker"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/registry"
)

// Restarter relaunches one agent through the create dispatch path.
type Restarter interface {
	Recover(ctx context.Context, rec *registry.AgentRecord) error
}

// Fleet is the slice of the Docker facade the loop needs.
type Fleet interface {
	HostIDs() []string
	IsAvailable(hostID string) bool
	GetClient(hostID string) (docker.API, error)
}

// Registry lists the declared agents per host.
type Registry interface {
	ListByHost(hostID string) []*registry.AgentRecord
}

// Loop sweeps every host on an interval and restarts crashed agents.
// Every per-agent error is logged and swallowed so one bad agent or
// host cannot halt the sweep.
type Loop struct {
	fleet Fleet
	reg   Registry
	rest  Restarter
	cfg   config.RecoveryConfig
	log   *logging.Logger
	clk   clock.Clock
}

// NewLoop wires a recovery loop.
func NewLoop(fleet Fleet, reg Registry, rest Restarter, cfg config.RecoveryConfig, log *logging.Logger, clk clock.Clock) *Loop {
	return &Loop{fleet: fleet, reg: reg, rest: rest, cfg: cfg, log: log, clk: clk}
}

// Run sweeps until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clk.After(l.cfg.CheckInterval):
			l.Sweep(ctx)
		}
	}
}

// Sweep checks every agent on every reachable host once.
func (l *Loop) Sweep(ctx context.Context) {
	hosts := l.fleet.HostIDs()
	sort.Strings(hosts)

	for _, hostID := range hosts {
		if !l.fleet.IsAvailable(hostID) {
			l.log.Debug("skipping host with open circuit breaker", "host", hostID)
			continue
		}
		client, err := l.fleet.GetClient(hostID)
		if err != nil {
			l.log.Warn("recovery sweep cannot reach host", "host", hostID, "error", err)
			continue
		}
		for _, rec := range l.reg.ListByHost(hostID) {
			l.checkAgent(ctx, client, rec)
		}
	}
}

func (l *Loop) checkAgent(ctx context.Context, client docker.API, rec *registry.AgentRecord) {
	inspect, err := client.InspectContainer(ctx, rec.ContainerName())
	if err != nil {
		// Missing container: newly created or just deleted. Not ours to fix.
		l.log.Debug("container not found during sweep", "agent", rec.AgentID, "error", err)
		return
	}
	state := inspect.State
	if state == nil {
		return
	}

	// Only act on stopped containers; never touch running ones.
	if state.Running || state.Restarting || state.Status != container.StateExited {
		return
	}
	// Exit code zero is a consensual shutdown. Agents that ask to shut
	// down stay down.
	if state.ExitCode == 0 {
		return
	}
	if rec.DoNotAutostart {
		l.log.Debug("agent in maintenance mode, not restarting", "agent", rec.AgentID)
		return
	}
	if l.withinDeploymentWindow(state.FinishedAt) {
		l.log.Debug("recent stop looks like an in-flight deployment, not restarting", "agent", rec.AgentID)
		return
	}

	l.log.Info("restarting crashed agent", "agent", rec.AgentID, "host", rec.HostID, "exit_code", state.ExitCode)
	if err := l.rest.Recover(ctx, rec); err != nil {
		l.log.Error("crash recovery restart failed, will retry next sweep", "agent", rec.AgentID, "error", err)
	}
}

// withinDeploymentWindow reports whether the container stopped so
// recently that a deployment is probably mid-swap.
func (l *Loop) withinDeploymentWindow(finishedAt string) bool {
	t, err := time.Parse(time.RFC3339Nano, finishedAt)
	if err != nil || t.IsZero() {
		return false
	}
	return l.clk.Since(t) < l.cfg.DeploymentWindow
}
