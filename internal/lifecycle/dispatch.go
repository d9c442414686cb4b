package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/moby/moby/api/types/container"

	"github.com/cirisai/ciris-manager/internal/clock"
	"github.com/cirisai/ciris-manager/internal/compose"
	"github.com/cirisai/ciris-manager/internal/registry"
)

const (
	stopTimeoutSeconds = 10

	// helperImage runs remote directory setup when no suitable
	// container exists to exec into.
	helperImage = "busybox:stable"
)

// ComposeRunner invokes the compose CLI for agents on the local host.
type ComposeRunner interface {
	Up(ctx context.Context, composePath string) error
	Down(ctx context.Context, composePath string) error
}

// execComposeRunner shells out to `docker compose`.
type execComposeRunner struct{}

// NewComposeRunner returns the production compose CLI runner.
func NewComposeRunner() ComposeRunner {
	return execComposeRunner{}
}

func (execComposeRunner) Up(ctx context.Context, composePath string) error {
	return runCompose(ctx, composePath, "up", "-d")
}

func (execComposeRunner) Down(ctx context.Context, composePath string) error {
	return runCompose(ctx, composePath, "down", "-v")
}

func runCompose(ctx context.Context, composePath string, args ...string) error {
	full := append([]string{"compose", "-f", composePath}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// startAgent launches an agent's container, dispatching on host
// placement: compose CLI locally, Docker API remotely.
func (c *Coordinator) startAgent(ctx context.Context, rec *registry.AgentRecord) error {
	srv, ok := c.fleet.Host(rec.HostID)
	if !ok {
		return fmt.Errorf("unknown host %q", rec.HostID)
	}
	if srv.IsLocal {
		return c.composeCLI.Up(ctx, rec.ComposePath)
	}
	return c.startRemote(ctx, rec)
}

// startRemote translates the agent's compose document into Docker API
// calls against the remote host.
func (c *Coordinator) startRemote(ctx context.Context, rec *registry.AgentRecord) error {
	client, err := c.fleet.GetClient(rec.HostID)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(rec.ComposePath)
	if err != nil {
		return fmt.Errorf("read compose for %s: %w", rec.AgentID, err)
	}

	// The record's compose path already carries the occurrence-qualified
	// directory name.
	remoteRoot := filepath.Dir(rec.ComposePath)
	args, err := compose.TranslateForHost(data, rec.AgentID, remoteRoot)
	if err != nil {
		return err
	}

	if err := c.setupRemoteDirs(ctx, rec.HostID, remoteRoot); err != nil {
		c.fleet.MarkFailed(rec.HostID, err)
		return err
	}

	if err := client.PullImage(ctx, args.Config.Image); err != nil {
		c.log.Warn("remote image pull failed, container create may still succeed from cache",
			"agent", rec.AgentID, "host", rec.HostID, "image", args.Config.Image, "error", err)
	}

	// The container may exist from a previous run; remove it so create
	// does not collide on the name.
	if inspect, err := client.InspectContainer(ctx, args.ContainerName); err == nil {
		if err := client.RemoveContainer(ctx, inspect.ID); err != nil {
			return fmt.Errorf("remove stale container %s: %w", args.ContainerName, err)
		}
	}

	id, err := client.CreateContainer(ctx, args.ContainerName, args.Config, args.HostConfig, nil)
	if err != nil {
		c.fleet.MarkFailed(rec.HostID, err)
		return fmt.Errorf("create remote container %s: %w", args.ContainerName, err)
	}
	if err := client.StartContainer(ctx, id); err != nil {
		c.fleet.MarkFailed(rec.HostID, err)
		return fmt.Errorf("start remote container %s: %w", args.ContainerName, err)
	}
	c.fleet.MarkHealthy(rec.HostID)
	return nil
}

// setupRemoteDirs mirrors the per-agent directory tree on a remote host.
func (c *Coordinator) setupRemoteDirs(ctx context.Context, hostID, remoteRoot string) error {
	return c.runRemoteScript(ctx, hostID, remoteDirScript(remoteRoot))
}

// BootstrapSharedDir ensures the shared OAuth mount exists on a host so
// agent containers can bind it. Called once per reachable host at
// startup; local hosts get a plain mkdir, remote hosts run the setup
// script on the daemon.
func (c *Coordinator) BootstrapSharedDir(ctx context.Context, hostID string) error {
	srv, ok := c.fleet.Host(hostID)
	if !ok {
		return fmt.Errorf("unknown host %q", hostID)
	}
	oauthDir := filepath.Join(c.cfg.AgentsDir, "..", "shared", "oauth")
	if srv.IsLocal {
		if err := os.MkdirAll(oauthDir, 0755); err != nil {
			return fmt.Errorf("create shared oauth dir: %w", err)
		}
		return nil
	}
	script := fmt.Sprintf("set -e\nmkdir -p %s\nchown -R %d:%d %s\n",
		oauthDir, RuntimeUID, RuntimeGID, oauthDir)
	return c.runRemoteScript(ctx, hostID, script)
}

// runRemoteScript executes a shell script on a remote host. It prefers
// an exec in the host's proxy container; when that is not possible it
// runs a short-lived helper container with the agents directory
// bind-mounted.
func (c *Coordinator) runRemoteScript(ctx context.Context, hostID, script string) error {
	client, err := c.fleet.GetClient(hostID)
	if err != nil {
		return err
	}

	if c.cfg.Nginx.Enabled && c.cfg.Nginx.ContainerName != "" {
		code, out, err := client.ExecContainer(ctx, c.cfg.Nginx.ContainerName, []string{"sh", "-c", script}, 30)
		if err == nil && code == 0 {
			return nil
		}
		c.log.Debug("proxy-container exec for remote dirs failed, falling back to helper container",
			"host", hostID, "exit", code, "output", out, "error", err)
	}

	return c.runHelperContainer(ctx, client, hostID, script)
}

func remoteDirScript(root string) string {
	subs := []string{"data", "data_archive", "logs", "config", "audit_keys", ".secrets"}
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, s := range subs {
		fmt.Fprintf(&b, "mkdir -p %s/%s\n", root, s)
	}
	fmt.Fprintf(&b, "chmod 700 %s/audit_keys %s/.secrets\n", root, root)
	fmt.Fprintf(&b, "chown -R %d:%d %s\n", RuntimeUID, RuntimeGID, root)
	return b.String()
}

// runHelperContainer creates, runs to completion, and removes a
// throwaway container that prepares the remote directory tree.
func (c *Coordinator) runHelperContainer(ctx context.Context, client remoteClient, hostID, script string) error {
	name := fmt.Sprintf("ciris-dirsetup-%d", c.clk.Now().UnixNano())
	cfg := &container.Config{
		Image: helperImage,
		Cmd:   []string{"sh", "-c", script},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{c.cfg.AgentsDir + ":" + c.cfg.AgentsDir},
	}

	if err := client.PullImage(ctx, helperImage); err != nil {
		c.log.Debug("helper image pull failed, create may use cache", "host", hostID, "error", err)
	}
	id, err := client.CreateContainer(ctx, name, cfg, hostCfg, nil)
	if err != nil {
		return fmt.Errorf("create dir-setup helper: %w", err)
	}
	defer func() {
		if err := client.RemoveContainer(ctx, id); err != nil {
			c.log.Warn("failed to remove dir-setup helper", "host", hostID, "error", err)
		}
	}()

	if err := client.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("start dir-setup helper: %w", err)
	}

	// Poll until the helper exits; the work is a handful of mkdirs.
	for i := 0; i < 30; i++ {
		inspect, err := client.InspectContainer(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect dir-setup helper: %w", err)
		}
		if inspect.State != nil && !inspect.State.Running {
			if inspect.State.ExitCode != 0 {
				return fmt.Errorf("dir-setup helper exited with code %d", inspect.State.ExitCode)
			}
			return nil
		}
		if err := clock.Sleep(ctx, c.clk, helperPollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("dir-setup helper did not finish on host %s", hostID)
}

// stopAgent stops an agent's container: compose down locally, stop and
// remove remotely.
func (c *Coordinator) stopAgent(ctx context.Context, rec *registry.AgentRecord) error {
	srv, ok := c.fleet.Host(rec.HostID)
	if !ok {
		return fmt.Errorf("unknown host %q", rec.HostID)
	}
	if srv.IsLocal {
		return c.composeCLI.Down(ctx, rec.ComposePath)
	}

	client, err := c.fleet.GetClient(rec.HostID)
	if err != nil {
		return err
	}
	name := rec.ContainerName()
	if err := client.StopContainer(ctx, name, stopTimeoutSeconds); err != nil {
		return fmt.Errorf("stop remote container %s: %w", name, err)
	}
	if err := client.RemoveContainer(ctx, name); err != nil {
		return fmt.Errorf("remove remote container %s: %w", name, err)
	}
	return nil
}
