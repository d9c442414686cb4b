package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cirisai/ciris-manager/internal/agentapi"
	"github.com/cirisai/ciris-manager/internal/clock"
	"github.com/cirisai/ciris-manager/internal/compose"
	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/docker"
	"github.com/cirisai/ciris-manager/internal/events"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/metrics"
	"github.com/cirisai/ciris-manager/internal/registry"
	"github.com/cirisai/ciris-manager/internal/templates"
)

const (
	// defaultAdminPassword is the password agents boot with; create
	// rotates it to a random one immediately after start.
	defaultAdminPassword = "ciris_admin_password"
	adminUsername        = "admin"

	// bootstrapDelay is how long create waits before the credential
	// bootstrap call, giving the agent API time to come up.
	bootstrapDelay = 5 * time.Second

	helperPollInterval = 2 * time.Second
)

// remoteClient is the Docker surface the remote dispatch path uses.
type remoteClient = docker.API

// Fleet is the slice of the Docker facade the coordinator needs.
type Fleet interface {
	Host(hostID string) (config.ServerConfig, bool)
	GetClient(hostID string) (docker.API, error)
	MarkFailed(hostID string, err error)
	MarkHealthy(hostID string)
}

// Proxy triggers a reverse-proxy reconcile after create and delete.
type Proxy interface {
	Reconcile(ctx context.Context) error
}

// AgentAPI is the slice of the agent client used for credential
// bootstrap after create.
type AgentAPI interface {
	Login(ctx context.Context, username, password string) (*agentapi.Session, error)
	ChangePassword(ctx context.Context, accessToken, userID, current, next string) error
}

// Coordinator owns agent create, delete, restart, and config updates.
// Per-agent operations are single-flight: concurrent calls for the
// same composite key serialize.
type Coordinator struct {
	cfg   *config.Config
	reg   *registry.Registry
	alloc *registry.Allocator
	fleet Fleet
	tmpl  *templates.Store
	proxy Proxy
	bus   *events.Bus
	log   *logging.Logger
	clk   clock.Clock

	composeCLI ComposeRunner
	// newAgentAPI and chown are swappable for tests.
	newAgentAPI func(baseURL, token string) AgentAPI
	chown       func(path string, uid, gid int) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires a Coordinator with production defaults.
func New(cfg *config.Config, reg *registry.Registry, alloc *registry.Allocator, fleet Fleet,
	tmpl *templates.Store, proxy Proxy, bus *events.Bus, log *logging.Logger, clk clock.Clock) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		reg:        reg,
		alloc:      alloc,
		fleet:      fleet,
		tmpl:       tmpl,
		proxy:      proxy,
		bus:        bus,
		log:        log,
		clk:        clk,
		composeCLI: NewComposeRunner(),
		newAgentAPI: func(baseURL, token string) AgentAPI {
			return agentapi.New(baseURL, token)
		},
		locks: make(map[string]*sync.Mutex),
	}
}

// lockKey serializes operations on one composite key.
func (c *Coordinator) lockKey(key registry.Key) func() {
	c.mu.Lock()
	l, ok := c.locks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key.String()] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Name         string
	Template     string
	HostID       string
	OccurrenceID string
	// WASignature authorizes a template that is not pre-approved.
	WASignature     string
	Environment     map[string]string
	EnabledAdapters []string
	DeploymentGroup string
	DoNotAutostart  bool
}

// CreateResult reports the newly declared agent.
type CreateResult struct {
	AgentID       string `json:"agent_id"`
	ContainerName string `json:"container_name"`
	Port          int    `json:"port"`
	Endpoint      string `json:"endpoint"`
	ComposePath   string `json:"compose_path"`
	Status        string `json:"status"`
}

// Create declares and starts a new agent. The registry entry is
// persisted before the container starts; failures before the start
// unwind, failures after it leave the agent in place with a warning.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if _, err := c.tmpl.Vet(req.Template, req.WASignature); err != nil {
		return nil, err
	}

	hostID := req.HostID
	if hostID == "" {
		hostID = registry.DefaultHost
	}
	srv, ok := c.fleet.Host(hostID)
	if !ok {
		return nil, fmt.Errorf("unknown host %q", hostID)
	}

	agentID, err := c.newIdentity(req)
	if err != nil {
		return nil, err
	}
	key := registry.NewKey(agentID, req.OccurrenceID, hostID)

	serviceToken, err := NewServiceToken()
	if err != nil {
		return nil, err
	}
	adminPassword, err := NewAdminPassword()
	if err != nil {
		return nil, err
	}

	port, err := c.alloc.Allocate(key.String())
	if err != nil {
		return nil, err
	}

	// Occurrences of the same agent share an id, so the directory is
	// qualified by occurrence to keep their compose files apart.
	dirName := agentID
	if req.OccurrenceID != "" {
		dirName = agentID + "-" + req.OccurrenceID
	}
	agentDir := filepath.Join(c.cfg.AgentsDir, dirName)
	composePath := filepath.Join(agentDir, "docker-compose.yml")

	if err := MaterializeAgentDir(agentDir, c.chown); err != nil {
		c.alloc.Release(key.String())
		return nil, err
	}

	doc := compose.Render(compose.Input{
		AgentID:         agentID,
		Template:        req.Template,
		HostID:          hostID,
		Port:            port,
		Image:           c.cfg.Images.Registry + "/" + c.cfg.Images.DefaultImage,
		OAuthDir:        filepath.Join(c.cfg.AgentsDir, "..", "shared", "oauth"),
		CallbackBaseURL: fmt.Sprintf("https://%s", srv.Hostname),
		DeploymentGroup: req.DeploymentGroup,
		Environment:     req.Environment,
		EnabledAdapters: req.EnabledAdapters,
		CreatedAt:       c.clk.Now().UTC(),
	})
	if err := compose.WriteFile(composePath, doc); err != nil {
		c.alloc.Release(key.String())
		return nil, err
	}

	rec := &registry.AgentRecord{
		AgentID:         agentID,
		OccurrenceID:    req.OccurrenceID,
		HostID:          hostID,
		Name:            req.Name,
		Template:        req.Template,
		Port:            port,
		ComposePath:     composePath,
		DeploymentGroup: req.DeploymentGroup,
		Environment:     req.Environment,
		DoNotAutostart:  req.DoNotAutostart,
		CreatedAt:       c.clk.Now().UTC(),
		Versions:        registry.VersionSlots{Current: c.cfg.Images.Registry + "/" + c.cfg.Images.DefaultImage},
	}
	if err := c.reg.SealCredentials(rec, serviceToken, adminPassword); err != nil {
		c.alloc.Release(key.String())
		return nil, err
	}
	if err := c.reg.Register(rec); err != nil {
		c.alloc.Release(key.String())
		return nil, err
	}

	// Registry write precedes the container start. From here on a
	// start failure unwinds the registration and the port.
	if err := c.startAgent(ctx, rec); err != nil {
		c.log.Error("agent start failed, unwinding create", "agent", agentID, "host", hostID, "error", err)
		if uerr := c.reg.Unregister(key); uerr != nil {
			c.log.Error("unwind failed to unregister agent", "agent", agentID, "error", uerr)
		}
		c.alloc.Release(key.String())
		return nil, fmt.Errorf("start agent %s: %w", agentID, err)
	}

	endpoint := agentBaseURL(srv, port)
	c.bootstrapCredentials(ctx, agentID, endpoint, adminPassword)

	if err := c.proxy.Reconcile(ctx); err != nil {
		c.log.Warn("proxy reconcile after create failed", "agent", agentID, "error", err)
	}

	c.publish(events.EventAgentCreated, agentID, hostID, "created from template "+req.Template)
	metrics.AgentsTotal.Set(float64(len(c.reg.List())))

	return &CreateResult{
		AgentID:       agentID,
		ContainerName: rec.ContainerName(),
		Port:          port,
		Endpoint:      endpoint,
		ComposePath:   composePath,
		Status:        "starting",
	}, nil
}

func (c *Coordinator) newIdentity(req CreateRequest) (string, error) {
	// Multi-occurrence agents share a bare slug id; uniqueness comes
	// from the composite key.
	if req.OccurrenceID != "" {
		return Slug(req.Name), nil
	}
	return NewAgentID(req.Name)
}

// bootstrapCredentials rotates the default admin password to the
// generated one. Failure is a warning, not an unwind: the agent stays
// reachable with the default and the operator is alerted.
func (c *Coordinator) bootstrapCredentials(ctx context.Context, agentID, endpoint, adminPassword string) {
	if err := clock.Sleep(ctx, c.clk, bootstrapDelay); err != nil {
		return
	}
	api := c.newAgentAPI(endpoint, "")
	sess, err := api.Login(ctx, adminUsername, defaultAdminPassword)
	if err != nil {
		c.log.Warn("credential bootstrap login failed; agent still uses the default admin password",
			"agent", agentID, "error", err)
		return
	}
	// The password endpoint is keyed by the opaque user id from login,
	// not the username.
	if err := api.ChangePassword(ctx, sess.AccessToken, sess.UserID, defaultAdminPassword, adminPassword); err != nil {
		c.log.Warn("credential bootstrap password change failed; agent still uses the default admin password",
			"agent", agentID, "error", err)
	}
}

// Delete stops an agent, removes its registration and routes, and
// deletes the compose file. The data directory is retained.
func (c *Coordinator) Delete(ctx context.Context, key registry.Key) error {
	unlock := c.lockKey(key)
	defer unlock()

	rec, err := c.reg.Lookup(key)
	if err != nil {
		return err
	}

	// Container stop failures do not block the cleanup; the registry
	// and routes must not keep referencing a deleted agent.
	if err := c.stopAgent(ctx, rec); err != nil {
		c.log.Warn("failed to stop container during delete, continuing", "agent", rec.AgentID, "error", err)
	}

	if err := c.reg.Unregister(key); err != nil {
		return err
	}
	c.alloc.Release(key.String())

	if err := c.proxy.Reconcile(ctx); err != nil {
		c.log.Warn("proxy reconcile after delete failed", "agent", rec.AgentID, "error", err)
	}
	if err := RemoveComposeFile(rec.ComposePath); err != nil {
		c.log.Warn("failed to remove compose file", "agent", rec.AgentID, "error", err)
	}

	c.publish(events.EventAgentDeleted, rec.AgentID, rec.HostID, "deleted")
	metrics.AgentsTotal.Set(float64(len(c.reg.List())))
	return nil
}

// UpdateConfig merges environment overrides into the agent's compose
// document. A nil or empty value deletes the key. When restart is set
// the agent is relaunched to pick the changes up.
func (c *Coordinator) UpdateConfig(ctx context.Context, key registry.Key, env map[string]*string, restart bool) error {
	unlock := c.lockKey(key)
	defer unlock()

	rec, err := c.reg.Lookup(key)
	if err != nil {
		return err
	}

	doc, err := compose.ReadFile(rec.ComposePath)
	if err != nil {
		return err
	}
	if err := doc.MergeEnvironment(env); err != nil {
		return err
	}
	if err := compose.WriteFile(rec.ComposePath, doc); err != nil {
		return err
	}

	err = c.reg.Update(key, func(rec *registry.AgentRecord) error {
		if rec.Environment == nil {
			rec.Environment = make(map[string]string)
		}
		for k, v := range env {
			if v == nil || *v == "" {
				delete(rec.Environment, k)
				continue
			}
			rec.Environment[k] = *v
		}
		return nil
	})
	if err != nil {
		return err
	}

	if restart {
		return c.restartLocked(ctx, rec)
	}
	return nil
}

// Start launches a stopped agent from its existing compose document.
func (c *Coordinator) Start(ctx context.Context, key registry.Key) error {
	unlock := c.lockKey(key)
	defer unlock()

	rec, err := c.reg.Lookup(key)
	if err != nil {
		return err
	}
	return c.startAgent(ctx, rec)
}

// Stop stops a running agent without unregistering it.
func (c *Coordinator) Stop(ctx context.Context, key registry.Key) error {
	unlock := c.lockKey(key)
	defer unlock()

	rec, err := c.reg.Lookup(key)
	if err != nil {
		return err
	}
	return c.stopAgent(ctx, rec)
}

// Restart stops and relaunches an agent, reusing its compose document.
func (c *Coordinator) Restart(ctx context.Context, key registry.Key) error {
	unlock := c.lockKey(key)
	defer unlock()

	rec, err := c.reg.Lookup(key)
	if err != nil {
		return err
	}
	return c.restartLocked(ctx, rec)
}

func (c *Coordinator) restartLocked(ctx context.Context, rec *registry.AgentRecord) error {
	if err := c.stopAgent(ctx, rec); err != nil {
		c.log.Warn("stop before restart failed, attempting start anyway", "agent", rec.AgentID, "error", err)
	}
	if err := c.startAgent(ctx, rec); err != nil {
		return err
	}
	c.publish(events.EventAgentRestarted, rec.AgentID, rec.HostID, "restarted")
	return nil
}

// ApplyImage swaps an agent onto a new image: rewrite the compose
// document, stop the container, rotate the version slots, relaunch.
// The slot rotation and the history append are one registry write so
// readers never see a partially rotated triple.
func (c *Coordinator) ApplyImage(ctx context.Context, key registry.Key, image, digest, deploymentID string) error {
	unlock := c.lockKey(key)
	defer unlock()

	rec, err := c.reg.Lookup(key)
	if err != nil {
		return err
	}

	doc, err := compose.ReadFile(rec.ComposePath)
	if err != nil {
		return err
	}
	if err := doc.SetImage(image); err != nil {
		return err
	}
	if err := compose.WriteFile(rec.ComposePath, doc); err != nil {
		return err
	}

	if err := c.stopAgent(ctx, rec); err != nil {
		c.log.Warn("stop before image swap failed, attempting relaunch anyway", "agent", rec.AgentID, "error", err)
	}

	err = c.reg.Update(key, func(r *registry.AgentRecord) error {
		r.Versions.NMinus2 = r.Versions.NMinus1
		r.Versions.NMinus1 = r.Versions.Current
		r.Versions.Current = image
		r.History = append(r.History, registry.VersionEntry{
			Image:        image,
			Digest:       digest,
			DeploymentID: deploymentID,
			Timestamp:    c.clk.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	return c.startAgent(ctx, rec)
}

// Recover restarts a crashed agent through the same dispatch path as
// create, reusing the existing compose document.
func (c *Coordinator) Recover(ctx context.Context, rec *registry.AgentRecord) error {
	unlock := c.lockKey(rec.Key())
	defer unlock()

	if err := c.startAgent(ctx, rec); err != nil {
		return err
	}
	metrics.RecoveryRestarts.Inc()
	c.publish(events.EventAgentRecovered, rec.AgentID, rec.HostID, "restarted after crash")
	return nil
}

// agentBaseURL is where the manager reaches the agent's API.
func agentBaseURL(srv config.ServerConfig, port int) string {
	host := "127.0.0.1"
	if !srv.IsLocal {
		host = srv.VPCIP
		if host == "" {
			host = srv.Hostname
		}
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

func (c *Coordinator) publish(typ events.EventType, agentID, hostID, msg string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:      typ,
		AgentID:   agentID,
		HostID:    hostID,
		Message:   msg,
		Timestamp: c.clk.Now(),
	})
}
