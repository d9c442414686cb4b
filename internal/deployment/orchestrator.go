package deployment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cirisai/ciris-manager/internal/agentapi"
	"github.com/cirisai/ciris-manager/internal/clock"
	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/docker"
	"github.com/cirisai/ciris-manager/internal/events"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/metrics"
	"github.com/cirisai/ciris-manager/internal/registry"
)

// healthPollInterval is how often the gate re-reads cognitive states.
const healthPollInterval = 15 * time.Second

var (
	// ErrDeploymentActive is returned by Stage when a rollout is
	// already staged or running. One deployment at a time.
	ErrDeploymentActive = errors.New("another deployment is active")
	// ErrDeploymentNotFound is returned for unknown deployment ids.
	ErrDeploymentNotFound = errors.New("deployment not found")
	// ErrProposalNotFound is returned for unknown proposal ids.
	ErrProposalNotFound = errors.New("rollback proposal not found")
	// ErrBadTransition is returned when an operation does not apply to
	// the deployment's current state.
	ErrBadTransition = errors.New("invalid deployment state transition")
)

// AgentAPI is the slice of the agent client the orchestrator uses for
// update negotiation and health gates.
type AgentAPI interface {
	ProposeUpdate(ctx context.Context, image, version, message string) (*agentapi.UpdateResponse, error)
	CognitiveState(ctx context.Context) (string, error)
}

// Lifecycle swaps one agent onto a new image through the dispatch path.
type Lifecycle interface {
	ApplyImage(ctx context.Context, key registry.Key, image, digest, deploymentID string) error
}

// Fleet is the slice of the Docker facade the orchestrator needs.
type Fleet interface {
	Host(hostID string) (config.ServerConfig, bool)
	HostIDs() []string
	GetClient(hostID string) (docker.API, error)
}

// Orchestrator stages and runs deployments. It is the single writer of
// deployment state; every transition is persisted before the next step.
type Orchestrator struct {
	cfg   config.DeploymentConfig
	reg   *registry.Registry
	fleet Fleet
	life  Lifecycle
	store Store
	bus   *events.Bus
	log   *logging.Logger
	clk   clock.Clock

	// newAgentAPI is swappable for tests.
	newAgentAPI func(baseURL, token string) AgentAPI

	// onFinished fires after a deployment reaches a terminal state.
	onFinished func(State)

	mu        sync.Mutex
	cancelled map[string]string // deployment id → cancellation reason
	wg        sync.WaitGroup
}

// NotifyFinished registers a callback invoked asynchronously after a
// deployment reaches a terminal state. The composition root uses it to
// kick an image retention sweep once a rollout settles.
func (o *Orchestrator) NotifyFinished(fn func(State)) {
	o.onFinished = fn
}

// New wires an Orchestrator with production defaults.
func New(cfg config.DeploymentConfig, reg *registry.Registry, fleet Fleet, life Lifecycle,
	store Store, bus *events.Bus, log *logging.Logger, clk clock.Clock) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		reg:   reg,
		fleet: fleet,
		life:  life,
		store: store,
		bus:   bus,
		log:   log,
		clk:   clk,
		newAgentAPI: func(baseURL, token string) AgentAPI {
			return agentapi.New(baseURL, token)
		},
		cancelled: make(map[string]string),
	}
}

// Stage validates a notification, pins image digests, and persists a
// new deployment. Non-manual strategies launch immediately.
func (o *Orchestrator) Stage(ctx context.Context, notif UpdateNotification) (*Deployment, error) {
	if notif.AgentImage == "" && notif.GUIImage == "" {
		return nil, errors.New("notification names no image")
	}
	if notif.Strategy == "" {
		notif.Strategy = StrategyCanary
	}
	switch notif.Strategy {
	case StrategyImmediate, StrategyCanary, StrategyManual:
	default:
		return nil, fmt.Errorf("unknown strategy %q", notif.Strategy)
	}

	active, err := o.store.ActiveDeployment()
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrDeploymentActive, active.ID, active.State)
	}

	d := &Deployment{
		ID:           uuid.NewString(),
		Notification: notif,
		State:        StateStaged,
		StagedAt:     o.clk.Now().UTC(),
	}
	if notif.AgentImage != "" {
		for _, rec := range o.reg.List() {
			d.Targets = append(d.Targets, rec.Key().String())
		}
		d.TargetDigests = o.pinDigests(ctx, notif.AgentImage)
	}
	d.Counters = Counters{Total: len(d.Targets), Pending: len(d.Targets)}

	if err := o.store.SaveDeployment(d); err != nil {
		return nil, err
	}
	o.publishState(d, "staged: "+notif.Message)

	if notif.Strategy == StrategyManual {
		return d, nil
	}
	if err := o.Launch(ctx, d.ID); err != nil {
		return nil, err
	}
	return d, nil
}

// pinDigests resolves the rollout image to a digest on every host so
// later phases and retries use the bits that were current at stage
// time. A host that cannot resolve keeps an empty pin and pulls by tag.
func (o *Orchestrator) pinDigests(ctx context.Context, image string) map[string]string {
	pins := make(map[string]string)
	for _, hostID := range o.fleet.HostIDs() {
		client, err := o.fleet.GetClient(hostID)
		if err != nil {
			o.log.Warn("cannot pin image digest on host", "host", hostID, "error", err)
			continue
		}
		digest, err := client.DistributionDigest(ctx, image)
		if err != nil {
			o.log.Warn("digest resolution failed, host will pull by tag", "host", hostID, "image", image, "error", err)
			continue
		}
		pins[hostID] = digest
	}
	return pins
}

// Launch moves a staged deployment to pending and starts the rollout
// in the background.
func (o *Orchestrator) Launch(ctx context.Context, id string) error {
	d, err := o.get(id)
	if err != nil {
		return err
	}
	if d.State != StateStaged {
		return fmt.Errorf("%w: cannot launch from %s", ErrBadTransition, d.State)
	}
	d.State = StatePending
	if err := o.store.SaveDeployment(d); err != nil {
		return err
	}
	o.publishState(d, "launched")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The rollout outlives the API request that launched it.
		o.execute(context.WithoutCancel(ctx), d)
	}()
	return nil
}

// Shutdown waits for an in-flight rollout to persist its final state.
func (o *Orchestrator) Shutdown() {
	o.wg.Wait()
}

// execute runs a pending deployment to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, d *Deployment) {
	// A cancel may land between Launch persisting pending and this
	// goroutine starting. Once launched, the rollout goroutine owns the
	// terminal write, so check before touching any agent.
	if o.isCancelled(d.ID) {
		o.finish(d, StateCancelled, o.cancelReason(d.ID))
		return
	}

	d.State = StateInProgress
	d.StartedAt = o.clk.Now().UTC()
	if err := o.store.SaveDeployment(d); err != nil {
		o.log.Error("cannot persist deployment start", "deployment", d.ID, "error", err)
	}
	o.publishState(d, "in progress")

	for _, ph := range o.phases(d) {
		if len(ph.agents) == 0 {
			continue
		}
		d.Phase = ph.name
		if err := o.store.SaveDeployment(d); err != nil {
			o.log.Error("cannot persist deployment phase", "deployment", d.ID, "error", err)
		}
		o.publishPhase(d, ph.name)

		updated := o.updatePhase(ctx, d, ph.agents)
		if o.isCancelled(d.ID) {
			o.finish(d, StateCancelled, o.cancelReason(d.ID))
			return
		}
		if d.Notification.Strategy == StrategyCanary && len(updated) > 0 {
			if err := o.healthGate(ctx, updated); err != nil {
				o.proposeRollback(ctx, d, updated, err)
				o.finish(d, StateFailed, err.Error())
				return
			}
		}
	}

	if d.Counters.Updated == 0 && d.Counters.Failed > 0 {
		o.finish(d, StateFailed, "no agent accepted the update")
		return
	}
	o.finish(d, StateCompleted, "")
}

// phase is one rollout wave.
type phase struct {
	name   string
	agents []*registry.AgentRecord
}

// phases orders the deployment's targets into rollout waves. Canary
// rollouts go explorers, early adopters, then general population;
// agents without a deployment group land in general. Immediate
// rollouts are one wave.
func (o *Orchestrator) phases(d *Deployment) []phase {
	targets := make(map[string]bool, len(d.Targets))
	for _, key := range d.Targets {
		targets[key] = true
	}
	var recs []*registry.AgentRecord
	for _, rec := range o.reg.List() {
		if targets[rec.Key().String()] {
			recs = append(recs, rec)
		}
	}

	if d.Notification.Strategy != StrategyCanary {
		return []phase{{name: PhaseGeneral, agents: recs}}
	}

	byGroup := map[string][]*registry.AgentRecord{}
	for _, rec := range recs {
		group := rec.DeploymentGroup
		if group != PhaseExplorers && group != PhaseEarlyAdopters {
			group = PhaseGeneral
		}
		byGroup[group] = append(byGroup[group], rec)
	}
	// A fleet with no canary labels at all still gets phased waves,
	// carved by the configured percentages.
	if len(byGroup[PhaseExplorers]) == 0 && len(byGroup[PhaseEarlyAdopters]) == 0 {
		return o.carvePhases(recs)
	}
	return []phase{
		{name: PhaseExplorers, agents: byGroup[PhaseExplorers]},
		{name: PhaseEarlyAdopters, agents: byGroup[PhaseEarlyAdopters]},
		{name: PhaseGeneral, agents: byGroup[PhaseGeneral]},
	}
}

// carvePhases splits an unlabeled fleet into canary waves by the
// configured percentages. Explorers are never empty so the health gate
// always has a first wave to judge. The split is deterministic: recs
// arrive ordered by composite key.
func (o *Orchestrator) carvePhases(recs []*registry.AgentRecord) []phase {
	n := len(recs)
	if n == 0 {
		return []phase{{name: PhaseGeneral}}
	}
	explorers := n * o.cfg.ExplorerPercent / 100
	if explorers == 0 {
		explorers = 1
	}
	early := n * o.cfg.EarlyAdopterPercent / 100
	if explorers+early > n {
		early = n - explorers
	}
	return []phase{
		{name: PhaseExplorers, agents: recs[:explorers]},
		{name: PhaseEarlyAdopters, agents: recs[explorers : explorers+early]},
		{name: PhaseGeneral, agents: recs[explorers+early:]},
	}
}

// updatePhase negotiates the update with every agent in the wave in
// parallel and returns the agents that accepted and were swapped.
func (o *Orchestrator) updatePhase(ctx context.Context, d *Deployment, agents []*registry.AgentRecord) []*registry.AgentRecord {
	var (
		mu      sync.Mutex
		updated []*registry.AgentRecord
		wg      sync.WaitGroup
	)
	for _, rec := range agents {
		if o.isCancelled(d.ID) {
			break
		}
		wg.Add(1)
		go func(rec *registry.AgentRecord) {
			defer wg.Done()
			outcome, errMsg := o.updateAgent(ctx, d, rec)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "updated":
				d.Counters.Updated++
				updated = append(updated, rec)
			case "deferred":
				d.Counters.Deferred++
			case "failed":
				d.Counters.Failed++
			default:
				return // cancelled before the first hop, stays pending
			}
			d.Counters.Pending--
			metrics.AgentUpdatesTotal.WithLabelValues(outcome).Inc()
			err := o.store.RecordUpdate(UpdateRecord{
				Timestamp:    o.clk.Now().UTC(),
				DeploymentID: d.ID,
				AgentKey:     rec.Key().String(),
				OldImage:     rec.Versions.Current,
				NewImage:     d.Notification.AgentImage,
				Outcome:      outcome,
				Error:        errMsg,
			})
			if err != nil {
				o.log.Error("cannot record agent update", "agent", rec.AgentID, "error", err)
			}
		}(rec)
	}
	wg.Wait()

	if err := o.store.SaveDeployment(d); err != nil {
		o.log.Error("cannot persist phase counters", "deployment", d.ID, "error", err)
	}
	return updated
}

// updateAgent runs the per-agent protocol: propose, then swap on
// accept. Returns the outcome and an error message for the history.
func (o *Orchestrator) updateAgent(ctx context.Context, d *Deployment, rec *registry.AgentRecord) (string, string) {
	if o.isCancelled(d.ID) {
		return "", ""
	}
	key := rec.Key()
	srv, ok := o.fleet.Host(rec.HostID)
	if !ok {
		return "failed", fmt.Sprintf("unknown host %q", rec.HostID)
	}
	token, err := o.reg.ServiceToken(key)
	if err != nil {
		o.log.Warn("no service token for agent, proposing unauthenticated", "agent", rec.AgentID, "error", err)
	}

	notif := d.Notification
	api := o.newAgentAPI(agentURL(srv, rec.Port), token)
	resp, err := api.ProposeUpdate(ctx, notif.AgentImage, notif.Version, notif.Message)
	if err != nil {
		return "failed", fmt.Sprintf("update proposal: %v", err)
	}

	switch resp.Decision {
	case agentapi.DecisionDefer:
		o.log.Info("agent deferred update", "agent", rec.AgentID, "reason", resp.Reason)
		return "deferred", resp.Reason
	case agentapi.DecisionReject:
		o.log.Warn("agent rejected update", "agent", rec.AgentID, "reason", resp.Reason)
		return "failed", "rejected: " + resp.Reason
	}

	if o.isCancelled(d.ID) {
		return "", ""
	}
	if err := o.life.ApplyImage(ctx, key, notif.AgentImage, d.TargetDigests[rec.HostID], d.ID); err != nil {
		return "failed", fmt.Sprintf("image swap: %v", err)
	}
	return "updated", ""
}

// healthGate waits for the updated agents to settle. It passes when
// every updated agent has reported WORK continuously for the stability
// window, or when the overall wait elapses with at least one agent in
// WORK. Zero agents in WORK at the deadline fails the gate.
func (o *Orchestrator) healthGate(ctx context.Context, updated []*registry.AgentRecord) error {
	deadline := o.clk.Now().Add(o.cfg.WaitForWork)
	var stableSince time.Time

	for {
		allWork := true
		anyWork := false
		for _, rec := range updated {
			if o.cognitiveState(ctx, rec) == "WORK" {
				anyWork = true
			} else {
				allWork = false
			}
		}

		if allWork {
			if stableSince.IsZero() {
				stableSince = o.clk.Now()
			}
			if o.clk.Since(stableSince) >= o.cfg.Stability {
				return nil
			}
		} else {
			stableSince = time.Time{}
		}

		if !o.clk.Now().Before(deadline) {
			if !anyWork {
				return fmt.Errorf("no updated agent reached WORK within %s", o.cfg.WaitForWork)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.clk.After(healthPollInterval):
		}
	}
}

func (o *Orchestrator) cognitiveState(ctx context.Context, rec *registry.AgentRecord) string {
	srv, ok := o.fleet.Host(rec.HostID)
	if !ok {
		return ""
	}
	token, err := o.reg.ServiceToken(rec.Key())
	if err != nil {
		token = ""
	}
	state, err := o.newAgentAPI(agentURL(srv, rec.Port), token).CognitiveState(ctx)
	if err != nil {
		return ""
	}
	return state
}

// proposeRollback records a rollback proposal for the agents already
// swapped. Deferred agents kept their old image and are never rollback
// targets. The proposal waits for operator confirmation.
func (o *Orchestrator) proposeRollback(ctx context.Context, d *Deployment, updated []*registry.AgentRecord, cause error) {
	p := &RollbackProposal{
		ID:           uuid.NewString(),
		DeploymentID: d.ID,
		Reason:       cause.Error(),
		CreatedAt:    o.clk.Now().UTC(),
		Status:       "proposed",
	}
	for _, stale := range updated {
		rec, err := o.reg.Lookup(stale.Key())
		if err != nil {
			o.log.Warn("rollback target vanished", "agent", stale.AgentID, "error", err)
			continue
		}
		p.Targets = append(p.Targets, RollbackTarget{
			AgentKey:      rec.Key().String(),
			PreviousImage: rec.Versions.NMinus1,
			FallbackImage: rec.Versions.NMinus2,
		})
	}
	if err := o.store.SaveProposal(p); err != nil {
		o.log.Error("cannot persist rollback proposal", "deployment", d.ID, "error", err)
		return
	}
	o.publish(events.EventRollback, d.ID, "rollback proposed: "+p.Reason)
	o.log.Warn("rollback proposed, waiting for operator confirmation",
		"deployment", d.ID, "proposal", p.ID, "targets", len(p.Targets))
}

// ExecuteRollback applies a confirmed rollback proposal, returning
// each target to its previous image and falling back one more version
// when that fails.
func (o *Orchestrator) ExecuteRollback(ctx context.Context, proposalID string) error {
	p, err := o.store.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if p.Status != "proposed" {
		return fmt.Errorf("%w: proposal is %s", ErrBadTransition, p.Status)
	}
	d, err := o.get(p.DeploymentID)
	if err != nil {
		return err
	}

	failures := 0
	for _, t := range p.Targets {
		if err := o.rollbackAgent(ctx, d, t); err != nil {
			o.log.Error("rollback failed for agent", "agent", t.AgentKey, "error", err)
			failures++
		}
	}

	if failures == 0 {
		p.Status = "executed"
		d.State = StateRolledBack
	} else {
		p.Status = "failed"
		d.State = StateRollbackFailed
		d.Error = fmt.Sprintf("rollback failed for %d of %d agents", failures, len(p.Targets))
	}
	d.FinishedAt = o.clk.Now().UTC()
	if err := o.store.SaveProposal(p); err != nil {
		return err
	}
	if err := o.store.SaveDeployment(d); err != nil {
		return err
	}
	metrics.DeploymentsTotal.WithLabelValues(string(d.State)).Inc()
	o.publish(events.EventRollback, d.ID, "rollback "+p.Status)
	if failures > 0 {
		return fmt.Errorf("rollback failed for %d agents", failures)
	}
	return nil
}

func (o *Orchestrator) rollbackAgent(ctx context.Context, d *Deployment, t RollbackTarget) error {
	key, err := registry.ParseKey(t.AgentKey)
	if err != nil {
		return err
	}
	if t.PreviousImage == "" {
		return errors.New("no previous version recorded")
	}
	err = o.life.ApplyImage(ctx, key, t.PreviousImage, "", d.ID)
	if err != nil && t.FallbackImage != "" {
		o.log.Warn("previous version failed, falling back one more", "agent", t.AgentKey, "error", err)
		err = o.life.ApplyImage(ctx, key, t.FallbackImage, "", d.ID)
	}
	if err != nil {
		return err
	}
	rerr := o.store.RecordUpdate(UpdateRecord{
		Timestamp:    o.clk.Now().UTC(),
		DeploymentID: d.ID,
		AgentKey:     t.AgentKey,
		NewImage:     t.PreviousImage,
		Outcome:      "rolled_back",
	})
	if rerr != nil {
		o.log.Error("cannot record rollback", "agent", t.AgentKey, "error", rerr)
	}
	metrics.AgentUpdatesTotal.WithLabelValues("rolled_back").Inc()
	return nil
}

// Cancel stops a non-terminal deployment. An in-flight rollout stops
// before its next network hop; agents already swapped stay swapped.
func (o *Orchestrator) Cancel(id string) error {
	d, err := o.get(id)
	if err != nil {
		return err
	}
	if d.State.Terminal() {
		return fmt.Errorf("%w: deployment is %s", ErrBadTransition, d.State)
	}

	o.mu.Lock()
	o.cancelled[id] = "cancelled by operator"
	o.mu.Unlock()

	// Only staged deployments have no rollout goroutine. Launched ones
	// notice the flag and write the terminal state themselves; writing
	// it here would race the goroutine's in_progress save.
	if d.State == StateStaged {
		o.finish(d, StateCancelled, "cancelled by operator")
	}
	return nil
}

// Reject declines a deployment that has not started rolling out.
func (o *Orchestrator) Reject(id, reason string) error {
	d, err := o.get(id)
	if err != nil {
		return err
	}
	if d.State != StateStaged && d.State != StatePending {
		return fmt.Errorf("%w: cannot reject from %s", ErrBadTransition, d.State)
	}
	if reason == "" {
		reason = "rejected by operator"
	}
	o.mu.Lock()
	o.cancelled[id] = reason
	o.mu.Unlock()
	if d.State == StateStaged {
		o.finish(d, StateCancelled, reason)
	}
	return nil
}

// Retry stages a fresh deployment from a failed one, reusing the
// digests pinned at the original stage time. The retry stays staged
// until Launch, whatever the original strategy was.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*Deployment, error) {
	prev, err := o.get(id)
	if err != nil {
		return nil, err
	}
	if !prev.State.Terminal() {
		return nil, fmt.Errorf("%w: deployment is still %s", ErrBadTransition, prev.State)
	}
	active, err := o.store.ActiveDeployment()
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrDeploymentActive, active.ID, active.State)
	}

	d := &Deployment{
		ID:            uuid.NewString(),
		Notification:  prev.Notification,
		State:         StateStaged,
		TargetDigests: prev.TargetDigests,
		StagedAt:      o.clk.Now().UTC(),
	}
	for _, rec := range o.reg.List() {
		d.Targets = append(d.Targets, rec.Key().String())
	}
	d.Counters = Counters{Total: len(d.Targets), Pending: len(d.Targets)}
	if err := o.store.SaveDeployment(d); err != nil {
		return nil, err
	}
	o.publishState(d, "staged as retry of "+prev.ID)
	return d, nil
}

// Status returns one deployment.
func (o *Orchestrator) Status(id string) (*Deployment, error) {
	return o.get(id)
}

// Active returns the current non-terminal deployment, or nil.
func (o *Orchestrator) Active() (*Deployment, error) {
	return o.store.ActiveDeployment()
}

// List returns recent deployments, newest first.
func (o *Orchestrator) List(limit int) ([]*Deployment, error) {
	return o.store.ListDeployments(limit)
}

// Proposals returns all rollback proposals, newest first.
func (o *Orchestrator) Proposals() ([]*RollbackProposal, error) {
	return o.store.ListProposals()
}

// History returns recent per-agent update records, newest first.
func (o *Orchestrator) History(limit int) ([]UpdateRecord, error) {
	return o.store.ListHistory(limit)
}

func (o *Orchestrator) get(id string) (*Deployment, error) {
	d, err := o.store.GetDeployment(id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	return d, nil
}

func (o *Orchestrator) isCancelled(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancelled[id]
	return ok
}

func (o *Orchestrator) cancelReason(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r := o.cancelled[id]; r != "" {
		return r
	}
	return "cancelled by operator"
}

func (o *Orchestrator) finish(d *Deployment, state State, errMsg string) {
	d.State = state
	d.Error = errMsg
	d.FinishedAt = o.clk.Now().UTC()
	if err := o.store.SaveDeployment(d); err != nil {
		o.log.Error("cannot persist terminal deployment state", "deployment", d.ID, "error", err)
	}
	metrics.DeploymentsTotal.WithLabelValues(string(state)).Inc()
	o.publishState(d, errMsg)

	o.mu.Lock()
	delete(o.cancelled, d.ID)
	o.mu.Unlock()

	if o.onFinished != nil {
		go o.onFinished(state)
	}
}

// agentURL is where the manager reaches the agent's API.
func agentURL(srv config.ServerConfig, port int) string {
	host := "127.0.0.1"
	if !srv.IsLocal {
		host = srv.VPCIP
		if host == "" {
			host = srv.Hostname
		}
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

func (o *Orchestrator) publishState(d *Deployment, msg string) {
	o.publish(events.EventDeploymentState, d.ID, string(d.State)+": "+msg)
}

func (o *Orchestrator) publishPhase(d *Deployment, name string) {
	o.publish(events.EventDeploymentPhase, d.ID, "phase "+name)
}

func (o *Orchestrator) publish(typ events.EventType, deploymentID, msg string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:         typ,
		DeploymentID: deploymentID,
		Message:      msg,
		Timestamp:    o.clk.Now(),
	})
}
