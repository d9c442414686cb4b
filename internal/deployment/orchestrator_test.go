package deployment

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cirisai/ciris-manager/internal/agentapi"
	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/crypto"
	"github.com/cirisai/ciris-manager/internal/events"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/registry"
)

const (
	oldImage = "ghcr.io/cirisai/ciris-agent:1.4.1"
	newImage = "ghcr.io/cirisai/ciris-agent:1.4.2"
)

type testAgent struct {
	id    string
	group string
	port  int
}

type testEnv struct {
	orch  *Orchestrator
	reg   *registry.Registry
	store *memStore
	life  *fakeLifecycle
	dir   *agentDirectory
	clk   *fakeClock
}

func newTestEnv(t *testing.T, agents []testAgent) *testEnv {
	t.Helper()

	sealer, err := crypto.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	log := logging.New(false)
	reg, err := registry.Load(filepath.Join(t.TempDir(), "metadata.json"), sealer, log)
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	for _, a := range agents {
		rec := &registry.AgentRecord{
			AgentID:         a.id,
			HostID:          "main",
			Name:            a.id,
			Port:            a.port,
			DeploymentGroup: a.group,
			Versions:        registry.VersionSlots{Current: oldImage},
		}
		if err := reg.SealCredentials(rec, "svc-token-"+a.id, "pw"); err != nil {
			t.Fatalf("SealCredentials: %v", err)
		}
		if err := reg.Register(rec); err != nil {
			t.Fatalf("Register(%s): %v", a.id, err)
		}
	}

	fleet := &fakeFleet{
		servers: map[string]config.ServerConfig{
			"main": {ServerID: "main", Hostname: "agents.ciris.ai", IsLocal: true},
		},
		digest: "sha256:abc123",
	}
	store := newMemStore()
	life := &fakeLifecycle{reg: reg}
	dir := newAgentDirectory()
	clk := newFakeClock()

	cfg := config.DeploymentConfig{
		ExplorerPercent:     10,
		EarlyAdopterPercent: 30,
		WaitForWork:         2 * time.Minute,
		Stability:           30 * time.Second,
	}
	orch := New(cfg, reg, fleet, life, store, events.New(), log, clk)
	orch.newAgentAPI = dir.factory

	return &testEnv{orch: orch, reg: reg, store: store, life: life, dir: dir, clk: clk}
}

// stage stages a manual deployment so the test controls execution.
func (e *testEnv) stage(t *testing.T, strategy Strategy) *Deployment {
	t.Helper()
	d, err := e.orch.Stage(context.Background(), UpdateNotification{
		AgentImage: newImage,
		Strategy:   StrategyManual,
		Message:    "routine update",
		Version:    "1.4.2",
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	// Run with the requested strategy without the launch goroutine.
	d.Notification.Strategy = strategy
	return d
}

func (e *testEnv) run(t *testing.T, d *Deployment) *Deployment {
	t.Helper()
	e.orch.execute(context.Background(), d)
	final, err := e.orch.Status(d.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return final
}

func TestStageRejectsSecondDeployment(t *testing.T) {
	env := newTestEnv(t, []testAgent{{id: "scout-a3bx9k", port: 9101}})

	if _, err := env.orch.Stage(context.Background(), UpdateNotification{
		AgentImage: newImage, Strategy: StrategyManual,
	}); err != nil {
		t.Fatalf("first Stage: %v", err)
	}
	_, err := env.orch.Stage(context.Background(), UpdateNotification{
		AgentImage: newImage, Strategy: StrategyManual,
	})
	if !errors.Is(err, ErrDeploymentActive) {
		t.Errorf("second Stage err = %v, want ErrDeploymentActive", err)
	}
}

func TestStageRequiresAnImage(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.orch.Stage(context.Background(), UpdateNotification{Strategy: StrategyManual}); err == nil {
		t.Error("expected error for empty notification")
	}
}

func TestStagePinsDigestsAndTargets(t *testing.T) {
	env := newTestEnv(t, []testAgent{
		{id: "scout-a3bx9k", port: 9101},
		{id: "sage-b4cy8m", port: 9102},
	})

	d := env.stage(t, StrategyManual)
	if d.State != StateStaged {
		t.Errorf("state = %s", d.State)
	}
	if d.TargetDigests["main"] != "sha256:abc123" {
		t.Errorf("digests = %v", d.TargetDigests)
	}
	if d.Counters.Total != 2 || d.Counters.Pending != 2 {
		t.Errorf("counters = %+v", d.Counters)
	}
}

func TestImmediateRolloutUpdatesAll(t *testing.T) {
	env := newTestEnv(t, []testAgent{
		{id: "scout-a3bx9k", port: 9101},
		{id: "sage-b4cy8m", port: 9102},
	})

	final := env.run(t, env.stage(t, StrategyImmediate))
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s)", final.State, final.Error)
	}
	if final.Counters.Updated != 2 || final.Counters.Pending != 0 {
		t.Errorf("counters = %+v", final.Counters)
	}
	if got := len(env.life.appliedList()); got != 2 {
		t.Errorf("applied = %d swaps", got)
	}

	rec, err := env.reg.Resolve("scout-a3bx9k")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Versions.Current != newImage || rec.Versions.NMinus1 != oldImage {
		t.Errorf("versions = %+v", rec.Versions)
	}
	if len(rec.History) != 1 || rec.History[0].DeploymentID != final.ID {
		t.Errorf("history = %+v", rec.History)
	}
}

func TestCanaryPhasesExplorersFirst(t *testing.T) {
	env := newTestEnv(t, []testAgent{
		{id: "steady-aaaaaa", port: 9101},
		{id: "probe-bbbbbb", group: "explorers", port: 9102},
		{id: "keen-cccccc", group: "early_adopters", port: 9103},
	})

	final := env.run(t, env.stage(t, StrategyCanary))
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s)", final.State, final.Error)
	}

	applied := env.life.appliedList()
	if len(applied) != 3 {
		t.Fatalf("applied = %v", applied)
	}
	order := make(map[string]int)
	for i, a := range applied {
		order[strings.SplitN(a, ":", 2)[0]] = i
	}
	if !(order["probe-bbbbbb"] < order["keen-cccccc"] && order["keen-cccccc"] < order["steady-aaaaaa"]) {
		t.Errorf("phase order wrong: %v", applied)
	}
}

func TestDeferralCountsAndNeverRollsBack(t *testing.T) {
	env := newTestEnv(t, []testAgent{
		{id: "busy-aaaaaa", group: "explorers", port: 9101},
		{id: "idle-bbbbbb", group: "explorers", port: 9102},
	})
	env.dir.decisions[9101] = agentapi.DecisionDefer
	env.dir.reasons[9101] = "mid-task"

	final := env.run(t, env.stage(t, StrategyCanary))
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s)", final.State, final.Error)
	}
	if final.Counters.Deferred != 1 || final.Counters.Updated != 1 {
		t.Errorf("counters = %+v", final.Counters)
	}

	// The deferring agent keeps its image and appears in no proposal.
	rec, err := env.reg.Resolve("busy-aaaaaa")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Versions.Current != oldImage {
		t.Errorf("deferred agent image = %s", rec.Versions.Current)
	}
	proposals, _ := env.orch.Proposals()
	if len(proposals) != 0 {
		t.Errorf("proposals = %+v", proposals)
	}
}

func TestRejectionFailsAgent(t *testing.T) {
	env := newTestEnv(t, []testAgent{{id: "wary-aaaaaa", port: 9101}})
	env.dir.decisions[9101] = agentapi.DecisionReject
	env.dir.reasons[9101] = "unsigned release"

	final := env.run(t, env.stage(t, StrategyImmediate))
	if final.State != StateFailed {
		t.Errorf("state = %s", final.State)
	}
	if final.Counters.Failed != 1 || final.Counters.Updated != 0 {
		t.Errorf("counters = %+v", final.Counters)
	}
	recs, _ := env.orch.History(0)
	if len(recs) != 1 || recs[0].Outcome != "failed" || !strings.Contains(recs[0].Error, "unsigned release") {
		t.Errorf("history = %+v", recs)
	}
}

func TestZeroWorkProposesRollback(t *testing.T) {
	env := newTestEnv(t, []testAgent{
		{id: "probe-aaaaaa", group: "explorers", port: 9101},
		{id: "steady-bbbbbb", port: 9102},
	})
	// The explorer never leaves WAKEUP after the swap.
	env.dir.states[9101] = "WAKEUP"

	final := env.run(t, env.stage(t, StrategyCanary))
	if final.State != StateFailed {
		t.Fatalf("state = %s", final.State)
	}

	// The rollout stopped at the explorer gate; the general population
	// was never touched.
	rec, _ := env.reg.Resolve("steady-bbbbbb")
	if rec.Versions.Current != oldImage {
		t.Errorf("general agent was updated to %s", rec.Versions.Current)
	}

	proposals, err := env.orch.Proposals()
	if err != nil {
		t.Fatalf("Proposals: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("proposals = %+v", proposals)
	}
	p := proposals[0]
	if p.DeploymentID != final.ID || p.Status != "proposed" {
		t.Errorf("proposal = %+v", p)
	}
	if len(p.Targets) != 1 || p.Targets[0].PreviousImage != oldImage {
		t.Errorf("targets = %+v", p.Targets)
	}
}

func TestExecuteRollbackRestoresPreviousImage(t *testing.T) {
	env := newTestEnv(t, []testAgent{
		{id: "probe-aaaaaa", group: "explorers", port: 9101},
	})
	env.dir.states[9101] = "WAKEUP"

	final := env.run(t, env.stage(t, StrategyCanary))
	if final.State != StateFailed {
		t.Fatalf("state = %s", final.State)
	}
	proposals, _ := env.orch.Proposals()
	if len(proposals) != 1 {
		t.Fatalf("proposals = %d", len(proposals))
	}

	if err := env.orch.ExecuteRollback(context.Background(), proposals[0].ID); err != nil {
		t.Fatalf("ExecuteRollback: %v", err)
	}

	rec, _ := env.reg.Resolve("probe-aaaaaa")
	if rec.Versions.Current != oldImage {
		t.Errorf("image after rollback = %s", rec.Versions.Current)
	}
	d, _ := env.orch.Status(final.ID)
	if d.State != StateRolledBack {
		t.Errorf("deployment state = %s", d.State)
	}
	p, _ := env.orch.Proposals()
	if p[0].Status != "executed" {
		t.Errorf("proposal status = %s", p[0].Status)
	}

	// A second execution of the same proposal is refused.
	if err := env.orch.ExecuteRollback(context.Background(), p[0].ID); !errors.Is(err, ErrBadTransition) {
		t.Errorf("re-execute err = %v", err)
	}
}

func TestCancelStagedDeployment(t *testing.T) {
	env := newTestEnv(t, []testAgent{{id: "scout-a3bx9k", port: 9101}})
	d := env.stage(t, StrategyManual)

	if err := env.orch.Cancel(d.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := env.orch.Status(d.ID)
	if got.State != StateCancelled {
		t.Errorf("state = %s", got.State)
	}
	if err := env.orch.Cancel(d.ID); !errors.Is(err, ErrBadTransition) {
		t.Errorf("second Cancel err = %v", err)
	}

	// A cancelled deployment no longer blocks staging.
	if _, err := env.orch.Stage(context.Background(), UpdateNotification{
		AgentImage: newImage, Strategy: StrategyManual,
	}); err != nil {
		t.Errorf("Stage after cancel: %v", err)
	}
}

func TestCancelRacingLaunchStillCancels(t *testing.T) {
	env := newTestEnv(t, []testAgent{{id: "scout-a3bx9k", port: 9101}})
	d := env.stage(t, StrategyImmediate)

	// Launch has persisted pending but the rollout goroutine has not
	// run yet when the cancel lands.
	d.State = StatePending
	if err := env.store.SaveDeployment(d); err != nil {
		t.Fatalf("SaveDeployment: %v", err)
	}
	if err := env.orch.Cancel(d.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := env.run(t, d)
	if final.State != StateCancelled {
		t.Errorf("state = %s, want %s", final.State, StateCancelled)
	}
	if applied := env.life.appliedList(); len(applied) != 0 {
		t.Errorf("cancelled rollout swapped agents: %v", applied)
	}

	// The terminal write frees the slot for the next stage.
	if _, err := env.orch.Stage(context.Background(), UpdateNotification{
		AgentImage: newImage, Strategy: StrategyManual,
	}); err != nil {
		t.Errorf("Stage after cancelled launch: %v", err)
	}
}

func TestCanaryCarvesUnlabeledFleet(t *testing.T) {
	var agents []testAgent
	for i := 0; i < 10; i++ {
		agents = append(agents, testAgent{id: fmt.Sprintf("node-%06d", i), port: 9101 + i})
	}
	env := newTestEnv(t, agents)

	final := env.run(t, env.stage(t, StrategyCanary))
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s)", final.State, final.Error)
	}

	applied := env.life.appliedList()
	if len(applied) != 10 {
		t.Fatalf("applied = %d swaps", len(applied))
	}
	// Ten unlabeled agents at 10%/30%: one explorer, then three early
	// adopters, then the rest. Waves run in order; carving is by key.
	if got := strings.SplitN(applied[0], ":", 2)[0]; got != "node-000000" {
		t.Errorf("first wave = %s, want node-000000", got)
	}
	secondWave := map[string]bool{}
	for _, a := range applied[1:4] {
		secondWave[strings.SplitN(a, ":", 2)[0]] = true
	}
	for _, id := range []string{"node-000001", "node-000002", "node-000003"} {
		if !secondWave[id] {
			t.Errorf("second wave %v missing %s", applied[1:4], id)
		}
	}
}

func TestRejectOnlyBeforeRollout(t *testing.T) {
	env := newTestEnv(t, []testAgent{{id: "scout-a3bx9k", port: 9101}})

	final := env.run(t, env.stage(t, StrategyImmediate))
	if err := env.orch.Reject(final.ID, "too late"); !errors.Is(err, ErrBadTransition) {
		t.Errorf("Reject on %s err = %v", final.State, err)
	}

	d := env.stage(t, StrategyManual)
	if err := env.orch.Reject(d.ID, "not this week"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	got, _ := env.orch.Status(d.ID)
	if got.State != StateCancelled || got.Error != "not this week" {
		t.Errorf("got %s (%q)", got.State, got.Error)
	}
}

func TestRetryReusesPinnedDigests(t *testing.T) {
	env := newTestEnv(t, []testAgent{{id: "wary-aaaaaa", port: 9101}})
	env.dir.decisions[9101] = agentapi.DecisionReject

	final := env.run(t, env.stage(t, StrategyImmediate))
	if final.State != StateFailed {
		t.Fatalf("state = %s", final.State)
	}

	env.dir.decisions[9101] = agentapi.DecisionAccept
	retry, err := env.orch.Retry(context.Background(), final.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retry.ID == final.ID {
		t.Error("retry reused the deployment id")
	}
	if retry.TargetDigests["main"] != final.TargetDigests["main"] {
		t.Errorf("digests = %v, want %v", retry.TargetDigests, final.TargetDigests)
	}

	got := env.run(t, retry)
	if got.State != StateCompleted {
		t.Errorf("retry state = %s (%s)", got.State, got.Error)
	}
}

func TestRetryRefusedWhileActive(t *testing.T) {
	env := newTestEnv(t, []testAgent{{id: "scout-a3bx9k", port: 9101}})
	d := env.stage(t, StrategyManual)

	if _, err := env.orch.Retry(context.Background(), d.ID); !errors.Is(err, ErrBadTransition) {
		t.Errorf("Retry on staged err = %v", err)
	}
}
