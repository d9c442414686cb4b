// Package deployment stages and executes versioned rollouts across the
// agent fleet, including canary phasing, rollback proposals, and the
// per-agent update negotiation.
package deployment

import "time"

// Strategy selects how a staged update is rolled out.
type Strategy string

const (
	// StrategyImmediate applies to all affected agents in one phase.
	StrategyImmediate Strategy = "immediate"
	// StrategyCanary rolls out in phases with health gates between them.
	StrategyCanary Strategy = "canary"
	// StrategyManual stages only; an explicit launch call starts it.
	StrategyManual Strategy = "manual"
)

// State is a deployment's lifecycle state.
type State string

const (
	StateStaged         State = "staged"
	StatePending        State = "pending"
	StateInProgress     State = "in_progress"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
	StateRolledBack     State = "rolled_back"
	StateRollbackFailed State = "rollback_failed"
)

// Terminal reports whether a deployment in this state is finished.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateRolledBack, StateRollbackFailed:
		return true
	}
	return false
}

// Canary phases, in rollout order.
const (
	PhaseExplorers     = "explorers"
	PhaseEarlyAdopters = "early_adopters"
	PhaseGeneral       = "general"
)

// UpdateNotification announces new images to roll out.
type UpdateNotification struct {
	AgentImage string            `json:"agent_image,omitempty"`
	GUIImage   string            `json:"gui_image,omitempty"`
	ProxyImage string            `json:"proxy_image,omitempty"`
	Strategy   Strategy          `json:"strategy"`
	Message    string            `json:"message"`
	Source     string            `json:"source"`
	CommitSHA  string            `json:"commit_sha,omitempty"`
	Version    string            `json:"version,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Counters summarize per-agent outcomes within a deployment.
type Counters struct {
	Total    int `json:"total"`
	Updated  int `json:"updated"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
}

// Deployment is one staged or running rollout. The orchestrator is the
// single writer; it persists every transition.
type Deployment struct {
	ID           string             `json:"id"`
	Notification UpdateNotification `json:"notification"`
	State        State              `json:"state"`
	Phase        string             `json:"phase,omitempty"`
	Counters     Counters           `json:"counters"`

	// TargetDigests pins the resolved image digest per host at stage
	// time so retries and late phases use the same bits.
	TargetDigests map[string]string `json:"target_digests,omitempty"`
	// Targets are the composite keys of the affected agents.
	Targets []string `json:"targets,omitempty"`

	StagedAt   time.Time `json:"staged_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Error      string    `json:"error,omitempty"`
}

// RollbackTarget is one agent in a rollback proposal, with the images
// to fall back to.
type RollbackTarget struct {
	AgentKey      string `json:"agent_key"`
	PreviousImage string `json:"previous_image"`           // the agent's n-1 slot
	FallbackImage string `json:"fallback_image,omitempty"` // the agent's n-2 slot
}

// RollbackProposal is produced when a canary health gate sees zero
// WORK-state agents. It is only executed after operator confirmation.
type RollbackProposal struct {
	ID           string           `json:"id"`
	DeploymentID string           `json:"deployment_id"`
	Reason       string           `json:"reason"`
	Targets      []RollbackTarget `json:"targets"`
	CreatedAt    time.Time        `json:"created_at"`
	Status       string           `json:"status"` // "proposed", "executed", "failed"
}

// UpdateRecord is one agent's outcome within a deployment, kept as
// operator-facing history.
type UpdateRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	DeploymentID string        `json:"deployment_id"`
	AgentKey     string        `json:"agent_key"`
	OldImage     string        `json:"old_image,omitempty"`
	NewImage     string        `json:"new_image,omitempty"`
	Outcome      string        `json:"outcome"` // "updated", "deferred", "failed", "rolled_back"
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Store is the persistence the orchestrator needs. Implemented by the
// bolt-backed store.
type Store interface {
	SaveDeployment(d *Deployment) error
	GetDeployment(id string) (*Deployment, error)
	ListDeployments(limit int) ([]*Deployment, error)
	ActiveDeployment() (*Deployment, error)

	SaveProposal(p *RollbackProposal) error
	GetProposal(id string) (*RollbackProposal, error)
	ListProposals() ([]*RollbackProposal, error)

	RecordUpdate(rec UpdateRecord) error
	ListHistory(limit int) ([]UpdateRecord, error)
}
