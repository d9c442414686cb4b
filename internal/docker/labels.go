package docker

// Labels applied to every agent container the manager creates. The
// reconciler and the recovery loop identify manager-owned containers
// by LabelAgentID.
const (
	LabelAgentID         = "ai.ciris.agents.id"
	LabelTemplate        = "ai.ciris.agents.template"
	LabelCreated         = "ai.ciris.agents.created"
	LabelDeploymentGroup = "ai.ciris.agents.deployment_group"
	LabelHostID          = "ai.ciris.agents.host"
)

// AgentID extracts the agent id from container labels, or "" if the
// container is not manager-owned.
func AgentID(labels map[string]string) string {
	return labels[LabelAgentID]
}

// IsAgentContainer reports whether the labels identify a manager-owned
// agent container.
func IsAgentContainer(labels map[string]string) bool {
	return labels[LabelAgentID] != ""
}
