package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/cirisai/ciris-manager/internal/lifecycle"
	"github.com/cirisai/ciris-manager/internal/metrics"
	"github.com/cirisai/ciris-manager/internal/registry"
)

// agentInfo is the list/detail shape for one agent.
type agentInfo struct {
	AgentID         string            `json:"agent_id"`
	OccurrenceID    string            `json:"occurrence_id,omitempty"`
	HostID          string            `json:"host_id"`
	Name            string            `json:"name"`
	Template        string            `json:"template"`
	Port            int               `json:"port"`
	ContainerName   string            `json:"container_name"`
	Status          string            `json:"status"`
	Image           string            `json:"image"`
	PreviousImage   string            `json:"previous_image,omitempty"`
	DeploymentGroup string            `json:"deployment_group,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	DoNotAutostart  bool              `json:"do_not_autostart,omitempty"`
	CreatedAt       string            `json:"created_at"`
}

func (s *Server) agentInfo(rec *registry.AgentRecord, statuses map[string]string) agentInfo {
	status, ok := statuses[rec.HostID+"/"+rec.ContainerName()]
	if !ok {
		status = "unknown"
	}
	return agentInfo{
		AgentID:         rec.AgentID,
		OccurrenceID:    rec.OccurrenceID,
		HostID:          rec.HostID,
		Name:            rec.Name,
		Template:        rec.Template,
		Port:            rec.Port,
		ContainerName:   rec.ContainerName(),
		Status:          status,
		Image:           rec.Versions.Current,
		PreviousImage:   rec.Versions.NMinus1,
		DeploymentGroup: rec.DeploymentGroup,
		Environment:     rec.Environment,
		DoNotAutostart:  rec.DoNotAutostart,
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// containerStatuses maps "host/containerName" to the container state on
// every reachable host. Unreachable hosts just leave their agents at
// "unknown".
func (s *Server) containerStatuses(r *http.Request) map[string]string {
	statuses := make(map[string]string)
	for _, hostID := range s.deps.Fleet.HostIDs() {
		if !s.deps.Fleet.IsAvailable(hostID) {
			continue
		}
		client, err := s.deps.Fleet.GetClient(hostID)
		if err != nil {
			continue
		}
		containers, err := client.ListAllContainers(r.Context())
		if err != nil {
			s.deps.Log.Warn("cannot list containers for inventory", "host", hostID, "error", err)
			continue
		}
		for _, c := range containers {
			for _, name := range c.Names {
				statuses[hostID+"/"+trimSlash(name)] = string(c.State)
			}
		}
	}
	return statuses
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// apiListAgents returns every registered agent with its container state.
func (s *Server) apiListAgents(w http.ResponseWriter, r *http.Request) {
	statuses := s.containerStatuses(r)
	recs := s.deps.Registry.List()
	result := make([]agentInfo, 0, len(recs))
	for _, rec := range recs {
		result = append(result, s.agentInfo(rec, statuses))
	}
	writeJSON(w, http.StatusOK, result)
}

// createAgentRequest is the POST /v1/agents body.
type createAgentRequest struct {
	Name            string            `json:"name"`
	Template        string            `json:"template"`
	HostID          string            `json:"host_id,omitempty"`
	OccurrenceID    string            `json:"occurrence_id,omitempty"`
	WASignature     string            `json:"wa_signature,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	EnabledAdapters []string          `json:"enabled_adapters,omitempty"`
	DeploymentGroup string            `json:"deployment_group,omitempty"`
	DoNotAutostart  bool              `json:"do_not_autostart,omitempty"`
}

func (s *Server) apiCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Template == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name and template are required")
		return
	}

	result, err := s.deps.Lifecycle.Create(r.Context(), lifecycle.CreateRequest{
		Name:            req.Name,
		Template:        req.Template,
		HostID:          req.HostID,
		OccurrenceID:    req.OccurrenceID,
		WASignature:     req.WASignature,
		Environment:     req.Environment,
		EnabledAdapters: req.EnabledAdapters,
		DeploymentGroup: req.DeploymentGroup,
		DoNotAutostart:  req.DoNotAutostart,
	})
	if err != nil {
		s.deps.Log.Error("agent create failed", "name", req.Name, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// resolveKey turns the path id plus optional occurrence/host query
// parameters into a precise composite key.
func (s *Server) resolveKey(r *http.Request) (registry.Key, error) {
	agentID := r.PathValue("id")
	occurrence := r.URL.Query().Get("occurrence")
	hostID := r.URL.Query().Get("host")
	if occurrence != "" || hostID != "" {
		key := registry.NewKey(agentID, occurrence, hostID)
		if _, err := s.deps.Registry.Lookup(key); err != nil {
			return registry.Key{}, err
		}
		return key, nil
	}
	rec, err := s.deps.Registry.Resolve(agentID)
	if err != nil {
		return registry.Key{}, err
	}
	return rec.Key(), nil
}

func (s *Server) apiGetAgent(w http.ResponseWriter, r *http.Request) {
	key, err := s.resolveKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := s.deps.Registry.Lookup(key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agentInfo(rec, s.containerStatuses(r)))
}

func (s *Server) apiDeleteAgent(w http.ResponseWriter, r *http.Request) {
	key, err := s.resolveKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.deps.Lifecycle.Delete(r.Context(), key); err != nil {
		s.deps.Log.Error("agent delete failed", "agent", key.String(), "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "agent_id": key.AgentID})
}

func (s *Server) apiStartAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, "started", s.deps.Lifecycle.Start)
}

func (s *Server) apiStopAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, "stopped", s.deps.Lifecycle.Stop)
}

func (s *Server) apiRestartAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, "restarted", s.deps.Lifecycle.Restart)
}

func (s *Server) agentAction(w http.ResponseWriter, r *http.Request, verb string,
	fn func(ctx context.Context, key registry.Key) error) {
	key, err := s.resolveKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := fn(r.Context(), key); err != nil {
		s.deps.Log.Error("agent action failed", "agent", key.String(), "action", verb, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": verb, "agent_id": key.AgentID})
}

// configUpdateRequest is the PATCH /v1/agents/{id}/config body. Keys in
// "set" are added or replaced; keys in "unset" are removed.
type configUpdateRequest struct {
	Set     map[string]string `json:"set,omitempty"`
	Unset   []string          `json:"unset,omitempty"`
	Restart bool              `json:"restart,omitempty"`
}

func (s *Server) apiUpdateAgentConfig(w http.ResponseWriter, r *http.Request) {
	key, err := s.resolveKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req configUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if len(req.Set) == 0 && len(req.Unset) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "nothing to change")
		return
	}

	env := make(map[string]*string, len(req.Set)+len(req.Unset))
	for k, v := range req.Set {
		v := v
		env[k] = &v
	}
	for _, k := range req.Unset {
		env[k] = nil
	}

	if err := s.deps.Lifecycle.UpdateConfig(r.Context(), key, env, req.Restart); err != nil {
		s.deps.Log.Error("agent config update failed", "agent", key.String(), "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "agent_id": key.AgentID})
}

// hostInfo is the per-host inventory entry.
type hostInfo struct {
	HostID    string `json:"host_id"`
	Hostname  string `json:"hostname"`
	IsLocal   bool   `json:"is_local"`
	Available bool   `json:"available"`
	Agents    int    `json:"agents"`
	Running   int    `json:"running"`
}

func (s *Server) apiHosts(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Fleet.HostIDs()
	sort.Strings(ids)

	totalRunning := 0
	result := make([]hostInfo, 0, len(ids))
	for _, hostID := range ids {
		srv, _ := s.deps.Fleet.Host(hostID)
		info := hostInfo{
			HostID:    hostID,
			Hostname:  srv.Hostname,
			IsLocal:   srv.IsLocal,
			Available: s.deps.Fleet.IsAvailable(hostID),
			Agents:    len(s.deps.Registry.ListByHost(hostID)),
		}
		if info.Available {
			if client, err := s.deps.Fleet.GetClient(hostID); err == nil {
				if running, err := client.ListContainers(r.Context()); err == nil {
					info.Running = len(running)
				}
			}
		}
		totalRunning += info.Running
		result = append(result, info)
	}
	metrics.AgentsRunning.Set(float64(totalRunning))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) apiTemplates(w http.ResponseWriter, r *http.Request) {
	infos, err := s.deps.Templates.List()
	if err != nil {
		s.deps.Log.Error("cannot list templates", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "cannot list templates")
		return
	}
	writeJSON(w, http.StatusOK, infos)
}
