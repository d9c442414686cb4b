// Package proxy keeps every host's reverse-proxy routes in sync with
// the set of running agents.
package proxy

import (
	"fmt"
	"sort"
	"strings"
)

// ConfigFileName is the generated routes file, included by the proxy's
// main configuration.
const ConfigFileName = "ciris-routes.conf"

// Route is one agent's entry in a host's proxy config.
type Route struct {
	AgentID  string
	Upstream string // host:port the proxy forwards to
}

// RenderConfig produces the routes file for one host. Output is a pure
// function of its input so reconciliation is idempotent.
func RenderConfig(routes []Route, guiUpstream string) []byte {
	sorted := append([]Route(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	var b strings.Builder
	b.WriteString("# Generated by ciris-manager. Do not edit; changes are overwritten.\n")

	for _, r := range sorted {
		fmt.Fprintf(&b, "\nupstream %s {\n    server %s;\n}\n", upstreamName(r.AgentID), r.Upstream)
	}
	if guiUpstream != "" {
		fmt.Fprintf(&b, "\nupstream ciris_gui {\n    server %s;\n}\n", guiUpstream)
	}

	for _, r := range sorted {
		writeLocation(&b, "/api/"+r.AgentID+"/", upstreamName(r.AgentID))
		writeLocation(&b, "/agent/"+r.AgentID+"/", upstreamName(r.AgentID))
	}
	if guiUpstream != "" {
		writeLocation(&b, "/", "ciris_gui")
	}

	return []byte(b.String())
}

func upstreamName(agentID string) string {
	return "agent_" + strings.NewReplacer("-", "_", ".", "_", ":", "_").Replace(agentID)
}

func writeLocation(b *strings.Builder, path, upstream string) {
	fmt.Fprintf(b, "\nlocation %s {\n", path)
	fmt.Fprintf(b, "    proxy_pass http://%s/;\n", upstream)
	b.WriteString("    proxy_http_version 1.1;\n")
	b.WriteString("    proxy_set_header Host $host;\n")
	b.WriteString("    proxy_set_header X-Real-IP $remote_addr;\n")
	b.WriteString("    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	b.WriteString("    proxy_set_header X-Forwarded-Proto $scheme;\n")
	b.WriteString("    proxy_set_header Upgrade $http_upgrade;\n")
	b.WriteString("    proxy_set_header Connection \"upgrade\";\n")
	b.WriteString("    proxy_read_timeout 300s;\n")
	b.WriteString("}\n")
}
