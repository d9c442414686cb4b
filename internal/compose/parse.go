package compose

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// RemoteArgs is a compose service translated into Docker API create
// arguments for a host we cannot run the compose CLI on.
type RemoteArgs struct {
	ContainerName string
	Config        *container.Config
	HostConfig    *container.HostConfig
}

// TranslateForHost validates a rendered compose document against the
// compose specification and translates its single service into Docker
// API arguments. Relative bind-mount sources are rebased onto
// remoteRoot, the agent's directory on the target host.
func TranslateForHost(data []byte, projectName, remoteRoot string) (*RemoteArgs, error) {
	project, err := loader.LoadWithContext(context.Background(), composetypes.ConfigDetails{
		ConfigFiles: []composetypes.ConfigFile{{Filename: "docker-compose.yml", Content: data}},
	}, func(o *loader.Options) {
		o.SetProjectName(projectName, true)
		o.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil, fmt.Errorf("load compose document: %w", err)
	}
	if len(project.Services) != 1 {
		return nil, fmt.Errorf("compose document has %d services, want 1", len(project.Services))
	}

	var svc composetypes.ServiceConfig
	for _, s := range project.Services {
		svc = s
	}

	exposed, bindings, err := translatePorts(svc.Ports)
	if err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:        svc.Image,
		Env:          flattenEnv(svc.Environment),
		Labels:       svc.Labels,
		ExposedPorts: exposed,
		Healthcheck:  translateHealthcheck(svc.HealthCheck),
	}
	hostCfg := &container.HostConfig{
		Binds:         translateBinds(svc.Volumes, remoteRoot),
		PortBindings:  bindings,
		RestartPolicy: translateRestart(svc.Restart),
	}

	name := svc.ContainerName
	if name == "" {
		name = ContainerName(svc.Name)
	}
	return &RemoteArgs{ContainerName: name, Config: cfg, HostConfig: hostCfg}, nil
}

func flattenEnv(env composetypes.MappingWithEquals) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		if v == nil {
			continue
		}
		out = append(out, k+"="+*v)
	}
	sort.Strings(out)
	return out
}

func translatePorts(ports []composetypes.ServicePortConfig) (network.PortSet, network.PortMap, error) {
	exposed := make(network.PortSet, len(ports))
	bindings := make(network.PortMap, len(ports))
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := network.ParsePort(fmt.Sprintf("%d/%s", p.Target, proto))
		if err != nil {
			return nil, nil, fmt.Errorf("translate port %d/%s: %w", p.Target, proto, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], network.PortBinding{HostPort: p.Published})
	}
	return exposed, bindings, nil
}

// translateBinds maps volume specs to Docker bind strings, rewriting
// relative sources so they resolve on the remote host.
func translateBinds(vols []composetypes.ServiceVolumeConfig, remoteRoot string) []string {
	binds := make([]string, 0, len(vols))
	for _, v := range vols {
		if v.Type != "" && v.Type != "bind" {
			continue
		}
		src := v.Source
		if !path.IsAbs(src) {
			src = path.Join(remoteRoot, strings.TrimPrefix(src, "./"))
		}
		spec := src + ":" + v.Target
		if v.ReadOnly {
			spec += ":ro"
		}
		binds = append(binds, spec)
	}
	return binds
}

func translateHealthcheck(hc *composetypes.HealthCheckConfig) *container.HealthConfig {
	if hc == nil {
		return nil
	}
	out := &container.HealthConfig{Test: hc.Test}
	if hc.Interval != nil {
		out.Interval = time.Duration(*hc.Interval)
	}
	if hc.Timeout != nil {
		out.Timeout = time.Duration(*hc.Timeout)
	}
	if hc.StartPeriod != nil {
		out.StartPeriod = time.Duration(*hc.StartPeriod)
	}
	if hc.Retries != nil {
		out.Retries = int(*hc.Retries)
	}
	return out
}

func translateRestart(restart string) container.RestartPolicy {
	switch restart {
	case "", "no":
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	case "always":
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case "unless-stopped":
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	default:
		if name, _, ok := strings.Cut(restart, ":"); ok && name == "on-failure" {
			return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
		}
		return container.RestartPolicy{Name: container.RestartPolicyMode(restart)}
	}
}
