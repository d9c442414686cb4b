// Package retention removes old agent images. An image survives a
// sweep when any running container on any host uses it, or when it is
// among the newest versions of its repository.
package retention

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/distribution/reference"
	"github.com/robfig/cron/v3"

	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/docker"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/metrics"
)

// Fleet is the slice of the Docker facade the cleaner needs.
type Fleet interface {
	HostIDs() []string
	IsAvailable(hostID string) bool
	GetClient(hostID string) (docker.API, error)
}

// Cleaner sweeps every host and removes images that are neither in use
// nor among the newest versions of their repository. Only repositories
// under the configured registry are touched; operator-installed images
// are not the cleaner's business.
type Cleaner struct {
	fleet          Fleet
	cfg            config.RetentionConfig
	registryPrefix string
	log            *logging.Logger

	// deploymentActive delays sweeps while a rollout is in flight, so
	// a rollback never finds its target image already removed.
	deploymentActive func() bool
}

// NewCleaner wires an image retention cleaner.
func NewCleaner(fleet Fleet, cfg config.RetentionConfig, images config.ImagesConfig,
	deploymentActive func() bool, log *logging.Logger) *Cleaner {
	return &Cleaner{
		fleet:            fleet,
		cfg:              cfg,
		registryPrefix:   images.Registry,
		log:              log,
		deploymentActive: deploymentActive,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	sched := cron.New()
	_, err := sched.AddFunc(fmt.Sprintf("@every %s", c.cfg.Interval), func() {
		c.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	sched.Start()
	<-ctx.Done()
	stopped := sched.Stop()
	<-stopped.Done()
	return nil
}

// Sweep runs one retention pass over every reachable host. Per-image
// and per-host errors are logged and skipped; a sweep never fails as a
// whole.
func (c *Cleaner) Sweep(ctx context.Context) {
	if c.deploymentActive != nil && c.deploymentActive() {
		c.log.Info("retention sweep delayed, deployment in flight")
		return
	}

	inUse := c.collectInUse(ctx)

	hosts := c.fleet.HostIDs()
	sort.Strings(hosts)
	for _, hostID := range hosts {
		if !c.fleet.IsAvailable(hostID) {
			continue
		}
		client, err := c.fleet.GetClient(hostID)
		if err != nil {
			c.log.Warn("retention sweep cannot reach host", "host", hostID, "error", err)
			continue
		}
		c.sweepHost(ctx, hostID, client, inUse)
	}
}

// collectInUse gathers the image ids and references of every running
// container across the whole fleet. An image running anywhere is kept
// everywhere.
func (c *Cleaner) collectInUse(ctx context.Context) map[string]bool {
	inUse := make(map[string]bool)
	for _, hostID := range c.fleet.HostIDs() {
		if !c.fleet.IsAvailable(hostID) {
			continue
		}
		client, err := c.fleet.GetClient(hostID)
		if err != nil {
			continue
		}
		running, err := client.ListContainers(ctx)
		if err != nil {
			c.log.Warn("cannot list containers for retention", "host", hostID, "error", err)
			continue
		}
		for _, ctr := range running {
			if ctr.Image != "" {
				inUse[ctr.Image] = true
			}
			if ctr.ImageID != "" {
				inUse[ctr.ImageID] = true
			}
		}
	}
	return inUse
}

func (c *Cleaner) sweepHost(ctx context.Context, hostID string, client docker.API, inUse map[string]bool) {
	images, err := client.ListImages(ctx)
	if err != nil {
		c.log.Warn("cannot list images for retention", "host", hostID, "error", err)
		return
	}

	removed := 0
	for _, candidates := range c.groupByRepository(images) {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Created > candidates[j].Created
		})
		for i, img := range candidates {
			if i < c.cfg.VersionsToKeep {
				continue
			}
			if c.imageInUse(img, inUse) {
				continue
			}
			if err := client.RemoveImage(ctx, img.ID); err != nil {
				c.log.Warn("cannot remove image", "host", hostID, "image", img.ID, "error", err)
				continue
			}
			c.log.Info("removed old image", "host", hostID, "tags", img.RepoTags)
			removed++
		}
	}

	report, err := client.PruneImages(ctx)
	if err != nil {
		c.log.Warn("image prune failed", "host", hostID, "error", err)
	} else if report.ImagesDeleted > 0 {
		c.log.Info("pruned dangling images", "host", hostID,
			"deleted", report.ImagesDeleted, "reclaimed_bytes", report.SpaceReclaimed)
		removed += report.ImagesDeleted
	}
	metrics.ImageCleanups.Add(float64(removed))
}

// groupByRepository buckets images by normalized repository name,
// keeping only repositories under the manager's registry.
func (c *Cleaner) groupByRepository(images []docker.ImageSummary) map[string][]docker.ImageSummary {
	byRepo := make(map[string][]docker.ImageSummary)
	for _, img := range images {
		repo := c.repository(img)
		if repo == "" {
			continue
		}
		byRepo[repo] = append(byRepo[repo], img)
	}
	return byRepo
}

func (c *Cleaner) repository(img docker.ImageSummary) string {
	for _, tag := range img.RepoTags {
		named, err := reference.ParseNormalizedNamed(tag)
		if err != nil {
			continue
		}
		repo := named.Name()
		if strings.HasPrefix(repo, c.registryPrefix+"/") || repo == c.registryPrefix {
			return repo
		}
	}
	return ""
}

func (c *Cleaner) imageInUse(img docker.ImageSummary, inUse map[string]bool) bool {
	if inUse[img.ID] {
		return true
	}
	for _, tag := range img.RepoTags {
		if inUse[tag] {
			return true
		}
	}
	return false
}
