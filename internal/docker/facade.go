package docker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cirisai/ciris-manager/internal/clock"
	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/metrics"
)

// ErrHostUnavailable is returned when a host's circuit breaker is open.
var ErrHostUnavailable = errors.New("docker host unavailable")

// DefaultCooldown is how long a host stays unavailable after a failure.
const DefaultCooldown = 60 * time.Second

// hostFailure records when a host last failed and why.
type hostFailure struct {
	at  time.Time
	msg string
}

// Facade hands out one cached Docker client per configured host and
// tracks per-host failure state. Construction is guarded so the
// recovery loop and the reconciler never block on a dead remote daemon.
type Facade struct {
	servers  map[string]config.ServerConfig
	cooldown time.Duration
	log      *logging.Logger
	clock    clock.Clock

	mu       sync.Mutex
	clients  map[string]API
	failures map[string]hostFailure

	// newClient is swappable for tests.
	newClient func(cfg config.ServerConfig) (API, error)
}

// NewFacade creates a Facade for the configured servers.
func NewFacade(servers []config.ServerConfig, log *logging.Logger, clk clock.Clock) *Facade {
	m := make(map[string]config.ServerConfig, len(servers))
	for _, s := range servers {
		m[s.ServerID] = s
	}
	return &Facade{
		servers:   m,
		cooldown:  DefaultCooldown,
		log:       log,
		clock:     clk,
		clients:   make(map[string]API),
		failures:  make(map[string]hostFailure),
		newClient: construct,
	}
}

func construct(cfg config.ServerConfig) (API, error) {
	if cfg.IsLocal {
		return NewLocalClient(cfg.ServerID)
	}
	return NewRemoteClient(cfg.ServerID, cfg.DockerHost, TLSConfig{
		CACert:     cfg.TLSCA,
		ClientCert: cfg.TLSCert,
		ClientKey:  cfg.TLSKey,
	})
}

// HostIDs returns all configured host ids.
func (f *Facade) HostIDs() []string {
	ids := make([]string, 0, len(f.servers))
	for id := range f.servers {
		ids = append(ids, id)
	}
	return ids
}

// Host returns the static configuration for a host.
func (f *Facade) Host(hostID string) (config.ServerConfig, bool) {
	s, ok := f.servers[hostID]
	return s, ok
}

// IsAvailable reports whether the host's circuit breaker is closed.
func (f *Facade) IsAvailable(hostID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availableLocked(hostID)
}

func (f *Facade) availableLocked(hostID string) bool {
	fail, ok := f.failures[hostID]
	if !ok {
		return true
	}
	return f.clock.Since(fail.at) >= f.cooldown
}

// GetClient returns the cached client for a host, constructing it on
// first use. Refuses while the circuit breaker is open.
func (f *Facade) GetClient(hostID string) (API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg, ok := f.servers[hostID]
	if !ok {
		return nil, fmt.Errorf("unknown docker host %q", hostID)
	}
	if !f.availableLocked(hostID) {
		fail := f.failures[hostID]
		return nil, fmt.Errorf("%w: %s (%s)", ErrHostUnavailable, hostID, fail.msg)
	}

	if c, ok := f.clients[hostID]; ok {
		return c, nil
	}

	c, err := f.newClient(cfg)
	if err != nil {
		f.markFailedLocked(hostID, err)
		return nil, err
	}
	f.clients[hostID] = c
	return c, nil
}

// MarkFailed opens the circuit breaker for a host. Callers invoke this
// on I/O errors so subsequent calls fail fast for the cooldown period.
func (f *Facade) MarkFailed(hostID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markFailedLocked(hostID, err)
}

func (f *Facade) markFailedLocked(hostID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	f.failures[hostID] = hostFailure{at: f.clock.Now(), msg: msg}
	metrics.HostFailures.WithLabelValues(hostID).Inc()
	f.log.Warn("docker host marked failed", "host", hostID, "error", msg, "cooldown", f.cooldown)
}

// MarkHealthy closes the circuit breaker after a successful call.
func (f *Facade) MarkHealthy(hostID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.failures[hostID]; ok {
		delete(f.failures, hostID)
		f.log.Info("docker host recovered", "host", hostID)
	}
}

// Ping probes a host and updates its breaker state from the result.
func (f *Facade) Ping(ctx context.Context, hostID string) error {
	c, err := f.GetClient(hostID)
	if err != nil {
		return err
	}
	if err := c.Ping(ctx); err != nil {
		f.MarkFailed(hostID, err)
		return err
	}
	f.MarkHealthy(hostID)
	return nil
}

// Close releases every cached client.
func (f *Facade) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for id, c := range f.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(f.clients, id)
	}
	return errors.Join(errs...)
}
