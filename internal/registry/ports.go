package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ErrPortsExhausted is returned when no port remains in the range.
var ErrPortsExhausted = errors.New("no free ports in allocator range")

// Allocator hands out TCP ports from a fixed range. State is derived
// from the registry at load time; the allocator never persists its own
// file; the assigned port lives on the agent record.
type Allocator struct {
	start, end int

	mu       sync.Mutex
	reserved map[int]bool
	byAgent  map[string]int
	inUse    map[int]string // port → agent id

	// probe reports whether a port is already bound on this machine.
	// Swappable for tests.
	probe func(port int) bool
}

// NewAllocator builds an allocator over [start, end] with the given
// reserved ports, pre-populated from existing registry assignments.
func NewAllocator(start, end int, reserved []int, existing map[string]int) *Allocator {
	a := &Allocator{
		start:    start,
		end:      end,
		reserved: make(map[int]bool, len(reserved)),
		byAgent:  make(map[string]int),
		inUse:    make(map[int]string),
		probe:    portBound,
	}
	for _, p := range reserved {
		a.reserved[p] = true
	}
	for agentID, port := range existing {
		if port == 0 {
			continue
		}
		a.byAgent[agentID] = port
		a.inUse[port] = agentID
	}
	return a
}

// portBound reports whether anything is already listening on the port.
func portBound(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}

// Allocate returns the agent's existing port, or assigns the lowest
// free port in range. Skips reserved ports, allocated ports, and ports
// already bound on the machine.
func (a *Allocator) Allocate(agentID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byAgent[agentID]; ok {
		return port, nil
	}

	for port := a.start; port <= a.end; port++ {
		if a.reserved[port] {
			continue
		}
		if _, taken := a.inUse[port]; taken {
			continue
		}
		if a.probe(port) {
			continue
		}
		a.byAgent[agentID] = port
		a.inUse[port] = agentID
		return port, nil
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrPortsExhausted, a.start, a.end)
}

// Release frees the agent's port. Idempotent; returns the released
// port, or 0 if the agent held none.
func (a *Allocator) Release(agentID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byAgent[agentID]
	if !ok {
		return 0
	}
	delete(a.byAgent, agentID)
	delete(a.inUse, port)
	return port
}

// Reserve marks a port as never to be handed out.
func (a *Allocator) Reserve(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved[port] = true
}

// Get returns the agent's port without allocating.
func (a *Allocator) Get(agentID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byAgent[agentID]
	return port, ok
}

// Allocated returns all current assignments, sorted by port.
func (a *Allocator) Allocated() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ports := make([]int, 0, len(a.inUse))
	for p := range a.inUse {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
