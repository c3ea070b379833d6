package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted indicates no free port remains in the configured range.
var ErrExhausted = errors.New("port range exhausted")

// Prober verifies that a port is truly free on the host. The default
// prober attempts a TCP bind, which also catches ports claimed by
// processes outside this service's bookkeeping.
type Prober func(port int) error

// Allocator hands out unique ports from a closed range. The mutex is
// held across the scan, probe, and reserve so two concurrent Allocate
// calls can never return the same port.
type Allocator struct {
	mu    sync.Mutex
	start int
	end   int
	used  map[int]string
	probe Prober
}

// New returns an Allocator over the inclusive range [start, end].
func New(start, end int) (*Allocator, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("invalid port range [%d, %d]", start, end)
	}
	return &Allocator{
		start: start,
		end:   end,
		used:  make(map[int]string),
		probe: bindProbe,
	}, nil
}

// NewWithProber returns an Allocator with a custom free-port probe.
func NewWithProber(start, end int, probe Prober) (*Allocator, error) {
	a, err := New(start, end)
	if err != nil {
		return nil, err
	}
	if probe != nil {
		a.probe = probe
	}
	return a, nil
}

// Allocate reserves the lowest free port in range for the tenant.
func (a *Allocator) Allocate(tenantID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.start; port <= a.end; port++ {
		if _, taken := a.used[port]; taken {
			continue
		}
		if err := a.probe(port); err != nil {
			// Bound by something outside our bookkeeping; skip it.
			continue
		}
		a.used[port] = tenantID
		return port, nil
	}
	return 0, ErrExhausted
}

// Release returns a port to the free pool. Only the recorded owner may
// release: a late release from a previous holder cannot free a port
// that has since been handed to another tenant.
func (a *Allocator) Release(port int, tenantID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, taken := a.used[port]
	if !taken || owner != tenantID {
		return false
	}
	delete(a.used, port)
	return true
}

// MarkUsed reserves a port for a tenant without probing. Used when
// rebuilding bookkeeping from persisted tenant records after a restart.
func (a *Allocator) MarkUsed(port int, tenantID string) error {
	if port < a.start || port > a.end {
		return fmt.Errorf("port %d outside range [%d, %d]", port, a.start, a.end)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if owner, taken := a.used[port]; taken {
		return fmt.Errorf("port %d already reserved by tenant %s", port, owner)
	}
	a.used[port] = tenantID
	return nil
}

// InUse reports whether the port is currently reserved.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, taken := a.used[port]
	return taken
}

func bindProbe(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}
