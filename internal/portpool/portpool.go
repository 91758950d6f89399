// Package portpool hands out TCP ports from bounded pools: public ports for
// exposed services and local ports for socat tunnels.
package portpool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

// ErrExhausted is returned when no free port remains in the pool.
var ErrExhausted = errors.New("not enough ports available for service")

// Allocator hands out unique ports from the inclusive range [lo, hi].
// All methods are safe for concurrent use.
type Allocator struct {
	mu   sync.Mutex
	lo   int
	hi   int
	used map[int]bool
}

// New creates an allocator over the inclusive range [lo, hi].
func New(lo, hi int) *Allocator {
	if lo > hi {
		panic(fmt.Sprintf("portpool: empty range [%d, %d]", lo, hi))
	}
	return &Allocator{lo: lo, hi: hi, used: make(map[int]bool)}
}

// NewServicePool creates the public-port allocator for exposed services.
// The configured bounds themselves are reserved: allocation happens in the
// open interval (min, max).
func NewServicePool(min, max int) *Allocator {
	return New(min+1, max-1)
}

// Warm marks ports already allocated in the database as in use. Ports
// outside the range are ignored: they belong to an older configuration and
// stay pinned until released.
func (a *Allocator) Warm(ports []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		if p >= a.lo && p <= a.hi {
			a.used[p] = true
		}
	}
}

// Allocate returns a uniformly random free port, or ErrExhausted. Random
// picks keep port numbers unpredictable and spread reuse across the range.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := a.hi - a.lo + 1 - len(a.used)
	if free <= 0 {
		return 0, ErrExhausted
	}
	n := rand.IntN(free)
	for p := a.lo; p <= a.hi; p++ {
		if a.used[p] {
			continue
		}
		if n == 0 {
			a.used[p] = true
			return p, nil
		}
		n--
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// InUse reports whether the port is currently allocated.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[port]
}

// Free returns the number of ports still available.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hi - a.lo + 1 - len(a.used)
}
