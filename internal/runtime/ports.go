package runtime

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPortExhausted indicates no free port remains in the pool.
var ErrPortExhausted = errors.New("runtime: port pool exhausted")

// PortPool hands out internal ports from a bounded contiguous range.
// Allocation and release are mutually exclusive so no two running projects
// ever hold the same port.
type PortPool struct {
	mu    sync.Mutex
	start int
	size  int
	inUse map[int]bool
	next  int
}

// NewPortPool creates a pool covering [start, start+size).
func NewPortPool(start, size int) (*PortPool, error) {
	if start <= 0 || start > 65535 {
		return nil, fmt.Errorf("invalid port range start %d", start)
	}
	if size <= 0 || start+size-1 > 65535 {
		return nil, fmt.Errorf("invalid port range size %d", size)
	}
	return &PortPool{start: start, size: size, inUse: make(map[int]bool)}, nil
}

// Allocate returns a free port or ErrPortExhausted. The scan starts after the
// most recently allocated port so released ports are not immediately reused
// while fresher ones remain, which keeps lingering sockets out of the way.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.size; i++ {
		candidate := p.start + (p.next+i)%p.size
		if !p.inUse[candidate] {
			p.inUse[candidate] = true
			p.next = (candidate - p.start + 1) % p.size
			return candidate, nil
		}
	}
	return 0, ErrPortExhausted
}

// Release returns a port to the pool. Releasing a port that is not held is a
// no-op. The port is available for reuse as soon as Release returns.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	delete(p.inUse, port)
	p.mu.Unlock()
}

// InUse reports how many ports are currently allocated.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
