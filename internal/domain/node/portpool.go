package node

import (
	"fmt"
	"sync"
)

// PortPool hands out listener ports base+1 .. base+size. The most recently
// released port is the next one issued.
type PortPool struct {
	mu     sync.Mutex
	base   int
	size   int
	free   []int
	issued map[int]struct{}
}

func NewPortPool(base, size int) *PortPool {
	free := make([]int, 0, size)
	for offset := 1; offset <= size; offset++ {
		free = append(free, offset)
	}
	return &PortPool{
		base:   base,
		size:   size,
		free:   free,
		issued: make(map[int]struct{}, size),
	}
}

// Allocate returns a free port, or false when the pool is empty.
func (p *PortPool) Allocate() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, false
	}
	offset := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.issued[offset] = struct{}{}
	return p.base + offset, true
}

// Release returns an issued port to the pool.
func (p *PortPool) Release(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := port - p.base
	if offset < 1 || offset > p.size {
		return fmt.Errorf("port %d outside pool %d..%d", port, p.base+1, p.base+p.size)
	}
	if _, ok := p.issued[offset]; !ok {
		return fmt.Errorf("port %d was not issued", port)
	}
	delete(p.issued, offset)
	p.free = append(p.free, offset)
	return nil
}

// Available returns how many ports can still be issued.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse reports whether port is currently issued.
func (p *PortPool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.issued[port-p.base]
	return ok
}
