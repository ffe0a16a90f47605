package sandbox

import (
	"errors"
	"fmt"
	"sync"
)

// ErrIDsExhausted is returned when more runs are in flight than the pool has ids
var ErrIDsExhausted = errors.New("no free run ids")

// IDPool hands out distinct uid:gid pairs so that concurrent runs cannot reach
// each other's files or processes. Pair i is (baseUID+i, baseGID+i).
type IDPool struct {
	mu      sync.Mutex
	baseUID int
	baseGID int
	size    int
	free    []int
	inUse   map[int]bool
}

// NewIDPool creates a pool of size pairs. Neither range may include root.
func NewIDPool(baseUID, baseGID, size int) (*IDPool, error) {
	if baseUID <= 0 || baseGID <= 0 {
		return nil, fmt.Errorf("run ids must start above 0, got uid %d gid %d", baseUID, baseGID)
	}
	if size <= 0 {
		return nil, fmt.Errorf("id pool size must be positive, got: %d", size)
	}

	free := make([]int, size)
	for i := range free {
		// Hand out low offsets first so a quiet server reuses the same few ids
		free[i] = size - 1 - i
	}
	return &IDPool{
		baseUID: baseUID,
		baseGID: baseGID,
		size:    size,
		free:    free,
		inUse:   make(map[int]bool, size),
	}, nil
}

// Acquire reserves a pair until Release is called with its uid
func (p *IDPool) Acquire() (uid, gid int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, 0, ErrIDsExhausted
	}
	offset := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[offset] = true
	return p.baseUID + offset, p.baseGID + offset, nil
}

// Release returns uid's pair to the pool. Unknown or already free ids are ignored.
func (p *IDPool) Release(uid int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := uid - p.baseUID
	if !p.inUse[offset] {
		return
	}
	delete(p.inUse, offset)
	p.free = append(p.free, offset)
}

// Size returns how many runs the pool can serve at once
func (p *IDPool) Size() int {
	return p.size
}
