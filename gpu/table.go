package gpu

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// BufferTable owns the mapping from array id to BufferSet. Lookups share a read lock;
// insert and remove take the write lock.
type BufferTable struct {
	mu   sync.RWMutex
	sets map[uuid.UUID]*BufferSet
}

func NewBufferTable() *BufferTable {
	return &BufferTable{sets: map[uuid.UUID]*BufferSet{}}
}

// Allocate creates the buffer set for id from data and inserts it.
func (t *BufferTable) Allocate(dev Device, id uuid.UUID, shape Shape, elem ElementType, data []byte) (*BufferSet, error) {
	if dev == nil {
		return nil, ErrDeviceContextUnavailable
	}
	if len(data) == 0 {
		return nil, ErrEmptyArray
	}
	stride := elem.Stride()
	if uint64(len(data))%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrShapeMismatch, len(data), stride)
	}
	if n := uint64(len(data)) / stride; shape.Len() != n {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, data has %d", ErrShapeMismatch, shape, shape.Len(), n)
	}

	t.mu.RLock()
	_, taken := t.sets[id]
	t.mu.RUnlock()
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	set, err := newBufferSet(dev, id, shape, elem, data)
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", id, err)
	}

	t.mu.Lock()
	if _, taken := t.sets[id]; taken {
		t.mu.Unlock()
		set.destroy()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t.sets[id] = set
	t.mu.Unlock()
	return set, nil
}

// Lookup returns the buffer set stored under id.
func (t *BufferTable) Lookup(id uuid.UUID) (*BufferSet, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.sets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBufferNotFound, id)
	}
	return set, nil
}

// Release removes id and frees its buffers. Removing an absent id is a no-op; the
// return value reports whether anything was removed.
func (t *BufferTable) Release(id uuid.UUID) bool {
	t.mu.Lock()
	set, ok := t.sets[id]
	delete(t.sets, id)
	t.mu.Unlock()

	if ok {
		set.release()
	}
	return ok
}

// Len is the number of live buffer sets.
func (t *BufferTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sets)
}

// Bytes is the total storage size of all live buffer sets.
func (t *BufferTable) Bytes() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n uint64
	for _, s := range t.sets {
		n += s.Bytes()
	}
	return n
}

// drain empties the table and hands back what it held.
func (t *BufferTable) drain() []*BufferSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*BufferSet, 0, len(t.sets))
	for id, s := range t.sets {
		out = append(out, s)
		delete(t.sets, id)
	}
	return out
}
