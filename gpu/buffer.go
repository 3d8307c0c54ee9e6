package gpu

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/openfluke/webgpu/wgpu"
)

// BufferSet is the GPU-side state of one array: its storage buffer, a staging buffer
// of identical size for readback, and the 4 x u32 shape buffer.
type BufferSet struct {
	ID    uuid.UUID
	Shape Shape
	Elem  ElementType

	Storage  Buffer
	Staging  Buffer
	ShapeBuf Buffer

	mu       sync.Mutex
	busy     bool
	released bool
	state    State
}

func newBufferSet(dev Device, id uuid.UUID, shape Shape, elem ElementType, data []byte) (*BufferSet, error) {
	label := "array_" + id.String()[:8]

	storage, err := dev.CreateBuffer(&BufferDescriptor{
		Label:    label + "_Storage",
		Contents: data,
		Usage:    UsageStorage | UsageCopySrc | UsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("storage buffer: %w", err)
	}

	staging, err := dev.CreateBuffer(&BufferDescriptor{
		Label: label + "_Staging",
		Size:  storage.Size(),
		Usage: UsageMapRead | UsageCopyDst,
	})
	if err != nil {
		storage.Destroy()
		return nil, fmt.Errorf("staging buffer: %w", err)
	}

	shapeBuf, err := dev.CreateBuffer(&BufferDescriptor{
		Label:    label + "_Shape",
		Contents: wgpu.ToBytes(shape[:]),
		Usage:    UsageStorage | UsageCopyDst,
	})
	if err != nil {
		storage.Destroy()
		staging.Destroy()
		return nil, fmt.Errorf("shape buffer: %w", err)
	}

	return &BufferSet{
		ID:       id,
		Shape:    shape,
		Elem:     elem,
		Storage:  storage,
		Staging:  staging,
		ShapeBuf: shapeBuf,
	}, nil
}

// Len is the logical element count: storage bytes over the element stride.
func (s *BufferSet) Len() uint64 { return s.Storage.Size() / s.Elem.Stride() }

// Bytes is the size of the storage buffer.
func (s *BufferSet) Bytes() uint64 { return s.Storage.Size() }

// State reports where the set's current (or last) dispatch is.
func (s *BufferSet) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *BufferSet) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// acquire claims the set for one dispatch.
func (s *BufferSet) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.released:
		return fmt.Errorf("%w: %s", ErrBufferNotFound, s.ID)
	case s.busy:
		return fmt.Errorf("%w: %s", ErrBufferBusy, s.ID)
	}
	s.busy = true
	return nil
}

// finish ends the dispatch claimed by acquire. A set released in the meantime is
// destroyed here.
func (s *BufferSet) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.state = Idle
	if s.released {
		s.destroy()
	}
}

// release marks the set dead. Buffers are destroyed now, or by finish if a dispatch
// is still using them.
func (s *BufferSet) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if !s.busy {
		s.destroy()
	}
}

func (s *BufferSet) destroy() {
	if s.Storage != nil {
		s.Storage.Destroy()
	}
	if s.Staging != nil {
		s.Staging.Destroy()
	}
	if s.ShapeBuf != nil {
		s.ShapeBuf.Destroy()
	}
}
