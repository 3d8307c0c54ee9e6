package gpu

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/openfluke/luma/detector"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"
)

// Engine runs the fixed operations against arrays held in GPU memory.
//
// An Engine is safe for concurrent use. Dispatches against different arrays may run
// in parallel; a second dispatch against an array that already has one in flight fails
// with ErrBufferBusy.
type Engine struct {
	cfg     Config
	dc      *Context
	dev     Device
	shaders *ShaderRegistry
	table   *BufferTable
	metrics *metrics

	pipeMu sync.Mutex
	pipes  map[string]Pipeline

	// Held for reading by every call that touches the device; Close takes it for
	// writing so it never tears down under a running dispatch.
	lifeMu sync.RWMutex
	closed bool

	// Abandoned readbacks keep pumping until their mapping lands or stop is
	// cancelled by Close.
	stop   context.Context
	halt   context.CancelFunc
	drains sync.WaitGroup
}

// NewEngine loads the shaders named by cfg onto the device held by dc.
func NewEngine(dc *Context, cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("gpu engine: config validation failed: %w", err)
	}
	if dc == nil || dc.Device == nil {
		return nil, ErrDeviceContextUnavailable
	}

	reg, err := LoadShaders(dc.Device, cfg.Shaders)
	switch {
	case reg == nil:
		return nil, err
	case err != nil && !cfg.Lenient:
		reg.Release()
		return nil, err
	case err != nil:
		cfg.Logger.WithField("err", err).Warn("no shaders loaded; every dispatch will fail")
	}

	if !cfg.Lenient {
		if err := reg.Require(cfg.Required...); err != nil {
			reg.Release()
			return nil, err
		}
	}
	cfg.Logger.WithField("operations", reg.Names()).Info("shader registry loaded")

	e := &Engine{
		cfg:     cfg,
		dc:      dc,
		dev:     dc.Device,
		shaders: reg,
		table:   NewBufferTable(),
		pipes:   map[string]Pipeline{},
	}
	e.stop, e.halt = context.WithCancel(context.Background())
	e.metrics = newMetrics(cfg.Registerer, e.table)
	return e, nil
}

// CreateArray uploads data as a new array with the given shape and returns its id.
// The caller owns the id and must Release it.
func CreateArray[T Element](e *Engine, shape Shape, data []T) (uuid.UUID, error) {
	if len(data) == 0 {
		return uuid.Nil, ErrEmptyArray
	}

	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.closed {
		return uuid.Nil, ErrEngineClosed
	}

	id := uuid.New()
	set, err := e.table.Allocate(e.dev, id, shape, elementTypeOf[T](), wgpu.ToBytes(data))
	if err != nil {
		return uuid.Nil, err
	}
	e.cfg.Logger.WithFields(logrus.Fields{
		"array_id": id,
		"shape":    shape,
		"type":     set.Elem,
		"elements": set.Len(),
	}).Debug("array created")
	return id, nil
}

// Release frees the GPU buffers of id. Releasing an unknown or already released id is
// a no-op.
func (e *Engine) Release(id uuid.UUID) {
	if e.table.Release(id) {
		e.cfg.Logger.WithField("array_id", id).Debug("array released")
	}
}

// ElementTypeOf reports the element type id was created with.
func (e *Engine) ElementTypeOf(id uuid.UUID) (ElementType, error) {
	set, err := e.table.Lookup(id)
	if err != nil {
		return 0, err
	}
	return set.Elem, nil
}

// ShapeOf reports the shape id was created with.
func (e *Engine) ShapeOf(id uuid.UUID) (Shape, error) {
	set, err := e.table.Lookup(id)
	if err != nil {
		return Shape{}, err
	}
	return set.Shape, nil
}

// Len is the number of live arrays.
func (e *Engine) Len() int { return e.table.Len() }

// Operations lists, sorted, the operations with a kernel loaded for at least one
// element type.
func (e *Engine) Operations() []string {
	var out []string
	for _, op := range Operations() {
		if len(e.ElementTypes(op)) > 0 {
			out = append(out, op.String())
		}
	}
	sort.Strings(out)
	return out
}

// ElementTypes lists the element types op has a kernel for.
func (e *Engine) ElementTypes(op Operation) []ElementType {
	var out []ElementType
	for _, t := range ElementTypes() {
		if _, ok := e.shaders.Lookup(ShaderKey(op, t)); ok {
			out = append(out, t)
		}
	}
	return out
}

// Info returns the adapter report of the engine's device.
func (e *Engine) Info() *detector.Report { return e.dc.Info() }

// Close releases every array, cached pipeline and shader. It waits for running
// dispatches, then stops and waits for the pumps of abandoned readbacks, so nothing
// touches the device once it returns. The device itself belongs to the Provider.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.closed = true

	e.halt()
	e.drains.Wait()

	sets := e.table.drain()
	for _, s := range sets {
		s.release()
	}

	e.pipeMu.Lock()
	for key, p := range e.pipes {
		p.Release()
		delete(e.pipes, key)
	}
	e.pipeMu.Unlock()

	e.shaders.Release()
	e.cfg.Logger.WithField("arrays", len(sets)).Info("engine closed")
	return nil
}
