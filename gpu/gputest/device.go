// Package gputest provides an emulated gpu.Device for tests that must run without a
// GPU. Kernels are plain Go functions keyed by shader label, map callbacks fire only
// from Poll, and unmapped staging memory is poisoned so a retained view is detectable.
package gputest

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/openfluke/luma/detector"
	"github.com/openfluke/luma/gpu"
	"github.com/openfluke/webgpu/wgpu"
)

// Poison is written over a staging buffer's bytes when it is unmapped.
const Poison byte = 0xDB

// Kernel emulates one shader invocation over the u32 words of the storage buffer.
type Kernel func(data []uint32, shape [4]uint32, i uint32)

func count(shape [4]uint32) uint32 { return shape[0] * shape[1] * shape[2] * shape[3] }

// DefaultKernels mirrors the bundled shaders, keyed by gpu.ShaderKey.
func DefaultKernels() map[string]Kernel {
	ks := map[string]Kernel{}
	addTyped(ks, gpu.U32, func(w uint32) uint32 { return w }, func(v uint32) uint32 { return v })
	addTyped(ks, gpu.I32, func(w uint32) int32 { return int32(w) }, func(v int32) uint32 { return uint32(v) })
	addTyped(ks, gpu.F32, math.Float32frombits, math.Float32bits)
	return ks
}

func addTyped[T gpu.Element](ks map[string]Kernel, t gpu.ElementType, load func(uint32) T, store func(T) uint32) {
	ops := map[gpu.Operation]func(T) T{
		gpu.Double:   func(v T) T { return v * 2 },
		gpu.Add:      func(v T) T { return v + v },
		gpu.Subtract: func(v T) T { return v - v },
		gpu.Multiply: func(v T) T { return v * v },
		gpu.Divide: func(v T) T {
			if v == 0 {
				return v
			}
			return v / v
		},
	}
	for op, f := range ops {
		ks[gpu.ShaderKey(op, t)] = func(d []uint32, s [4]uint32, i uint32) {
			if i < count(s) {
				d[i] = store(f(load(d[i])))
			}
		}
	}
}

// Device is an in-memory gpu.Device.
type Device struct {
	Kernels map[string]Kernel
	Report  *detector.Report

	mu          sync.Mutex
	pending     []func()
	holdMaps    bool
	failNextMap bool
	submitErr   error
	pipelineErr error

	passes    []gpu.Pass
	pipelines int
	shaders   int
	live      int
	polls     int
	released  bool
}

// NewDevice returns a device running DefaultKernels.
func NewDevice() *Device {
	return &Device{
		Kernels: DefaultKernels(),
		Report: &detector.Report{
			Runtime:     "native",
			Backend:     "emulated",
			AdapterType: "cpu",
			Name:        "gputest",
			Limits: detector.Limits{
				MaxComputeWorkgroupsPerDimension: 65535,
				MaxBufferSize:                    256 << 20,
			},
		},
	}
}

// Context wraps d the way a Provider would.
func (d *Device) Context() *gpu.Context { return &gpu.Context{Device: d} }

// HoldMaps withholds map callbacks from Poll, emulating a device that never finishes.
func (d *Device) HoldMaps(hold bool) {
	d.mu.Lock()
	d.holdMaps = hold
	d.mu.Unlock()
}

// FailNextMap makes the next delivered map callback report failure.
func (d *Device) FailNextMap() {
	d.mu.Lock()
	d.failNextMap = true
	d.mu.Unlock()
}

// FailSubmit makes every Submit return err until called with nil.
func (d *Device) FailSubmit(err error) {
	d.mu.Lock()
	d.submitErr = err
	d.mu.Unlock()
}

// FailPipelines makes every CreatePipeline return err until called with nil.
func (d *Device) FailPipelines(err error) {
	d.mu.Lock()
	d.pipelineErr = err
	d.mu.Unlock()
}

// Passes returns every pass submitted so far.
func (d *Device) Passes() []gpu.Pass {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gpu.Pass(nil), d.passes...)
}

func (d *Device) PipelinesCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipelines
}

func (d *Device) ShadersCompiled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shaders
}

// LiveBuffers is the number of buffers created and not yet destroyed.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Contents returns a copy of b's backing bytes regardless of its map state.
func (d *Device) Contents(b gpu.Buffer) []byte {
	buf, ok := b.(*buffer)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), buf.data...)
}

func (d *Device) Polls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polls
}

func (d *Device) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

func (d *Device) Info() *detector.Report { return d.Report }

func (d *Device) CreateShader(label, code string) (gpu.Shader, error) {
	if !strings.Contains(code, "fn "+gpu.EntryPoint+"(") {
		return nil, fmt.Errorf("shader %s: entry point %q not found", label, gpu.EntryPoint)
	}
	d.mu.Lock()
	d.shaders++
	d.mu.Unlock()
	return &shader{label: label}, nil
}

func (d *Device) CreateBuffer(desc *gpu.BufferDescriptor) (gpu.Buffer, error) {
	if desc.Usage&gpu.UsageMapRead != 0 && desc.Usage&^(gpu.UsageMapRead|gpu.UsageCopyDst) != 0 {
		return nil, fmt.Errorf("buffer %s: MapRead may only be combined with CopyDst", desc.Label)
	}
	b := &buffer{dev: d, label: desc.Label, usage: desc.Usage}
	if desc.Contents != nil {
		b.data = append([]byte(nil), desc.Contents...)
	} else {
		b.data = make([]byte, desc.Size)
	}
	d.mu.Lock()
	d.live++
	d.mu.Unlock()
	return b, nil
}

func (d *Device) CreatePipeline(label string, s gpu.Shader, entryPoint string, layout []gpu.LayoutEntry) (gpu.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipelineErr != nil {
		return nil, d.pipelineErr
	}
	sh, ok := s.(*shader)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: foreign shader %T", label, s)
	}
	if entryPoint != gpu.EntryPoint {
		return nil, fmt.Errorf("pipeline %s: unknown entry point %q", label, entryPoint)
	}
	d.pipelines++
	return &pipeline{shader: sh, layout: append([]gpu.LayoutEntry(nil), layout...)}, nil
}

func (d *Device) Submit(pass *gpu.Pass) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	p, ok := pass.Pipeline.(*pipeline)
	if !ok {
		return fmt.Errorf("submit %s: foreign pipeline %T", pass.Label, pass.Pipeline)
	}
	if len(pass.Entries) != len(p.layout) {
		return fmt.Errorf("submit %s: %d bindings for a %d slot layout", pass.Label, len(pass.Entries), len(p.layout))
	}

	var storage, shapeBuf *buffer
	for _, e := range pass.Entries {
		b, ok := e.Buffer.(*buffer)
		if !ok || b.destroyed {
			return fmt.Errorf("submit %s: binding %d is not a live buffer", pass.Label, e.Binding)
		}
		if b.usage&gpu.UsageStorage == 0 {
			return fmt.Errorf("submit %s: binding %d lacks storage usage", pass.Label, e.Binding)
		}
		switch e.Binding {
		case 0:
			storage = b
		case 1:
			shapeBuf = b
		}
	}
	if storage == nil || shapeBuf == nil || len(shapeBuf.data) != 16 {
		return fmt.Errorf("submit %s: bindings do not match the storage/shape contract", pass.Label)
	}

	var dst, src *buffer
	if pass.CopyDst != nil {
		src, _ = pass.CopySrc.(*buffer)
		dst, _ = pass.CopyDst.(*buffer)
		if src == nil || dst == nil || src.destroyed || dst.destroyed {
			return fmt.Errorf("submit %s: copy between dead buffers", pass.Label)
		}
		if dst.state != unmapped {
			return fmt.Errorf("submit %s: copy destination %s is mapped", pass.Label, dst.label)
		}
		if pass.CopySize > uint64(len(src.data)) || pass.CopySize > uint64(len(dst.data)) {
			return fmt.Errorf("submit %s: copy of %d bytes overruns", pass.Label, pass.CopySize)
		}
	}

	if k := d.Kernels[p.shader.label]; k != nil {
		words := wgpu.FromBytes[uint32](storage.data)
		var shape [4]uint32
		copy(shape[:], wgpu.FromBytes[uint32](shapeBuf.data))
		n := pass.Workgroups[0] * pass.Workgroups[1] * pass.Workgroups[2]
		for i := uint32(0); i < n; i++ {
			k(words, shape, i)
		}
	}
	if dst != nil {
		copy(dst.data[:pass.CopySize], src.data[:pass.CopySize])
	}

	d.passes = append(d.passes, *pass)
	return nil
}

func (d *Device) Poll(bool) bool {
	d.mu.Lock()
	d.polls++
	if d.holdMaps {
		empty := len(d.pending) == 0
		d.mu.Unlock()
		return empty
	}
	cbs := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return true
}

func (d *Device) Release() {
	d.mu.Lock()
	d.released = true
	d.mu.Unlock()
}

type shader struct{ label string }

func (*shader) Release() {}

type pipeline struct {
	shader *shader
	layout []gpu.LayoutEntry
}

func (*pipeline) Release() {}

type mapState uint8

const (
	unmapped mapState = iota
	pending
	mapped
)

type buffer struct {
	dev       *Device
	label     string
	usage     gpu.BufferUsage
	data      []byte
	state     mapState
	destroyed bool
}

var errDestroyed = errors.New("buffer destroyed before map completed")

func (b *buffer) Size() uint64 { return uint64(len(b.data)) }

func (b *buffer) MapRead(callback func(error)) error {
	d := b.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case b.destroyed:
		return fmt.Errorf("map %s: buffer destroyed", b.label)
	case b.usage&gpu.UsageMapRead == 0:
		return fmt.Errorf("map %s: buffer lacks MapRead usage", b.label)
	case b.state != unmapped:
		return fmt.Errorf("map %s: buffer already mapped", b.label)
	}
	b.state = pending
	d.pending = append(d.pending, func() {
		d.mu.Lock()
		var err error
		switch {
		case b.destroyed:
			err = errDestroyed
			b.state = unmapped
		case d.failNextMap:
			d.failNextMap = false
			err = errors.New("map status: error")
			b.state = unmapped
		default:
			b.state = mapped
		}
		d.mu.Unlock()
		callback(err)
	})
	return nil
}

// MappedRange returns the live backing bytes, not a copy, so that holding on to it
// past Unmap shows up as Poison.
func (b *buffer) MappedRange() []byte {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.state != mapped {
		return nil
	}
	return b.data
}

func (b *buffer) Unmap() {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.state == mapped {
		for i := range b.data {
			b.data[i] = Poison
		}
	}
	b.state = unmapped
}

func (b *buffer) Destroy() {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.dev.live--
}
