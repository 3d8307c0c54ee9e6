package gpu

import "github.com/openfluke/luma/detector"

// BufferUsage describes how a Buffer may be used by the device.
type BufferUsage uint32

const (
	UsageStorage BufferUsage = 1 << iota
	UsageMapRead
	UsageCopySrc
	UsageCopyDst
)

// BufferDescriptor describes a device allocation. When Contents is set the buffer is
// created initialised with it and Size is ignored.
type BufferDescriptor struct {
	Label    string
	Size     uint64
	Usage    BufferUsage
	Contents []byte
}

// Buffer is a device allocation.
type Buffer interface {
	Size() uint64

	// MapRead requests a read mapping of the whole buffer. The callback fires once,
	// from inside Device.Poll, with nil on success.
	MapRead(callback func(error)) error

	// MappedRange returns the mapped bytes. The slice is only valid until Unmap.
	MappedRange() []byte
	Unmap()
	Destroy()
}

// Shader is a compiled shader module.
type Shader interface {
	Release()
}

// Pipeline is a compute pipeline bound to a binding layout.
type Pipeline interface {
	Release()
}

// BindingKind is the access mode of a storage binding.
type BindingKind uint8

const (
	BindingStorage BindingKind = iota
	BindingReadOnlyStorage
)

// LayoutEntry declares one slot of bind group 0.
type LayoutEntry struct {
	Binding uint32
	Kind    BindingKind
}

// BindGroupEntry fills one slot of bind group 0.
type BindGroupEntry struct {
	Binding uint32
	Buffer  Buffer
}

// Pass is one recorded submission: a single compute pass followed by a
// buffer-to-buffer copy. Commands execute in that order.
type Pass struct {
	Label      string
	Pipeline   Pipeline
	Entries    []BindGroupEntry
	Workgroups [3]uint32

	CopySrc  Buffer
	CopyDst  Buffer
	CopySize uint64
}

// Device is the logical device and its single submission queue.
type Device interface {
	Info() *detector.Report

	CreateShader(label, code string) (Shader, error)
	CreateBuffer(desc *BufferDescriptor) (Buffer, error)
	CreatePipeline(label string, shader Shader, entryPoint string, layout []LayoutEntry) (Pipeline, error)

	// Submit records pass into a command buffer and submits it to the queue.
	Submit(pass *Pass) error

	// Poll drives completion processing, firing any ready map callbacks. Nothing
	// progresses on the host side unless somebody polls. It reports whether the
	// queue is empty.
	Poll(wait bool) bool

	Release()
}
