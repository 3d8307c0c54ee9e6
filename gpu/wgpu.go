package gpu

import (
	"context"
	"fmt"

	"github.com/openfluke/luma/detector"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"
)

// OpenWGPU requests the highest-performance adapter (no fallback adapter, no surface)
// and a device with no optional features and default limits.
func OpenWGPU(_ context.Context, logger *logrus.Entry) (Device, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("%w: failed to create WebGPU instance", ErrAdapterUnavailable)
	}

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference:      wgpu.PowerPreferenceHighPerformance,
		ForceFallbackAdapter: false,
	})
	if err != nil || adapter == nil {
		inst.Release()
		return nil, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	report := detector.Probe(adapter)
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"adapter": report.Name,
			"vendor":  report.Vendor,
			"backend": report.Backend,
			"type":    report.AdapterType,
			"driver":  report.Driver,
		}).Info("using GPU adapter")
		logger.WithField("limits", report.Limits).Debug("adapter limits")
	}

	dev, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "luma",
	})
	if err != nil || dev == nil {
		adapter.Release()
		inst.Release()
		return nil, fmt.Errorf("%w: %v", ErrDeviceCreationFailed, err)
	}

	return &wgpuDevice{
		instance: inst,
		adapter:  adapter,
		device:   dev,
		queue:    dev.GetQueue(),
		report:   report,
	}, nil
}

type wgpuDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	report   *detector.Report
}

func (d *wgpuDevice) Info() *detector.Report { return d.report }

func (d *wgpuDevice) CreateShader(label, code string) (Shader, error) {
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("shader compile: %w", err)
	}
	return &wgpuShader{module: module}, nil
}

func (d *wgpuDevice) CreateBuffer(desc *BufferDescriptor) (Buffer, error) {
	var (
		buf *wgpu.Buffer
		err error
	)
	if desc.Contents != nil {
		buf, err = d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    desc.Label,
			Contents: desc.Contents,
			Usage:    toWGPUUsage(desc.Usage),
		})
	} else {
		buf, err = d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: desc.Label,
			Size:  desc.Size,
			Usage: toWGPUUsage(desc.Usage),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer %s: %w", desc.Label, err)
	}
	return &wgpuBuffer{buf: buf}, nil
}

func (d *wgpuDevice) CreatePipeline(label string, shader Shader, entryPoint string, layout []LayoutEntry) (Pipeline, error) {
	ws, ok := shader.(*wgpuShader)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: foreign shader %T", label, shader)
	}

	entries := make([]wgpu.BindGroupLayoutEntry, len(layout))
	for i, e := range layout {
		typ := wgpu.BufferBindingTypeStorage
		if e.Kind == BindingReadOnlyStorage {
			typ = wgpu.BufferBindingTypeReadOnlyStorage
		}
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: typ},
		}
	}

	// Explicit layout; "auto" layouts drop bindings the shader never reads.
	bgl, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   label + "_BGL",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bgl: %w", err)
	}

	pl, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            label + "_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		bgl.Release()
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}
	defer pl.Release()

	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label + "_Pipe",
		Layout: pl,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     ws.module,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		bgl.Release()
		return nil, fmt.Errorf("pipeline create: %w", err)
	}
	return &wgpuPipeline{pipeline: pipeline, bgl: bgl}, nil
}

func (d *wgpuDevice) Submit(pass *Pass) error {
	wp, ok := pass.Pipeline.(*wgpuPipeline)
	if !ok {
		return fmt.Errorf("submit %s: foreign pipeline %T", pass.Label, pass.Pipeline)
	}

	entries := make([]wgpu.BindGroupEntry, len(pass.Entries))
	for i, e := range pass.Entries {
		b := e.Buffer.(*wgpuBuffer).buf
		entries[i] = wgpu.BindGroupEntry{Binding: e.Binding, Buffer: b, Size: b.GetSize()}
	}
	bindGroup, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   pass.Label + "_Bind",
		Layout:  wp.bgl,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	defer bindGroup.Release()

	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %w", err)
	}
	defer enc.Release()

	cp := enc.BeginComputePass(nil)
	cp.SetPipeline(wp.pipeline)
	cp.SetBindGroup(0, bindGroup, nil)
	cp.DispatchWorkgroups(pass.Workgroups[0], pass.Workgroups[1], pass.Workgroups[2])
	cp.End()
	cp.Release()

	if pass.CopySrc != nil && pass.CopyDst != nil {
		enc.CopyBufferToBuffer(pass.CopySrc.(*wgpuBuffer).buf, 0, pass.CopyDst.(*wgpuBuffer).buf, 0, pass.CopySize)
	}

	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish command: %w", err)
	}
	defer cmd.Release()

	d.queue.Submit(cmd)
	return nil
}

func (d *wgpuDevice) Poll(wait bool) bool {
	return d.device.Poll(wait, nil)
}

func (d *wgpuDevice) Release() {
	if d.queue != nil {
		d.queue.Release()
	}
	if d.device != nil {
		d.device.Release()
	}
	if d.adapter != nil {
		d.adapter.Release()
	}
	if d.instance != nil {
		d.instance.Release()
	}
}

type wgpuShader struct{ module *wgpu.ShaderModule }

func (s *wgpuShader) Release() { s.module.Release() }

type wgpuPipeline struct {
	pipeline *wgpu.ComputePipeline
	bgl      *wgpu.BindGroupLayout
}

func (p *wgpuPipeline) Release() {
	p.pipeline.Release()
	p.bgl.Release()
}

type wgpuBuffer struct{ buf *wgpu.Buffer }

func (b *wgpuBuffer) Size() uint64 { return b.buf.GetSize() }

func (b *wgpuBuffer) MapRead(callback func(error)) error {
	err := b.buf.MapAsync(wgpu.MapModeRead, 0, b.buf.GetSize(), func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			callback(fmt.Errorf("map status: %v", status))
			return
		}
		callback(nil)
	})
	if err != nil {
		return fmt.Errorf("MapAsync failed: %w", err)
	}
	return nil
}

func (b *wgpuBuffer) MappedRange() []byte {
	return b.buf.GetMappedRange(0, uint(b.buf.GetSize()))
}

func (b *wgpuBuffer) Unmap() { b.buf.Unmap() }

func (b *wgpuBuffer) Destroy() {
	b.buf.Destroy()
	b.buf.Release()
}

func toWGPUUsage(u BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&UsageMapRead != 0 {
		out |= wgpu.BufferUsageMapRead
	}
	if u&UsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&UsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	return out
}
