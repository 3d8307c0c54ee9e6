package gpu_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/luma/gpu"
	"github.com/openfluke/luma/gpu/gputest"
	"github.com/openfluke/luma/shaders"
)

func newEngine(t *testing.T, mutate ...func(*gpu.Config)) (*gpu.Engine, *gputest.Device) {
	t.Helper()
	dev := gputest.NewDevice()
	cfg := gpu.Config{
		Shaders:         shaders.FS,
		ReadbackTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := gpu.NewEngine(dev.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, dev
}

func shape(t *testing.T, dims ...uint32) gpu.Shape {
	t.Helper()
	s, err := gpu.ShapeOf(dims...)
	require.NoError(t, err)
	return s
}

// TestDoubleRoundTrip uploads [1,2,3], doubles it and reads back [2,4,6].
func TestDoubleRoundTrip(t *testing.T) {
	e, _ := newEngine(t)

	id, err := gpu.CreateArray(e, gpu.Shape{3, 1, 1, 1}, []uint32{1, 2, 3})
	require.NoError(t, err)

	got, err := gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
	require.NoError(t, err)
	if diff := cmp.Diff([]uint32{2, 4, 6}, got); diff != "" {
		t.Errorf("Double mismatch (-want +got):\n%s", diff)
	}
}

func TestEveryOperation(t *testing.T) {
	e, _ := newEngine(t)
	in := []uint32{0, 1, 3, 7}

	want := map[gpu.Operation][]uint32{
		gpu.Double:   {0, 2, 6, 14},
		gpu.Add:      {0, 2, 6, 14},
		gpu.Subtract: {0, 0, 0, 0},
		gpu.Multiply: {0, 1, 9, 49},
		gpu.Divide:   {0, 1, 1, 1},
	}
	for op, w := range want {
		id, err := gpu.CreateArray(e, shape(t, 4), in)
		require.NoError(t, err)

		got, err := gpu.Dispatch[uint32](context.Background(), e, id, op)
		require.NoError(t, err, op.String())
		assert.Equal(t, w, got, op.String())
		e.Release(id)
	}
}

func TestDispatchesAreCumulative(t *testing.T) {
	e, _ := newEngine(t)
	id, err := gpu.CreateArray(e, shape(t, 2), []uint32{1, 5})
	require.NoError(t, err)

	for _, want := range [][]uint32{{2, 10}, {4, 20}, {8, 40}} {
		got, err := gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDispatchSizesGridByElementCount(t *testing.T) {
	e, dev := newEngine(t)
	id, err := gpu.CreateArray(e, gpu.Shape{3, 1, 1, 1}, []uint32{1, 2, 3})
	require.NoError(t, err)

	_, err = gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
	require.NoError(t, err)

	passes := dev.Passes()
	require.Len(t, passes, 1)
	p := passes[0]
	assert.Equal(t, [3]uint32{3, 1, 1}, p.Workgroups, "grid must be elements, not bytes")
	assert.Equal(t, uint64(12), p.CopySize)
	require.Len(t, p.Entries, 2)
	assert.Equal(t, uint32(0), p.Entries[0].Binding)
	assert.Equal(t, uint32(1), p.Entries[1].Binding)
	assert.Equal(t, p.CopySrc, p.Entries[0].Buffer)
	assert.Equal(t, p.CopyDst.Size(), p.CopySrc.Size())
}

func TestMissingShaderIsUnsupportedAtDispatch(t *testing.T) {
	fsys := fstest.MapFS{
		"double.wgsl": {Data: mustRead(t, "double.wgsl")},
	}
	e, dev := newEngine(t, func(c *gpu.Config) {
		c.Shaders = fsys
		c.Lenient = true
	})

	id, err := gpu.CreateArray(e, shape(t, 3), []uint32{1, 2, 3})
	require.NoError(t, err)
	before := e.Len()

	_, err = gpu.Dispatch[uint32](context.Background(), e, id, gpu.Divide)
	require.ErrorIs(t, err, gpu.ErrOperationNotSupported)
	assert.Equal(t, before, e.Len())
	assert.Empty(t, dev.Passes())

	// The array is untouched and still usable.
	got, err := gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 4, 6}, got)
}

func TestMissingShaderFailsStrictLoad(t *testing.T) {
	dev := gputest.NewDevice()
	_, err := gpu.NewEngine(dev.Context(), gpu.Config{
		Shaders: fstest.MapFS{"double.wgsl": {Data: mustRead(t, "double.wgsl")}},
	})
	require.ErrorIs(t, err, gpu.ErrShaderLoadFailed)
	assert.Contains(t, err.Error(), "divide.wgsl")
	assert.Contains(t, err.Error(), "add.wgsl")
}

func TestStrictLoadHonoursRequired(t *testing.T) {
	_, _ = newEngine(t, func(c *gpu.Config) {
		c.Shaders = fstest.MapFS{"double.wgsl": {Data: mustRead(t, "double.wgsl")}}
		c.Required = []gpu.Operation{gpu.Double}
	})
}

func TestUnreadableShaderDirectory(t *testing.T) {
	dev := gputest.NewDevice()
	dir := t.TempDir() + "/missing"

	_, err := gpu.NewEngine(dev.Context(), gpu.Config{ShaderDir: dir})
	require.ErrorIs(t, err, gpu.ErrShaderLoadFailed)

	e, err := gpu.NewEngine(dev.Context(), gpu.Config{ShaderDir: dir, Lenient: true})
	require.NoError(t, err)
	defer e.Close()
	assert.Empty(t, e.Operations())

	id, err := gpu.CreateArray(e, shape(t, 1), []uint32{1})
	require.NoError(t, err)
	for _, op := range gpu.Operations() {
		_, err := gpu.Dispatch[uint32](context.Background(), e, id, op)
		assert.ErrorIs(t, err, gpu.ErrOperationNotSupported)
	}
}

func TestUnknownIDIsNotFound(t *testing.T) {
	e, _ := newEngine(t)
	_, err := gpu.Dispatch[uint32](context.Background(), e, uuid.New(), gpu.Double)
	require.ErrorIs(t, err, gpu.ErrBufferNotFound)
}

func TestDispatchAfterRelease(t *testing.T) {
	e, _ := newEngine(t)
	id, err := gpu.CreateArray(e, shape(t, 2), []uint32{1, 2})
	require.NoError(t, err)
	e.Release(id)

	_, err = gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
	require.ErrorIs(t, err, gpu.ErrBufferNotFound)
}

func TestElementTypeMismatch(t *testing.T) {
	e, _ := newEngine(t)
	id, err := gpu.CreateArray(e, shape(t, 2), []float32{1.5, 2.5})
	require.NoError(t, err)

	typ, err := e.ElementTypeOf(id)
	require.NoError(t, err)
	assert.Equal(t, gpu.F32, typ)

	_, err = gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
	require.ErrorIs(t, err, gpu.ErrElementType)
}

func TestFloatArraysUseFloatKernels(t *testing.T) {
	e, dev := newEngine(t)

	id, err := gpu.CreateArray(e, shape(t, 2), []float32{1.5, 2})
	require.NoError(t, err)
	got, err := gpu.Dispatch[float32](context.Background(), e, id, gpu.Double)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, got)

	passes := dev.Passes()
	require.Len(t, passes, 1)
	assert.Equal(t, "double_f32", passes[0].Label)

	in := []float32{0, 0.5, -1, 2.25}
	want := map[gpu.Operation][]float32{
		gpu.Double:   {0, 1, -2, 4.5},
		gpu.Add:      {0, 1, -2, 4.5},
		gpu.Subtract: {0, 0, 0, 0},
		gpu.Multiply: {0, 0.25, 1, 5.0625},
		gpu.Divide:   {0, 1, 1, 1},
	}
	for op, w := range want {
		id, err := gpu.CreateArray(e, shape(t, 2, 2), in)
		require.NoError(t, err)
		got, err := gpu.Dispatch[float32](context.Background(), e, id, op)
		require.NoError(t, err, op.String())
		assert.Equal(t, w, got, op.String())
		e.Release(id)
	}
}

func TestSignedArraysUseSignedKernels(t *testing.T) {
	e, dev := newEngine(t)
	in := []int32{0, -3, 4, -7}

	want := map[gpu.Operation][]int32{
		gpu.Double:   {0, -6, 8, -14},
		gpu.Add:      {0, -6, 8, -14},
		gpu.Subtract: {0, 0, 0, 0},
		gpu.Multiply: {0, 9, 16, 49},
		gpu.Divide:   {0, 1, 1, 1},
	}
	for op, w := range want {
		id, err := gpu.CreateArray(e, shape(t, 4), in)
		require.NoError(t, err)
		got, err := gpu.Dispatch[int32](context.Background(), e, id, op)
		require.NoError(t, err, op.String())
		assert.Equal(t, w, got, op.String())
		e.Release(id)
	}
	for _, p := range dev.Passes() {
		assert.True(t, strings.HasSuffix(p.Label, "_i32"), p.Label)
	}
}

func TestMissingTypedKernelIsUnsupported(t *testing.T) {
	e, dev := newEngine(t, func(c *gpu.Config) {
		c.Shaders = fstest.MapFS{"double.wgsl": {Data: mustRead(t, "double.wgsl")}}
		c.Lenient = true
	})
	assert.Equal(t, []string{"double"}, e.Operations())
	assert.Equal(t, []gpu.ElementType{gpu.U32}, e.ElementTypes(gpu.Double))

	id, err := gpu.CreateArray(e, shape(t, 2), []float32{1.5, 2})
	require.NoError(t, err)
	_, err = gpu.Dispatch[float32](context.Background(), e, id, gpu.Double)
	require.ErrorIs(t, err, gpu.ErrOperationNotSupported)
	assert.Empty(t, dev.Passes())
}

func TestBundledKernelsCoverEveryType(t *testing.T) {
	e, _ := newEngine(t)
	for _, op := range gpu.Operations() {
		assert.Equal(t, gpu.ElementTypes(), e.ElementTypes(op), op.String())
	}
	assert.Equal(t, []string{"add", "divide", "double", "multiply", "subtract"}, e.Operations())
}

func TestShapeIsRecorded(t *testing.T) {
	e, _ := newEngine(t)
	id, err := gpu.CreateArray(e, shape(t, 2, 2), []uint32{1, 2, 3, 4})
	require.NoError(t, err)
	s, err := e.ShapeOf(id)
	require.NoError(t, err)
	assert.Equal(t, gpu.Shape{2, 2, 1, 1}, s)
}

func TestPipelinesAreCached(t *testing.T) {
	e, dev := newEngine(t)
	a, err := gpu.CreateArray(e, shape(t, 1), []uint32{1})
	require.NoError(t, err)
	b, err := gpu.CreateArray(e, shape(t, 1), []uint32{2})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = gpu.Dispatch[uint32](context.Background(), e, a, gpu.Double)
		require.NoError(t, err)
		_, err = gpu.Dispatch[uint32](context.Background(), e, b, gpu.Double)
		require.NoError(t, err)
	}
	_, err = gpu.Dispatch[uint32](context.Background(), e, a, gpu.Add)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.PipelinesCreated())

	// Same operation, different element type: a separate kernel and pipeline.
	f, err := gpu.CreateArray(e, shape(t, 1), []float32{1})
	require.NoError(t, err)
	_, err = gpu.Dispatch[float32](context.Background(), e, f, gpu.Double)
	require.NoError(t, err)
	assert.Equal(t, 3, dev.PipelinesCreated())
}

func TestSubmitFailureIsLocal(t *testing.T) {
	e, dev := newEngine(t)
	a, err := gpu.CreateArray(e, shape(t, 2), []uint32{1, 2})
	require.NoError(t, err)
	b, err := gpu.CreateArray(e, shape(t, 2), []uint32{3, 4})
	require.NoError(t, err)

	dev.FailSubmit(errors.New("device lost"))
	_, err = gpu.Dispatch[uint32](context.Background(), e, a, gpu.Double)
	require.ErrorIs(t, err, gpu.ErrDispatchFailed)
	dev.FailSubmit(nil)

	assert.Equal(t, 2, e.Len())
	got, err := gpu.Dispatch[uint32](context.Background(), e, b, gpu.Double)
	require.NoError(t, err)
	assert.Equal(t, []uint32{6, 8}, got)

	// a was never modified and is free for the next call.
	got, err = gpu.Dispatch[uint32](context.Background(), e, a, gpu.Double)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 4}, got)
}

func TestPipelineFailureIsDispatchFailed(t *testing.T) {
	e, dev := newEngine(t)
	id, err := gpu.CreateArray(e, shape(t, 1), []uint32{1})
	require.NoError(t, err)

	dev.FailPipelines(errors.New("validation error"))
	_, err = gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
	require.ErrorIs(t, err, gpu.ErrDispatchFailed)

	dev.FailPipelines(nil)
	_, err = gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
	require.NoError(t, err)
}

func TestWorkgroupLimit(t *testing.T) {
	e, dev := newEngine(t)
	dev.Report.Limits.MaxComputeWorkgroupsPerDimension = 2

	id, err := gpu.CreateArray(e, shape(t, 3), []uint32{1, 2, 3})
	require.NoError(t, err)
	_, err = gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
	require.ErrorIs(t, err, gpu.ErrDispatchFailed)
	assert.Empty(t, dev.Passes())
}

func TestCancelledBeforeSubmit(t *testing.T) {
	e, dev := newEngine(t)
	id, err := gpu.CreateArray(e, shape(t, 1), []uint32{1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gpu.Dispatch[uint32](ctx, e, id, gpu.Double)
	require.ErrorIs(t, err, gpu.ErrDispatchFailed)
	assert.Empty(t, dev.Passes())
}

func TestMetricsAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, _ := newEngine(t, func(c *gpu.Config) { c.Registerer = reg })

	id, err := gpu.CreateArray(e, shape(t, 2), []uint32{1, 2})
	require.NoError(t, err)
	_, err = gpu.Dispatch[uint32](context.Background(), e, id, gpu.Double)
	require.NoError(t, err)
	_, err = gpu.Dispatch[uint32](context.Background(), e, uuid.New(), gpu.Double)
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	results := map[string]float64{}
	var arrays float64
	for _, f := range families {
		switch f.GetName() {
		case "luma_dispatch_total":
			for _, m := range f.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "result" {
						results[l.GetValue()] += m.GetCounter().GetValue()
					}
				}
			}
		case "luma_arrays":
			arrays = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, results["ok"])
	assert.Equal(t, 1.0, results["not_found"])
	assert.Equal(t, 1.0, arrays)
}

func TestCloseReleasesEverything(t *testing.T) {
	dev := gputest.NewDevice()
	e, err := gpu.NewEngine(dev.Context(), gpu.Config{Shaders: shaders.FS})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := gpu.CreateArray(e, shape(t, 2), []uint32{1, 2})
		require.NoError(t, err)
	}
	require.Equal(t, 12, dev.LiveBuffers())

	require.NoError(t, e.Close())
	assert.Equal(t, 0, dev.LiveBuffers())
	assert.Equal(t, 0, e.Len())
	assert.ErrorIs(t, e.Close(), gpu.ErrEngineClosed)

	_, err = gpu.CreateArray(e, shape(t, 1), []uint32{1})
	assert.ErrorIs(t, err, gpu.ErrEngineClosed)
}

func TestConfigValidation(t *testing.T) {
	dev := gputest.NewDevice()
	_, err := gpu.NewEngine(dev.Context(), gpu.Config{ReadbackTimeout: -1, PollInterval: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shader directory has not been specified")
	assert.Contains(t, err.Error(), "readback timeout")
	assert.Contains(t, err.Error(), "poll interval")

	_, err = gpu.NewEngine(nil, gpu.Config{Shaders: shaders.FS})
	require.ErrorIs(t, err, gpu.ErrDeviceContextUnavailable)
}

func mustRead(t *testing.T, name string) []byte {
	t.Helper()
	b, err := shaders.FS.ReadFile(name)
	require.NoError(t, err)
	return b
}
