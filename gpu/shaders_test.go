package gpu_test

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/luma/gpu"
	"github.com/openfluke/luma/gpu/gputest"
	"github.com/openfluke/luma/shaders"
)

func TestLoadBundledShaders(t *testing.T) {
	dev := gputest.NewDevice()
	reg, err := gpu.LoadShaders(dev, shaders.FS)
	require.NoError(t, err)
	defer reg.Release()

	var want []string
	for _, op := range gpu.Operations() {
		for _, typ := range gpu.ElementTypes() {
			want = append(want, gpu.ShaderKey(op, typ))
		}
	}
	sort.Strings(want)
	assert.Equal(t, want, reg.Names())
	assert.Equal(t, 15, dev.ShadersCompiled())
	require.NoError(t, reg.Require(gpu.Operations()...))
}

func TestLoadSkipsForeignFiles(t *testing.T) {
	dev := gputest.NewDevice()
	fsys := fstest.MapFS{
		"double.wgsl":        {Data: mustRead(t, "double.wgsl")},
		"README.md":          {Data: []byte("# shaders")},
		"double.wgsl.bak":    {Data: []byte("garbage")},
		"nested/add.wgsl":    {Data: mustRead(t, "add.wgsl")},
		"legacy/divide.glsl": {Data: []byte("void main() {}")},
	}

	reg, err := gpu.LoadShaders(dev, fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"double"}, reg.Names())

	_, ok := reg.Lookup("double")
	assert.True(t, ok)
	_, ok = reg.Lookup("add")
	assert.False(t, ok)

	err = reg.Require(gpu.Double, gpu.Add)
	require.ErrorIs(t, err, gpu.ErrShaderLoadFailed)
	assert.Contains(t, err.Error(), "add.wgsl")
	assert.NotContains(t, err.Error(), "double.wgsl")
}

func TestLoadCompileFailureIsFatal(t *testing.T) {
	dev := gputest.NewDevice()
	fsys := fstest.MapFS{
		"add.wgsl":    {Data: mustRead(t, "add.wgsl")},
		"broken.wgsl": {Data: []byte("@compute fn nope() {}")},
	}

	reg, err := gpu.LoadShaders(dev, fsys)
	require.ErrorIs(t, err, gpu.ErrShaderLoadFailed)
	assert.Nil(t, reg)
	assert.Contains(t, err.Error(), "broken.wgsl")
}

func TestLoadUnreadableDirectory(t *testing.T) {
	dev := gputest.NewDevice()
	reg, err := gpu.LoadShaders(dev, os.DirFS(filepath.Join(t.TempDir(), "missing")))
	require.ErrorIs(t, err, gpu.ErrShaderLoadFailed)
	require.NotNil(t, reg)
	assert.Zero(t, reg.Len())
}

func TestLoadWithoutDevice(t *testing.T) {
	reg, err := gpu.LoadShaders(nil, shaders.FS)
	require.ErrorIs(t, err, gpu.ErrDeviceContextUnavailable)
	require.NotNil(t, reg)
	assert.Zero(t, reg.Len())
}
