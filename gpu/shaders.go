package gpu

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ShaderExt is the extension of the shader files the registry picks up.
const ShaderExt = ".wgsl"

// EntryPoint is the function every shader must export.
const EntryPoint = "main"

// ShaderRegistry maps operation keys to compiled shader modules. It is immutable once
// loaded.
type ShaderRegistry struct {
	modules map[string]Shader
}

// LoadShaders compiles every *.wgsl file directly inside fsys, keyed by file name
// without extension.
//
// An unreadable directory yields an empty, usable registry together with an error
// wrapping ErrShaderLoadFailed. A file that fails to read or compile aborts the load
// and releases whatever was already compiled.
func LoadShaders(dev Device, fsys fs.FS) (*ShaderRegistry, error) {
	reg := &ShaderRegistry{modules: map[string]Shader{}}
	if dev == nil {
		return reg, ErrDeviceContextUnavailable
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return reg, fmt.Errorf("%w: read directory: %v", ErrShaderLoadFailed, err)
	}

	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ShaderExt {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ShaderExt)

		code, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			reg.Release()
			return nil, fmt.Errorf("%w: read %s: %v", ErrShaderLoadFailed, e.Name(), err)
		}
		mod, err := dev.CreateShader(key, string(code))
		if err != nil {
			reg.Release()
			return nil, fmt.Errorf("%w: compile %s: %v", ErrShaderLoadFailed, e.Name(), err)
		}
		reg.modules[key] = mod
	}
	return reg, nil
}

// Lookup returns the shader compiled for key.
func (r *ShaderRegistry) Lookup(key string) (Shader, bool) {
	s, ok := r.modules[key]
	return s, ok
}

// Names returns the loaded keys, sorted.
func (r *ShaderRegistry) Names() []string {
	out := make([]string, 0, len(r.modules))
	for k := range r.modules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *ShaderRegistry) Len() int { return len(r.modules) }

// Require reports every operation in ops without a loaded shader.
func (r *ShaderRegistry) Require(ops ...Operation) error {
	var err error
	for _, op := range ops {
		if _, ok := r.modules[op.String()]; !ok {
			err = multierror.Append(err, fmt.Errorf("%w: missing %s%s", ErrShaderLoadFailed, op, ShaderExt))
		}
	}
	return err
}

// Release frees every compiled module.
func (r *ShaderRegistry) Release() {
	for k, s := range r.modules {
		s.Release()
		delete(r.modules, k)
	}
}
