// Package shaders bundles the default kernels. <operation>.wgsl works on u32 arrays;
// <operation>_i32.wgsl and <operation>_f32.wgsl are its signed and float variants.
// Each binds the element payload read_write at @binding(0) and the 4 x u32 shape at
// @binding(1), and exports fn main.
package shaders

import "embed"

//go:embed *.wgsl
var FS embed.FS
