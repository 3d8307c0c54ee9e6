package detector

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

/* ---------- public API ---------- */

// Report is a portable summary of the adapter a device was created from.
type Report struct {
	WhenISO     string   `json:"when_iso"`
	Runtime     string   `json:"runtime"` // "native" or "wasm" (best-effort)
	Backend     string   `json:"backend"`
	AdapterType string   `json:"adapter_type"`
	VendorID    string   `json:"vendor_id_hex"`
	Vendor      string   `json:"vendor"`
	DeviceID    string   `json:"device_id_hex"`
	Name        string   `json:"name"`
	Driver      string   `json:"driver"`
	Limits      Limits   `json:"limits"`
	Features    []string `json:"features"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupSizeY          uint32 `json:"max_compute_workgroup_size_y"`
	MaxComputeWorkgroupSizeZ          uint32 `json:"max_compute_workgroup_size_z"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// Probe reads the capabilities of an already requested adapter.
func Probe(adapter *wgpu.Adapter) *Report {
	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}
	sort.Strings(feats)

	return &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		Vendor:      strings.TrimSpace(info.VendorName),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupSizeY:          limits.Limits.MaxComputeWorkgroupSizeY,
			MaxComputeWorkgroupSizeZ:          limits.Limits.MaxComputeWorkgroupSizeZ,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
		},
		Features: feats,
	}
}

// JSON renders the report indented.
func (r *Report) JSON() (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Rows flattens the report into key/value pairs for tabular output.
func (r *Report) Rows() [][]string {
	return [][]string{
		{"name", r.Name},
		{"vendor", fmt.Sprintf("%s (%s)", r.Vendor, r.VendorID)},
		{"device", r.DeviceID},
		{"adapter", r.AdapterType},
		{"backend", r.Backend},
		{"driver", r.Driver},
		{"runtime", r.Runtime},
		{"max workgroups/dim", fmt.Sprint(r.Limits.MaxComputeWorkgroupsPerDimension)},
		{"max invocations/workgroup", fmt.Sprint(r.Limits.MaxComputeInvocationsPerWorkgroup)},
		{"max storage binding", fmt.Sprint(r.Limits.MaxStorageBufferBindingSize)},
		{"max buffer", fmt.Sprint(r.Limits.MaxBufferSize)},
		{"features", strings.Join(r.Features, ", ")},
	}
}

/* ---------- helpers ---------- */

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}
