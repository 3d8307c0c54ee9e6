package gpu

import "errors"

// Engine errors. Every error returned by this package wraps one of these, so callers
// can branch with errors.Is.
var (
	// ErrAdapterUnavailable is returned when no adapter satisfies the request.
	ErrAdapterUnavailable = errors.New("gpu: adapter unavailable")

	// ErrDeviceCreationFailed is returned when the platform rejects the device request.
	ErrDeviceCreationFailed = errors.New("gpu: device creation failed")

	// ErrDeviceContextUnavailable is returned when buffers are requested without a device.
	ErrDeviceContextUnavailable = errors.New("gpu: device context unavailable")

	// ErrShaderLoadFailed covers unreadable shader directories, compile failures and
	// required shaders that are missing.
	ErrShaderLoadFailed = errors.New("gpu: shader load failed")

	ErrOperationNotSupported = errors.New("gpu: operation not supported")
	ErrBufferNotFound        = errors.New("gpu: buffer not found")
	ErrDispatchFailed        = errors.New("gpu: dispatch failed")
	ErrReadbackFailed        = errors.New("gpu: readback failed")

	ErrShapeMismatch = errors.New("gpu: shape does not match data length")
	ErrEmptyArray    = errors.New("gpu: array has no elements")
	ErrElementType   = errors.New("gpu: element type mismatch")
	ErrDuplicateID   = errors.New("gpu: array id already allocated")

	// ErrBufferBusy is returned when a dispatch is already in flight for an array.
	ErrBufferBusy = errors.New("gpu: array has a dispatch in flight")

	// ErrArrayReleased is returned by an Array handle used after Close.
	ErrArrayReleased = errors.New("gpu: array released")

	ErrEngineClosed = errors.New("gpu: engine closed")
)
