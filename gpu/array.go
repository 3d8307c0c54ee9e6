package gpu

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Array is an owned handle to one GPU-resident array. It must be closed; an Array that
// is never closed keeps its GPU memory until the Engine is closed. All methods are safe
// for concurrent use and serialise dispatches on the same array.
type Array[T Element] struct {
	engine *Engine
	shape  Shape

	mu sync.Mutex
	id uuid.UUID // uuid.Nil once closed
}

// NewArray uploads data and returns the owning handle.
func NewArray[T Element](e *Engine, shape Shape, data []T) (*Array[T], error) {
	id, err := CreateArray(e, shape, data)
	if err != nil {
		return nil, err
	}
	return &Array[T]{engine: e, shape: shape, id: id}, nil
}

// WithArray creates an array, passes it to fn and closes it when fn returns.
func WithArray[T Element](e *Engine, shape Shape, data []T, fn func(*Array[T]) error) error {
	a, err := NewArray(e, shape, data)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// ID returns the array id, or uuid.Nil after Close.
func (a *Array[T]) ID() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

func (a *Array[T]) Shape() Shape { return a.shape }

// Apply runs op over the array and returns the result.
func (a *Array[T]) Apply(ctx context.Context, op Operation) ([]T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.id == uuid.Nil {
		return nil, ErrArrayReleased
	}
	return Dispatch[T](ctx, a.engine, a.id, op)
}

func (a *Array[T]) Double(ctx context.Context) ([]T, error)   { return a.Apply(ctx, Double) }
func (a *Array[T]) Add(ctx context.Context) ([]T, error)      { return a.Apply(ctx, Add) }
func (a *Array[T]) Subtract(ctx context.Context) ([]T, error) { return a.Apply(ctx, Subtract) }
func (a *Array[T]) Multiply(ctx context.Context) ([]T, error) { return a.Apply(ctx, Multiply) }
func (a *Array[T]) Divide(ctx context.Context) ([]T, error)   { return a.Apply(ctx, Divide) }

// Close releases the GPU buffers. It is idempotent.
func (a *Array[T]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.id == uuid.Nil {
		return nil
	}
	a.engine.Release(a.id)
	a.id = uuid.Nil
	return nil
}
