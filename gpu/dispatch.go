package gpu

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"
)

// bindingLayout is the contract every shader honours: the element payload at slot 0,
// the 4 x u32 shape descriptor at slot 1.
var bindingLayout = []LayoutEntry{
	{Binding: 0, Kind: BindingStorage},
	{Binding: 1, Kind: BindingReadOnlyStorage},
}

// Dispatch runs op over the array id and returns a host copy of the result. T must
// match the element type the array was created with.
//
// ctx may cancel the call until the work is submitted; afterwards it only bounds the
// readback wait. Without a deadline on ctx the engine's ReadbackTimeout applies.
func Dispatch[T Element](ctx context.Context, e *Engine, id uuid.UUID, op Operation) ([]T, error) {
	var out []T
	err := e.dispatch(ctx, id, op, elementTypeOf[T](), func(view []byte) {
		out = make([]T, len(view)/4)
		copy(out, wgpu.FromBytes[T](view))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) dispatch(ctx context.Context, id uuid.UUID, op Operation, want ElementType, sink func([]byte)) (err error) {
	defer func() { e.metrics.observeDispatch(op, err) }()

	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}

	if !op.Valid() {
		return fmt.Errorf("%w: %s", ErrOperationNotSupported, op)
	}

	set, err := e.table.Lookup(id)
	if err != nil {
		return err
	}
	if set.Elem != want {
		return fmt.Errorf("%w: array %s holds %s, not %s", ErrElementType, id, set.Elem, want)
	}

	key := ShaderKey(op, set.Elem)
	shader, ok := e.shaders.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: no %s kernel for %s", ErrOperationNotSupported, set.Elem, op)
	}
	if err := set.acquire(); err != nil {
		return err
	}
	abandoned := false
	defer func() {
		if !abandoned {
			set.finish()
		}
	}()

	log := e.cfg.Logger.WithFields(logrus.Fields{"array_id": id, "operation": op})

	pipe, err := e.pipeline(key, shader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	groups := set.Len()
	if limit := e.maxGroups(); limit > 0 && groups > uint64(limit) {
		return fmt.Errorf("%w: %d workgroups exceeds the adapter limit of %d", ErrDispatchFailed, groups, limit)
	}

	// Last point at which cancellation is honoured.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}

	err = e.dev.Submit(&Pass{
		Label:    key,
		Pipeline: pipe,
		Entries: []BindGroupEntry{
			{Binding: 0, Buffer: set.Storage},
			{Binding: 1, Buffer: set.ShapeBuf},
		},
		Workgroups: [3]uint32{uint32(groups), 1, 1},
		CopySrc:    set.Storage,
		CopyDst:    set.Staging,
		CopySize:   set.Staging.Size(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	set.setState(Submitted)
	log.WithField("elements", groups).Debug("dispatch submitted")

	rctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, e.cfg.ReadbackTimeout)
		defer cancel()
	}

	start := e.cfg.Clock.Now()
	abandoned, err = e.readback(rctx, set, sink)
	e.metrics.readback.WithLabelValues(op.String()).Observe(e.cfg.Clock.Now().Sub(start).Seconds())
	if err != nil {
		log.WithFields(logrus.Fields{"err": err, "state": set.State()}).Warn("readback failed")
		return err
	}
	return nil
}

// pipeline returns the cached pipeline for the kernel key, building it on first use.
func (e *Engine) pipeline(key string, shader Shader) (Pipeline, error) {
	e.pipeMu.Lock()
	defer e.pipeMu.Unlock()
	if p, ok := e.pipes[key]; ok {
		return p, nil
	}
	p, err := e.dev.CreatePipeline(key, shader, EntryPoint, bindingLayout)
	if err != nil {
		return nil, err
	}
	e.pipes[key] = p
	return p, nil
}

func (e *Engine) maxGroups() uint32 {
	if info := e.dev.Info(); info != nil {
		return info.Limits.MaxComputeWorkgroupsPerDimension
	}
	return 0
}
