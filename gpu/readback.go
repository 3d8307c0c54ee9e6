package gpu

import (
	"context"
	"errors"
	"fmt"
)

// State is the per-dispatch state of a buffer set.
//
//	Idle -> Submitted -> MappingRequested -> Mapped -> Copied -> Idle
//	                                      \-> MapFailed
type State uint8

const (
	Idle State = iota
	Submitted
	MappingRequested
	Mapped
	MapFailed
	Copied
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitted:
		return "submitted"
	case MappingRequested:
		return "mapping_requested"
	case Mapped:
		return "mapped"
	case MapFailed:
		return "map_failed"
	case Copied:
		return "copied"
	}
	return "unknown"
}

var errMapChannelClosed = errors.New("map notification channel closed")

// Pump drives the device's completion processing once and reports whether the queue
// is empty. Map callbacks only fire from inside a pump, so anything waiting on a
// mapping must keep pumping; readback does this in its wait loop.
func (e *Engine) Pump() bool {
	return e.dev.Poll(false)
}

// awaitMap pumps the device until the one-shot notification on done arrives or ctx
// ends.
func (e *Engine) awaitMap(ctx context.Context, done <-chan error) error {
	for {
		e.Pump()
		select {
		case err, ok := <-done:
			if !ok {
				return errMapChannelClosed
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-e.cfg.Clock.After(e.cfg.PollInterval):
		}
	}
}

// readback maps the staging buffer of set, hands the mapped bytes to sink and unmaps
// before returning. sink must copy; the slice is invalid after it returns.
//
// If ctx ends while the mapping is pending, the set stays claimed and a background
// pump finishes the mapping, unmaps and releases the claim. abandoned reports that
// the caller must not call set.finish itself.
func (e *Engine) readback(ctx context.Context, set *BufferSet, sink func([]byte)) (abandoned bool, err error) {
	done := make(chan error, 1)
	notify := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	if err := set.Staging.MapRead(notify); err != nil {
		set.setState(MapFailed)
		return false, fmt.Errorf("%w: %v", ErrReadbackFailed, err)
	}
	set.setState(MappingRequested)

	if err := e.awaitMap(ctx, done); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			e.drains.Add(1)
			go e.drainMap(set, done)
			return true, fmt.Errorf("%w: %w", ErrReadbackFailed, err)
		}
		set.setState(MapFailed)
		return false, fmt.Errorf("%w: %v", ErrReadbackFailed, err)
	}
	set.setState(Mapped)

	if err := copyMapped(set.Staging, sink); err != nil {
		set.setState(MapFailed)
		return false, err
	}
	set.setState(Copied)
	return false, nil
}

func copyMapped(buf Buffer, sink func([]byte)) error {
	defer buf.Unmap()
	view := buf.MappedRange()
	if uint64(len(view)) != buf.Size() {
		return fmt.Errorf("%w: mapped range is %d bytes, want %d", ErrReadbackFailed, len(view), buf.Size())
	}
	sink(view)
	return nil
}

// drainMap completes a readback whose caller gave up. It stops pumping when the
// engine closes; the set is then released with the mapping still pending.
func (e *Engine) drainMap(set *BufferSet, done <-chan error) {
	defer e.drains.Done()
	err := e.awaitMap(e.stop, done)
	switch {
	case err == nil:
		set.Staging.Unmap()
		e.cfg.Logger.WithField("array_id", set.ID).Debug("abandoned readback drained")
	case e.stop.Err() != nil:
		e.cfg.Logger.WithField("array_id", set.ID).Warn("engine closed with a readback still pending")
	}
	set.finish()
}
