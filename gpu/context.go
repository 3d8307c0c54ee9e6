package gpu

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/openfluke/luma/detector"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Context holds the device and queue every engine component shares. It is immutable
// once returned by a Provider and is passed explicitly to NewEngine.
type Context struct {
	Device Device
}

// Info returns the adapter report of the underlying device.
func (c *Context) Info() *detector.Report { return c.Device.Info() }

// Opener performs adapter discovery and device creation.
type Opener func(ctx context.Context, logger *logrus.Entry) (Device, error)

// Provider acquires the device context exactly once. Concurrent first callers share a
// single acquisition and all observe the same result. A failed acquisition is not
// cached: the next call to Acquire tries again.
type Provider struct {
	open   Opener
	logger *logrus.Entry

	group singleflight.Group

	mu     sync.RWMutex
	cur    *Context
	closed bool
}

// NewProvider returns a Provider using open, or OpenWGPU when open is nil.
func NewProvider(open Opener, logger *logrus.Entry) *Provider {
	if open == nil {
		open = OpenWGPU
	}
	if logger == nil {
		logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}
	return &Provider{open: open, logger: logger}
}

// Acquire returns the device context, creating it on first use. ctx only bounds how
// long this caller waits; an acquisition already under way runs to completion.
func (p *Provider) Acquire(ctx context.Context) (*Context, error) {
	if c, err := p.current(); c != nil || err != nil {
		return c, err
	}

	ch := p.group.DoChan("device", func() (interface{}, error) {
		if c, err := p.current(); c != nil || err != nil {
			return c, err
		}
		dev, err := p.open(context.WithoutCancel(ctx), p.logger)
		if err != nil {
			p.logger.WithField("err", err).Error("device acquisition failed")
			return nil, err
		}
		c := &Context{Device: dev}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			dev.Release()
			return nil, fmt.Errorf("%w: provider closed", ErrDeviceContextUnavailable)
		}
		p.cur = c
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Context), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrDeviceContextUnavailable, ctx.Err())
	}
}

func (p *Provider) current() (*Context, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("%w: provider closed", ErrDeviceContextUnavailable)
	}
	return p.cur, nil
}

// Close releases the device. It is meant for process shutdown, after every engine
// built on the context has been closed. An acquisition still in flight releases its
// device instead of publishing it, and later calls to Acquire fail.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cur != nil {
		p.cur.Device.Release()
		p.cur = nil
	}
}
