// Package runtimetest provides an in-memory runtime.Connector for tests.
package runtimetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"Monios-Control/internal/runtime"
)

// ErrClosed is returned when dispatching on a closed fake connection.
var ErrClosed = errors.New("runtimetest: connection closed")

// Script decides how a fake connection answers one dispatch. Returning an
// error makes Dispatch itself fail.
type Script func(tenantID string, req runtime.Request) ([]runtime.Event, error)

// Connector counts connections and replays scripted events.
type Connector struct {
	// ConnectErr, when set, fails every Connect call.
	ConnectErr error
	// Gate, when set, blocks Connect until it is closed.
	Gate chan struct{}
	// Script answers dispatches; the default replies "ok".
	Script Script
	// CloseErr is returned from Conn.Close.
	CloseErr error

	connects atomic.Int64
	mu       sync.Mutex
	conns    []*Conn
}

// Connect implements runtime.Connector.
func (c *Connector) Connect(ctx context.Context, opts runtime.Options) (runtime.Conn, error) {
	c.connects.Add(1)
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	conn := &Conn{Options: opts, parent: c}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

// Connects reports how many times Connect was called.
func (c *Connector) Connects() int { return int(c.connects.Load()) }

// Conns returns every connection handed out so far.
func (c *Connector) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conn(nil), c.conns...)
}

// Conn is a fake runtime connection.
type Conn struct {
	Options runtime.Options

	parent *Connector
	closed atomic.Bool
	mu     sync.Mutex
	reqs   []runtime.Request
}

// Dispatch implements runtime.Conn.
func (c *Conn) Dispatch(_ context.Context, req runtime.Request) (runtime.Stream, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()

	script := c.parent.Script
	if script == nil {
		script = func(string, runtime.Request) ([]runtime.Event, error) {
			return []runtime.Event{runtime.Content("ok"), runtime.Completion()}, nil
		}
	}
	events, err := script(c.Options.TenantID, req)
	if err != nil {
		return nil, err
	}
	return runtime.NewSliceStream(events...), nil
}

// Requests returns the dispatched requests in order.
func (c *Conn) Requests() []runtime.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runtime.Request(nil), c.reqs...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Close implements runtime.Conn.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.parent.CloseErr
}
