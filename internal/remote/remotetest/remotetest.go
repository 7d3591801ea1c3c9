// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package remotetest provides scriptable in-memory fakes for remote.Dialer,
// remote.Conn and remote.Process.
package remotetest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/dokkugw/internal/remote"
)

// ExecFunc scripts the behavior of Conn.Exec.
type ExecFunc func(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error)

// StartFunc scripts the behavior of Conn.Start.
type StartFunc func(ctx context.Context, argv []string) (remote.Process, error)

// Dialer hands out fake connections. FailFn, when set, is consulted before
// every dial with the 1-based attempt number.
type Dialer struct {
	FailFn  func(n int) error
	ExecFn  ExecFunc
	StartFn StartFunc
	Delay   time.Duration

	mu    sync.Mutex
	dials int
	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context) (remote.Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	fail := d.FailFn
	delay := d.Delay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}
	c := &Conn{ID: n, ExecFn: d.ExecFn, StartFn: d.StartFn}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Dials reports how many dial attempts were made.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns the connections created so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Conn is a fake connection. A nil ExecFn exits 0 with no output.
type Conn struct {
	ID      int
	ExecFn  ExecFunc
	StartFn StartFunc

	probeErr atomic.Value // error wrapper
	closed   atomic.Bool

	mu    sync.Mutex
	calls [][]string
}

type errBox struct{ err error }

// FailProbe makes subsequent probes return err; nil restores success.
func (c *Conn) FailProbe(err error) { c.probeErr.Store(errBox{err}) }

func (c *Conn) record(argv []string) {
	c.mu.Lock()
	c.calls = append(c.calls, append([]string(nil), argv...))
	c.mu.Unlock()
}

// Calls returns every argv passed to Exec or Start.
func (c *Conn) Calls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.calls...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) Exec(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
	if c.closed.Load() {
		return -1, remote.ErrClosed
	}
	c.record(argv)
	if c.ExecFn == nil {
		return 0, nil
	}
	return c.ExecFn(ctx, argv, stdout, stderr)
}

func (c *Conn) Start(ctx context.Context, argv []string) (remote.Process, error) {
	if c.closed.Load() {
		return nil, remote.ErrClosed
	}
	c.record(argv)
	if c.StartFn == nil {
		return nil, errors.New("remotetest: Start not scripted")
	}
	return c.StartFn(ctx, argv)
}

func (c *Conn) Probe(ctx context.Context) error {
	if c.closed.Load() {
		return remote.ErrClosed
	}
	if v, ok := c.probeErr.Load().(errBox); ok && v.err != nil {
		return v.err
	}
	return ctx.Err()
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

// Process is a fake long-running command driven by the test.
type Process struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	done chan struct{}
	once sync.Once
	code int
	err  error

	terminated atomic.Bool
	// ExitOnTerminate controls whether Terminate ends the process.
	// A process that ignores SIGTERM is modelled by setting it false.
	ExitOnTerminate bool
}

// NewProcess returns a running fake process that exits on Terminate.
func NewProcess() *Process {
	pr, pw := io.Pipe()
	return &Process{pr: pr, pw: pw, done: make(chan struct{}), ExitOnTerminate: true}
}

// Line emits one output line. It blocks until the reader consumes it.
func (p *Process) Line(s string) error {
	_, err := io.WriteString(p.pw, s+"\n")
	return err
}

// Exit ends the process with code.
func (p *Process) Exit(code int) { p.finish(code, nil) }

// Break ends the process as if the channel dropped.
func (p *Process) Break(err error) { p.finish(-1, err) }

func (p *Process) finish(code int, err error) {
	p.once.Do(func() {
		p.code, p.err = code, err
		_ = p.pw.Close()
		close(p.done)
	})
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool { return p.terminated.Load() }

// Done is closed once the process has ended.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Output() io.Reader { return p.pr }

func (p *Process) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *Process) Terminate(grace time.Duration) error {
	p.terminated.Store(true)
	if p.ExitOnTerminate {
		p.finish(143, nil)
		return nil
	}
	if grace > 0 {
		select {
		case <-p.done:
			return nil
		case <-time.After(grace):
		}
	}
	// Channel teardown always wins.
	p.finish(-1, remote.ErrClosed)
	return nil
}
