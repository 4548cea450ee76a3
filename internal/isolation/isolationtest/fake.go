// Package isolationtest provides an in-process isolation.Driver double
// so the manager, pool, repl, oneshot, and orchestrator packages can be
// exercised without a real Docker daemon. It speaks the same framed
// protocol the embedded Python interpreter server does (see
// internal/interpreter), over a net.Pipe instead of a container's
// stdio, so the Manager's ready-marker wait and the repl Executor's
// request/response exchange run unmodified against it.
package isolationtest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sandboxlabs/sandboxd/internal/interpreter"
	"github.com/sandboxlabs/sandboxd/internal/isolation"
)

// ResponseFunc builds the JSON body of a framed response given the
// framed request body. The default responder always reports success.
type ResponseFunc func(reqBody []byte) string

// DefaultResponse is a canned, always-succeeding framed response body.
func DefaultResponse([]byte) string {
	return `{"stdout":"","stderr":"","exit_code":0,"state":null,"files":[],"error":null}`
}

// ExecFunc customizes FakeDriver.Exec's behavior for a given sandbox id
// and command. The default writes nothing and reports exit code 0.
type ExecFunc func(id string, cmd []string, stdout, stderr io.Writer) (isolation.ExecResult, error)

type sandboxRecord struct {
	spec    isolation.Spec
	started bool
	stopped bool
	conn    net.Conn // server side, closed on Stop
}

// FakeDriver is an isolation.Driver double. Zero value is not usable;
// construct with New.
type FakeDriver struct {
	mu        sync.Mutex
	nextID    int
	sandboxes map[string]*sandboxRecord

	// CreateErr, StartErr, ConnectErr, HealthErr, if set, are returned
	// by the corresponding method instead of normal behavior.
	CreateErr  error
	StartErr   error
	ConnectErr error
	HealthErr  error

	// Response builds the canned response for every framed request a
	// Connect'd fake interpreter receives. Defaults to DefaultResponse.
	Response ResponseFunc

	// Exec customizes the Exec method. Defaults to a successful no-op.
	Exec ExecFunc

	// SkipReadyMarker, if true, makes Connect's fake interpreter never
	// emit the ready marker, simulating a warmup hang.
	SkipReadyMarker bool

	// CreateDelay, if set, is waited out at the start of Create, to
	// simulate a slow container spawn (e.g. for exercising pool
	// exhaustion under contention).
	CreateDelay time.Duration
}

// New creates a FakeDriver.
func New() *FakeDriver {
	return &FakeDriver{sandboxes: map[string]*sandboxRecord{}}
}

// Create implements isolation.Driver.
func (f *FakeDriver) Create(ctx context.Context, spec isolation.Spec) (string, error) {
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "fake-" + strconv.Itoa(f.nextID)
	f.sandboxes[id] = &sandboxRecord{spec: spec}
	return id, nil
}

// Start implements isolation.Driver.
func (f *FakeDriver) Start(ctx context.Context, id string) error {
	if f.StartErr != nil {
		return f.StartErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sandboxes[id]
	if !ok {
		return isolation.ErrSandboxNotFound
	}
	rec.started = true
	return nil
}

// Connect implements isolation.Driver: it wires a net.Pipe and serves
// the server side with a minimal stand-in for the embedded Interpreter
// Server — emit the ready marker, then answer every framed request
// with f.Response.
func (f *FakeDriver) Connect(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	f.mu.Lock()
	rec, ok := f.sandboxes[id]
	f.mu.Unlock()
	if !ok {
		return nil, isolation.ErrSandboxNotFound
	}

	client, server := net.Pipe()
	f.mu.Lock()
	rec.conn = server
	f.mu.Unlock()

	respond := func(reqBody []byte) string {
		if r := f.Response; r != nil {
			return r(reqBody)
		}
		return DefaultResponse(reqBody)
	}
	go serveFakeInterpreter(server, respond, f.SkipReadyMarker)

	return client, nil
}

// Exec implements isolation.Driver.
func (f *FakeDriver) Exec(ctx context.Context, id string, cmd []string, wallClock time.Duration, stdout, stderr io.Writer) (isolation.ExecResult, error) {
	if f.Exec != nil {
		return f.Exec(id, cmd, stdout, stderr)
	}
	return isolation.ExecResult{ExitCode: 0}, nil
}

// Stop implements isolation.Driver. Idempotent.
func (f *FakeDriver) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sandboxes[id]
	if !ok {
		return nil
	}
	if rec.conn != nil {
		rec.conn.Close()
		rec.conn = nil
	}
	rec.stopped = true
	return nil
}

// ListFiles implements isolation.Driver. Unused by any of this engine's
// executors (file collection scans the host-side scratch directory
// directly), provided only for interface satisfaction.
func (f *FakeDriver) ListFiles(ctx context.Context, id, path string) ([]*isolation.FileEntry, error) {
	return nil, nil
}

// PutFile implements isolation.Driver.
func (f *FakeDriver) PutFile(ctx context.Context, id, path string, content io.Reader) error {
	return nil
}

// GetFile implements isolation.Driver.
func (f *FakeDriver) GetFile(ctx context.Context, id, path string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

// Info implements isolation.Driver.
func (f *FakeDriver) Info(ctx context.Context, id string) (*isolation.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sandboxes[id]
	if !ok {
		return nil, isolation.ErrSandboxNotFound
	}
	st := isolation.StateReady
	if rec.stopped {
		st = isolation.StateDestroyed
	}
	return &isolation.Info{ID: id, State: st, Image: rec.spec.Image}, nil
}

// Healthy implements isolation.Driver.
func (f *FakeDriver) Healthy(ctx context.Context) error { return f.HealthErr }

// Close implements isolation.Driver.
func (f *FakeDriver) Close() error { return nil }

// Stopped reports whether Stop has been called for id, for test
// assertions about cleanup.
func (f *FakeDriver) Stopped(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sandboxes[id]
	return ok && rec.stopped
}

func serveFakeInterpreter(conn net.Conn, respond ResponseFunc, skipReady bool) {
	defer conn.Close()

	if !skipReady {
		if _, err := fmt.Fprintf(conn, "%s\n", interpreter.ReadyMarker); err != nil {
			return
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var body bytes.Buffer
	inFrame := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == interpreter.RequestStart:
			inFrame = true
			body.Reset()
		case line == interpreter.RequestEnd:
			if !inFrame {
				continue
			}
			inFrame = false
			resp := respond(body.Bytes())
			if _, err := fmt.Fprintf(conn, "%s\n%s\n%s\n", interpreter.ResponseStart, resp, interpreter.ResponseEnd); err != nil {
				return
			}
		case inFrame:
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
}
