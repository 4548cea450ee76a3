// Package repl drives a single framed request/response exchange
// against an already-warm interactive sandbox, per spec §4.2 and
// §4.4. Only one request is ever in flight on a given sandbox
// connection; the sandbox is single-use and destroyed after the
// exchange regardless of outcome, per §4.3's "one execution per
// sandbox" invariant.
package repl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sandboxlabs/sandboxd/internal/errs"
	"github.com/sandboxlabs/sandboxd/internal/interpreter"
	"github.com/sandboxlabs/sandboxd/internal/manager"
)

// Request is one interactive submission.
type Request struct {
	Code         string
	State        *string
	CaptureState bool
	WallClock    time.Duration
}

// Result is the outcome of one interactive exchange, per spec §3's
// Execution Result.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	State    *string
	Files    []string
}

// Executor drives the framed protocol over an acquired sandbox's
// stdio connection.
type Executor struct{}

// New creates an Executor.
func New() *Executor { return &Executor{} }

// Run writes req as a single framed request to sb's connection and
// waits for the matching framed response, bounded by req.WallClock. A
// deadline expiry or malformed/truncated response destroys the
// sandbox's usability for any further call — the caller is expected to
// release the sandbox regardless of this call's outcome, per §4.3.
func (e *Executor) Run(ctx context.Context, sb *manager.Sandbox, req Request) (Result, error) {
	conn := sb.Conn()
	if conn == nil {
		return Result{}, errs.New(errs.KindSandboxUnhealthy, "repl.Run", fmt.Errorf("sandbox has no interactive connection"))
	}

	before, err := scan(sb.ScratchDir)
	if err != nil {
		return Result{}, errs.New(errs.KindInternal, "repl.Run", err)
	}

	if err := interpreter.WriteRequest(conn, interpreter.Request{
		Code:         req.Code,
		State:        req.State,
		CaptureState: req.CaptureState,
	}); err != nil {
		return Result{}, errs.New(errs.KindSandboxUnhealthy, "repl.Run", fmt.Errorf("write framed request: %w", err))
	}

	wallClock := req.WallClock
	if wallClock <= 0 {
		wallClock = 10 * time.Second
	}

	type readOutcome struct {
		resp interpreter.Response
		err  error
	}
	done := make(chan readOutcome, 1)
	go func() {
		resp, err := interpreter.ReadResponse(conn)
		done <- readOutcome{resp, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{}, errs.New(errs.KindSandboxUnhealthy, "repl.Run", fmt.Errorf("read framed response: %w", out.err))
		}
		return e.finish(sb, before, out.resp)
	case <-time.After(wallClock):
		return Result{}, errs.New(errs.KindTimeoutExceeded, "repl.Run", fmt.Errorf("interactive execution exceeded %s", wallClock))
	case <-ctx.Done():
		return Result{}, errs.New(errs.KindTimeoutExceeded, "repl.Run", ctx.Err())
	}
}

func (e *Executor) finish(sb *manager.Sandbox, before map[string]int64, resp interpreter.Response) (Result, error) {
	after, err := scan(sb.ScratchDir)
	if err != nil {
		return Result{}, errs.New(errs.KindInternal, "repl.Run", err)
	}

	// The scratch-dir scan is authoritative; the response's own "files"
	// hint is trusted only as a fallback if the host-side scan somehow
	// finds nothing (e.g. a sandbox filesystem sync race).
	files := diff(before, after)
	if len(files) == 0 && len(resp.Files) > 0 {
		files = resp.Files
	}

	return Result{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		State:    resp.State,
		Files:    files,
	}, nil
}

func scan(dir string) (map[string]int64, error) {
	out := map[string]int64{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		out[rel] = info.ModTime().UnixNano()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan scratch dir: %w", err)
	}
	return out, nil
}

func diff(before, after map[string]int64) []string {
	var files []string
	for name, mtime := range after {
		if bmtime, ok := before[name]; !ok || bmtime != mtime {
			files = append(files, name)
		}
	}
	return files
}
