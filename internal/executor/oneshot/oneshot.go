// Package oneshot runs a single submission to completion inside a
// freshly provisioned sandbox: stage source, optionally compile, run,
// and collect any files the submission produced. Used for every
// language except the pool-backed interactive one, per spec §4.5.
//
// Grounded on the teacher's execSandbox handler's per-language
// "build cmd/args" switch, lifted out of the HTTP layer into a
// standalone executor and split into an explicit compile step for the
// seven Compiled languages.
package oneshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sandboxlabs/sandboxd/internal/errs"
	"github.com/sandboxlabs/sandboxd/internal/isolation"
	"github.com/sandboxlabs/sandboxd/internal/lang"
	"github.com/sandboxlabs/sandboxd/internal/manager"
)

// Request is one one-shot submission.
type Request struct {
	Code           string
	WallClock      time.Duration
	MaxOutputFiles int
	MaxOutputBytes int64

	// Tee, if set, receives a live copy of the run step's combined
	// stdout and stderr as it's produced (not the compile step's
	// output, which is internal to the submission).
	Tee io.Writer
}

// Result is the outcome of a one-shot run, per spec §3's Execution Result.
type Result struct {
	Stdout       string
	Stderr       string
	ExitCode     int
	TimedOut     bool
	CompileError bool
	Files        []string
	Truncated    bool
}

// Executor drives compile/run steps against a sandbox's
// isolation.Driver, after acquiring the sandbox from the Manager.
type Executor struct {
	driver isolation.Driver
}

// New creates an Executor bound to driver, the same driver the
// sandbox's manager.Sandbox was provisioned through.
func New(driver isolation.Driver) *Executor {
	return &Executor{driver: driver}
}

const (
	sourceName = "main"
	binaryName = "a.out.bin"
)

// Run stages req.Code, compiles it if the language requires a compile
// step, runs it, and reports the files newly present in the sandbox's
// scratch directory afterward.
func (e *Executor) Run(ctx context.Context, sb *manager.Sandbox, t lang.Tag, req Request) (Result, error) {
	rt, err := lang.Lookup(t)
	if err != nil {
		return Result{}, errs.New(errs.KindBadRequest, "oneshot.Run", err)
	}

	srcPath := filepath.Join(sb.ScratchDir, sourceName+rt.SourceExt)
	if err := os.WriteFile(srcPath, []byte(req.Code), 0o644); err != nil {
		return Result{}, errs.New(errs.KindInternal, "oneshot.Run", fmt.Errorf("stage source: %w", err))
	}

	before, err := scan(sb.ScratchDir)
	if err != nil {
		return Result{}, errs.New(errs.KindInternal, "oneshot.Run", err)
	}

	inContainerSrc := "/workspace/" + sourceName + rt.SourceExt
	runTarget := inContainerSrc

	wallClock := req.WallClock
	if wallClock <= 0 {
		wallClock = 10 * time.Second
	}

	var stdout, stderr bytes.Buffer

	if rt.Class == lang.Compiled {
		binPath := "/workspace/" + binaryName
		cmdName, args := rt.CompileCmd(inContainerSrc, binPath)
		compileRes, err := e.driver.Exec(ctx, sb.ID, append([]string{cmdName}, args...), wallClock, &stdout, &stderr)
		if err != nil && compileRes.TimedOut {
			return Result{Stdout: stdout.String(), Stderr: stderr.String(), TimedOut: true}, errs.New(errs.KindTimeoutExceeded, "oneshot.Run", err)
		}
		if err != nil {
			return Result{}, errs.New(errs.KindSandboxUnhealthy, "oneshot.Run", fmt.Errorf("compile: %w", err))
		}
		if compileRes.ExitCode != 0 {
			return Result{
				Stdout:       stdout.String(),
				Stderr:       stderr.String(),
				ExitCode:     compileRes.ExitCode,
				CompileError: true,
			}, nil
		}
		runTarget = binPath
		stdout.Reset()
		stderr.Reset()
	}

	var runStdout, runStderr io.Writer = &stdout, &stderr
	if req.Tee != nil {
		runStdout = io.MultiWriter(&stdout, req.Tee)
		runStderr = io.MultiWriter(&stderr, req.Tee)
	}

	cmdName, args := rt.RunCmd(runTarget)
	runRes, err := e.driver.Exec(ctx, sb.ID, append([]string{cmdName}, args...), wallClock, runStdout, runStderr)
	if err != nil && runRes.TimedOut {
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), TimedOut: true}, errs.New(errs.KindTimeoutExceeded, "oneshot.Run", err)
	}
	if err != nil {
		return Result{}, errs.New(errs.KindSandboxUnhealthy, "oneshot.Run", fmt.Errorf("run: %w", err))
	}

	after, err := scan(sb.ScratchDir)
	if err != nil {
		return Result{}, errs.New(errs.KindInternal, "oneshot.Run", err)
	}

	files, truncated := diff(before, after, req.MaxOutputFiles, req.MaxOutputBytes)

	return Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  runRes.ExitCode,
		Files:     files,
		Truncated: truncated,
	}, nil
}

type fileStat struct {
	size    int64
	modTime time.Time
}

func scan(dir string) (map[string]fileStat, error) {
	out := map[string]fileStat{}
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
		out[rel] = fileStat{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan scratch dir: %w", err)
	}
	return out, nil
}

// diff reports files new or changed between before and after,
// truncated to maxFiles entries (each individually bounded by
// maxBytes, per spec §4.7's output caps). Source and binary artifacts
// staged by the executor itself are excluded.
func diff(before, after map[string]fileStat, maxFiles int, maxBytes int64) (files []string, truncated bool) {
	for name, st := range after {
		base := filepath.Base(name)
		if base == binaryName || (len(base) > len(sourceName) && base[:len(sourceName)+1] == sourceName+".") {
			continue
		}
		if bstat, ok := before[name]; ok && bstat == st {
			continue
		}
		if maxBytes > 0 && st.size > maxBytes {
			truncated = true
			continue
		}
		files = append(files, name)
	}
	if maxFiles > 0 && len(files) > maxFiles {
		files = files[:maxFiles]
		truncated = true
	}
	return files, truncated
}
