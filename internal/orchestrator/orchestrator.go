// Package orchestrator wires the pool, manager, executors, and state
// store into the single request path of spec §4.8, with every
// dependency constructor-injected rather than reached through a
// package-level singleton — the explicit rearchitecting §9's first
// design note calls for.
//
// Grounded on the teacher's main.go/serve.go wiring order (driver →
// handler → routes), lifted one level: here the HTTP layer (internal/api)
// calls into an Orchestrator instead of touching the driver directly.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sandboxlabs/sandboxd/internal/errs"
	"github.com/sandboxlabs/sandboxd/internal/executor/oneshot"
	"github.com/sandboxlabs/sandboxd/internal/executor/repl"
	"github.com/sandboxlabs/sandboxd/internal/isolation"
	"github.com/sandboxlabs/sandboxd/internal/lang"
	"github.com/sandboxlabs/sandboxd/internal/manager"
	"github.com/sandboxlabs/sandboxd/internal/pool"
	"github.com/sandboxlabs/sandboxd/internal/state"
)

// ExecRequest is one submission to POST /v1/exec, per spec §6.
type ExecRequest struct {
	Language  lang.Tag
	Code      string
	SessionID string // empty: stateless one-shot or fresh interactive session

	// CaptureState controls whether an interactive run's state blob is
	// persisted. nil means unset: a session in play captures by default,
	// per spec §4.8 step 5; a caller opts out of persistence entirely by
	// passing an explicit false, not by omitting the session id.
	CaptureState *bool
	WallClock    time.Duration

	// Tee, if set, receives a live copy of a one-shot run's combined
	// output as it's produced, for the live-output follow endpoint.
	// Unused for interactive requests (the framed protocol has no
	// incremental output to tee).
	Tee io.Writer
}

// ExecResult is the response to POST /v1/exec, per spec §3's Execution Result.
type ExecResult struct {
	SessionID    string
	Stdout       string
	Stderr       string
	ExitCode     int
	TimedOut     bool
	CompileError bool
	Files        []string
	Truncated    bool
	Warning      string
}

// Orchestrator executes one request end to end: validate, resolve
// session state, acquire a sandbox, dispatch to the right executor,
// collect outputs, persist the snapshot, and always destroy the
// sandbox, per spec §4.8. Requests carry no input files, so nothing is
// staged into the scratch directory before execution.
type Orchestrator struct {
	pools   map[lang.Tag]*pool.Pool // only the interactive language has an entry
	mgr     *manager.Manager
	oneshot *oneshot.Executor
	repl    *repl.Executor
	store   *state.Store

	maxCodeBytes          int64
	defaultWallClock      time.Duration
	captureStateOnFailure bool
}

// Config configures an Orchestrator's request-level bounds.
type Config struct {
	MaxCodeBytes          int64
	DefaultWallClock      time.Duration
	CaptureStateOnFailure bool
}

// New wires an Orchestrator. interactivePool is the Sandbox Pool for
// the interactive language; one-shot languages are provisioned directly
// through mgr/driver, with no pool involved.
func New(interactivePool *pool.Pool, mgr *manager.Manager, driver isolation.Driver, store *state.Store, cfg Config) *Orchestrator {
	pools := map[lang.Tag]*pool.Pool{lang.Python: interactivePool}
	return &Orchestrator{
		pools:                 pools,
		mgr:                   mgr,
		oneshot:               oneshot.New(driver),
		repl:                  repl.New(),
		store:                 store,
		maxCodeBytes:          cfg.MaxCodeBytes,
		defaultWallClock:      cfg.DefaultWallClock,
		captureStateOnFailure: cfg.CaptureStateOnFailure,
	}
}

// Exec runs one request end to end, per spec §4.8.
func (o *Orchestrator) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if err := o.validate(req); err != nil {
		return ExecResult{}, errs.New(errs.KindBadRequest, "orchestrator.Exec", err)
	}

	if lang.IsInteractive(req.Language) {
		return o.execInteractive(ctx, req)
	}
	return o.execOneshot(ctx, req)
}

func (o *Orchestrator) validate(req ExecRequest) error {
	if req.Code == "" {
		return fmt.Errorf("code is required")
	}
	if o.maxCodeBytes > 0 && int64(len(req.Code)) > o.maxCodeBytes {
		return fmt.Errorf("code exceeds maximum of %d bytes", o.maxCodeBytes)
	}
	if _, err := lang.Lookup(req.Language); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) execInteractive(ctx context.Context, req ExecRequest) (ExecResult, error) {
	p, ok := o.pools[req.Language]
	if !ok {
		return ExecResult{}, errs.New(errs.KindInternal, "orchestrator.execInteractive", fmt.Errorf("no pool configured for %s", req.Language))
	}

	var priorState *string
	sessionID := req.SessionID
	if sessionID != "" {
		blob, err := o.store.Load(ctx, sessionID)
		switch {
		case err == nil:
			priorState = &blob
		case err == state.ErrNotFound:
			// fresh session under a caller-supplied id; nothing to overlay.
		case errs.Is(err, errs.KindStorageUnavail):
			// Spec §7: a storage-unavailable load degrades to a fresh
			// session rather than failing the request outright.
			log.Warn().Err(err).Str("session_id", sessionID).Msg("orchestrator: state store unavailable, starting fresh session")
		default:
			return ExecResult{}, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	wallClock := req.WallClock
	if wallClock <= 0 {
		wallClock = o.defaultWallClock
	}

	// A session in play captures state by default; an explicit false
	// opts it out of persistence, per spec §4.8 step 5.
	captureState := true
	if req.CaptureState != nil {
		captureState = *req.CaptureState
	}

	replReq := repl.Request{
		Code:         req.Code,
		State:        priorState,
		CaptureState: captureState,
		WallClock:    wallClock,
	}

	replResult, err := o.runInteractiveOnce(ctx, p, req.Language, replReq)
	if err != nil && errs.Is(err, errs.KindSandboxUnhealthy) {
		// Spec §7: a sandbox_unhealthy failure during the framed exchange
		// is retried once with a fresh sandbox before giving up.
		log.Warn().Err(err).Str("session_id", sessionID).Msg("orchestrator: sandbox unhealthy, retrying with a fresh sandbox")
		replResult, err = o.runInteractiveOnce(ctx, p, req.Language, replReq)
	}
	if err != nil {
		return ExecResult{}, err
	}

	result := ExecResult{
		SessionID: sessionID,
		Stdout:    replResult.Stdout,
		Stderr:    replResult.Stderr,
		ExitCode:  replResult.ExitCode,
		Files:     replResult.Files,
	}

	if replResult.State != nil && (replResult.ExitCode == 0 || o.captureStateOnFailure) {
		if err := o.store.Save(ctx, sessionID, *replResult.State); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("orchestrator: failed to persist state snapshot")
			result.Warning = "execution succeeded but state snapshot was not persisted"
		}
	}

	return result, nil
}

// runInteractiveOnce acquires a single sandbox, runs one framed exchange
// against it, and always releases it afterward — single-use isolation,
// per spec §4.3 — regardless of the exchange's outcome.
func (o *Orchestrator) runInteractiveOnce(ctx context.Context, p *pool.Pool, t lang.Tag, req repl.Request) (repl.Result, error) {
	sb, err := p.Acquire(ctx, t)
	if err != nil {
		return repl.Result{}, err
	}
	res, err := o.repl.Run(ctx, sb, req)
	p.Release(context.Background(), sb)
	return res, err
}

func (o *Orchestrator) execOneshot(ctx context.Context, req ExecRequest) (ExecResult, error) {
	sb, err := o.mgr.Create(ctx, req.Language, 0)
	if err != nil {
		return ExecResult{}, err
	}
	defer o.mgr.Destroy(context.Background(), sb)

	wallClock := req.WallClock
	if wallClock <= 0 {
		wallClock = o.defaultWallClock
	}

	res, err := o.oneshot.Run(ctx, sb, req.Language, oneshot.Request{
		Code:      req.Code,
		WallClock: wallClock,
		Tee:       req.Tee,
	})
	if err != nil {
		return ExecResult{}, err
	}

	return ExecResult{
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		ExitCode:     res.ExitCode,
		TimedOut:     res.TimedOut,
		CompileError: res.CompileError,
		Files:        res.Files,
		Truncated:    res.Truncated,
	}, nil
}
