// Package manager builds individual sandboxes from an isolation.Driver
// plus host-side scratch-directory allocation, and tears them down
// cleanly. Grounded on the teacher repo's DockerDriver.Create/Stop and
// its cleanupOrphans background-goroutine pattern.
package manager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sandboxlabs/sandboxd/internal/errs"
	"github.com/sandboxlabs/sandboxd/internal/interpreter"
	"github.com/sandboxlabs/sandboxd/internal/isolation"
	"github.com/sandboxlabs/sandboxd/internal/lang"
)

// state is the lifecycle state of a Sandbox, per spec §3.
type state int

const (
	stateWarming state = iota
	stateReady
	stateDestroyed
)

// Sandbox is the host-side handle to one provisioned sandbox, per
// spec §3's data model. While Warming/Ready it is owned exclusively by
// whichever component holds the pointer (the Pool, or the Manager
// caller for one-shot sandboxes); ownership ends at Destroy.
type Sandbox struct {
	ID         string
	Language   lang.Tag
	ScratchDir string
	CreatedAt  time.Time
	TTL        time.Duration

	mu    sync.Mutex
	st    state
	conn  io.ReadWriteCloser
}

// Expired reports whether the sandbox has outlived its TTL. Used by the
// pool's maintenance sweep to evict stale Ready sandboxes.
func (sb *Sandbox) Expired() bool {
	if sb.TTL <= 0 {
		return false
	}
	return time.Since(sb.CreatedAt) > sb.TTL
}

// Conn returns the interactive sandbox's stdio connection, established
// during Create's warmup wait. Only meaningful for the interactive
// language; nil for one-shot sandboxes.
func (sb *Sandbox) Conn() io.ReadWriteCloser {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.conn
}

func (sb *Sandbox) destroyed() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.st == stateDestroyed
}

// Manager constructs and destroys individual sandboxes.
type Manager struct {
	driver isolation.Driver

	baseDir       string
	warmupTimeout time.Duration
	wallClock     time.Duration
	memoryBytes   int64
	tmpfsBytes    int64
}

// New creates a Manager.
func New(driver isolation.Driver, baseDir string, warmupTimeout, wallClock time.Duration, memoryBytes, tmpfsBytes int64) *Manager {
	return &Manager{
		driver:        driver,
		baseDir:       baseDir,
		warmupTimeout: warmupTimeout,
		wallClock:     wallClock,
		memoryBytes:   memoryBytes,
		tmpfsBytes:    tmpfsBytes,
	}
}

// Create provisions a fresh sandbox for language t. For the interactive
// language, the Interpreter Server script is staged as the main process
// and the call blocks until its ready marker arrives (bounded by
// warmupTimeout); a timeout or premature exit destroys the sandbox and
// returns SandboxUnhealthy, per spec §4.3.
func (m *Manager) Create(ctx context.Context, t lang.Tag, ttl time.Duration) (*Sandbox, error) {
	rt, err := lang.Lookup(t)
	if err != nil {
		return nil, errs.New(errs.KindBadRequest, "manager.Create", err)
	}

	scratchDir := filepath.Join(m.baseDir, uuid.NewString())
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, errs.New(errs.KindInternal, "manager.Create", fmt.Errorf("allocate scratch dir: %w", err))
	}

	spec := isolation.Spec{
		Image:       rt.Image,
		ScratchDir:  scratchDir,
		TmpfsBytes:  m.tmpfsBytes,
		MemoryBytes: m.memoryBytes,
		WallClock:   m.wallClock,
		WorkDir:     "/workspace",
		Labels:      map[string]string{"language": string(t)},
	}

	if rt.Class == lang.Interactive {
		scriptPath := filepath.Join(scratchDir, interpreter.ServerScriptName)
		if err := os.WriteFile(scriptPath, interpreter.ServerScript, 0o755); err != nil {
			os.RemoveAll(scratchDir)
			return nil, errs.New(errs.KindInternal, "manager.Create", fmt.Errorf("stage interpreter server: %w", err))
		}
		spec.Command = []string{"python3", "/workspace/" + interpreter.ServerScriptName}
	}

	id, err := m.driver.Create(ctx, spec)
	if err != nil {
		os.RemoveAll(scratchDir)
		return nil, errs.New(errs.KindInternal, "manager.Create", err)
	}

	sb := &Sandbox{
		ID:         id,
		Language:   t,
		ScratchDir: scratchDir,
		CreatedAt:  time.Now(),
		TTL:        ttl,
		st:         stateWarming,
	}

	if err := m.driver.Start(ctx, id); err != nil {
		m.Destroy(context.Background(), sb)
		return nil, errs.New(errs.KindSandboxUnhealthy, "manager.Create", err)
	}

	if rt.Class == lang.Interactive {
		if err := m.awaitReady(ctx, sb); err != nil {
			m.Destroy(context.Background(), sb)
			return nil, errs.New(errs.KindSandboxUnhealthy, "manager.Create", err)
		}
	}

	sb.mu.Lock()
	sb.st = stateReady
	sb.mu.Unlock()
	return sb, nil
}

func (m *Manager) awaitReady(ctx context.Context, sb *Sandbox) error {
	connectCtx, cancel := context.WithTimeout(ctx, m.warmupTimeout)
	defer cancel()

	conn, err := m.driver.Connect(connectCtx, sb.ID)
	if err != nil {
		return fmt.Errorf("connect during warmup: %w", err)
	}

	readyCh := make(chan error, 1)
	go func() { readyCh <- interpreter.WaitForReady(conn) }()

	select {
	case err := <-readyCh:
		if err != nil {
			conn.Close()
			return fmt.Errorf("wait for ready marker: %w", err)
		}
	case <-connectCtx.Done():
		conn.Close()
		return fmt.Errorf("warmup timed out: %w", connectCtx.Err())
	}

	sb.mu.Lock()
	sb.conn = conn
	sb.mu.Unlock()
	return nil
}

// Destroy terminates the sandbox's process tree and removes its scratch
// directory. Idempotent, per spec §4.3: a sandbox already in
// stateDestroyed is left untouched.
func (m *Manager) Destroy(ctx context.Context, sb *Sandbox) error {
	if sb == nil {
		return nil
	}

	sb.mu.Lock()
	if sb.st == stateDestroyed {
		sb.mu.Unlock()
		return nil
	}
	sb.st = stateDestroyed
	conn := sb.conn
	sb.conn = nil
	sb.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if err := m.driver.Stop(ctx, sb.ID); err != nil {
		log.Warn().Str("sandbox_id", sb.ID).Err(err).Msg("failed to stop sandbox process")
	}
	if err := os.RemoveAll(sb.ScratchDir); err != nil {
		log.Warn().Str("sandbox_id", sb.ID).Err(err).Msg("failed to remove sandbox scratch directory")
	}
	return nil
}
