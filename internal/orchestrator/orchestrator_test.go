package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxlabs/sandboxd/internal/errs"
	"github.com/sandboxlabs/sandboxd/internal/isolation"
	"github.com/sandboxlabs/sandboxd/internal/isolation/isolationtest"
	"github.com/sandboxlabs/sandboxd/internal/lang"
	"github.com/sandboxlabs/sandboxd/internal/manager"
	"github.com/sandboxlabs/sandboxd/internal/pool"
	"github.com/sandboxlabs/sandboxd/internal/state"
)

// memHotTier and memColdTier are minimal in-memory doubles for
// state.HotTier/ColdTier, local to this package's tests so they don't
// depend on state's own unexported test fakes.
type memHotTier struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemHotTier() *memHotTier { return &memHotTier{data: map[string]string{}} }

func (m *memHotTier) Save(ctx context.Context, sessionID, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[sessionID] = blob
	return nil
}

func (m *memHotTier) Load(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[sessionID]
	if !ok {
		return "", state.ErrNotFound
	}
	return v, nil
}

func (m *memHotTier) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sessionID)
	return nil
}

func (m *memHotTier) IdleSince(ctx context.Context, sessionID string) (time.Duration, error) {
	return 0, nil
}

func (m *memHotTier) Keys(ctx context.Context) ([]string, error) { return nil, nil }

type memColdTier struct{}

func (memColdTier) Archive(ctx context.Context, sessionID string, blob []byte) error { return nil }
func (memColdTier) Restore(ctx context.Context, sessionID string) ([]byte, error) {
	return nil, state.ErrNotFound
}
func (memColdTier) Delete(ctx context.Context, sessionID string) error { return nil }

func newTestOrchestrator(t *testing.T, driver *isolationtest.FakeDriver, cfg Config) (*Orchestrator, *memHotTier) {
	t.Helper()
	mgr := manager.New(driver, t.TempDir(), 2*time.Second, 5*time.Second, 512*1024*1024, 64*1024*1024)
	p := pool.New(mgr, lang.Python, pool.Config{
		Target:             1,
		LaunchParallelism:  1,
		HealthCheckTimeout: 200 * time.Millisecond,
		AcquireTimeout:     2 * time.Second,
	})
	p.Warmup(context.Background())
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	hot := newMemHotTier()
	store := state.NewStore(hot, memColdTier{})

	return New(p, mgr, driver, store, cfg), hot
}

// captureAwareResponse mimics the real Interpreter Server: it only
// emits a non-null state blob when the request actually asked for one,
// the way server.py gates its snapshot on req.get("capture_state").
func captureAwareResponse(stdout, stderr string, exitCode int, stateBlob string) isolationtest.ResponseFunc {
	return func(reqBody []byte) string {
		var req struct {
			CaptureState bool `json:"capture_state"`
		}
		_ = json.Unmarshal(reqBody, &req)
		state := "null"
		if req.CaptureState {
			b, _ := json.Marshal(stateBlob)
			state = string(b)
		}
		errField := "null"
		if stderr != "" {
			b, _ := json.Marshal(stderr)
			errField = string(b)
		}
		return fmt.Sprintf(`{"stdout":%q,"stderr":%q,"exit_code":%d,"state":%s,"files":[],"error":%s}`,
			stdout, stderr, exitCode, state, errField)
	}
}

func TestExecInteractiveFreshSessionAssignsIDAndPersistsState(t *testing.T) {
	driver := isolationtest.New()
	driver.Response = captureAwareResponse("hi\n", "", 0, "c25hcHNob3Q=")
	o, hot := newTestOrchestrator(t, driver, Config{DefaultWallClock: time.Second})

	res, err := o.Exec(context.Background(), ExecRequest{Language: lang.Python, Code: "1+1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "hi\n", res.Stdout)

	saved, err := hot.Load(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "c25hcHNob3Q=", saved)
}

func TestExecInteractiveResumesPriorState(t *testing.T) {
	driver := isolationtest.New()
	var gotState *string
	driver.Response = func(reqBody []byte) string {
		var req struct {
			State *string `json:"state"`
		}
		_ = json.Unmarshal(reqBody, &req)
		gotState = req.State
		return `{"stdout":"","stderr":"","exit_code":0,"state":null,"files":[],"error":null}`
	}
	o, hot := newTestOrchestrator(t, driver, Config{DefaultWallClock: time.Second})
	require.NoError(t, hot.Save(context.Background(), "session-42", "prior-blob"))

	_, err := o.Exec(context.Background(), ExecRequest{Language: lang.Python, Code: "x", SessionID: "session-42"})
	require.NoError(t, err)
	require.NotNil(t, gotState)
	assert.Equal(t, "prior-blob", *gotState)
}

func TestExecInteractiveDoesNotPersistStateOnFailureWhenDisabled(t *testing.T) {
	driver := isolationtest.New()
	driver.Response = captureAwareResponse("", "boom", 1, "c3RhdGU=")
	o, hot := newTestOrchestrator(t, driver, Config{DefaultWallClock: time.Second, CaptureStateOnFailure: false})

	res, err := o.Exec(context.Background(), ExecRequest{Language: lang.Python, Code: "x"})
	require.NoError(t, err)

	_, loadErr := hot.Load(context.Background(), res.SessionID)
	assert.ErrorIs(t, loadErr, state.ErrNotFound)
}

func TestExecInteractiveCapturesStateOnFailureWhenConfigured(t *testing.T) {
	driver := isolationtest.New()
	driver.Response = captureAwareResponse("", "boom", 1, "c3RhdGU=")
	o, hot := newTestOrchestrator(t, driver, Config{DefaultWallClock: time.Second, CaptureStateOnFailure: true})

	res, err := o.Exec(context.Background(), ExecRequest{Language: lang.Python, Code: "x"})
	require.NoError(t, err)

	saved, loadErr := hot.Load(context.Background(), res.SessionID)
	require.NoError(t, loadErr)
	assert.Equal(t, "c3RhdGU=", saved)
}

func TestExecInteractiveAlwaysReleasesSandboxOnError(t *testing.T) {
	driver := isolationtest.New()
	driver.Response = func([]byte) string {
		return "this is not a framed json body"
	}
	o, _ := newTestOrchestrator(t, driver, Config{DefaultWallClock: 200 * time.Millisecond})

	_, err := o.Exec(context.Background(), ExecRequest{Language: lang.Python, Code: "x"})
	assert.Error(t, err)

	// The single-use sandbox was destroyed and the pool replenished
	// rather than left stuck warming or leaked.
	require.Eventually(t, func() bool {
		stats := o.pools[lang.Python].Stats()
		return stats.Ready+stats.Warming >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecOneshotRunsAndDestroysSandbox(t *testing.T) {
	driver := isolationtest.New()
	var capturedID string
	driver.Exec = func(id string, cmd []string, stdout, stderr io.Writer) (isolation.ExecResult, error) {
		capturedID = id
		stdout.Write([]byte("out\n"))
		return isolation.ExecResult{ExitCode: 0}, nil
	}
	o, _ := newTestOrchestrator(t, driver, Config{DefaultWallClock: time.Second})

	res, err := o.Exec(context.Background(), ExecRequest{Language: lang.JavaScript, Code: "console.log(1)"})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Empty(t, res.SessionID, "one-shot executions carry no session")

	require.NotEmpty(t, capturedID)
	assert.True(t, driver.Stopped(capturedID))
}

func TestExecOneshotPropagatesCompileError(t *testing.T) {
	driver := isolationtest.New()
	driver.Exec = func(id string, cmd []string, stdout, stderr io.Writer) (isolation.ExecResult, error) {
		if cmd[0] == "go" {
			stderr.Write([]byte("undefined: foo\n"))
			return isolation.ExecResult{ExitCode: 2}, nil
		}
		return isolation.ExecResult{ExitCode: 0}, nil
	}
	o, _ := newTestOrchestrator(t, driver, Config{DefaultWallClock: time.Second})

	res, err := o.Exec(context.Background(), ExecRequest{Language: lang.Go, Code: "package main"})
	require.NoError(t, err)
	assert.True(t, res.CompileError)
	assert.Contains(t, res.Stderr, "undefined: foo")
}

func TestExecRejectsEmptyCode(t *testing.T) {
	o, _ := newTestOrchestrator(t, isolationtest.New(), Config{DefaultWallClock: time.Second})
	_, err := o.Exec(context.Background(), ExecRequest{Language: lang.Python, Code: ""})
	assert.Error(t, err)
}

func TestExecRejectsCodeOverMaxBytes(t *testing.T) {
	o, _ := newTestOrchestrator(t, isolationtest.New(), Config{DefaultWallClock: time.Second, MaxCodeBytes: 4})
	_, err := o.Exec(context.Background(), ExecRequest{Language: lang.Python, Code: "way too long"})
	assert.Error(t, err)
}

func TestExecRejectsUnknownLanguage(t *testing.T) {
	o, _ := newTestOrchestrator(t, isolationtest.New(), Config{DefaultWallClock: time.Second})
	_, err := o.Exec(context.Background(), ExecRequest{Language: lang.Tag("cobol"), Code: "x"})
	assert.Error(t, err)
}

func TestExecInteractiveDegradesToFreshSessionOnStorageError(t *testing.T) {
	driver := isolationtest.New()
	var gotState *string
	driver.Response = func(reqBody []byte) string {
		var req struct {
			State *string `json:"state"`
		}
		_ = json.Unmarshal(reqBody, &req)
		gotState = req.State
		return `{"stdout":"ok\n","stderr":"","exit_code":0,"state":null,"files":[],"error":null}`
	}
	o, _ := newTestOrchestrator(t, driver, Config{DefaultWallClock: time.Second})

	// Swap in a Hot tier that fails outright, distinct from ErrNotFound,
	// to prove a storage-unavailable load degrades to a fresh session
	// per spec §7 instead of failing the request.
	o.store = state.NewStore(brokenHot{}, memColdTier{})

	res, err := o.Exec(context.Background(), ExecRequest{Language: lang.Python, Code: "x", SessionID: "whatever"})
	require.NoError(t, err)
	assert.Equal(t, "whatever", res.SessionID)
	assert.Nil(t, gotState, "a storage-unavailable load must not surface stale or fabricated prior state")
}

type brokenHot struct{}

func (brokenHot) Save(ctx context.Context, sessionID, blob string) error {
	return errs.New(errs.KindStorageUnavail, "test.brokenHot.Save", fmt.Errorf("down"))
}
func (brokenHot) Load(ctx context.Context, sessionID string) (string, error) {
	return "", errs.New(errs.KindStorageUnavail, "test.brokenHot.Load", fmt.Errorf("down"))
}
func (brokenHot) Delete(ctx context.Context, sessionID string) error {
	return errs.New(errs.KindStorageUnavail, "test.brokenHot.Delete", fmt.Errorf("down"))
}
func (brokenHot) IdleSince(ctx context.Context, sessionID string) (time.Duration, error) {
	return 0, errs.New(errs.KindStorageUnavail, "test.brokenHot.IdleSince", fmt.Errorf("down"))
}
func (brokenHot) Keys(ctx context.Context) ([]string, error) {
	return nil, errs.New(errs.KindStorageUnavail, "test.brokenHot.Keys", fmt.Errorf("down"))
}
