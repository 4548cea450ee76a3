package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	e := New(KindTimeoutExceeded, "repl.Run", errors.New("deadline exceeded"))
	assert.Contains(t, e.Error(), "repl.Run")
	assert.Contains(t, e.Error(), string(KindTimeoutExceeded))
	assert.Contains(t, e.Error(), "deadline exceeded")

	bare := New(KindBadRequest, "orchestrator.Exec", nil)
	assert.Equal(t, "orchestrator.Exec: bad_request", bare.Error())
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	e := New(KindInternal, "manager.Create", inner)
	assert.ErrorIs(t, e, inner)
	assert.Equal(t, inner, errors.Unwrap(e))
}

func TestIsMatchesKind(t *testing.T) {
	e := New(KindPoolExhausted, "pool.Acquire", errors.New("timed out"))
	assert.True(t, Is(e, KindPoolExhausted))
	assert.False(t, Is(e, KindServiceBusy))
}

func TestIsFollowsWrappedChain(t *testing.T) {
	e := New(KindStateTooLarge, "state.Save", errors.New("too big"))
	wrapped := fmt.Errorf("saving session: %w", e)
	assert.True(t, Is(wrapped, KindStateTooLarge))
}

func TestIsFalseOnPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), KindInternal))
	assert.False(t, Is(nil, KindInternal))
}
