package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(LockTimeout, "lock %s not acquired", "write.lock")
	wrapped := fmt.Errorf("stage acquire_locks: %w", base)

	assert.Equal(t, LockTimeout, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, LockTimeout))
	assert.False(t, IsKind(wrapped, Arity))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Initialization, cause, "target %q", "trainpipe.data.ImageDataset")

	assert.Equal(t, `initialization: target "trainpipe.data.ImageDataset": boom`, err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestDetails(t *testing.T) {
	err := New(ConfigSchema, "bad field").WithDetail("field", "radius").WithDetails(map[string]any{"target": "x"})
	assert.Equal(t, "radius", err.Details["field"])
	assert.Equal(t, "x", err.Details["target"])
}

func TestIsMatchesMessageWhenSet(t *testing.T) {
	err := New(Resolution, "unknown target \"a\"")
	assert.True(t, errors.Is(err, New(Resolution, "unknown target \"a\"")))
	assert.False(t, errors.Is(err, New(Resolution, "unknown target \"b\"")))
	assert.True(t, errors.Is(err, Resolution.Sentinel()))
}
