package run

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/runlock"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/worker"
)

func TestAsUserFacing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{name: "run not found", err: fmt.Errorf("load: %w", state.ErrRunNotFound), code: CodeState},
		{name: "lock held", err: fmt.Errorf("%w: pid 42", runlock.ErrLockHeld), code: CodeState},
		{name: "bootstrap", err: &worker.BootstrapError{Command: "npm ci", ExitCode: 1}, code: CodeTask},
		{name: "main advanced", err: &vcs.MainAdvancedError{Expected: "a", Actual: "b"}, code: CodeGit},
		{name: "unknown", err: errors.New("boom"), code: CodeUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			userErr := AsUserFacing(tc.err)
			assert.Equal(t, tc.code, userErr.Code)
			assert.ErrorIs(t, userErr, tc.err)
		})
	}
	assert.Nil(t, AsUserFacing(nil))
}

func TestUserFacingRender(t *testing.T) {
	t.Parallel()
	err := &UserFacingError{Title: "Run not found.", Message: "no state", Hint: "start a new run"}
	assert.Equal(t, "Error: Run not found.\nno state\nHint: start a new run", err.Render())

	wrapped := AsUserFacing(fmt.Errorf("outer: %w", err))
	assert.Same(t, err, wrapped)
	assert.Equal(t, "stopped by SIGINT", (&StopRequest{Signal: "SIGINT"}).Error())
}
