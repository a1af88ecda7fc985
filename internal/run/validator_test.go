package run

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
)

func TestShellValidatorDoctor(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	validator := ShellValidator{Env: map[string]string{"DOCTOR_MODE": "ci"}}

	pass, err := validator.Doctor(context.Background(), DoctorInput{RepoPath: dir, Command: `test "$DOCTOR_MODE" = ci`})
	require.NoError(t, err)
	assert.Equal(t, state.ValidatorPass, pass.Status)
	assert.Equal(t, validatorIntegration, pass.Validator)

	fail, err := validator.Doctor(context.Background(), DoctorInput{RepoPath: dir, Command: "echo broken >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, state.ValidatorFail, fail.Status)
	assert.Contains(t, fail.Summary, "exited 3: broken")

	_, err = validator.Doctor(context.Background(), DoctorInput{RepoPath: dir, Command: "  "})
	assert.EqualError(t, err, "doctor command is required")
}

func TestTruncateOutputKeepsTail(t *testing.T) {
	t.Parallel()
	long := make([]byte, doctorOutputLimit+10)
	for i := range long {
		long[i] = 'a'
	}
	long[len(long)-1] = 'z'
	got := truncateOutput(string(long))
	assert.Len(t, got, doctorOutputLimit)
	assert.Equal(t, byte('z'), got[len(got)-1])
}
