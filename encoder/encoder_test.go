package encoder

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/isdmx/playground/config"
	"github.com/isdmx/playground/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(s string) sandbox.Capture {
	return sandbox.Capture{Data: []byte(s)}
}

func TestEncode(t *testing.T) {
	enc := New(config.StderrAsError, sandbox.Limits{WallClockTimeout: 5 * time.Second, MaxOutputBytes: 1024})

	t.Run("HelloWorld", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{
			Status:   sandbox.StatusSuccess,
			Stdout:   capture("Hello, World!\n"),
			Duration: 42 * time.Millisecond,
		})
		assert.Equal(t, "Hello, World!\n", resp.Output)
		assert.Empty(t, resp.Error)
		assert.Equal(t, "success", resp.Status)
		assert.Equal(t, int64(42), resp.DurationMs)
		require.NotNil(t, resp.ExitCode)
		assert.Equal(t, 0, *resp.ExitCode)

		data, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{"output":"Hello, World!\n","exitCode":0,"status":"success","durationMs":42}`, string(data))
	})

	t.Run("Traceback", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{
			Status:   sandbox.StatusNonZeroExit,
			ExitCode: 1,
			Stdout:   capture("before\n"),
			Stderr:   capture("Traceback (most recent call last):\nValueError: boom\n"),
		})
		assert.Equal(t, "before\n", resp.Output)
		assert.Contains(t, resp.Error, "ValueError: boom")
		assert.Equal(t, 1, *resp.ExitCode)
		assert.False(t, resp.TimedOut)
	})

	t.Run("SilentNonZeroExit", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{Status: sandbox.StatusNonZeroExit, ExitCode: 3})
		assert.Equal(t, "process exited with code 3", resp.Error)
	})

	t.Run("TimedOut", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{Status: sandbox.StatusTimedOut, Stdout: capture("partial")})
		assert.True(t, resp.TimedOut)
		assert.Equal(t, "partial", resp.Output)
		assert.Equal(t, "execution timed out after 5000ms", resp.Error)
		assert.Nil(t, resp.ExitCode)
	})

	t.Run("TimedOutKeepsStderr", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{Status: sandbox.StatusTimedOut, Stderr: capture("warning")})
		assert.Equal(t, "warning\nexecution timed out after 5000ms", resp.Error)
	})

	t.Run("OutputLimit", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{
			Status:     sandbox.StatusKilled,
			KillReason: sandbox.ReasonOutputLimit,
			Stdout:     sandbox.Capture{Data: []byte("xxxx"), Truncated: true},
		})
		assert.True(t, resp.Truncated)
		assert.Equal(t, "xxxx", resp.Output)
		assert.Equal(t, "execution killed: output exceeded 1024 bytes", resp.Error)
		assert.Equal(t, "killed", resp.Status)
	})

	t.Run("MemoryLimit", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{Status: sandbox.StatusKilled, KillReason: sandbox.ReasonMemoryLimit})
		assert.Equal(t, "execution killed: memory limit exceeded", resp.Error)
	})

	t.Run("KilledWithoutReason", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{Status: sandbox.StatusKilled})
		assert.Equal(t, "execution killed", resp.Error)
	})

	t.Run("InternalErrorHidesDetails", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{
			Status: sandbox.StatusInternalError,
			Stdout: capture("leak"),
			Cause:  errors.New("mkdir /var/lib/playground/run-1: permission denied"),
		})
		assert.Equal(t, InternalErrorMessage, resp.Error)
		assert.Empty(t, resp.Output)
		assert.Equal(t, "internal_error", resp.Status)

		data, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "/var/lib")
	})

	t.Run("UnknownStatusIsInternal", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{})
		assert.Equal(t, "internal_error", resp.Status)
	})

	t.Run("InvalidUTF8", func(t *testing.T) {
		resp := enc.Encode(sandbox.ExecutionResult{Status: sandbox.StatusSuccess, Stdout: sandbox.Capture{Data: []byte{'o', 'k', 0xff}}})
		assert.Equal(t, "ok�", resp.Output)
	})
}

func TestStderrPolicy(t *testing.T) {
	tests := []struct {
		policy     string
		stdout     string
		wantOutput string
		wantError  string
	}{
		{config.StderrAsError, "", "", "warn\n"},
		{config.StderrAsError, "out\n", "out\n", "warn\n"},
		{config.StderrAsOutput, "", "warn\n", ""},
		{config.StderrAsOutput, "out\n", "out\n", ""},
		{config.StderrIgnore, "", "", ""},
		{"", "out\n", "out\n", "warn\n"},
	}

	for _, tt := range tests {
		t.Run(tt.policy+"/"+tt.stdout, func(t *testing.T) {
			enc := &Encoder{StderrPolicy: tt.policy}
			resp := enc.Encode(sandbox.ExecutionResult{
				Status: sandbox.StatusSuccess,
				Stdout: capture(tt.stdout),
				Stderr: capture("warn\n"),
			})
			assert.Equal(t, tt.wantOutput, resp.Output)
			assert.Equal(t, tt.wantError, resp.Error)
		})
	}
}

func TestZeroEncoderTimeoutMessage(t *testing.T) {
	resp := (&Encoder{}).Encode(sandbox.ExecutionResult{Status: sandbox.StatusTimedOut})
	assert.Equal(t, "execution timed out", resp.Error)
}
