package encoder

import (
	"fmt"
	"strings"
	"time"

	"github.com/isdmx/playground/config"
	"github.com/isdmx/playground/sandbox"
)

// InternalErrorMessage is the only text a client sees for a sandbox failure
const InternalErrorMessage = "Internal server error"

// Response is the wire form of an execution result
type Response struct {
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
}

// Encoder turns execution results into responses. The zero value uses the
// "error" stderr policy.
type Encoder struct {
	StderrPolicy   string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// New creates an Encoder that reports limits consistently with the sandbox
func New(stderrPolicy string, limits sandbox.Limits) *Encoder {
	return &Encoder{
		StderrPolicy:   stderrPolicy,
		Timeout:        limits.WallClockTimeout,
		MaxOutputBytes: limits.MaxOutputBytes,
	}
}

// Encode never fails: every result, including one for code that crashed in
// every way possible, maps to a well-formed response.
func (e *Encoder) Encode(res sandbox.ExecutionResult) Response {
	stdout := text(res.Stdout)
	stderr := text(res.Stderr)

	resp := Response{
		Output:     stdout,
		Truncated:  res.Truncated(),
		Status:     string(res.Status),
		DurationMs: res.Duration.Milliseconds(),
	}

	switch res.Status {
	case sandbox.StatusSuccess:
		resp.ExitCode = intPtr(res.ExitCode)
		e.applyStderrPolicy(&resp, stderr)
	case sandbox.StatusNonZeroExit:
		resp.ExitCode = intPtr(res.ExitCode)
		resp.Error = stderr
		if resp.Error == "" {
			resp.Error = fmt.Sprintf("process exited with code %d", res.ExitCode)
		}
	case sandbox.StatusTimedOut:
		resp.TimedOut = true
		resp.Error = withMessage(stderr, e.timeoutMessage())
	case sandbox.StatusKilled:
		resp.Error = withMessage(stderr, e.killMessage(res.KillReason))
	default:
		// Internal errors carry no user output and no host detail
		resp.Output = ""
		resp.Truncated = false
		resp.Status = string(sandbox.StatusInternalError)
		resp.Error = InternalErrorMessage
	}
	return resp
}

func (e *Encoder) applyStderrPolicy(resp *Response, stderr string) {
	switch e.StderrPolicy {
	case config.StderrAsOutput:
		if resp.Output == "" {
			resp.Output = stderr
		}
	case config.StderrIgnore:
	default:
		resp.Error = stderr
	}
}

func (e *Encoder) timeoutMessage() string {
	if e.Timeout <= 0 {
		return "execution timed out"
	}
	return fmt.Sprintf("execution timed out after %dms", e.Timeout.Milliseconds())
}

func (e *Encoder) killMessage(reason string) string {
	switch {
	case reason == sandbox.ReasonOutputLimit && e.MaxOutputBytes > 0:
		return fmt.Sprintf("execution killed: output exceeded %d bytes", e.MaxOutputBytes)
	case reason != "":
		return "execution killed: " + reason
	default:
		return "execution killed"
	}
}

// withMessage appends the synthesized message to whatever the program printed
func withMessage(stderr, message string) string {
	if stderr == "" {
		return message
	}
	if !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}
	return stderr + message
}

// text decodes a capture, replacing invalid UTF-8 left by a cut at the cap or
// by programs printing binary data
func text(c sandbox.Capture) string {
	return strings.ToValidUTF8(c.String(), "�")
}

func intPtr(v int) *int {
	return &v
}
