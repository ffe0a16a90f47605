package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/playground/config"
	"github.com/isdmx/playground/encoder"
	"github.com/isdmx/playground/sandbox"
	"github.com/isdmx/playground/scheduler"
)

// MockSandboxExecutor implements sandbox.SandboxExecutor for testing
type MockSandboxExecutor struct {
	validateErr error
	result      sandbox.ExecutionResult
	gate        chan struct{}
	seen        []sandbox.ExecutionRequest
}

func (m *MockSandboxExecutor) Validate(sandbox.ExecutionRequest) error {
	return m.validateErr
}

func (m *MockSandboxExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult {
	m.seen = append(m.seen, req)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
		}
	}
	return m.result
}

func newTestServer(t *testing.T, executor *MockSandboxExecutor, queueCapacity int) (*MCPServer, *scheduler.Scheduler) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sched, err := scheduler.New(logger, executor, 1, queueCapacity)
	require.NoError(t, err)
	enc := encoder.New(config.StderrAsError, sandbox.Limits{WallClockTimeout: time.Second, MaxOutputBytes: 1024})
	return New(logger, sched, enc, []string{sandbox.LanguageNodeJS, sandbox.LanguagePython}), sched
}

func callRunCode(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewRegistersTool(t *testing.T) {
	srv, _ := newTestServer(t, &MockSandboxExecutor{}, 1)

	require.NotNil(t, srv.mcpServer)

	tool := srv.runCodeTool()
	assert.Equal(t, toolName, tool.Name)
	assert.Equal(t, []string{"code"}, tool.InputSchema.Required)
	language := tool.InputSchema.Properties["language"].(map[string]any)
	assert.Equal(t, []string{sandbox.LanguageNodeJS, sandbox.LanguagePython}, language["enum"])
}

func TestRunCodeToolWithoutLanguages(t *testing.T) {
	srv := New(zaptest.NewLogger(t), nil, &encoder.Encoder{}, nil)
	language := srv.runCodeTool().InputSchema.Properties["language"].(map[string]any)
	assert.NotContains(t, language, "enum")
}

func TestHandleRunCode(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		executor := &MockSandboxExecutor{result: sandbox.ExecutionResult{
			Status: sandbox.StatusSuccess,
			Stdout: sandbox.Capture{Data: []byte("Hello, World!\n")},
		}}
		srv, _ := newTestServer(t, executor, 1)

		res, err := srv.handleRunCode(context.Background(), callRunCode(map[string]any{
			"code":     "print('Hello, World!')",
			"language": "python",
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)

		var resp encoder.Response
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &resp))
		assert.Equal(t, "Hello, World!\n", resp.Output)
		assert.Equal(t, "success", resp.Status)

		require.Len(t, executor.seen, 1)
		assert.Equal(t, "python", executor.seen[0].Language)
		assert.NotEmpty(t, executor.seen[0].ID)
	})

	t.Run("UserCodeFailureIsNotAnError", func(t *testing.T) {
		srv, _ := newTestServer(t, &MockSandboxExecutor{result: sandbox.ExecutionResult{
			Status:   sandbox.StatusNonZeroExit,
			ExitCode: 1,
			Stderr:   sandbox.Capture{Data: []byte("NameError: name 'x' is not defined\n")},
		}}, 1)

		res, err := srv.handleRunCode(context.Background(), callRunCode(map[string]any{"code": "x"}))
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Contains(t, resultText(t, res), "NameError")
	})

	t.Run("MissingCode", func(t *testing.T) {
		srv, _ := newTestServer(t, &MockSandboxExecutor{}, 1)

		_, err := srv.handleRunCode(context.Background(), callRunCode(map[string]any{}))
		require.Error(t, err)
	})

	t.Run("UnsupportedLanguage", func(t *testing.T) {
		srv, _ := newTestServer(t, &MockSandboxExecutor{validateErr: sandbox.ErrUnsupportedLanguage}, 1)

		res, err := srv.handleRunCode(context.Background(), callRunCode(map[string]any{"code": "x", "language": "cobol"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "Unsupported language: cobol", resultText(t, res))
	})

	t.Run("InternalErrorHidesCause", func(t *testing.T) {
		srv, _ := newTestServer(t, &MockSandboxExecutor{result: sandbox.ExecutionResult{
			Status: sandbox.StatusInternalError,
			Cause:  errors.New("fork/exec /usr/bin/python3: permission denied"),
		}}, 1)

		res, err := srv.handleRunCode(context.Background(), callRunCode(map[string]any{"code": "print(1)"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, encoder.InternalErrorMessage, resultText(t, res))
	})

	t.Run("Closed", func(t *testing.T) {
		srv, sched := newTestServer(t, &MockSandboxExecutor{}, 1)
		require.NoError(t, sched.Close(context.Background()))

		res, err := srv.handleRunCode(context.Background(), callRunCode(map[string]any{"code": "print(1)"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "Server is shutting down", resultText(t, res))
	})
}

func TestHandleRunCodeOverloaded(t *testing.T) {
	executor := &MockSandboxExecutor{
		result: sandbox.ExecutionResult{Status: sandbox.StatusSuccess},
		gate:   make(chan struct{}),
	}
	srv, sched := newTestServer(t, executor, 0)

	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		res, _ := srv.handleRunCode(context.Background(), callRunCode(map[string]any{"code": "print(1)"}))
		done <- res
	}()
	require.Eventually(t, func() bool {
		return sched.Stats().Running == 1
	}, time.Second, 5*time.Millisecond)

	res, err := srv.handleRunCode(context.Background(), callRunCode(map[string]any{"code": "print(2)"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Server is busy, try again later", resultText(t, res))

	close(executor.gate)
	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.False(t, res.IsError)
	case <-time.After(time.Second):
		t.Fatal("first call did not finish")
	}
}

func TestHTTPHandler(t *testing.T) {
	srv, _ := newTestServer(t, &MockSandboxExecutor{}, 1)
	assert.NotNil(t, srv.HTTPHandler())
}
