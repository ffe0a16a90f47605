package sandbox

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Executor implements SandboxExecutor on top of a Runner. It owns the workspace
// lifecycle: the workspace is created before the run and removed after it on
// every path, including a panicking runner.
type Executor struct {
	logger          *zap.Logger
	workspaces      *Workspaces
	runner          Runner
	languages       map[string]Language
	limits          Limits
	maxSourceBytes  int64
	defaultLanguage string
}

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithLanguages replaces the language profiles
func WithLanguages(langs map[string]Language) ExecutorOption {
	return func(e *Executor) {
		e.languages = langs
	}
}

// WithDefaultLanguage sets the language used when a request names none
func WithDefaultLanguage(name string) ExecutorOption {
	return func(e *Executor) {
		e.defaultLanguage = name
	}
}

// WithMaxSourceBytes caps the size of submitted source code. Zero disables the cap.
func WithMaxSourceBytes(n int64) ExecutorOption {
	return func(e *Executor) {
		e.maxSourceBytes = n
	}
}

// NewExecutor creates an Executor running every request under limits
func NewExecutor(logger *zap.Logger, workspaces *Workspaces, runner Runner, limits Limits, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:          logger,
		workspaces:      workspaces,
		runner:          runner,
		languages:       DefaultLanguages(),
		limits:          limits,
		defaultLanguage: LanguagePython,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the limits applied to every execution
func (e *Executor) Limits() Limits {
	return e.limits
}

// Languages returns the names of the supported languages in a stable order
func (e *Executor) Languages() []string {
	return languageNames(e.languages)
}

// Sweep removes stale workspaces left by a previous run of the server
func (e *Executor) Sweep() (int, error) {
	return e.workspaces.Sweep()
}

// Validate rejects requests that must not reach the sandbox
func (e *Executor) Validate(req ExecutionRequest) error {
	if req.SourceCode == "" {
		return ErrEmptySource
	}
	if e.maxSourceBytes > 0 && int64(len(req.SourceCode)) > e.maxSourceBytes {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrSourceTooLarge, len(req.SourceCode), e.maxSourceBytes)
	}
	if _, err := e.language(req.Language); err != nil {
		return err
	}
	return nil
}

func (e *Executor) language(name string) (Language, error) {
	if name == "" {
		name = e.defaultLanguage
	}
	lang, ok := e.languages[strings.ToLower(name)]
	if !ok {
		return Language{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, name)
	}
	return lang, nil
}

// Execute runs the request and always produces a result. Infrastructure failures
// come back as StatusInternalError with Cause set.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (result ExecutionResult) {
	start := time.Now()
	logger := e.logger.With(zap.String("request_id", req.ID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("sandbox panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			result = internalError(fmt.Errorf("sandbox panic: %v", r))
		}
		result.RequestID = req.ID
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		logger.Info("execution finished",
			zap.String("language", req.Language),
			zap.String("status", string(result.Status)),
			zap.Int("exit_code", result.ExitCode),
			zap.Duration("duration", result.Duration),
			zap.Bool("truncated", result.Truncated()),
			zap.String("kill_reason", result.KillReason),
			zap.NamedError("cause", result.Cause))
	}()

	lang, err := e.language(req.Language)
	if err != nil {
		return internalError(err)
	}

	if err := ctx.Err(); err != nil {
		return ExecutionResult{Status: StatusKilled, KillReason: ReasonCancelled}
	}

	ws, err := e.workspaces.Acquire(req.ID, lang.FileName, []byte(req.SourceCode))
	if err != nil {
		return internalError(err)
	}
	defer func() {
		if err := ws.Release(); err != nil {
			logger.Error("failed to release workspace", zap.String("dir", ws.Dir), zap.Error(err))
		}
	}()

	logger.Debug("executing code",
		zap.String("language", lang.Name),
		zap.String("workspace", ws.Dir),
		zap.Int("source_bytes", len(req.SourceCode)))

	res, err := e.runner.Run(ctx, ws, lang, e.limits)
	if err != nil {
		return internalError(err)
	}
	return res
}

func internalError(err error) ExecutionResult {
	return ExecutionResult{Status: StatusInternalError, ExitCode: -1, Cause: err}
}
