// Package sandbox runs untrusted source code under resource limits.
//
// An Executor takes an ExecutionRequest through the whole pipeline: it
// materialises the source into a private Workspace, hands it to a Runner, and
// removes the workspace again on every exit path. Runners exist for the docker
// and podman CLIs, which are the default, and for a local child process. From
// configuration the local runner is always jailed: the binary re-executes
// itself as an init that gives the run its own namespaces, a read-only view of
// the host and a uid of its own, so such binaries must call RunJailInit first
// thing in main.
//
// Every run is supervised the same way. A watchdog kills it at the wall clock
// timeout, an output stream that reaches its cap kills it, and cancelling the
// caller's context kills it. The outcome is reported as a Status; failures of
// the sandbox itself are StatusInternalError and never blamed on the code.
//
// Usage:
//
//	executor, err := sandbox.NewFromConfig(logger, cfg)
//	result := executor.Execute(ctx, sandbox.ExecutionRequest{
//	    ID:         id,
//	    Language:   "python",
//	    SourceCode: "print('Hello, World!')",
//	})
package sandbox
