// Package mcpserver exposes the playground through the Model Context Protocol.
//
// It registers one tool, run_code, which takes {code, language?}, runs it
// through the same scheduler as the HTTP API and returns the encoded result as
// JSON text. Rejections and service faults come back as error results.
//
// Usage:
//
//	srv := mcpserver.New(logger, scheduler, encoder, executor.Languages())
//	err := srv.ServeStdio() // or mount srv.HTTPHandler() on /mcp
package mcpserver
