// Package httpapi serves the playground's HTTP API.
//
// Routes:
//
//	POST   /api/run            run {code, language?} and return the encoded result
//	GET    /api/snippets       list saved snippets, newest first
//	POST   /api/snippets       save a snippet
//	GET    /api/snippets/{id}  fetch one snippet
//	DELETE /api/snippets/{id}  delete one snippet
//	GET    /healthz            scheduler occupancy
//	GET    /metrics            Prometheus metrics, when enabled
//	       /mcp                MCP streamable HTTP transport, when enabled
//
// Outcomes of the submitted code, including failures, timeouts and kills, are
// 200 responses. Only faults of the service itself are reported with other
// status codes, and their bodies never carry internal details.
package httpapi
