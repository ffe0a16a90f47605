// Package encoder maps sandbox results onto the JSON response returned by the
// run endpoint and the MCP tool.
//
// How a successful run that wrote to stderr is reported depends on the stderr
// policy: "error" (the default) returns it in the error field, "output" returns
// it as output when stdout is empty, and "ignore" drops it.
package encoder
