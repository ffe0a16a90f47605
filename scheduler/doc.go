// Package scheduler bounds how many executions run at once.
//
// Requests are admitted with Submit. Up to MaxConcurrency run in parallel, up
// to QueueCapacity more wait in arrival order, and anything beyond that fails
// fast with ErrOverloaded. Each admitted request gets a Handle that can be
// waited on or cancelled; a slot taken by a request is returned exactly once,
// also when the executor panics.
package scheduler
