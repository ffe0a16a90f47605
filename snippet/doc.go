// Package snippet stores the code snippets users save in the playground.
//
// The store is a small SQLite database; a fresh one is seeded with a few
// example programs. Nothing in the execution path depends on it.
package snippet
