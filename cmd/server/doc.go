// Package main is the entry point for the playground execution service.
//
// The server accepts source code over HTTP (and optionally MCP), runs it in a
// sandbox under a wall clock timeout and an output cap, and returns what the
// program printed. It also stores code snippets for the playground UI.
//
// Dependencies are wired with Uber's fx, logging goes through zap and
// configuration is read with viper from config.yaml and the environment.
package main
