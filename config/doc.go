// Package config provides application configuration management.
//
// The config package loads the playground configuration from an optional YAML
// file, built-in defaults and environment variables. The execution limits can
// be set with EXEC_TIMEOUT_MS, EXEC_MAX_OUTPUT_BYTES, EXEC_MAX_CONCURRENCY and
// EXEC_QUEUE_CAPACITY; every other key is reachable as PLAYGROUND_<SECTION>_<KEY>.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
