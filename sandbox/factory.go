//go:build unix

package sandbox

import (
	"fmt"
	"strings"

	"github.com/isdmx/playground/config"
	"go.uber.org/zap"
)

// Backend names
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
	BackendPodman = "podman"
)

// NewFromConfig creates an Executor for the configured backend, limits and languages
func NewFromConfig(logger *zap.Logger, cfg *config.Config) (*Executor, error) {
	langs, err := languagesFromConfig(cfg.Languages)
	if err != nil {
		return nil, err
	}
	if _, ok := langs[strings.ToLower(cfg.Sandbox.DefaultLanguage)]; !ok {
		return nil, fmt.Errorf("%w: default language %s", ErrUnsupportedLanguage, cfg.Sandbox.DefaultLanguage)
	}

	limits := Limits{
		WallClockTimeout: cfg.GetTimeout(),
		MaxOutputBytes:   cfg.Sandbox.MaxOutputBytes,
		MaxMemoryBytes:   cfg.Sandbox.MemoryMB * BytesPerMB,
		MaxProcesses:     cfg.Sandbox.MaxProcesses,
		NetworkEnabled:   cfg.Sandbox.NetworkEnabled,
	}

	var (
		runner  Runner
		backend = cfg.Sandbox.Backend
	)

	switch backend {
	case BackendDocker, BackendPodman:
		containerOpts := []ContainerRunnerOption{WithContainerUser(cfg.Sandbox.ContainerUser)}
		if backend == BackendDocker {
			runner = NewDockerRunner(logger, containerOpts...)
		} else {
			runner = NewPodmanRunner(logger, containerOpts...)
		}
	case BackendLocal:
		runner, err = newConfinedLocalRunner(logger, cfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}

	logger.Info("sandbox configured",
		zap.String("backend", backend),
		zap.Duration("timeout", limits.WallClockTimeout),
		zap.Int64("max_output_bytes", limits.MaxOutputBytes),
		zap.Int64("max_memory_bytes", limits.MaxMemoryBytes),
		zap.Int64("max_processes", limits.MaxProcesses),
		zap.Strings("languages", languageNames(langs)))

	workspaces := NewWorkspaces(logger, cfg.Sandbox.WorkRoot)
	return NewExecutor(logger, workspaces, runner, limits,
		WithLanguages(langs),
		WithDefaultLanguage(strings.ToLower(cfg.Sandbox.DefaultLanguage)),
		WithMaxSourceBytes(cfg.Sandbox.MaxSourceBytes),
	), nil
}

// newConfinedLocalRunner builds the local runner. It never runs code as the
// server's own user: every run is jailed under one of a range of dedicated ids,
// at least one per concurrent execution.
func newConfinedLocalRunner(logger *zap.Logger, cfg *config.Config) (*LocalRunner, error) {
	if !cfg.Sandbox.EnableLocalBackend {
		return nil, fmt.Errorf("local backend is disabled")
	}
	if cfg.Sandbox.RunAsUID <= 0 || cfg.Sandbox.RunAsGID <= 0 {
		return nil, fmt.Errorf("local backend requires a dedicated run_as_uid and run_as_gid, got %d:%d",
			cfg.Sandbox.RunAsUID, cfg.Sandbox.RunAsGID)
	}
	if err := JailSupported(); err != nil {
		return nil, err
	}

	count := cfg.Sandbox.IDCount
	if count == 0 {
		count = cfg.Scheduler.MaxConcurrency
	}
	if count < cfg.Scheduler.MaxConcurrency {
		return nil, fmt.Errorf("sandbox.id_count %d is below scheduler.max_concurrency %d", count, cfg.Scheduler.MaxConcurrency)
	}
	ids, err := NewIDPool(cfg.Sandbox.RunAsUID, cfg.Sandbox.RunAsGID, count)
	if err != nil {
		return nil, err
	}

	logger.Info("local runs are jailed",
		zap.Int("first_uid", cfg.Sandbox.RunAsUID),
		zap.Int("first_gid", cfg.Sandbox.RunAsGID),
		zap.Int("ids", count))

	return NewLocalRunner(logger,
		WithLocalJail(ids),
		WithLocalCgroupRoot(cfg.Sandbox.CgroupRoot),
		WithLocalSearchPath(cfg.Sandbox.SearchPath),
	), nil
}

// languagesFromConfig overlays configured languages on the built-in ones. A new
// language must name at least a file and a command.
func languagesFromConfig(overrides map[string]config.Language) (map[string]Language, error) {
	langs := DefaultLanguages()
	for name, o := range overrides {
		name = strings.ToLower(name)
		override := Language{
			Name:        name,
			FileName:    o.FileName,
			Command:     o.Command,
			Image:       o.Image,
			Environment: o.Environment,
		}
		base, ok := langs[name]
		if !ok {
			if override.FileName == "" || override.Command == "" {
				return nil, fmt.Errorf("language %s needs file_name and command", name)
			}
			base = Language{Name: name}
		}
		langs[name] = MergeLanguage(base, override)
	}
	return langs, nil
}

