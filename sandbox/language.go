package sandbox

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/google/shlex"
)

// Language describes how to materialise and launch one interpreter.
type Language struct {
	Name        string
	FileName    string
	Command     string // template, {file} is replaced by the source file name
	Image       string // container image for the docker and podman runners
	Environment map[string]string

	// UnboundedAddressSpace skips the RLIMIT_AS ceiling for runtimes that reserve
	// large virtual ranges up front. Memory is then bounded only by a cgroup or
	// the container engine.
	UnboundedAddressSpace bool

	// OutOfMemoryMarker is what the interpreter writes to stderr when an
	// allocation fails under RLIMIT_AS. Such runs are reported as killed for
	// exceeding the memory limit.
	OutOfMemoryMarker string
}

// LanguageName constants
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
)

// Filename constants
const (
	FilenamePython = "main.py"
	FilenameNodeJS = "index.js"
)

const filePlaceholder = "{file}"

// DefaultLanguages returns the built-in language profiles
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		LanguagePython: {
			Name:     LanguagePython,
			FileName: FilenamePython,
			// -I ignores PYTHON* variables and user site-packages, -u keeps partial
			// output visible when the run is killed.
			Command: "python3 -I -B -u {file}",
			Image:   "python:3.12-slim",

			OutOfMemoryMarker: "MemoryError",
		},
		LanguageNodeJS: {
			Name:     LanguageNodeJS,
			FileName: FilenameNodeJS,
			Command:  "node {file}",
			Image:    "node:20-alpine",

			UnboundedAddressSpace: true,
		},
	}
}

// MergeLanguage overlays the non-empty fields of override onto base.
// Environment keys are upper-cased since configuration keys arrive lower-cased.
func MergeLanguage(base, override Language) Language {
	merged := base
	if override.FileName != "" {
		merged.FileName = override.FileName
	}
	if override.Command != "" {
		merged.Command = override.Command
	}
	if override.Image != "" {
		merged.Image = override.Image
	}
	if len(override.Environment) > 0 {
		env := make(map[string]string, len(base.Environment)+len(override.Environment))
		maps.Copy(env, base.Environment)
		for key, value := range override.Environment {
			env[strings.ToUpper(key)] = value
		}
		merged.Environment = env
	}
	return merged
}

// Argv expands the command template for the given source file and splits it
// the way a POSIX shell would, without invoking one.
func (l Language) Argv(file string) ([]string, error) {
	if strings.TrimSpace(l.Command) == "" {
		return nil, fmt.Errorf("language %s has no command", l.Name)
	}
	expanded := strings.ReplaceAll(l.Command, filePlaceholder, file)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command for %s: %w", l.Name, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("command for %s is empty after expansion", l.Name)
	}
	return fields, nil
}

// EnvList renders the language environment as sorted KEY=VALUE pairs
func (l Language) EnvList() []string {
	env := make([]string, 0, len(l.Environment))
	for key, value := range l.Environment {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(env)
	return env
}

// languageNames lists the keys of langs in a stable order
func languageNames(langs map[string]Language) []string {
	names := make([]string, 0, len(langs))
	for name := range langs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
