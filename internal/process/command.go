// Package process describes external commands and turns them into *exec.Cmd.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ErrEmptyCommand is returned when a command has no executable.
var ErrEmptyCommand = errors.New("empty command")

// Command describes one invocation of an external program.
type Command struct {
	// Path is the executable, either a path or a name resolved via PATH.
	Path string

	// Args are the arguments, not including the program name.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds overrides merged over the inherited environment.
	Env map[string]string
}

// Parse builds a Command from an argv slice.
func Parse(argv []string) (Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Command{}, ErrEmptyCommand
	}
	return Command{
		Path: argv[0],
		Args: append([]string(nil), argv[1:]...),
	}, nil
}

// Name returns the base name of the executable.
func (c Command) Name() string {
	return filepath.Base(c.Path)
}

// BuildCommand creates an exec.Cmd for the command. The command is created
// without a context: termination is handled by the caller through the
// process group, with SIGTERM before SIGKILL.
func (c Command) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	if c.Path == "" {
		return nil, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Environ()
	return cmd, nil
}

// Environ returns the inherited environment with Env applied on top.
// Overrides are appended in key order.
func (c Command) Environ() []string {
	base := os.Environ()
	if len(c.Env) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(c.Env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := c.Env[key]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range c.envKeys() {
		env = append(env, key+"="+c.Env[key])
	}
	return env
}

func (c Command) envKeys() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve returns the absolute path of the executable, as Start would find it.
func (c Command) Resolve() (string, error) {
	if c.Path == "" {
		return "", ErrEmptyCommand
	}
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(path)
}

// String returns the command line that would be executed (for debugging),
// with env overrides and directory shown shell-style.
func (c Command) String() string {
	var parts []string
	if c.Dir != "" {
		parts = append(parts, "cd "+quote(c.Dir)+" &&")
	}
	for _, key := range c.envKeys() {
		parts = append(parts, key+"="+quote(c.Env[key]))
	}
	parts = append(parts, quote(c.Path))
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

// quote single-quotes s when it contains characters the shell would interpret.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>()*?[]{}~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ValidateEnvKey reports whether key is usable as an environment variable name.
func ValidateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty environment variable name")
	}
	if strings.ContainsAny(key, "=\x00") {
		return fmt.Errorf("invalid environment variable name %q", key)
	}
	return nil
}
