package config

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/runwatch/internal/process"
)

// RunSpec describes one run, from the command line or a run file.
type RunSpec struct {
	Name        string            `yaml:"name" json:"name"`
	Command     []string          `yaml:"command" json:"command"`
	Dir         string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	GracePeriod time.Duration     `yaml:"grace,omitempty" json:"grace,omitempty"`
}

// Process returns the run's command.
func (r RunSpec) Process() (process.Command, error) {
	cmd, err := process.Parse(r.Command)
	if err != nil {
		return process.Command{}, err
	}
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = maps.Clone(r.Env)
	}
	return cmd, nil
}

// runFile is the YAML document layout.
type runFile struct {
	Runs []RunSpec `yaml:"runs"`
}

// ParseRunFile decodes a run file. Unknown keys are rejected.
func ParseRunFile(r io.Reader) ([]RunSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f runFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("run file is empty")
		}
		return nil, err
	}
	return f.Runs, nil
}

// LoadRunFile reads a run file. Relative run directories are resolved
// against the file's directory.
func LoadRunFile(path string) ([]RunSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	runs, err := ParseRunFile(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range runs {
		if runs[i].Dir != "" && !filepath.IsAbs(runs[i].Dir) {
			runs[i].Dir = filepath.Join(base, runs[i].Dir)
		}
	}
	return runs, nil
}

// parseEnv splits KEY=VALUE pairs.
func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("%q is not KEY=VALUE", p)
		}
		if err := process.ValidateEnvKey(key); err != nil {
			return nil, err
		}
		env[key] = value
	}
	return env, nil
}

// applyDefaults fills run fields left empty from the command-line settings.
// A run's own env entries win over -env.
func applyDefaults(runs []RunSpec, cfg *Config, env map[string]string) {
	for i := range runs {
		r := &runs[i]
		if r.Name == "" && len(r.Command) > 0 {
			r.Name = filepath.Base(r.Command[0])
		}
		if r.Dir == "" {
			r.Dir = cfg.Dir
		}
		if r.Timeout == 0 {
			r.Timeout = cfg.Timeout
		}
		if len(env) > 0 {
			merged := maps.Clone(env)
			maps.Copy(merged, r.Env)
			r.Env = merged
		}
	}
}
