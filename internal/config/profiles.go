package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultCommand is the shell started when no profile matches a container.
var DefaultCommand = []string{"/bin/sh"}

// ExecProfile describes how to start the interactive shell for a container.
type ExecProfile struct {
	Command []string `yaml:"command"`
}

// Profiles maps container names to the command exec'd inside them.
type Profiles struct {
	Default    ExecProfile            `yaml:"default"`
	Containers map[string]ExecProfile `yaml:"containers"`
}

// LoadProfiles reads the YAML profile file. An empty path yields the
// built-in default so callers never need a nil check.
func LoadProfiles(path string) (*Profiles, error) {
	p := &Profiles{Default: ExecProfile{Command: DefaultCommand}}
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(p.Default.Command) == 0 {
		p.Default.Command = DefaultCommand
	}
	for name, prof := range p.Containers {
		if len(prof.Command) == 0 {
			return nil, fmt.Errorf("profile for container %q has an empty command", name)
		}
	}
	return p, nil
}

// CommandFor returns the command for the named container.
func (p *Profiles) CommandFor(container string) []string {
	if p == nil {
		return DefaultCommand
	}
	if prof, ok := p.Containers[container]; ok {
		return prof.Command
	}
	return p.Default.Command
}
