// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agents resolves how a coding agent CLI is launched for a step.
// Profiles are declared in a YAML file; each one names an executable and an
// argument template rendered with the launch context (prompt, session id,
// worktree path). Two built-in profiles, "claude" and "shell", are always
// available and can be overridden by the file.
package agents

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/orchestrator/oerr"
	"github.com/loomhq/loom/internal/orchestrator/procmgr"
)

// Profile describes how to spawn one kind of agent.
type Profile struct {
	Name       string            `yaml:"name"`
	Executable string            `yaml:"executable"`
	// Args may reference {{.Prompt}}, {{.SessionID}}, {{.WorktreePath}},
	// {{.IssueID}} and {{.StepID}}.
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env,omitempty"`
	PromptViaStdin bool              `yaml:"prompt_via_stdin,omitempty"`
}

// LaunchContext carries the per-step values substituted into a profile's
// argument and environment templates.
type LaunchContext struct {
	Prompt       string
	SessionID    string
	WorktreePath string
	IssueID      string
	StepID       string
}

// Registry holds the loaded profiles plus the built-ins.
type Registry struct {
	profiles       map[string]Profile
	defaultProfile string
}

type profilesFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadRegistry reads profiles from the YAML file at path. A missing file is
// not an error; the registry then holds only the built-in profiles.
func LoadRegistry(path, defaultProfile string) (*Registry, error) {
	r := &Registry{
		profiles:       builtinProfiles(),
		defaultProfile: defaultProfile,
	}
	if r.defaultProfile == "" {
		r.defaultProfile = "claude"
	}

	if path == "" {
		return r, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read agent profiles %s: %w", path, err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse agent profiles %s: %w", path, err)
	}
	for _, p := range file.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("agent profiles %s: profile without a name", path)
		}
		if p.Executable == "" {
			return nil, fmt.Errorf("agent profile %q: executable is required", p.Name)
		}
		r.profiles[p.Name] = p
	}

	if _, ok := r.profiles[r.defaultProfile]; !ok {
		return nil, fmt.Errorf("default agent profile %q is not defined", r.defaultProfile)
	}
	return r, nil
}

// builtinProfiles returns the profiles available without any config file.
// "claude" streams JSONL session updates on stdout and reads the prompt
// from stdin; "shell" runs the prompt as a shell command, used by tests and
// scripted steps.
func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		"claude": {
			Name:           "claude",
			Executable:     "claude",
			Args:           []string{"--print", "--output-format", "stream-json", "--verbose"},
			PromptViaStdin: true,
		},
		"shell": {
			Name:       "shell",
			Executable: "sh",
			Args:       []string{"-c", "{{.Prompt}}"},
		},
	}
}

// Get returns the named profile; an empty name selects the default.
func (r *Registry) Get(name string) (Profile, error) {
	if name == "" {
		name = r.defaultProfile
	}
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("agent profile %q: %w", name, oerr.ErrNotFound)
	}
	return p, nil
}

// Names returns the registered profile names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildCommand renders the profile into a process configuration. The second
// return value is the stdin payload, non-nil when the profile takes its
// prompt on stdin.
func (p Profile) BuildCommand(lc LaunchContext) (procmgr.Config, []byte, error) {
	args := make([]string, len(p.Args))
	for i, arg := range p.Args {
		rendered, err := renderTemplate(arg, lc)
		if err != nil {
			return procmgr.Config{}, nil, fmt.Errorf("agent profile %q arg %d: %w", p.Name, i, err)
		}
		args[i] = rendered
	}

	var env []string
	if len(p.Env) > 0 {
		keys := make([]string, 0, len(p.Env))
		for k := range p.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		env = os.Environ()
		for _, k := range keys {
			rendered, err := renderTemplate(p.Env[k], lc)
			if err != nil {
				return procmgr.Config{}, nil, fmt.Errorf("agent profile %q env %s: %w", p.Name, k, err)
			}
			env = append(env, k+"="+rendered)
		}
	}

	cfg := procmgr.Config{
		ExecutablePath: p.Executable,
		Args:           args,
		WorkDir:        lc.WorktreePath,
		Env:            env,
	}

	var input []byte
	if p.PromptViaStdin {
		input = []byte(lc.Prompt)
	}
	return cfg, input, nil
}

func renderTemplate(text string, lc LaunchContext) (string, error) {
	tmpl, err := template.New("arg").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, lc); err != nil {
		return "", err
	}
	return buf.String(), nil
}
