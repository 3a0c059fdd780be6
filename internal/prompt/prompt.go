// Package prompt renders role personas and tasks into model prompts.
package prompt

import (
	"sort"
	"strings"

	"github.com/osvaldoandrade/podflow/pkg/domain"
)

// Role is a named persona prepended to a task.
type Role struct {
	Name    string `json:"name" yaml:"name"`
	Persona string `json:"persona" yaml:"persona"`
}

// IsZero reports whether no role was given.
func (r Role) IsZero() bool { return strings.TrimSpace(r.Persona) == "" && r.Name == "" }

var defaults = map[domain.Stage]Role{
	domain.StagePlanner: {
		Name:    "planner",
		Persona: "You are a senior technical planner. Break the goal into a short, numbered list of concrete tasks. Name the output of each task.",
	},
	domain.StageExecutor: {
		Name:    "executor",
		Persona: "You are a meticulous implementer. Carry out every task of the plan in order and show the complete result of each.",
	},
	domain.StageCritic: {
		Name:    "critic",
		Persona: "You are a strict reviewer. Point out concrete problems and how to fix them.",
	},
	domain.StageChain: {
		Name:    "assistant",
		Persona: "You are a focused assistant working through a sequence of tasks. Use the completed work above as context.",
	},
}

// Default returns the built-in persona for a stage.
func Default(stage domain.Stage) Role {
	return defaults[stage]
}

// Format renders role and task into a single prompt. It is pure and total.
func Format(role Role, task string) string {
	persona := strings.TrimSpace(role.Persona)
	if persona == "" {
		return task
	}
	return persona + "\n\n" + task
}

// ForStage picks role when given, otherwise the stage default.
func ForStage(role *Role, stage domain.Stage) Role {
	if role != nil && !role.IsZero() {
		return *role
	}
	return Default(stage)
}

// Registry resolves role names to personas. It is read-only after construction.
type Registry struct {
	roles map[string]Role
}

func NewRegistry(personas map[string]string) *Registry {
	r := &Registry{roles: make(map[string]Role, len(personas))}
	for name, persona := range personas {
		key := normalize(name)
		if key == "" {
			continue
		}
		r.roles[key] = Role{Name: key, Persona: persona}
	}
	return r
}

// Resolve never fails: unknown names become a generic persona.
func (r *Registry) Resolve(name string) Role {
	key := normalize(name)
	if r != nil {
		if role, ok := r.roles[key]; ok {
			return role
		}
	}
	return Role{Name: key, Persona: "You are a " + strings.TrimSpace(name) + "."}
}

// Names lists the configured roles in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.roles))
	for k := range r.roles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
