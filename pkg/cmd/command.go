// Package cmd is a transport-agnostic command core. A command has a name and
// a Run method; adapters (chat messages, CLI) parse input and dispatch.
package cmd

import (
	"context"
	"strings"
)

// Invocation carries parsed arguments plus an adapter-specific payload.
type Invocation struct {
	Name string
	Args []string
	Data any
}

// Rest joins the arguments back into free text.
func (inv *Invocation) Rest() string {
	return strings.Join(inv.Args, " ")
}

type Command interface {
	Name() string
	Description() string
	Run(ctx context.Context, inv *Invocation) error
}

// Aliased commands are also reachable under short names.
type Aliased interface {
	Aliases() []string
}

// Categorized commands are grouped in help output.
type Categorized interface {
	Category() string
}

// Usage returns a one-line argument hint.
type Usage interface {
	Usage() string
}

// Parse splits "<prefix>name args..." into an invocation. It reports false
// when content does not start with prefix or has no command name.
func Parse(content, prefix string) (*Invocation, bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return nil, false
	}
	return &Invocation{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}
