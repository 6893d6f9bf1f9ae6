// Package graph runs a fixed, statically-defined graph of named steps over a
// typed state, merging each step's partial update through a reducer table
// and checkpointing after every step.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/darkostanimirovic/draftkit/stream"
)

// End is the pseudo-step that terminates a run.
const End = "__end__"

// StepFunc is one node of the graph. It reads the accumulated state and
// returns a partial update; it never mutates state directly.
type StepFunc[S, U any] func(ctx context.Context, state S, events *stream.Emitter) (U, error)

// Router picks the next step from the state produced by the step it follows.
type Router[S any] func(state S) string

type conditional[S any] struct {
	route   Router[S]
	targets map[string]struct{}
}

// Graph is an immutable, validated step graph.
type Graph[S, U any] struct {
	name          string
	entry         string
	steps         map[string]StepFunc[S, U]
	edges         map[string]string
	routes        map[string]conditional[S]
	reducers      Reducers[S, U]
	validateInput func(U) error
}

// Builder assembles a Graph.
type Builder[S, U any] struct {
	g    *Graph[S, U]
	errs []error
}

// New starts a graph definition using the given reducer table.
func New[S, U any](name string, reducers Reducers[S, U]) *Builder[S, U] {
	return &Builder[S, U]{g: &Graph[S, U]{
		name:     name,
		steps:    make(map[string]StepFunc[S, U]),
		edges:    make(map[string]string),
		routes:   make(map[string]conditional[S]),
		reducers: reducers,
	}}
}

// AddStep registers a named step.
func (b *Builder[S, U]) AddStep(name string, fn StepFunc[S, U]) *Builder[S, U] {
	switch {
	case name == "" || name == End:
		b.errs = append(b.errs, fmt.Errorf("invalid step name %q", name))
	case fn == nil:
		b.errs = append(b.errs, fmt.Errorf("step %q has no function", name))
	default:
		if _, dup := b.g.steps[name]; dup {
			b.errs = append(b.errs, fmt.Errorf("step %q registered twice", name))
		}
		b.g.steps[name] = fn
	}
	return b
}

// AddEdge adds a static edge. to may be End.
func (b *Builder[S, U]) AddEdge(from, to string) *Builder[S, U] {
	if _, ok := b.g.edges[from]; ok {
		b.errs = append(b.errs, fmt.Errorf("step %q already has an outgoing edge", from))
	}
	b.g.edges[from] = to
	return b
}

// AddConditionalEdge routes from a step to one of targets using route.
func (b *Builder[S, U]) AddConditionalEdge(from string, route Router[S], targets ...string) *Builder[S, U] {
	if route == nil || len(targets) == 0 {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %q needs a router and targets", from))
		return b
	}
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	if _, ok := b.g.routes[from]; ok {
		b.errs = append(b.errs, fmt.Errorf("step %q already has a conditional edge", from))
	}
	b.g.routes[from] = conditional[S]{route: route, targets: set}
	return b
}

// SetEntry designates the start step.
func (b *Builder[S, U]) SetEntry(name string) *Builder[S, U] {
	b.g.entry = name
	return b
}

// ValidateInput installs a check applied to the input of a fresh start
// before any state is loaded.
func (b *Builder[S, U]) ValidateInput(fn func(U) error) *Builder[S, U] {
	b.g.validateInput = fn
	return b
}

// Build validates the definition.
func (b *Builder[S, U]) Build() (*Graph[S, U], error) {
	g := b.g
	errs := append([]error(nil), b.errs...)

	if _, ok := g.steps[g.entry]; !ok {
		errs = append(errs, fmt.Errorf("entry step %q is not registered", g.entry))
	}
	known := func(name string) bool {
		if name == End {
			return true
		}
		_, ok := g.steps[name]
		return ok
	}

	reachesEnd := false
	for name := range g.steps {
		to, static := g.edges[name]
		cond, routed := g.routes[name]
		switch {
		case static && routed:
			errs = append(errs, fmt.Errorf("step %q has both a static and a conditional edge", name))
		case !static && !routed:
			errs = append(errs, fmt.Errorf("step %q has no outgoing edge", name))
		}
		if static {
			if !known(to) {
				errs = append(errs, fmt.Errorf("edge %q -> %q targets an unknown step", name, to))
			}
			reachesEnd = reachesEnd || to == End
		}
		for target := range cond.targets {
			if !known(target) {
				errs = append(errs, fmt.Errorf("conditional edge %q -> %q targets an unknown step", name, target))
			}
			reachesEnd = reachesEnd || target == End
		}
	}
	for from := range g.edges {
		if _, ok := g.steps[from]; !ok {
			errs = append(errs, fmt.Errorf("edge from unknown step %q", from))
		}
	}
	for from := range g.routes {
		if _, ok := g.steps[from]; !ok {
			errs = append(errs, fmt.Errorf("conditional edge from unknown step %q", from))
		}
	}
	if !reachesEnd {
		errs = append(errs, errors.New("no step leads to End"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.name, err)
	}
	return g, nil
}

// Name returns the graph name.
func (g *Graph[S, U]) Name() string { return g.name }

// Entry returns the start step.
func (g *Graph[S, U]) Entry() string { return g.entry }

// Steps returns the registered step names, sorted.
func (g *Graph[S, U]) Steps() []string {
	names := make([]string, 0, len(g.steps))
	for name := range g.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reducers returns the merge table.
func (g *Graph[S, U]) Reducers() Reducers[S, U] { return g.reducers }

func (g *Graph[S, U]) next(from string, state S) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	cond := g.routes[from]
	to := cond.route(state)
	if _, ok := cond.targets[to]; !ok {
		return "", fmt.Errorf("%w: %q -> %q", ErrUnknownRoute, from, to)
	}
	return to, nil
}
