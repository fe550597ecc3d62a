package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Terminal stage names. A route to either ends the run.
const (
	// StageDone is the success sink.
	StageDone = "_done"
	// StageAbort is the abort sink.
	StageAbort = "_abort"
)

// IsTerminal reports whether name is one of the terminal sinks.
func IsTerminal(name string) bool {
	return name == StageDone || name == StageAbort
}

// Route is the target of a transition. Limit, when positive, is the number of
// times the route may be taken in one run; the next attempt routes to
// StageAbort with ErrMaxLoops instead.
type Route struct {
	To    string
	Limit int
}

// Edge is one entry of a Table.
type Edge struct {
	From    string
	Outcome Outcome
	Route
}

// ID identifies the edge, e.g. "process/failure".
func (e Edge) ID() string { return edgeID(e.From, e.Outcome) }

func edgeID(from string, o Outcome) string { return from + "/" + o.String() }

type edgeKey struct {
	from    string
	outcome Outcome
}

// Table maps (stage, outcome) to the next stage. Lookups are pure; a Table is
// not modified by running a chain.
type Table struct {
	routes map[edgeKey]Route
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{routes: make(map[edgeKey]Route)}
}

// Linear returns a Table that runs names in order: each stage's success goes
// to the next one (the last to StageDone) and every failure goes to StageAbort.
func Linear(names ...string) *Table {
	t := NewTable()
	for i, name := range names {
		next := StageDone
		if i+1 < len(names) {
			next = names[i+1]
		}
		t.OnDone(name, next)
		t.OnError(name, StageAbort)
	}
	return t
}

// Set maps (from, outcome) to r, replacing any previous route.
func (t *Table) Set(from string, outcome Outcome, r Route) *Table {
	if t.routes == nil {
		t.routes = make(map[edgeKey]Route)
	}
	t.routes[edgeKey{from, outcome}] = r
	return t
}

// OnDone routes a successful from to to.
func (t *Table) OnDone(from, to string) *Table {
	return t.Set(from, Success, Route{To: to})
}

// OnError routes a failed from to to.
func (t *Table) OnError(from, to string) *Table {
	return t.Set(from, Failure, Route{To: to})
}

// OnErrorLimit routes a failed from to to at most limit times per run.
func (t *Table) OnErrorLimit(from, to string, limit int) *Table {
	return t.Set(from, Failure, Route{To: to, Limit: limit})
}

// Next returns the route for (from, outcome).
func (t *Table) Next(from string, outcome Outcome) (Route, error) {
	r, ok := t.routes[edgeKey{from, outcome}]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrUnmapped, edgeID(from, outcome))
	}
	return r, nil
}

// Edges returns every entry sorted by source stage then outcome.
func (t *Table) Edges() []Edge {
	out := make([]Edge, 0, len(t.routes))
	for k, r := range t.routes {
		out = append(out, Edge{From: k.from, Outcome: k.outcome, Route: r})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out
}

// Validate checks the table against the chain's stages: start must be a
// stage, every (stage, outcome) pair must be mapped, every route must target
// a stage or a terminal, terminals must have no routes, and every stage must
// be reachable from start. All problems are reported together.
func (t *Table) Validate(stages []string, start string) error {
	known := make(map[string]bool, len(stages))
	for _, s := range stages {
		known[s] = true
	}
	var errs []error
	if !known[start] {
		errs = append(errs, fmt.Errorf("%w: start stage %q", ErrUnknownStage, start))
	}
	for _, s := range stages {
		if IsTerminal(s) {
			errs = append(errs, fmt.Errorf("stage name %q is reserved", s))
			continue
		}
		for _, o := range []Outcome{Success, Failure} {
			if _, ok := t.routes[edgeKey{s, o}]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s", ErrUnmapped, edgeID(s, o)))
			}
		}
	}
	for _, e := range t.Edges() {
		if !known[e.From] {
			errs = append(errs, fmt.Errorf("%w: route %s has unknown source", ErrUnknownStage, e.ID()))
		}
		if !known[e.To] && !IsTerminal(e.To) {
			errs = append(errs, fmt.Errorf("%w: route %s targets %q", ErrUnknownStage, e.ID(), e.To))
		}
		if e.Limit < 0 {
			errs = append(errs, fmt.Errorf("route %s: negative limit %d", e.ID(), e.Limit))
		}
	}
	if known[start] {
		reached := t.reachable(start)
		for _, s := range stages {
			if !reached[s] {
				errs = append(errs, fmt.Errorf("%w: %q", ErrUnreachable, s))
			}
		}
	}
	return errors.Join(errs...)
}

func (t *Table) reachable(start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, o := range []Outcome{Success, Failure} {
			r, ok := t.routes[edgeKey{cur, o}]
			if !ok || IsTerminal(r.To) || seen[r.To] {
				continue
			}
			seen[r.To] = true
			queue = append(queue, r.To)
		}
	}
	return seen
}

// Mermaid renders the table as a mermaid flowchart.
func (t *Table) Mermaid(start string) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	fmt.Fprintf(&b, "    start((start)) --> %s\n", mermaidID(start))
	for _, e := range t.Edges() {
		label := "done"
		if e.Outcome == Failure {
			label = "error"
		}
		if e.Limit > 0 {
			label = fmt.Sprintf("%s x%d", label, e.Limit)
		}
		arrow := "-->"
		if e.Outcome == Failure {
			arrow = "-.->"
		}
		fmt.Fprintf(&b, "    %s %s|%s| %s\n", mermaidID(e.From), arrow, label, mermaidID(e.To))
	}
	return b.String()
}

func mermaidID(name string) string {
	switch name {
	case StageDone:
		return "done((done))"
	case StageAbort:
		return "abort((abort))"
	}
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
}
