package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Sequence runs multiple chains in order over the same State, so values a
// chain writes are visible to the chains after it. It stops at the first
// chain that does not reach StageDone (like shell &&).
type Sequence struct {
	Name   string
	Chains []*Chain
}

// SequencePosition locates a chain run inside a sequence run. Member run IDs
// are Base-Index.
type SequencePosition struct {
	Name  string `json:"name"`
	Base  string `json:"base"`
	Index int    `json:"index"`
}

// Run executes the sequence. Each chain gets its own run ID derived from
// opts.RunID (or a new UUID) and its index, and the same observer.
// It returns the reports of the chains that ran.
func (s *Sequence) Run(ctx context.Context, state *State, opts *RunOptions) ([]*Report, error) {
	base := ""
	var obs Observer
	if opts != nil {
		base = opts.RunID
		obs = opts.Observer
	}
	if base == "" {
		base = uuid.New().String()
	}
	return s.runFrom(ctx, state, obs, base, 0)
}

// Continue runs the chains after pos.Index. It is how a sequence picks up
// again once its interrupted member chain has been resumed to StageDone.
func (s *Sequence) Continue(ctx context.Context, pos SequencePosition, state *State, obs Observer) ([]*Report, error) {
	if pos.Name != s.Name {
		return nil, fmt.Errorf("continue: position belongs to sequence %q, not %q", pos.Name, s.Name)
	}
	if pos.Base == "" {
		return nil, fmt.Errorf("continue sequence %q: empty base run id", s.Name)
	}
	return s.runFrom(ctx, state, obs, pos.Base, pos.Index+1)
}

func (s *Sequence) runFrom(ctx context.Context, state *State, obs Observer, base string, start int) ([]*Report, error) {
	if state == nil {
		state = NewState(nil)
	}
	reports := make([]*Report, 0, len(s.Chains))
	for i := start; i < len(s.Chains); i++ {
		c := s.Chains[i]
		runOpts := &RunOptions{
			Observer: obs,
			RunID:    fmt.Sprintf("%s-%d", base, i),
			Sequence: &SequencePosition{Name: s.Name, Base: base, Index: i},
		}
		report, err := c.Run(ctx, state, runOpts)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			return reports, fmt.Errorf("sequence %q: chain %d (%s): %w", s.Name, i, c.Name, err)
		}
	}
	return reports, nil
}
