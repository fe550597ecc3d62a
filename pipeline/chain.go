package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSteps bounds a run when Chain.MaxSteps is zero.
const DefaultMaxSteps = 100

// Chain is a closed set of named stages, a start stage and the transition
// table that routes between them. A Chain is immutable once validated and may
// be run any number of times, concurrently, each run with its own State.
type Chain struct {
	Name   string
	Start  string
	Stages map[string]Stage
	Table  *Table
	// MaxSteps bounds the number of stage executions in one run (including
	// steps taken before a resume). Zero means DefaultMaxSteps.
	MaxSteps int
}

// NewChain builds and validates a Chain.
func NewChain(name, start string, stages map[string]Stage, table *Table) (*Chain, error) {
	c := &Chain{Name: name, Start: start, Stages: stages, Table: table}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the chain is runnable: every stage is non-nil and the
// table is complete for the chain's stages (see Table.Validate).
func (c *Chain) Validate() error {
	if c.Table == nil {
		return fmt.Errorf("chain %q: transition table is nil", c.Name)
	}
	var errs []error
	for _, name := range c.StageNames() {
		if c.Stages[name] == nil {
			errs = append(errs, fmt.Errorf("stage %q is nil", name))
		}
	}
	if err := c.Table.Validate(c.StageNames(), c.Start); err != nil {
		errs = append(errs, err)
	}
	if c.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("negative max steps %d", c.MaxSteps))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("chain %q: %w", c.Name, err)
	}
	return nil
}

// StageNames returns the chain's stage names, sorted.
func (c *Chain) StageNames() []string {
	names := make([]string, 0, len(c.Stages))
	for n := range c.Stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Chain) maxSteps() int {
	if c.MaxSteps > 0 {
		return c.MaxSteps
	}
	return DefaultMaxSteps
}

// RunOptions attaches an Observer, a RunID, or a checkpoint to resume from.
// If RunID is empty a new UUID is generated (resumed runs keep the
// checkpoint's RunID).
type RunOptions struct {
	Observer Observer
	RunID    string
	Resume   *Checkpoint
	// Sequence marks the run as a member of a sequence; it is carried in
	// every checkpoint so a resume can continue the sequence.
	Sequence *SequencePosition
}

// Step records one stage execution.
type Step struct {
	Stage    string        `json:"stage"`
	Outcome  Outcome       `json:"outcome"`
	Err      error         `json:"-"`
	Next     string        `json:"next"`
	Duration time.Duration `json:"duration"`
}

// Report summarizes a run.
type Report struct {
	RunID    string
	Chain    string
	Terminal string // StageDone or StageAbort once the run has ended
	Steps    []Step // steps executed by this invocation
	// TotalSteps includes steps executed before a resume.
	TotalSteps int
	LastErr    error
}

// Path returns the names of the executed stages in order.
func (r *Report) Path() []string {
	out := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Stage
	}
	return out
}

// Succeeded reports whether the run reached StageDone.
func (r *Report) Succeeded() bool { return r.Terminal == StageDone }

// Checkpoint is the resumable state of a run, taken after every transition.
// State points at the live run state; persist it before returning from
// Checkpointer.Checkpoint. A run resumed from a checkpoint continues on its
// State.
type Checkpoint struct {
	RunID       string            `json:"run_id"`
	Chain       string            `json:"chain"`
	NextStage   string            `json:"next_stage"`
	Steps       int               `json:"steps"`
	RouteCounts map[string]int    `json:"route_counts,omitempty"`
	State       *State            `json:"state"`
	LastError   string            `json:"last_error,omitempty"`
	Sequence    *SequencePosition `json:"sequence,omitempty"`
}

// Finished reports whether the checkpoint was taken at a terminal.
func (cp *Checkpoint) Finished() bool { return IsTerminal(cp.NextStage) }

// Machine drives one run of a Chain one stage at a time. Exactly one stage is
// active per Step; Current names the stage the next Step will run.
type Machine struct {
	chain       *Chain
	state       *State
	obs         Observer
	runID       string
	current     string
	steps       []Step
	offset      int
	routeCounts map[string]int
	lastErr     error
	hookErr     error
	seq         *SequencePosition
}

// NewMachine prepares a run of c over state. When opts.Resume is set the run
// continues from the checkpoint; values in state, if non-nil, override the
// checkpointed ones.
func (c *Chain) NewMachine(state *State, opts *RunOptions) (*Machine, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	m := &Machine{
		chain:       c,
		state:       state,
		obs:         opts.Observer,
		runID:       opts.RunID,
		current:     c.Start,
		routeCounts: make(map[string]int),
		seq:         opts.Sequence,
	}
	if cp := opts.Resume; cp != nil {
		if cp.Chain != "" && cp.Chain != c.Name {
			return nil, fmt.Errorf("resume: checkpoint belongs to chain %q, not %q", cp.Chain, c.Name)
		}
		if _, ok := c.Stages[cp.NextStage]; !ok && !IsTerminal(cp.NextStage) {
			return nil, fmt.Errorf("resume: %w: %q", ErrUnknownStage, cp.NextStage)
		}
		restored := cp.State
		if restored == nil {
			restored = NewState(nil)
		}
		if state != nil {
			for _, k := range state.Keys() {
				v, _ := state.Get(k)
				restored.Set(k, v)
			}
		}
		m.state = restored
		m.runID = cp.RunID
		m.current = cp.NextStage
		m.offset = cp.Steps
		for k, v := range cp.RouteCounts {
			m.routeCounts[k] = v
		}
		if cp.LastError != "" {
			m.lastErr = errors.New(cp.LastError)
		}
		if cp.Sequence != nil {
			m.seq = cp.Sequence
		}
	}
	if m.state == nil {
		m.state = NewState(nil)
	}
	if m.runID == "" {
		m.runID = uuid.New().String()
	}
	return m, nil
}

// RunID returns the run identifier.
func (m *Machine) RunID() string { return m.runID }

// Current returns the stage the next Step will execute, or a terminal name.
func (m *Machine) Current() string { return m.current }

// State returns the run's state.
func (m *Machine) State() *State { return m.state }

// Terminated reports whether the run has reached a terminal.
func (m *Machine) Terminated() bool { return IsTerminal(m.current) }

// History returns the steps executed so far.
func (m *Machine) History() []Step {
	out := make([]Step, len(m.steps))
	copy(out, m.steps)
	return out
}

// TotalSteps returns the number of stage executions including those before a resume.
func (m *Machine) TotalSteps() int { return m.offset + len(m.steps) }

// Step runs the current stage, resolves its transition and moves to the next
// stage. It returns a non-nil error only when the run is forced to abort for
// a reason other than a stage outcome: cancelled context, step bound, or a
// failing BeforeStage hook. Stage failures are routed, not returned, except
// a failure while ctx is cancelled, which stops the run without a checkpoint.
func (m *Machine) Step(ctx context.Context) error {
	if m.Terminated() {
		return ErrTerminated
	}
	if err := ctx.Err(); err != nil {
		// No checkpoint: the last persisted one still points at this stage,
		// so an interrupted run can be resumed.
		m.lastErr = err
		m.current = StageAbort
		return err
	}
	if m.TotalSteps() >= m.chain.maxSteps() {
		return m.abort(ctx, fmt.Errorf("%w: %d", ErrMaxSteps, m.chain.maxSteps()))
	}

	name := m.current
	stage, ok := m.chain.Stages[name]
	if !ok {
		return m.abort(ctx, fmt.Errorf("%w: %q", ErrUnknownStage, name))
	}
	stepIdx := m.TotalSteps()
	if m.obs != nil {
		if err := m.obs.BeforeStage(ctx, m.runID, name, stepIdx, m.state); err != nil {
			return m.abort(ctx, fmt.Errorf("before stage %q: %w", name, err))
		}
	}

	start := time.Now()
	res := runSafely(ctx, name, stage, m.state)
	if !res.OK() && ctx.Err() != nil {
		// Interrupted mid-stage: no route and no checkpoint, so the stored
		// checkpoint still names this stage for resume.
		m.lastErr = fmt.Errorf("stage %q: %w", name, ctx.Err())
		m.record(ctx, name, stepIdx, res, StageAbort, time.Since(start))
		return m.lastErr
	}
	if res.OK() {
		if h, ok := stage.(DoneHook); ok {
			h.OnDone(ctx, m.state)
		}
	} else {
		if h, ok := stage.(ErrorHook); ok {
			h.OnError(ctx, m.state, res.Err)
		}
		m.lastErr = fmt.Errorf("stage %q: %w", name, res.Err)
	}
	duration := time.Since(start)

	next := StageAbort
	route, err := m.chain.Table.Next(name, res.Outcome)
	switch {
	case err != nil:
		m.lastErr = err
	case route.Limit > 0 && m.routeCounts[edgeID(name, res.Outcome)] >= route.Limit:
		loopErr := fmt.Errorf("%w: %s -> %s taken %d times",
			ErrMaxLoops, edgeID(name, res.Outcome), route.To, route.Limit)
		if m.lastErr != nil {
			loopErr = fmt.Errorf("%w: %w", loopErr, m.lastErr)
		}
		m.lastErr = loopErr
	default:
		next = route.To
		m.routeCounts[edgeID(name, res.Outcome)]++
	}

	m.record(ctx, name, stepIdx, res, next, duration)
	m.checkpoint(ctx)
	return nil
}

// record appends the step, moves to next and emits AfterStage.
func (m *Machine) record(ctx context.Context, name string, stepIdx int, res Result, next string, d time.Duration) {
	m.steps = append(m.steps, Step{
		Stage:    name,
		Outcome:  res.Outcome,
		Err:      res.Err,
		Next:     next,
		Duration: d,
	})
	m.current = next

	if m.obs == nil {
		return
	}
	ev := StageEvent{
		RunID:    m.runID,
		Chain:    m.chain.Name,
		Stage:    name,
		Step:     stepIdx,
		Outcome:  res.Outcome,
		Err:      res.Err,
		Next:     next,
		Duration: d,
	}
	if err := m.obs.AfterStage(ctx, ev, m.state); err != nil {
		m.hookErr = errors.Join(m.hookErr, fmt.Errorf("after stage %q: %w", name, err))
	}
}

// abort moves the run to StageAbort with cause as the last error.
func (m *Machine) abort(ctx context.Context, cause error) error {
	m.lastErr = cause
	m.current = StageAbort
	m.checkpoint(ctx)
	return cause
}

func (m *Machine) checkpoint(ctx context.Context) {
	c, ok := m.obs.(Checkpointer)
	if !ok {
		return
	}
	if err := c.Checkpoint(ctx, m.Checkpoint()); err != nil {
		m.hookErr = errors.Join(m.hookErr, fmt.Errorf("checkpoint: %w", err))
	}
}

// Checkpoint returns the run's current resumable state.
func (m *Machine) Checkpoint() Checkpoint {
	counts := make(map[string]int, len(m.routeCounts))
	for k, v := range m.routeCounts {
		counts[k] = v
	}
	cp := Checkpoint{
		RunID:       m.runID,
		Chain:       m.chain.Name,
		NextStage:   m.current,
		Steps:       m.TotalSteps(),
		RouteCounts: counts,
		State:       m.state,
		Sequence:    m.seq,
	}
	if m.lastErr != nil {
		cp.LastError = m.lastErr.Error()
	}
	return cp
}

// Report summarizes the run so far.
func (m *Machine) Report() *Report {
	r := &Report{
		RunID:      m.runID,
		Chain:      m.chain.Name,
		Steps:      m.History(),
		TotalSteps: m.TotalSteps(),
		LastErr:    m.lastErr,
	}
	if m.Terminated() {
		r.Terminal = m.current
	}
	return r
}

// Err returns the error a finished run reports: nil at StageDone, an error
// wrapping ErrAborted (and the last stage error) at StageAbort.
func (m *Machine) Err() error {
	switch m.current {
	case StageDone:
		if m.hookErr != nil {
			return m.hookErr
		}
		return nil
	case StageAbort:
		if m.lastErr == nil {
			return fmt.Errorf("%w: chain %q", ErrAborted, m.chain.Name)
		}
		return fmt.Errorf("%w: chain %q: %w", ErrAborted, m.chain.Name, m.lastErr)
	default:
		return nil
	}
}

// Run executes the chain until a terminal is reached. It returns the report
// and nil when the run ends at StageDone, or an error wrapping ErrAborted
// when it ends at StageAbort. If opts.Observer is set, hooks are called for
// the run and for each stage. AfterRun is called even when BeforeRun fails.
func (c *Chain) Run(ctx context.Context, state *State, opts *RunOptions) (*Report, error) {
	m, err := c.NewMachine(state, opts)
	if err != nil {
		return nil, err
	}
	if m.obs != nil {
		if err := m.obs.BeforeRun(ctx, m.runID, c.Name, m.state); err != nil {
			// No checkpoint: a stored one for this run must survive.
			err = fmt.Errorf("before run: %w", err)
			m.lastErr = err
			m.current = StageAbort
			report := m.Report()
			_ = m.obs.AfterRun(ctx, report, err)
			return report, err
		}
	}
	for !m.Terminated() {
		_ = m.Step(ctx) // forced aborts leave the machine at StageAbort
	}
	report := m.Report()
	runErr := m.Err()
	if m.obs != nil {
		if postErr := m.obs.AfterRun(ctx, report, runErr); postErr != nil && runErr == nil {
			runErr = fmt.Errorf("after run: %w", postErr)
		}
	}
	return report, runErr
}
