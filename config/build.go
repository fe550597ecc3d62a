package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dcshock/stagechain/httpstages"
	"github.com/dcshock/stagechain/pipeline"
)

// BuildChain builds a validated pipeline.Chain from config and registry. Stages without a
// command or download must name a registered stage (Use, or Name when Use is empty).
func BuildChain(reg *Registry, cfg *ChainConfig) (*pipeline.Chain, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("chain %q: no stages", cfg.Name)
	}
	stages := make(map[string]pipeline.Stage, len(cfg.Stages))
	table := pipeline.NewTable()
	for i, sc := range cfg.Stages {
		if sc.Name == "" {
			return nil, fmt.Errorf("stage %d: name required", i)
		}
		if _, dup := stages[sc.Name]; dup {
			return nil, fmt.Errorf("stage %d: duplicate name %q", i, sc.Name)
		}
		stage, err := buildStage(reg, sc)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%q): %w", i, sc.Name, err)
		}
		stages[sc.Name] = stage

		onDone := sc.OnDone
		if onDone == "" {
			onDone = pipeline.StageDone
			if i+1 < len(cfg.Stages) {
				onDone = cfg.Stages[i+1].Name
			}
		}
		onError := sc.OnError
		if onError == "" {
			onError = pipeline.StageAbort
		}
		table.OnDone(sc.Name, onDone)
		table.OnErrorLimit(sc.Name, onError, sc.ErrorLimit)
	}
	if cfg.MaxSteps < 0 {
		return nil, fmt.Errorf("chain %q: negative max_steps %d", cfg.Name, cfg.MaxSteps)
	}
	start := cfg.Start
	if start == "" {
		start = cfg.Stages[0].Name
	}
	c, err := pipeline.NewChain(cfg.Name, start, stages, table)
	if err != nil {
		return nil, err
	}
	c.MaxSteps = cfg.MaxSteps
	return c, nil
}

func buildStage(reg *Registry, sc StageConfig) (pipeline.Stage, error) {
	into := sc.Into
	if into == "" {
		into = sc.Name
	}
	var stage pipeline.Stage
	switch {
	case len(sc.Command) > 0 && sc.Download != "":
		return nil, fmt.Errorf("command and download are exclusive")
	case len(sc.Command) > 0:
		parse, err := parseSpec(sc.Parse)
		if err != nil {
			return nil, err
		}
		switch sc.Stream {
		case "", pipeline.StreamCombined, pipeline.StreamStdout, pipeline.StreamStderr:
		default:
			return nil, fmt.Errorf("stream %q not supported (use combined, stdout or stderr)", sc.Stream)
		}
		stage = &pipeline.CommandStage{
			Args:     sc.Command,
			Dir:      sc.Dir,
			Env:      sc.Env,
			Stream:   sc.Stream,
			Artifact: sc.Artifact,
			Into:     into,
			Parse:    parse,
		}
	case sc.Download != "":
		artifact := sc.Artifact
		if artifact == "" {
			artifact = sc.Name
		}
		stage = httpstages.Download(nil, sc.Download, artifact, into)
	default:
		name := sc.Use
		if name == "" {
			name = sc.Name
		}
		if reg == nil {
			return nil, fmt.Errorf("%q: no registry", name)
		}
		s, err := reg.Lookup(name)
		if err != nil {
			return nil, err
		}
		stage = s
	}
	return wrapStage(stage, sc)
}

// parseSpec maps a parse option to a pipeline.ParseFunc: "" (raw text),
// "json", "kv" or "kv:key1,key2" (keys required in the output).
func parseSpec(spec string) (pipeline.ParseFunc, error) {
	switch {
	case spec == "":
		return nil, nil
	case spec == "json":
		return pipeline.ParseJSON(), nil
	case spec == "kv":
		return pipeline.ParseKeyValues(), nil
	case strings.HasPrefix(spec, "kv:"):
		var keys []string
		for _, k := range strings.Split(strings.TrimPrefix(spec, "kv:"), ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		return pipeline.ParseKeyValues(keys...), nil
	default:
		return nil, fmt.Errorf("parse %q not supported (use json, kv or kv:key,...)", spec)
	}
}

func wrapStage(s pipeline.Stage, sc StageConfig) (pipeline.Stage, error) {
	if sc.Timeout > 0 {
		s = pipeline.WithTimeout(s, sc.Timeout.Duration())
	}
	if sc.Retry == "" {
		return s, nil
	}
	initial := sc.Initial.Duration()
	if initial <= 0 {
		initial = time.Second
	}
	attempts := sc.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	switch sc.Retry {
	case "fixed":
		return pipeline.Retry(s, pipeline.RetryPolicy{
			Attempts: attempts,
			Backoff:  initial,
		}), nil
	case "exponential":
		policy := pipeline.RetryPolicy{
			Attempts:   attempts,
			Backoff:    initial,
			Multiplier: 2,
			Cap:        sc.Cap.Duration(),
		}
		if sc.Multiplier > 0 {
			policy.Multiplier = sc.Multiplier
		}
		return pipeline.Retry(s, policy), nil
	default:
		return nil, fmt.Errorf("retry %q not supported (use \"fixed\" or \"exponential\")", sc.Retry)
	}
}

// BuildAll builds a pipeline.Chain for each entry in multi. Keys are chain names.
// If a chain config's Name is empty, the map key is used as the chain name.
func BuildAll(reg *Registry, multi *MultiConfig) (map[string]*pipeline.Chain, error) {
	if multi == nil {
		return nil, fmt.Errorf("MultiConfig is nil")
	}
	out := make(map[string]*pipeline.Chain, len(multi.Chains))
	for name, cfg := range multi.Chains {
		if cfg.Name == "" {
			cfg.Name = name
		}
		c, err := BuildChain(reg, &cfg)
		if err != nil {
			return nil, fmt.Errorf("chain %q: %w", name, err)
		}
		out[name] = c
	}
	return out, nil
}

// BuildSequence builds a pipeline.Sequence from a sequence config by looking up the named chains
// in the built chain map. Each name in seq.Chains must exist in built.
func BuildSequence(seq *SequenceConfig, built map[string]*pipeline.Chain) (*pipeline.Sequence, error) {
	if seq == nil {
		return nil, fmt.Errorf("SequenceConfig is nil")
	}
	out := make([]*pipeline.Chain, 0, len(seq.Chains))
	for i, name := range seq.Chains {
		c, ok := built[name]
		if !ok {
			return nil, fmt.Errorf("sequence %q chain %d: %q not in built chains", seq.Name, i, name)
		}
		out = append(out, c)
	}
	return &pipeline.Sequence{Name: seq.Name, Chains: out}, nil
}

// BuildAllSequences builds a pipeline.Sequence for each entry in multi.Sequences using the given built chains.
func BuildAllSequences(multi *MultiConfig, built map[string]*pipeline.Chain) (map[string]*pipeline.Sequence, error) {
	if multi == nil || len(multi.Sequences) == 0 {
		return map[string]*pipeline.Sequence{}, nil
	}
	out := make(map[string]*pipeline.Sequence, len(multi.Sequences))
	for name, cfg := range multi.Sequences {
		if cfg.Name == "" {
			cfg.Name = name
		}
		seq, err := BuildSequence(&cfg, built)
		if err != nil {
			return nil, fmt.Errorf("sequence %q: %w", name, err)
		}
		out[name] = seq
	}
	return out, nil
}
