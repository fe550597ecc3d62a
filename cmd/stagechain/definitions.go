package main

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dcshock/stagechain/config"
	"github.com/dcshock/stagechain/pipeline"
)

// definitions holds what one YAML file declares: either a single chain or a
// "chains" map with optional sequences.
type definitions struct {
	path      string
	chains    map[string]*pipeline.Chain
	configs   map[string]*config.ChainConfig
	sequences map[string]*pipeline.Sequence
	seqChains map[string][]string
}

// newRegistry returns the stages that chain files may reference by name.
func newRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.Register("noop", pipeline.Noop())
	return reg
}

func loadDefinitions(reg *config.Registry, path string) (*definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var probe struct {
		Chains yaml.Node `yaml:"chains"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d := &definitions{
		path:      path,
		chains:    make(map[string]*pipeline.Chain),
		configs:   make(map[string]*config.ChainConfig),
		sequences: make(map[string]*pipeline.Sequence),
		seqChains: make(map[string][]string),
	}

	if probe.Chains.Kind == 0 {
		cfg, err := config.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if cfg.Name == "" {
			return nil, fmt.Errorf("%s: chain name required", path)
		}
		c, err := config.BuildChain(reg, cfg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		d.chains[cfg.Name] = c
		d.configs[cfg.Name] = cfg
		return d, nil
	}

	multi, err := config.ParseMulti(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if d.chains, err = config.BuildAll(reg, multi); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for name, cfg := range multi.Chains {
		if cfg.Name == "" {
			cfg.Name = name
		}
		d.configs[name] = &cfg
	}
	if d.sequences, err = config.BuildAllSequences(multi, d.chains); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for name, seq := range multi.Sequences {
		d.seqChains[name] = seq.Chains
	}
	return d, nil
}

// chainNames returns the chain keys, sorted.
func (d *definitions) chainNames() []string {
	names := make([]string, 0, len(d.chains))
	for n := range d.chains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// pick resolves name to a chain or a sequence. An empty name is allowed when
// the file defines exactly one chain and no sequences.
func (d *definitions) pick(name string) (*pipeline.Chain, *pipeline.Sequence, error) {
	if name == "" {
		if len(d.chains) == 1 && len(d.sequences) == 0 {
			for _, c := range d.chains {
				return c, nil, nil
			}
		}
		return nil, nil, fmt.Errorf("%s defines several chains; pick one with --chain", d.path)
	}
	if seq, ok := d.sequences[name]; ok {
		return nil, seq, nil
	}
	if c, ok := d.chains[name]; ok {
		return c, nil, nil
	}
	return nil, nil, fmt.Errorf("%s: no chain or sequence %q", d.path, name)
}

// initialState builds the starting context of a chain or sequence: the
// configured context values (for a sequence, the first chain to set a key
// wins) followed by overrides.
func (d *definitions) initialState(name string, overrides map[string]string) *pipeline.State {
	keys, ok := d.seqChains[name]
	if !ok {
		keys = []string{name}
		if name == "" {
			keys = d.chainNames()
		}
	}
	state := pipeline.NewState(nil)
	for _, k := range keys {
		cfg, ok := d.configs[k]
		if !ok {
			continue
		}
		for key, v := range cfg.NewState(nil).Snapshot() {
			if !state.Has(key) {
				state.Set(key, v)
			}
		}
	}
	for k, v := range overrides {
		state.Set(k, v)
	}
	return state
}
