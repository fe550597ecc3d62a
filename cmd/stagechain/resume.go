package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcshock/stagechain/logging"
	"github.com/dcshock/stagechain/observer"
	"github.com/dcshock/stagechain/pipeline"
)

var (
	resumeFiles []string
	resumeSets  map[string]string
	resumeAll   bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id...] -f chain.yaml --db runs.db",
	Short: "Continue interrupted runs from their last checkpoint",
	Long: `Loads the checkpoint of each run from the run store and continues it at
the stage it stopped on, keeping its context and loop counters. The chains
are looked up by name in the given files. A run that belongs to a sequence
continues with the sequence's later chains once it is done, so the files
must define that sequence too.

Examples:
  stagechain resume 6f1c... -f media.yaml --db runs.db
  stagechain resume --all -f media.yaml --db runs.db`,
	RunE: resumeRuns,
}

func init() {
	resumeCmd.Flags().StringSliceVarP(&resumeFiles, "file", "f", nil, "Chain file (repeatable)")
	resumeCmd.Flags().StringToStringVar(&resumeSets, "set", nil, "Context values (key=value) overriding the checkpointed ones")
	resumeCmd.Flags().BoolVar(&resumeAll, "all", false, "Resume every run that has a checkpoint")
	_ = resumeCmd.MarkFlagRequired("file")
}

func resumeRuns(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !resumeAll {
		return fmt.Errorf("name a run id or pass --all")
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	chains := make(map[string]*pipeline.Chain)
	sequences := make(map[string]*pipeline.Sequence)
	reg := newRegistry()
	for _, f := range resumeFiles {
		d, err := loadDefinitions(reg, f)
		if err != nil {
			return err
		}
		for _, c := range d.chains {
			chains[c.Name] = c
		}
		for name, seq := range d.sequences {
			sequences[name] = seq
		}
	}

	store, err := requireStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	obs := pipeline.MultiObserver(logging.NewObserver(logger), observer.NewDBObserver(store))
	r := &runner{obs: obs, out: cmd.OutOrStdout()}
	resumer := observer.NewResumer(store, func(name string) *pipeline.Chain { return chains[name] }).
		WithSequences(func(name string) *pipeline.Sequence { return sequences[name] })

	if resumeAll {
		reports, err := resumer.ResumeAll(ctx, obs)
		for _, rep := range reports {
			r.print(rep)
		}
		return err
	}

	var overrides *pipeline.State
	if len(resumeSets) > 0 {
		overrides = pipeline.NewState(nil)
		for k, v := range resumeSets {
			overrides.Set(k, v)
		}
	}
	var errs []error
	for _, id := range args {
		reports, err := resumer.Resume(ctx, id, overrides, obs)
		for _, rep := range reports {
			r.print(rep)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
