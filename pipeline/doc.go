// Package pipeline runs stage chains: named stages that share one mutable
// State, routed by an explicit transition table from (stage, outcome) to the
// next stage, until the run reaches a terminal (StageDone or StageAbort).
//
// A stage reports Done() or Failed(err). On success the executor calls the
// stage's OnDone hook (if it implements DoneHook) and follows its on_done
// route; on failure it calls OnError (ErrorHook) and follows its on_error
// route, which may name a fallback stage:
//
//	table := pipeline.NewTable().
//		OnDone("process", pipeline.StageDone).
//		OnErrorLimit("process", "download", 2).
//		OnDone("download", "process").
//		OnError("download", pipeline.StageAbort)
//	chain, err := pipeline.NewChain("media", "process", stages, table)
//
// NewChain validates that every (stage, outcome) pair has a route, every
// route targets a stage or terminal, and every stage is reachable. Runs are
// bounded two ways: Chain.MaxSteps caps stage executions per run
// (ErrMaxSteps), and a route's Limit caps how often that route is taken
// (ErrMaxLoops). Either bound routes the run to StageAbort.
//
// # Cache gates
//
// Gate skips expensive work whose output already exists as a file
// (<cache_dir>/<name>.txt). Gate.Compute only writes the artifact when the
// computation succeeds, through a temp file and rename. CachedStage and
// CommandStage (with Artifact set) wrap a gate around a computation.
//
// # Observers and resume
//
// Pass RunOptions{Observer: obs} to Chain.Run for BeforeRun/AfterRun and
// BeforeStage/AfterStage hooks (logging, metrics, persistence). Observers that
// also implement Checkpointer receive a Checkpoint after every transition;
// persist it and pass it back as RunOptions.Resume to continue an interrupted
// run from its next stage with the same RunID, state and loop counters:
//
//	report, err := chain.Run(ctx, nil, &pipeline.RunOptions{
//		Observer: obs,
//		Resume:   savedCheckpoint,
//	})
package pipeline
