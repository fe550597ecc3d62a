// Package observer provides run persistence for the pipeline package.
//
//   - Store: chain_run, chain_run_stage and chain_checkpoint rows. SQLStore
//     implements it on database/sql with SQLite (modernc.org/sqlite, driver
//     "sqlite") or Postgres (pgx, driver "pgx"); MemoryStore keeps everything
//     in process.
//   - DBObserver: a pipeline.Observer and pipeline.Checkpointer that records
//     every run and stage execution and the latest checkpoint of each
//     unfinished run.
//   - Resumer: loads a checkpoint and continues the run from its next stage
//     with the same run ID, state and loop counters. Register chains by name
//     via ChainLookup; call ResumeAll after a crash to finish every
//     interrupted run.
//
// A run cancelled through its context keeps its last checkpoint and is
// recorded with status "interrupted"; a run that reaches _done or _abort has
// its checkpoint removed.
package observer
