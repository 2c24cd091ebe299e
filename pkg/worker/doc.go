// Package worker provides the background worker that resumes failed
// workflow steps.
//
// When a step exhausts its retries the engine persists a FailureJob and
// publishes its id on the retry queue. Workers consume those tasks and hand
// each job to a Resumer, which claims the job, re-runs the failed step and
// its successors as a new run, and records the outcome on the job.
//
// # Exclusivity
//
// Every worker claims a job under its own ID before resuming it. A job held
// by another worker, or one that already completed, is acknowledged and
// skipped, so a task delivered twice never resumes the same job twice while
// the first lease is live.
//
// # Concurrency
//
// Run starts a fixed number of consumers on one queue. Multiple worker
// processes can share a queue backend (SQLite, Postgres, Redis, MongoDB)
// to scale out.
//
// # Usage
//
//	resumer := engine.NewResumer(eng, store)
//	w := worker.New(resumer, queue)
//	if err := w.Run(ctx, 4); err != nil {
//		log.Fatal(err)
//	}
package worker
