// Package service runs rsync jobs in the background and supervises the
// configured ones.
//
// Runner wraps a single rsync.Job:
//   - Start spawns the process synchronously and drains its output on a
//     goroutine
//   - the output lines end in an event.Channel, followed by a finished event
//   - Done, Wait and IsFinished observe the one-shot completion
//   - Result is rsync.StatusNotFinished until then
//
// Supervisor owns the named jobs of a model.Config and a Printer consuming
// their events:
//
//	Supervisor            Runner{job}              rsync.Execution
//	    |                     |                          |
//	    | run(job) ---------->| Start() ---------------->| Spawn()
//	    |                     |        go Drain() ------>| mux.Select loop
//	    |<-- events ----------|<-------- event.Channel --|
//	    |<-- Report ----------| Done() <-- finished -----|
//
// Invariants:
//   - A Runner is single use and spawns at most one process.
//   - The result is written before Done is closed.
//   - In timer mode at most one execution per job name is active.
//   - A non-zero exit status is data; only Report.Failure turns it into an
//     error.
package service
