// Package service implements the jobq daemon and its client side.
//
// Overview
// Clients (one short lived CLI process per call) and the daemon share no
// memory. They talk only through the job store file and the job output files.
//
//	Client                 store.Store                Scheduler            Runner
//	  |  Submit/Cancel -----> queue.json <----- Tick: load/update            |
//	  |  List/Info/Wait <---      |                |  admit -------------> Start (detached)
//	  |                           |                |  poll <-------------- Handle.Poll
//	  |                           |                |  cancel ------------> Handle.Terminate
//	  |  Output <-------- running/ finished/ output files <------------ child stdout/stderr
//
// Scheduler ticks are cooperative: each step loads the job set, and every
// single job transition is a locked read-modify-write of the store, so a
// concurrent Submit or Cancel interleaves only between transitions. Steps
// never wait for a job, processes are probed without blocking.
//
// A job process is started in its own session, so it outlives the daemon.
// In-memory Handles are therefore a cache only: after a restart the first
// tick reconciles jobs persisted as running against the process table,
// adopting live matching processes and failing the rest.
//
// Invariants:
//   - At most one Scheduler per state directory (AcquireLock).
//   - At most max_running jobs are running, admission is FIFO by submission.
//   - Terminal states are final and timestamps are never rewound.
//   - Output files are created before the process starts and archived on
//     the terminal transition.
package service
