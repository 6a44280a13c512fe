// Package engine implements the incremental change pipeline.
//
// The Engine owns every pipeline component: the event buffer, the window
// manager, the change detector, the conflict resolver and log, the version
// store, the dual-store applier, the dead-letter sink and the metrics.
// Nothing in the pipeline is a package-level singleton.
//
// ARCHITECTURE:
//
// Bounded Worker Pool:
// Sources call Submit, which puts the event into the bounded buffer or
// rejects it with a backpressure error. A fixed number of workers pull
// events and run each one through the pipeline:
//
//  1. normalize and extract (transform boundary)
//  2. validate
//  3. skip no-ops (content hash unchanged)
//  4. detect and resolve conflicts
//  5. stage a version
//  6. write both stores
//  7. commit the version and snapshot
//  8. append conflicts to the log
//  9. verify store consistency
//
// Per-Record Ordering:
// A worker takes a ticket for the event's record while dequeuing and holds
// it for the whole pipeline. Events of one record are therefore never
// processed concurrently and are applied in dequeue order. Events of
// different records proceed in parallel.
//
// Failure Handling:
// Validation failures are dead-lettered at once. Every other failure is
// retried with exponential backoff until the event's retry budget is
// spent, then dead-lettered. A panic in a stage is recovered and treated
// as a failure of that event.
//
// Shutdown:
// Shutdown stops intake. Workers finish the event they hold, pending
// retries are cancelled and every event still buffered or waiting for a
// retry is dead-lettered with kind "shutdown", so no event is lost
// silently.
//
// Timestamps:
// Conflict precedence uses the wall-clock timestamps supplied by sources
// and assumes their clocks are synchronized.
package engine
