// Package orchestrator drives test runs across the registered engines.
//
// Submit validates and hands a run to its engine, then starts exactly one
// poller that follows the run until it reaches a terminal state or its run
// deadline. Stop asks the engine to cancel a running run and resolves it
// within the cancel timeout. A Reconciler periodically compares local runs
// with each engine's own listing and corrects drift. Terminal runs are passed
// to a ResultSink and kept in the registry for a retention window.
package orchestrator
