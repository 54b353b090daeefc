// Package orchestrator is the event state machine, the Brain.
//
// Every open event is owned by its own control loop goroutine. Operations
// (Ingest, Reply, RequestClose, Defer, Wake, ...) are queued to that loop
// and applied one at a time, so no two turns of an event overlap while
// different events progress independently. Dispatches run in a child
// goroutine of the loop; a deferral cancels the one in flight and its
// result is discarded.
//
// Lifecycle:
//
//	new -> active -> {waiting_approval | deferred | resolved} -> closed
//
// active is re-entered from deferred on wake, from waiting_approval on a
// human response, and from resolved when the primary rejects the fix.
// closed is terminal.
//
// Typical wiring:
//
//	brain, err := orchestrator.New(orchestrator.RequiredConfig{
//		Store:       db,
//		Coordinator: dispatch.New(backend, git, gitops, dispatch.DefaultConfig()),
//	}, orchestrator.WithNotifier(notifier), orchestrator.WithMaintainer("U024BE7LH"))
//	if err := brain.Restore(ctx); err != nil { ... }
//	id, err := brain.Ingest(ctx, orchestrator.Inbound{Source: "slack", Content: "..."})
package orchestrator
