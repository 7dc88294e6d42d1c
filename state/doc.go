// Package state stores per-chat workflow state for workers.
//
// Keys have the form workflow.{identity}.{chat_id}. A worker writes the state
// named by a dispatch message before it applies the message's action, so a
// later reply from the user is interpreted in the new state.
//
// Two backends exist: NATSStore over a JetStream KV bucket, shared by every
// worker connected to the same server, and MemoryStore for tests and
// single-process runs.
//
//	store := state.NewMemoryStore()
//	wf := state.NewWorkflows(store)
//	wf.Set(ctx, "shop_bot", 42, state.Workflow{State: "awaiting_payment"})
package state
