// Package engine runs reconciliation: it takes canonical events off the
// queue, reconciles each against the member store, records the resulting
// actions in the ledger and executes them.
//
// Event Processing Flow:
//  1. The normalizer writes the event to the store inbox and calls Enqueue.
//  2. The dispatcher dequeues events in order and chains each behind any
//     in-flight event that shares a chat id, game account id or member id.
//  3. A worker loads the records the event refers to and asks the
//     reconciler for actions.
//  4. The actions are recorded, and the event marked processed, in one
//     transaction.
//  5. The executor runs the actions in order. Store actions apply under
//     optimistic concurrency; chat calls are retried with backoff.
//
// Different members reconcile in parallel. Events about one member apply
// strictly in ingestion order.
//
// Shutdown stops intake and lets in-flight chat calls finish. Whatever did
// not run is still pending in the ledger or unprocessed in the inbox, and
// Recover picks it up on the next start. Nothing is lost and nothing is
// applied twice: every action carries an idempotency key and a ledger state.
//
// Seq numbers from Clock order events and ledger entries. Wall-clock time is
// only used for grace periods, flap windows and rank history timestamps.
package engine
