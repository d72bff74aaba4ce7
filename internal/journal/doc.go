// Package journal provides a local SQLite record of accepted stream events.
//
// Every event that survives duplicate suppression can be journaled before it
// is folded into client state, giving operators a replayable record of what
// the console saw during an incident. Journal failures are reported to the
// caller but are expected to be logged and ignored on the live path.
package journal
