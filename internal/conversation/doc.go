// Package conversation holds the merged client-side state for one
// alert-processing session and its follow-up chat.
//
// # Overview
//
// The package reconciles two sources into a single consistent view: REST
// snapshots (authoritative but point-in-time) and the live event stream
// (incremental, at-least-once, possibly out of order).
//
// # Store
//
// The Store binds one session's logical channel to the two state machines:
//
//	store := conversation.NewStore(subscriber, client, opts)
//	store.Watch(sessionID)
//
// Every inbound event passes duplicate suppression first, is optionally
// journaled, and is then folded into the status tracker and, once a chat is
// attached via OpenChat, the transcript.
//
// # StatusTracker
//
// StatusTracker derives a ProcessingStatus view from session, stage, llm and
// mcp events. Terminal transitions latch: buffered intermediate events
// delivered after a reconnect cannot resurrect a finished session, and the
// completion callback fires at most once per session context after a short
// settle delay.
//
// # Transcript
//
// Transcript merges chat user messages and assistant stage turns into one
// keyed sequence. Updates for a known key replace the entry in place,
// preserving its position. Sends are optimistic: a placeholder appears
// immediately and is either confirmed in place or rolled back.
//
// # Context identity
//
// Both state machines carry an opaque context token rotated whenever the
// watched session changes. Async continuations (REST hydration, settle
// timers) capture the token at launch and discard their results when it no
// longer matches, so slow responses from an abandoned session never leak
// into the current one.
package conversation
