// Package dedupe tracks recently seen event fingerprints so that
// at-least-once redeliveries from the event stream are dropped before they
// reach client state.
package dedupe
