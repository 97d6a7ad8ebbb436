// Package inbound stores accepted external events and runs them through the
// processor registered for their source type. Processing is claimed with a
// conditional update, so duplicate queue deliveries for the same event run
// the processor at most once per attempt.
package inbound
