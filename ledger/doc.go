// Package ledger implements the idempotent job ledger shared by the inbound and
// outbound paths. A run is the durable record of one unit of deferred work; an
// optional (tenant, idempotency key) lock suppresses duplicate enqueues while
// a live run exists.
package ledger
