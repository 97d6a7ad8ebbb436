// Package core holds the ingress domain model: entities and their status
// machines, store and queue contracts, the error taxonomy, configuration and
// the shared observer. Storage, transport and queue adapters depend on core;
// core depends on none of them.
package core
