// Package webhooks turns raw provider deliveries into stored inbound events.
//
// Each delivery passes a fixed filter pipeline: size limit, signature
// presence, envelope extraction, tenant resolution with signature
// verification, replay window, and finally idempotent event creation.
// Only signature failures are reported to the caller as errors; every
// other rejection is an outcome so providers do not retry it.
package webhooks
