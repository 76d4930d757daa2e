// Package protocol defines the control-plane wire protocol: JSON envelopes
// carrying requests, correlated responses, and server-push events.
//
// Three envelope kinds exist. Requests and responses are matched by a
// correlation ID chosen by the requester and unique per connection; every
// request yields exactly one terminal response. Events carry a topic and a
// monotonically increasing per-topic sequence number so subscribers can
// de-duplicate after reconnect.
//
// The package is shared by the gateway server, openclawctl, and tests, so
// payload struct definitions for every method and topic live here.
package protocol
