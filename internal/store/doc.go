// ABOUTME: Package documentation for the store package
// ABOUTME: Describes the persisted runtime state and its consumers

// Package store persists the gateway's runtime state in SQLite: bindings
// created by the pairing flow (read by the routing engine ahead of the
// static configuration) and a notification ledger of lifecycle events that
// outlive any single connection.
package store
