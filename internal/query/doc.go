// Package query is the read side of the gateway.
//
// Service shapes device.Store contents into views for external callers. It
// keeps no copy of its own: every call reads the live store, so a view is
// never older than the moment it was built.
//
// Freshness is reported, not hidden. Each reading view carries its arrival
// time, its age, and a Stale flag set once the age exceeds the configured
// freshness window. A device that was never observed is simply absent.
package query
