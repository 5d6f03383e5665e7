// Package audit stores the append-only trail of operator actions.
//
// Two kinds of entries are written: device commands (one per dispatch,
// successful or not) and login attempts. Telemetry never reaches this
// package; the latest-value cache in package device is deliberately
// volatile.
//
// Writes go through a Recorder, which is best effort: a failing audit insert
// is logged and never fails the operation being audited.
package audit
