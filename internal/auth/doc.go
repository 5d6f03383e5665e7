// Package auth is the access control collaborator of the gateway.
//
// Two roles exist. A user may read device state and send device commands;
// an admin may additionally manage accounts and read the audit trail.
// Accounts live in the SQLite users table with Argon2id password hashes.
// A successful login yields a short-lived HS256 JWT whose claims carry the
// account id, username and role, so request authentication never touches
// the database.
//
// The HTTP layer turns a validated token into a Caller, and everything
// downstream (command dispatch, audit) sees only that Caller.
package auth
