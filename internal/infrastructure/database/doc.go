// Package database provides SQLite connectivity for AquaFeed Core.
//
// It owns the control database: the user directory and the audit trail of
// commands and logins. Latest device readings live in memory only.
//
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Versioned schema migrations embedded in the binary
//   - Health checks
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
