// Package storage keeps the append-only record of operator key fingerprints
// seen by the submission form.
//
// Drivers:
//   - "file": one "<YYYY-MM-DD HH:MM:SS> | <entry>" line per record
//   - "sqlite": the same records in a SQLite table (modernc.org/sqlite)
//
// Entries are fingerprints (see Fingerprint); raw keys are never stored.
package storage
