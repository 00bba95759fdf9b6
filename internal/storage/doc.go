// Package storage is the SQLite persistence layer.
//
// It holds:
//   - the schedule table backing the deferred event scheduler
//   - per-guild settings, auto reaction rules and pending verifications
//   - experience counters and exclusions
//   - thin ice and birthday tracking
//   - the moderation audit log
package storage
