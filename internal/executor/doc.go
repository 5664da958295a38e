// Package executor turns the best aggregated quote into an on-chain swap for a
// session wallet. Each step fails with a stable error code; a submitted
// transaction is never resubmitted.
package executor
