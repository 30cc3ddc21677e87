// Package daemon runs the sync coordinator in the background.
//
// The daemon:
// 1. Returns items left Syncing by a previous process to Pending
// 2. Drains once at startup
// 3. Drains when connectivity comes back (debounced)
// 4. Drains on a periodic ticker and when the earliest backoff expires
// 5. Drains when a wake file for the background-sync tag appears
// 6. Handles graceful shutdown, releasing in-flight leases
//
// Only one daemon should run per store; AcquireLock guards the data
// directory.
package daemon
