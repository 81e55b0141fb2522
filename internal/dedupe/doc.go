// Package dedupe rejects repeated client message ids within a time window,
// so a send retried after a reconnect does not start a second agent run.
package dedupe
