// Package channel implements the in-memory channel registry: a named
// pub/sub fan-out from publishers (agent runs, shells, the server itself) to
// every connection subscribed to a channel such as "session:<id>".
package channel
