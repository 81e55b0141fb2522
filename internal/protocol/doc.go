// Package protocol defines the JSON envelope spoken between the dashboard and
// the workbench server, the channel naming scheme, and the message, event,
// and error-code vocabularies.
package protocol
