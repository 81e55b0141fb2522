// Package shell runs interactive terminals for the dashboard.
//
// A connection opens a shell in a project's directory by sending start on
// "shell:<projectId>". Keystrokes arrive as input, window changes as resize.
// Output comes back as output events and the exit status as exit, sent only
// to the connection that started the shell. Each connection has at most one
// shell per project, so two tabs on one project run independent terminals.
// A shell is hung up when its connection closes and on server shutdown.
package shell
