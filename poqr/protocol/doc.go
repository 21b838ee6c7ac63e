// Package protocol defines the frames exchanged when a link is opened,
// before any cell is sent: the dialer's challenge and the listener's
// signed HELLO.
package protocol
