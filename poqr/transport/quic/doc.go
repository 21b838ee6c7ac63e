// Package quic provides the QUIC link transport. Each link is a single
// bidirectional stream; TLS 1.3 encrypts the hop, the signed HELLO
// authenticates the relay.
package quic
