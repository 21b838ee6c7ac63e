// Package transfer carries application messages over a circuit.
//
// A message is optionally LZ4 compressed and split into fragments that
// each fit one RELAY DATA body. Messages spanning several fragments may
// carry Reed-Solomon parity fragments so a few lost cells do not lose
// the message.
package transfer
