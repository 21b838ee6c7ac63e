// Package ratchet implements the per-cell symmetric key schedule of a hop.
//
// Every cell in one direction of one hop is sealed under a fresh message key
// derived from a hash chain; the chain key is replaced after each step.
package ratchet
