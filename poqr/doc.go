// Package poqr provides a library implementation of POQR, post-quantum
// onion routing.
//
// A host builds a circuit through a few relays, one hop at a time, and
// agrees on a key with each of them through a lattice KEM. Every cell it
// sends carries one encryption layer per hop, so each relay learns only
// its neighbors on the circuit. Cells have a fixed size whatever they
// carry.
//
// Client is the entry point for hosts. Relays are run with package relay
// and discovered through package directory.
package poqr
