// Package circuit builds and uses circuits from the host side.
//
// Build extends a circuit one hop at a time: CREATE to the first relay,
// then an EXTEND sealed through every hop built so far. Each relay
// answers with the confirm key derived from the KEM shared secret, so a
// hop that decapsulated a different secret is caught before any data
// flows. Only the host ever knows the whole path.
//
// A circuit moves through Idle, AwaitingHop, Established, Active,
// Closing and Closed. Inbound cells are checked against a fixed
// transition table and anything else is dropped.
package circuit
