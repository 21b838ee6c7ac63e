// Package relay is the router side of POQR.
//
// A Relay answers CREATE with a fresh hop, peels one layer off each
// forward RELAY cell and adds one to each backward cell. When it is the
// last hop of a circuit it either extends the circuit on EXTEND or hands
// application messages to its Deliverer.
//
// Each circuit is known by two keys, (previous link, circuit ID) and,
// once extended, (next link, circuit ID). The table is sharded and every
// entry carries its own lock, so a slow circuit never holds up another.
// An entry only ever knows its two neighbors.
package relay
