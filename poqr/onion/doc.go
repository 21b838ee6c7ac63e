// Package onion applies and removes the per-hop layers of RELAY payloads.
//
// A RELAY payload is a fixed stack of MaxHops tags followed by a body of
// constant size. Each layer encrypts the body in place and contributes
// one 16-byte tag, so the payload never changes length on the path:
//
//	forward:  host seals N..1, each relay pops its tag and opens
//	backward: each relay seals and pushes its tag, host opens 1..N
//
// Layers are applied by explicit loops over hop state; each hop keeps its
// own ratchet so every cell uses a fresh key.
package onion
