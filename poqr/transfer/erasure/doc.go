// Package erasure provides Reed-Solomon parity for message fragments.
//
// A message split into k data fragments and sent with m parity fragments
// survives the loss of any m of them. Relays drop cells that fail
// authentication, so a few parity cells let the far end rebuild the
// message without a round trip.
package erasure
