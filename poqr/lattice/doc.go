// Package lattice implements the POQR key-encapsulation mechanism.
//
// The scheme is a module-LWE KEM over Z_q[x]/(x^256+1) with q = 3329 and
// module rank 3:
//   - Noise from a centered binomial distribution (eta = 2)
//   - Ciphertext compression to 10 and 4 bits per coefficient
//   - Fujisaki-Okamoto transform with implicit rejection
//   - Constant-time reduction, compression and failure path
//
// Scheme satisfies the hpqc kem.Scheme interface so relays and hosts can
// swap it for the classical fallback or a hybrid via SchemeByName.
package lattice
