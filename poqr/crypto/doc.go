// Package crypto provides the symmetric primitives of the onion layer cipher.
//
// Design goals:
//   - ChaCha20-Poly1305 (RFC 8439), fast without AES-NI
//   - Length-preserving detached sealing so cells keep a fixed size
//   - Directional hop keys via HKDF-SHA256 (forward != backward)
//   - Constant-time comparisons and key zeroing
package crypto
