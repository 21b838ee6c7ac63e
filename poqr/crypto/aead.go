package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the layer key size.
	KeySize = chacha20poly1305.KeySize
	// TagSize is the Poly1305 tag size.
	TagSize = chacha20poly1305.Overhead
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrAuthentication     = errors.New("crypto: authentication failed")
	ErrInvalidKeySize     = errors.New("crypto: invalid key size for ChaCha20-Poly1305")
	ErrTagSize            = errors.New("crypto: invalid tag size")
)

// AEAD wraps ChaCha20-Poly1305.
// Seal uses a 64-bit counter + 32-bit random prefix for the 96-bit nonce.
// SealDetached takes the counter from the caller, which lets both ends of a
// hop agree on the nonce without sending it.
type AEAD struct {
	aead   cipher.AEAD
	prefix [4]byte
	seq    atomic.Uint64
}

// NewAEAD creates a new AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	a := &AEAD{aead: aead}
	if _, err := io.ReadFull(rand.Reader, a.prefix[:]); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AEAD) nextNonce() []byte {
	seq := a.seq.Add(1)
	nonce := make([]byte, chacha20poly1305.NonceSize) // 12 bytes
	copy(nonce[:4], a.prefix[:])
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

func counterNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Seal encrypts and authenticates plaintext.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (a *AEAD) Seal(plaintext, additionalData []byte) []byte {
	nonce := a.nextNonce()
	ciphertext := a.aead.Seal(nil, nonce, plaintext, additionalData)
	out := make([]byte, len(nonce)+len(ciphertext))
	copy(out, nonce)
	copy(out[len(nonce):], ciphertext)
	return out
}

// Open decrypts and verifies ciphertext.
// Input format: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (a *AEAD) Open(ciphertext, additionalData []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSize
	if len(ciphertext) < nonceSize+a.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := a.aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// SealDetached encrypts buf in place and returns the tag.
// The ciphertext has the same length as the plaintext.
func (a *AEAD) SealDetached(counter uint64, buf, additionalData []byte) []byte {
	out := a.aead.Seal(make([]byte, 0, len(buf)+TagSize), counterNonce(counter), buf, additionalData)
	copy(buf, out[:len(buf)])
	return out[len(buf):]
}

// OpenDetached verifies tag and decrypts buf in place.
// On failure buf is left untouched.
func (a *AEAD) OpenDetached(counter uint64, buf, tag, additionalData []byte) error {
	if len(tag) != TagSize {
		return ErrTagSize
	}
	in := make([]byte, 0, len(buf)+TagSize)
	in = append(in, buf...)
	in = append(in, tag...)
	pt, err := a.aead.Open(in[:0], counterNonce(counter), in, additionalData)
	if err != nil {
		return ErrAuthentication
	}
	copy(buf, pt)
	return nil
}

// Overhead returns the authentication tag overhead.
func (a *AEAD) Overhead() int { return a.aead.Overhead() }

// NonceSize returns the nonce size.
func (a *AEAD) NonceSize() int { return chacha20poly1305.NonceSize }

// Seal is the one-shot form of AEAD.Seal for a single key.
func Seal(key, plaintext []byte) ([]byte, error) {
	a, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return a.Seal(plaintext, nil), nil
}

// Open is the one-shot form of AEAD.Open for a single key.
func Open(key, ciphertext []byte) ([]byte, error) {
	a, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return a.Open(ciphertext, nil)
}
