package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hopKeysInfo = "poqr hop keys"

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// HopKeys are the per-hop keys derived from one KEM shared secret.
// Forward protects host-to-exit cells, Backward the replies, and Confirm
// is echoed in CREATED so the host can detect a failed decapsulation.
type HopKeys struct {
	Forward  [32]byte
	Backward [32]byte
	Confirm  [32]byte
}

// DeriveHopKeys expands sharedSecret into directional hop keys. The KEM
// ciphertext is bound in through the salt.
func DeriveHopKeys(sharedSecret, ciphertext []byte) (HopKeys, error) {
	salt := sha256.Sum256(ciphertext)
	keyMaterial, err := DeriveKey(sharedSecret, salt[:], []byte(hopKeysInfo), 96)
	if err != nil {
		return HopKeys{}, err
	}
	defer Zero(keyMaterial)

	var hk HopKeys
	copy(hk.Forward[:], keyMaterial[:32])
	copy(hk.Backward[:], keyMaterial[32:64])
	copy(hk.Confirm[:], keyMaterial[64:96])
	return hk, nil
}

// Wipe zeroes all keys.
func (hk *HopKeys) Wipe() {
	Zero(hk.Forward[:])
	Zero(hk.Backward[:])
	Zero(hk.Confirm[:])
}

// Zero overwrites b with zeros in a constant-time friendly way.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}

// Equal compares two byte slices in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
