package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const pemType = "POQR ED25519 PRIVATE KEY"

var (
	ErrInvalidPublicKey  = errors.New("identity: invalid Ed25519 public key size")
	ErrInvalidPrivateKey = errors.New("identity: invalid Ed25519 private key size")
	ErrBadKeyFile        = errors.New("identity: malformed key file")
)

// KeyPair holds the Ed25519 keypair a relay signs its descriptor and
// link HELLO with. Hosts never need one.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func NewKeyPair(publicKey, privateKey []byte) (KeyPair, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return KeyPair{}, ErrInvalidPublicKey
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return KeyPair{}, ErrInvalidPrivateKey
	}
	return KeyPair{PublicKey: ed25519.PublicKey(publicKey), PrivateKey: ed25519.PrivateKey(privateKey)}, nil
}

func (kp KeyPair) PeerID() PeerID {
	return PeerIDFromPublicKey(kp.PublicKey)
}

func (kp KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// SaveFile writes the private key seed as PEM with mode 0600.
func (kp KeyPair) SaveFile(path string) error {
	blk := &pem.Block{Type: pemType, Bytes: kp.PrivateKey.Seed()}
	return os.WriteFile(path, pem.EncodeToMemory(blk), 0o600)
}

// LoadFile reads a key written by SaveFile.
func LoadFile(path string) (KeyPair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, err
	}
	blk, _ := pem.Decode(b)
	if blk == nil || blk.Type != pemType || len(blk.Bytes) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("%w: %s", ErrBadKeyFile, path)
	}
	priv := ed25519.NewKeyFromSeed(blk.Bytes)
	return KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// LoadOrGenerate loads the key at path, creating it on first use.
func LoadOrGenerate(path string) (KeyPair, error) {
	kp, err := LoadFile(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, err
	}
	kp, err = GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := kp.SaveFile(path); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}
