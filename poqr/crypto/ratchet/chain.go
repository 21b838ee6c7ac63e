package ratchet

import (
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/TheusHen/poqr/poqr/crypto"
)

var (
	ErrRatchetExhausted = errors.New("ratchet: maximum generation reached")
	ErrInvalidKey       = errors.New("ratchet: initial key must be 32 bytes")
)

const (
	// MaxGeneration is the maximum number of cells per direction before the circuit must be rebuilt.
	MaxGeneration = 1 << 32

	// DefaultWindow is how many lost cells a receiver skips over.
	DefaultWindow = 4
)

// Chain is the sending half of a symmetric key ratchet.
// Each step derives a fresh message key from the current chain key and
// then replaces the chain key, so earlier cells stay protected if the
// current state leaks.
type Chain struct {
	mu         sync.Mutex
	chainKey   [32]byte
	generation uint64
}

// NewChain creates a new ratchet chain from an initial 32-byte key.
func NewChain(initialKey []byte) (*Chain, error) {
	if len(initialKey) != 32 {
		return nil, ErrInvalidKey
	}
	c := &Chain{}
	copy(c.chainKey[:], initialKey)
	return c, nil
}

// deriveKeys derives (nextChainKey, messageKey) from a chain key.
//
//	chainKey || 0x01 -> messageKey
//	chainKey || 0x02 -> nextChainKey
func deriveKeys(chainKey [32]byte) ([32]byte, [32]byte) {
	h1 := sha256.New()
	h1.Write(chainKey[:])
	h1.Write([]byte{0x01})
	var messageKey [32]byte
	copy(messageKey[:], h1.Sum(nil))

	h2 := sha256.New()
	h2.Write(chainKey[:])
	h2.Write([]byte{0x02})
	var nextChainKey [32]byte
	copy(nextChainKey[:], h2.Sum(nil))

	return nextChainKey, messageKey
}

// Step advances the ratchet and returns an AEAD cipher for the current cell.
// The chain key is immediately updated.
func (c *Chain) Step() (*crypto.AEAD, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation >= MaxGeneration {
		return nil, 0, ErrRatchetExhausted
	}

	nextChain, msgKey := deriveKeys(c.chainKey)
	gen := c.generation

	c.chainKey = nextChain
	c.generation++

	aead, err := crypto.NewAEAD(msgKey[:])
	crypto.Zero(msgKey[:])
	if err != nil {
		return nil, 0, err
	}
	return aead, gen, nil
}

// SealDetached encrypts buf in place under the next message key and
// returns the tag.
func (c *Chain) SealDetached(buf, ad []byte) ([]byte, error) {
	aead, gen, err := c.Step()
	if err != nil {
		return nil, err
	}
	return aead.SealDetached(gen, buf, ad), nil
}

// Generation returns the current generation number.
func (c *Chain) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Wipe destroys the chain key.
func (c *Chain) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	crypto.Zero(c.chainKey[:])
	c.generation = MaxGeneration
}

// Receiver is the receiving half of a chain.
// Cells arrive in order; a cell that was dropped upstream is skipped over
// by trying at most window further generations. State only advances on a
// successful open.
type Receiver struct {
	mu         sync.Mutex
	chainKey   [32]byte
	generation uint64
	window     int
}

// NewReceiver creates a receiver ratchet from the initial key.
func NewReceiver(initialKey []byte, window int) (*Receiver, error) {
	if len(initialKey) != 32 {
		return nil, ErrInvalidKey
	}
	if window < 0 {
		window = 0
	}
	r := &Receiver{window: window}
	copy(r.chainKey[:], initialKey)
	return r, nil
}

// OpenDetached verifies and decrypts buf in place.
// buf is untouched when every candidate key fails.
func (r *Receiver) OpenDetached(buf, tag, ad []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ck := r.chainKey
	for i := 0; i <= r.window; i++ {
		gen := r.generation + uint64(i)
		if gen >= MaxGeneration {
			return ErrRatchetExhausted
		}
		next, msgKey := deriveKeys(ck)
		aead, err := crypto.NewAEAD(msgKey[:])
		crypto.Zero(msgKey[:])
		if err != nil {
			return err
		}
		if aead.OpenDetached(gen, buf, tag, ad) == nil {
			r.chainKey = next
			r.generation = gen + 1
			return nil
		}
		ck = next
	}
	return crypto.ErrAuthentication
}

// Generation returns the next expected generation.
func (r *Receiver) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Wipe destroys the chain key.
func (r *Receiver) Wipe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	crypto.Zero(r.chainKey[:])
	r.generation = MaxGeneration
}
