package onion

import (
	"errors"
	"sync"

	"github.com/TheusHen/poqr/poqr/crypto"
	"github.com/TheusHen/poqr/poqr/crypto/ratchet"
)

var ErrHopWiped = errors.New("onion: hop state wiped")

// Role says which end of a hop the local node is.
type Role int

const (
	// Originator is the host that built the circuit.
	Originator Role = iota
	// Relay is the router that owns this hop.
	Relay
)

func (r Role) String() string {
	if r == Originator {
		return "originator"
	}
	return "relay"
}

// Hop is the layer state one hop shares with the originator: a sending
// chain for one direction and a receiving chain for the other.
//
// The originator seals forward and opens backward; the relay does the
// reverse. Both derive from the same HopKeys.
type Hop struct {
	mu   sync.Mutex
	role Role
	send *ratchet.Chain
	recv *ratchet.Receiver
}

// NewOriginatorHop creates the host side of a hop.
func NewOriginatorHop(keys *crypto.HopKeys, window int) (*Hop, error) {
	return newHop(Originator, keys.Forward[:], keys.Backward[:], window)
}

// NewRelayHop creates the relay side of a hop.
func NewRelayHop(keys *crypto.HopKeys, window int) (*Hop, error) {
	return newHop(Relay, keys.Backward[:], keys.Forward[:], window)
}

func newHop(role Role, sendKey, recvKey []byte, window int) (*Hop, error) {
	send, err := ratchet.NewChain(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := ratchet.NewReceiver(recvKey, window)
	if err != nil {
		return nil, err
	}
	return &Hop{role: role, send: send, recv: recv}, nil
}

func (h *Hop) Role() Role { return h.role }

func (h *Hop) seal(buf, ad []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.send == nil {
		return nil, ErrHopWiped
	}
	return h.send.SealDetached(buf, ad)
}

func (h *Hop) open(buf, tag, ad []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recv == nil {
		return ErrHopWiped
	}
	return h.recv.OpenDetached(buf, tag, ad)
}

// Generations returns the next send and receive generations.
func (h *Hop) Generations() (send, recv uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.send == nil {
		return ratchet.MaxGeneration, ratchet.MaxGeneration
	}
	return h.send.Generation(), h.recv.Generation()
}

// Wipe destroys the chain keys. The hop is unusable afterwards.
func (h *Hop) Wipe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.send == nil {
		return
	}
	h.send.Wipe()
	h.recv.Wipe()
	h.send, h.recv = nil, nil
}
