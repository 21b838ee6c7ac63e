package onion

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/TheusHen/poqr/poqr/cell"
)

var (
	ErrPayloadSize = errors.New("onion: payload is not a RELAY payload")
	ErrHopCount    = errors.New("onion: hop count out of range")
)

var (
	forwardAD  = []byte("poqr forward")
	backwardAD = []byte("poqr backward")
)

func split(payload []byte) (tags, body []byte, err error) {
	if len(payload) != cell.PayloadSize {
		return nil, nil, ErrPayloadSize
	}
	return payload[:cell.TagStackSize], payload[cell.TagStackSize:], nil
}

func checkHops(n int) error {
	if n < 1 || n > cell.MaxHops {
		return fmt.Errorf("%w: %d", ErrHopCount, n)
	}
	return nil
}

// WrapForward seals the body in payload for hops[len-1] down to hops[0]
// and writes their tags in path order. Unused tag slots are random.
// The body must already hold an encoded cell.Body.
func WrapForward(hops []*Hop, payload []byte) error {
	tags, body, err := split(payload)
	if err != nil {
		return err
	}
	if err := checkHops(len(hops)); err != nil {
		return err
	}
	if _, err := io.ReadFull(rand.Reader, tags[len(hops)*cell.TagSize:]); err != nil {
		return err
	}
	for i := len(hops) - 1; i >= 0; i-- {
		tag, err := hops[i].seal(body, forwardAD)
		if err != nil {
			return fmt.Errorf("onion: hop %d: %w", i+1, err)
		}
		copy(tags[i*cell.TagSize:], tag)
	}
	return nil
}

// PeelForward removes this hop's layer. The first tag is consumed, the
// stack shifts up one slot and a random tag fills the last slot, so the
// stack looks the same at every position on the path.
//
// On error the payload is unchanged and must be dropped.
func PeelForward(h *Hop, payload []byte) error {
	tags, body, err := split(payload)
	if err != nil {
		return err
	}
	if err := h.open(body, tags[:cell.TagSize], forwardAD); err != nil {
		return err
	}
	copy(tags, tags[cell.TagSize:])
	_, err = io.ReadFull(rand.Reader, tags[cell.TagStackSize-cell.TagSize:])
	return err
}

// WrapBackward adds this hop's layer to a reply and pushes the tag on
// the front of the stack.
func WrapBackward(h *Hop, payload []byte) error {
	tags, body, err := split(payload)
	if err != nil {
		return err
	}
	tag, err := h.seal(body, backwardAD)
	if err != nil {
		return err
	}
	copy(tags[cell.TagSize:], tags[:cell.TagStackSize-cell.TagSize])
	copy(tags, tag)
	return nil
}

// OriginateBackward starts a reply at the end of the circuit: the tag
// stack is filled with random bytes before the first layer is added.
func OriginateBackward(h *Hop, payload []byte) error {
	tags, _, err := split(payload)
	if err != nil {
		return err
	}
	if _, err := io.ReadFull(rand.Reader, tags); err != nil {
		return err
	}
	return WrapBackward(h, payload)
}

// PeelBackward opens the layers of hops[0] through hops[len-1]. Replies
// always originate at the last hop of the circuit as built so far.
//
// On error the payload holds partially opened data and must be dropped.
func PeelBackward(hops []*Hop, payload []byte) error {
	tags, body, err := split(payload)
	if err != nil {
		return err
	}
	if err := checkHops(len(hops)); err != nil {
		return err
	}
	for i, h := range hops {
		if err := h.open(body, tags[i*cell.TagSize:(i+1)*cell.TagSize], backwardAD); err != nil {
			return fmt.Errorf("onion: hop %d: %w", i+1, err)
		}
	}
	return nil
}
