package directory

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/katzenpost/hpqc/kem"

	"github.com/TheusHen/poqr/poqr/identity"
	"github.com/TheusHen/poqr/poqr/lattice"
)

const descriptorContext = "poqr relay descriptor v1"

var (
	ErrNotFound          = errors.New("directory: relay not found")
	ErrBadSignature      = errors.New("directory: descriptor signature invalid")
	ErrPeerIDMismatch    = errors.New("directory: peerid does not match identity key")
	ErrMissingField      = errors.New("directory: descriptor incomplete")
	ErrDescriptorExpired = errors.New("directory: descriptor expired")
)

// DescriptorLifetime is how long a published descriptor stays valid.
const DescriptorLifetime = 24 * time.Hour

// Descriptor is what a relay publishes about itself: where to reach it,
// the Ed25519 key its link HELLO is signed with, and its KEM public key.
type Descriptor struct {
	PeerID       identity.PeerID   `json:"peer_id"`
	IdentityKey  []byte            `json:"identity_key"`
	KEMScheme    string            `json:"kem_scheme"`
	KEMPublicKey []byte            `json:"kem_public_key"`
	Addr         string            `json:"addr"`
	Exit         bool              `json:"exit"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Published    int64             `json:"published"`
	Signature    []byte            `json:"signature"`
}

// NewDescriptor builds an unsigned descriptor for the relay.
func NewDescriptor(kp identity.KeyPair, kemKey kem.PublicKey, addr string, exit bool) (Descriptor, error) {
	pub, err := kemKey.MarshalBinary()
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		PeerID:       kp.PeerID(),
		IdentityKey:  append([]byte(nil), kp.PublicKey...),
		KEMScheme:    kemKey.Scheme().Name(),
		KEMPublicKey: pub,
		Addr:         addr,
		Exit:         exit,
		Published:    time.Now().Unix(),
	}, nil
}

func (d Descriptor) SigningBytes() ([]byte, error) {
	if len(d.IdentityKey) != ed25519.PublicKeySize || len(d.KEMPublicKey) == 0 || d.Addr == "" || d.KEMScheme == "" {
		return nil, ErrMissingField
	}

	var b bytes.Buffer
	b.WriteString(descriptorContext)
	b.Write(d.PeerID[:])
	b.Write(d.IdentityKey)
	writeField(&b, []byte(d.KEMScheme))
	writeField(&b, d.KEMPublicKey)
	writeField(&b, []byte(d.Addr))
	if d.Exit {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(d.Published))
	b.Write(ts[:])

	keys := make([]string, 0, len(d.Capabilities))
	for k := range d.Capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(&b, []byte(k))
		writeField(&b, []byte(d.Capabilities[k]))
	}
	return b.Bytes(), nil
}

func writeField(b *bytes.Buffer, v []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(v)))
	b.Write(l[:])
	b.Write(v)
}

func (d *Descriptor) Sign(kp identity.KeyPair) error {
	toSign, err := d.SigningBytes()
	if err != nil {
		return err
	}
	d.Signature = kp.Sign(toSign)
	return nil
}

// Verify checks that the descriptor is signed by the identity it names.
func (d Descriptor) Verify() error {
	if identity.PeerIDFromPublicKey(d.IdentityKey) != d.PeerID {
		return ErrPeerIDMismatch
	}
	toVerify, err := d.SigningBytes()
	if err != nil {
		return err
	}
	if !identity.Verify(ed25519.PublicKey(d.IdentityKey), toVerify, d.Signature) {
		return ErrBadSignature
	}
	return nil
}

// VerifyAt is Verify plus the freshness check.
func (d Descriptor) VerifyAt(now time.Time) error {
	if err := d.Verify(); err != nil {
		return err
	}
	if now.Sub(time.Unix(d.Published, 0)) > DescriptorLifetime {
		return ErrDescriptorExpired
	}
	return nil
}

// KEMKey decodes the relay's KEM public key.
func (d Descriptor) KEMKey() (kem.PublicKey, error) {
	s, err := lattice.SchemeByName(d.KEMScheme)
	if err != nil {
		return nil, err
	}
	pk, err := s.UnmarshalBinaryPublicKey(d.KEMPublicKey)
	if err != nil {
		return nil, fmt.Errorf("directory: relay %s: %w", d.PeerID.Short(), err)
	}
	return pk, nil
}

func (d Descriptor) Clone() Descriptor {
	out := d
	out.IdentityKey = append([]byte(nil), d.IdentityKey...)
	out.KEMPublicKey = append([]byte(nil), d.KEMPublicKey...)
	out.Signature = append([]byte(nil), d.Signature...)
	if d.Capabilities != nil {
		out.Capabilities = make(map[string]string, len(d.Capabilities))
		for k, v := range d.Capabilities {
			out.Capabilities[k] = v
		}
	}
	return out
}

// Resolver is the relay directory seen by hosts and relays.
// Implementations only return descriptors that verify.
type Resolver interface {
	Announce(d Descriptor) error
	Lookup(peerID identity.PeerID) (Descriptor, error)
	List() ([]Descriptor, error)
}
