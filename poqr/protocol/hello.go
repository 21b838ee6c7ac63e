package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/TheusHen/poqr/poqr/identity"
)

const (
	// ChallengeSize is the length of the dialer's random challenge.
	ChallengeSize = 32

	// MaxClockSkew bounds how far a HELLO timestamp may drift.
	MaxClockSkew = 5 * time.Minute

	helloContext = "poqr link hello v1"
)

var (
	ErrHelloPeerIDMismatch = errors.New("protocol: hello peerid does not match public key")
	ErrHelloBadSignature   = errors.New("protocol: hello invalid signature")
	ErrHelloMissingKey     = errors.New("protocol: hello missing public key")
	ErrHelloChallenge      = errors.New("protocol: hello does not answer the challenge")
	ErrHelloStale          = errors.New("protocol: hello timestamp out of range")
)

// Hello proves to a dialer that the listening end of a link holds the
// identity key it was expected to. The signature covers the dialer's
// challenge so a recorded HELLO cannot be replayed on another link.
type Hello struct {
	PeerID       string            `json:"peer_id"`
	PublicKey    []byte            `json:"public_key"`
	TimestampSec int64             `json:"timestamp_sec"`
	Challenge    []byte            `json:"challenge"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Signature    []byte            `json:"signature"`
}

func NewHello(kp identity.KeyPair, challenge []byte, capabilities map[string]string) Hello {
	capsCopy := map[string]string{}
	for k, v := range capabilities {
		capsCopy[k] = v
	}
	return Hello{
		PeerID:       kp.PeerID().String(),
		PublicKey:    append([]byte(nil), kp.PublicKey...),
		TimestampSec: time.Now().Unix(),
		Challenge:    append([]byte(nil), challenge...),
		Capabilities: capsCopy,
	}
}

func (h Hello) SigningBytes() ([]byte, error) {
	if len(h.PublicKey) != ed25519.PublicKeySize {
		return nil, ErrHelloMissingKey
	}
	id, err := identity.ParsePeerIDHex(h.PeerID)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.WriteString(helloContext)
	b.Write(id[:])
	b.Write(h.PublicKey)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(h.TimestampSec))
	b.Write(ts[:])
	b.Write(h.Challenge)

	keys := make([]string, 0, len(h.Capabilities))
	for k := range h.Capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := h.Capabilities[k]
		var kl [2]byte
		binary.BigEndian.PutUint16(kl[:], uint16(len(k)))
		b.Write(kl[:])
		b.WriteString(k)
		var vl [2]byte
		binary.BigEndian.PutUint16(vl[:], uint16(len(v)))
		b.Write(vl[:])
		b.WriteString(v)
	}
	return b.Bytes(), nil
}

func (h *Hello) Sign(kp identity.KeyPair) error {
	toSign, err := h.SigningBytes()
	if err != nil {
		return err
	}
	h.Signature = kp.Sign(toSign)
	return nil
}

// Verify checks the self-consistency of h: the PeerID matches the key
// and the signature is valid.
func (h Hello) Verify() error {
	if len(h.PublicKey) != ed25519.PublicKeySize {
		return ErrHelloMissingKey
	}
	derived := identity.PeerIDFromPublicKey(h.PublicKey)
	claimed, err := identity.ParsePeerIDHex(h.PeerID)
	if err != nil {
		return err
	}
	if derived != claimed {
		return ErrHelloPeerIDMismatch
	}
	toVerify, err := h.SigningBytes()
	if err != nil {
		return err
	}
	if !identity.Verify(ed25519.PublicKey(h.PublicKey), toVerify, h.Signature) {
		return ErrHelloBadSignature
	}
	return nil
}

// VerifyResponse checks h as the answer to challenge at time now.
func (h Hello) VerifyResponse(challenge []byte, now time.Time) error {
	if err := h.Verify(); err != nil {
		return err
	}
	if len(challenge) != ChallengeSize || subtle.ConstantTimeCompare(h.Challenge, challenge) != 1 {
		return ErrHelloChallenge
	}
	skew := now.Sub(time.Unix(h.TimestampSec, 0))
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return ErrHelloStale
	}
	return nil
}

func EncodeHello(h Hello) ([]byte, error) {
	return json.Marshal(h)
}

func DecodeHello(b []byte) (Hello, error) {
	var h Hello
	if err := json.Unmarshal(b, &h); err != nil {
		return Hello{}, err
	}
	if h.PeerID == "" {
		return Hello{}, fmt.Errorf("protocol: hello missing peer_id")
	}
	return h, nil
}
