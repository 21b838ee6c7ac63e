package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/TheusHen/poqr/poqr/identity"
)

const (
	// BodyHeaderSize is Command (1) + RelayCommand (1) + Length (2).
	BodyHeaderSize = 4

	// MaxRelayData is the largest Data a single body carries.
	MaxRelayData = BodySize - BodyHeaderSize

	// MaxExtendCiphertext is the largest KEM ciphertext an EXTEND with a
	// maximum length address can carry. KEM schemes with larger
	// ciphertexts cannot build circuits.
	MaxExtendCiphertext = MaxRelayData - 32 - 1 - 255 - 2
)

// Body is the innermost plaintext of a RELAY cell, seen only by the hop
// at the end of the circuit (or by the host for replies).
//
//	1 byte:  command (EXTEND, EXTENDED or RELAY)
//	1 byte:  relay command (RELAY only, else 0)
//	2 bytes: data length (big endian)
//	N bytes: data, zero padded to BodySize
//
// EXTEND and EXTENDED travel only inside bodies; on the wire those cells
// are plain RELAY cells.
type Body struct {
	Command Command
	Relay   RelayCommand
	Data    []byte
}

// EncodeTo writes b into out, which must be BodySize bytes.
func (b *Body) EncodeTo(out []byte) error {
	if len(out) != BodySize {
		return &FormatError{Reason: "body buffer length", Length: len(out)}
	}
	if len(b.Data) > MaxRelayData {
		return ErrPayloadTooLarge
	}
	switch b.Command {
	case CommandRelay:
		if !b.Relay.Valid() {
			return &FormatError{Reason: fmt.Sprintf("unknown relay command %d", b.Relay), Length: len(out)}
		}
	case CommandExtend, CommandExtended:
	default:
		return &FormatError{Reason: fmt.Sprintf("command %s in body", b.Command), Length: len(out)}
	}

	out[0] = byte(b.Command)
	out[1] = byte(b.Relay)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(b.Data)))
	n := copy(out[BodyHeaderSize:], b.Data)
	for i := BodyHeaderSize + n; i < len(out); i++ {
		out[i] = 0
	}
	return nil
}

// DecodeBody parses a fully peeled body.
func DecodeBody(in []byte) (Body, error) {
	if len(in) != BodySize {
		return Body{}, &FormatError{Reason: "body length", Length: len(in)}
	}
	b := Body{Command: Command(in[0]), Relay: RelayCommand(in[1])}
	switch b.Command {
	case CommandRelay:
		if !b.Relay.Valid() {
			return Body{}, &FormatError{Reason: fmt.Sprintf("unknown relay command %d", in[1]), Length: len(in)}
		}
	case CommandExtend, CommandExtended:
		if b.Relay != 0 {
			return Body{}, &FormatError{Reason: "relay command on control body", Length: len(in)}
		}
	default:
		return Body{}, &FormatError{Reason: fmt.Sprintf("command %d in body", in[0]), Length: len(in)}
	}
	l := int(binary.BigEndian.Uint16(in[2:4]))
	if l > MaxRelayData {
		return Body{}, &FormatError{Reason: "body data length", Length: l}
	}
	for _, p := range in[BodyHeaderSize+l:] {
		if p != 0 {
			return Body{}, &FormatError{Reason: "non-zero padding", Length: len(in)}
		}
	}
	b.Data = make([]byte, l)
	copy(b.Data, in[BodyHeaderSize:BodyHeaderSize+l])
	return b, nil
}

// Extend asks the last hop to extend the circuit to the named relay.
//
//	32 bytes: PeerID of the next relay
//	1 byte:   address length, then the address
//	2 bytes:  KEM ciphertext length, then the ciphertext
type Extend struct {
	PeerID     identity.PeerID
	Addr       string
	Ciphertext []byte
}

func (e Extend) MarshalBinary() ([]byte, error) {
	if len(e.Addr) == 0 || len(e.Addr) > 255 {
		return nil, fmt.Errorf("cell: extend address length %d", len(e.Addr))
	}
	size := 32 + 1 + len(e.Addr) + 2 + len(e.Ciphertext)
	if size > MaxRelayData {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, 0, size)
	out = append(out, e.PeerID[:]...)
	out = append(out, byte(len(e.Addr)))
	out = append(out, e.Addr...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(e.Ciphertext)))
	out = append(out, e.Ciphertext...)
	return out, nil
}

func ParseExtend(b []byte) (Extend, error) {
	var e Extend
	if len(b) < 32+1 {
		return Extend{}, &FormatError{Reason: "short extend", Length: len(b)}
	}
	copy(e.PeerID[:], b[:32])
	b = b[32:]
	al := int(b[0])
	b = b[1:]
	if al == 0 || len(b) < al+2 {
		return Extend{}, &FormatError{Reason: "extend address", Length: len(b)}
	}
	e.Addr = string(b[:al])
	b = b[al:]
	cl := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) != cl {
		return Extend{}, &FormatError{Reason: "extend ciphertext", Length: len(b)}
	}
	e.Ciphertext = append([]byte(nil), b...)
	return e, nil
}
