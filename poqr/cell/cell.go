package cell

import (
	"encoding/binary"
	"fmt"
)

const (
	// CellLength is the size of every cell on the wire. All nodes of one
	// network must agree on it.
	CellLength = 2048

	// HeaderSize is CircID (4 bytes, big endian) + Command (1 byte).
	HeaderSize = 5

	PayloadSize = CellLength - HeaderSize

	// MaxHops bounds the circuit length; the tag stack has one slot per hop.
	MaxHops = 8

	TagSize      = 16
	TagStackSize = MaxHops * TagSize

	// BodySize is what remains of a RELAY payload after the tag stack.
	BodySize = PayloadSize - TagStackSize

	// MaxHandshakeData bounds CREATE and CREATED data (2-byte length prefix).
	MaxHandshakeData = PayloadSize - 2
)

// Cell is the fixed-size unit of transmission.
//
// Wire format:
//
//	4 bytes: circuit ID (big endian, never 0)
//	1 byte:  command
//	N bytes: payload, zero padded to PayloadSize
//
// For RELAY cells the payload is TagStack || Body; see Tags and Body.
type Cell struct {
	CircID  uint32
	Command Command
	Payload [PayloadSize]byte
}

func New(circID uint32, cmd Command) *Cell {
	return &Cell{CircID: circID, Command: cmd}
}

// Encode serializes c into exactly CellLength bytes.
func Encode(c *Cell) ([]byte, error) {
	out := make([]byte, CellLength)
	if err := EncodeTo(out, c); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeTo serializes c into out, which must be CellLength bytes.
func EncodeTo(out []byte, c *Cell) error {
	if len(out) != CellLength {
		return &FormatError{Reason: "buffer length", Length: len(out)}
	}
	if c.CircID == 0 {
		return &FormatError{Reason: "zero circuit ID", Length: CellLength}
	}
	if !c.Command.Valid() {
		return &FormatError{Reason: fmt.Sprintf("unknown command %d", c.Command), Length: CellLength}
	}
	binary.BigEndian.PutUint32(out[:4], c.CircID)
	out[4] = byte(c.Command)
	copy(out[HeaderSize:], c.Payload[:])
	return nil
}

// Decode parses a cell. Anything other than a CellLength buffer with a
// known command and a non-zero circuit ID is a *FormatError.
func Decode(b []byte) (*Cell, error) {
	if len(b) != CellLength {
		return nil, &FormatError{Reason: "wrong length", Length: len(b)}
	}
	c := &Cell{
		CircID:  binary.BigEndian.Uint32(b[:4]),
		Command: Command(b[4]),
	}
	if c.CircID == 0 {
		return nil, &FormatError{Reason: "zero circuit ID", Length: len(b)}
	}
	if !c.Command.Valid() {
		return nil, &FormatError{Reason: fmt.Sprintf("unknown command %d", b[4]), Length: len(b)}
	}
	copy(c.Payload[:], b[HeaderSize:])
	return c, nil
}

// Tags returns the onion tag stack of a RELAY payload.
func (c *Cell) Tags() []byte { return c.Payload[:TagStackSize] }

// Body returns the onion body of a RELAY payload.
func (c *Cell) Body() []byte { return c.Payload[TagStackSize:] }

// SetHandshake stores length-prefixed CREATE/CREATED data.
func (c *Cell) SetHandshake(data []byte) error {
	if len(data) > MaxHandshakeData {
		return ErrPayloadTooLarge
	}
	c.Payload = [PayloadSize]byte{}
	binary.BigEndian.PutUint16(c.Payload[:2], uint16(len(data)))
	copy(c.Payload[2:], data)
	return nil
}

// Handshake returns the CREATE/CREATED data.
func (c *Cell) Handshake() ([]byte, error) {
	l := int(binary.BigEndian.Uint16(c.Payload[:2]))
	if l > MaxHandshakeData {
		return nil, &FormatError{Reason: "handshake length", Length: l}
	}
	out := make([]byte, l)
	copy(out, c.Payload[2:2+l])
	return out, nil
}

// NewDestroy builds a DESTROY cell.
func NewDestroy(circID uint32, reason Reason) *Cell {
	c := New(circID, CommandDestroy)
	c.Payload[0] = byte(reason)
	return c
}

// Reason returns the teardown reason of a DESTROY cell.
func (c *Cell) Reason() Reason { return Reason(c.Payload[0]) }
