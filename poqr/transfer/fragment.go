package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/transfer/erasure"
)

const (
	// HeaderSize is the fragment header:
	//
	//	4 bytes: message ID
	//	2 bytes: fragment index
	//	2 bytes: data fragment count
	//	2 bytes: parity fragment count
	//	1 byte:  flags
	//	4 bytes: encoded message length
	HeaderSize = 15

	// MaxFragmentData is what one RELAY DATA body carries after the header.
	MaxFragmentData = cell.MaxRelayData - HeaderSize

	// MaxMessageSize bounds a message before compression.
	MaxMessageSize = 256 << 10

	flagCompressed = 1 << 0
)

var (
	ErrMessageTooLarge = errors.New("transfer: message too large")
	ErrBadFragment     = errors.New("transfer: malformed fragment")
)

type header struct {
	msgID        uint32
	index        uint16
	dataShards   uint16
	parityShards uint16
	flags        uint8
	length       uint32
}

func (h *header) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.msgID)
	binary.BigEndian.PutUint16(b[4:6], h.index)
	binary.BigEndian.PutUint16(b[6:8], h.dataShards)
	binary.BigEndian.PutUint16(b[8:10], h.parityShards)
	b[10] = h.flags
	binary.BigEndian.PutUint32(b[11:15], h.length)
}

func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, ErrBadFragment
	}
	h := header{
		msgID:        binary.BigEndian.Uint32(b[0:4]),
		index:        binary.BigEndian.Uint16(b[4:6]),
		dataShards:   binary.BigEndian.Uint16(b[6:8]),
		parityShards: binary.BigEndian.Uint16(b[8:10]),
		flags:        b[10],
		length:       binary.BigEndian.Uint32(b[11:15]),
	}
	total := int(h.dataShards) + int(h.parityShards)
	switch {
	case h.dataShards == 0, total > erasure.MaxShards, int(h.index) >= total:
		return header{}, ErrBadFragment
	case int(h.length) > int(h.dataShards)*MaxFragmentData:
		return header{}, ErrBadFragment
	}
	return h, nil
}

// Packer turns application messages into fragments that each fit one
// RELAY DATA body. It is safe for concurrent use.
type Packer struct {
	compress     bool
	parityShards int
	nextID       atomic.Uint32
}

// NewPacker creates a packer. parityShards extra fragments are sent per
// message when it is split across more than one fragment.
func NewPacker(compress bool, parityShards int) *Packer {
	if parityShards < 0 {
		parityShards = 0
	}
	return &Packer{compress: compress, parityShards: parityShards}
}

// Pack fragments msg.
func (p *Packer) Pack(msg []byte) ([][]byte, error) {
	if len(msg) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	h := header{msgID: p.nextID.Add(1)}

	data := msg
	if p.compress && len(msg) > 0 {
		var ok bool
		if data, ok = maybeCompress(msg); ok {
			h.flags |= flagCompressed
		}
	}
	h.length = uint32(len(data))

	dataShards := (len(data) + MaxFragmentData - 1) / MaxFragmentData
	if dataShards == 0 {
		dataShards = 1
	}
	parity := p.parityShards
	if dataShards == 1 || len(data) == 0 {
		parity = 0
	}
	if dataShards+parity > erasure.MaxShards {
		parity = erasure.MaxShards - dataShards
	}
	h.dataShards, h.parityShards = uint16(dataShards), uint16(parity)

	var shards [][]byte
	if parity > 0 {
		var err error
		if shards, err = encodeParity(data, dataShards, parity); err != nil {
			return nil, err
		}
		h.dataShards, h.parityShards = uint16(len(shards)-parity), uint16(parity)
	} else {
		for i := 0; i < dataShards; i++ {
			end := min((i+1)*MaxFragmentData, len(data))
			shards = append(shards, data[i*MaxFragmentData:end])
		}
	}

	out := make([][]byte, len(shards))
	for i, s := range shards {
		h.index = uint16(i)
		f := make([]byte, HeaderSize+len(s))
		h.put(f)
		copy(f[HeaderSize:], s)
		out[i] = f
	}
	return out, nil
}

// encodeParity grows the data shard count until every shard fits one
// fragment.
func encodeParity(data []byte, dataShards, parity int) ([][]byte, error) {
	for ; dataShards+parity <= erasure.MaxShards; dataShards++ {
		codec, err := erasure.NewCodec(dataShards, parity)
		if err != nil {
			return nil, err
		}
		shards, err := codec.EncodeData(data)
		if err != nil {
			return nil, err
		}
		if len(shards[0]) <= MaxFragmentData {
			return shards, nil
		}
	}
	return nil, ErrMessageTooLarge
}

// Reassembler rebuilds messages from fragments of one circuit direction.
// Fragments arrive in order, possibly with gaps; a gap is repaired from
// parity when enough fragments of the message arrived. It is not safe for
// concurrent use.
type Reassembler struct {
	cur     header
	active  bool
	shards  [][]byte
	have    int
	lastID  uint32
	hasLast bool
}

func NewReassembler() *Reassembler { return &Reassembler{} }

// Add consumes one fragment and returns a message once it is complete.
// Fragments of a message that was already delivered are ignored; a new
// message abandons an incomplete one.
func (r *Reassembler) Add(frag []byte) ([]byte, error) {
	h, err := parseHeader(frag)
	if err != nil {
		return nil, err
	}
	if r.hasLast && h.msgID == r.lastID {
		return nil, nil
	}
	if !r.active || h.msgID != r.cur.msgID {
		r.reset(h)
	} else if h.dataShards != r.cur.dataShards || h.parityShards != r.cur.parityShards ||
		h.flags != r.cur.flags || h.length != r.cur.length {
		return nil, ErrBadFragment
	}
	if r.shards[h.index] == nil {
		s := make([]byte, len(frag)-HeaderSize)
		copy(s, frag[HeaderSize:])
		r.shards[h.index] = s
		r.have++
	}
	if r.have < int(r.cur.dataShards) {
		return nil, nil
	}

	data, err := r.join()
	r.active = false
	r.lastID, r.hasLast = r.cur.msgID, true
	r.shards = nil
	if err != nil {
		return nil, err
	}
	if r.cur.flags&flagCompressed != 0 {
		return Decompress(data, MaxMessageSize)
	}
	return data, nil
}

func (r *Reassembler) reset(h header) {
	r.cur = h
	r.active = true
	r.shards = make([][]byte, int(h.dataShards)+int(h.parityShards))
	r.have = 0
}

func (r *Reassembler) join() ([]byte, error) {
	n := int(r.cur.dataShards)
	if r.cur.parityShards == 0 {
		data := make([]byte, 0, r.cur.length)
		for _, s := range r.shards[:n] {
			data = append(data, s...)
		}
		if len(data) != int(r.cur.length) {
			return nil, ErrBadFragment
		}
		return data, nil
	}

	codec, err := erasure.NewCodec(n, int(r.cur.parityShards))
	if err != nil {
		return nil, err
	}
	size := -1
	for _, s := range r.shards {
		if s == nil {
			continue
		}
		if size >= 0 && len(s) != size {
			return nil, ErrBadFragment
		}
		size = len(s)
	}
	if err := codec.ReconstructData(r.shards); err != nil {
		return nil, err
	}
	return codec.Join(r.shards, int(r.cur.length)), nil
}

// Pending reports whether a message is partially received.
func (r *Reassembler) Pending() bool { return r.active }
