package erasure

import (
	"errors"

	"github.com/klauspost/reedsolomon"
)

// MaxShards is the GF(2^8) limit on data + parity shards.
const MaxShards = 256

var (
	ErrTooManyLost   = errors.New("erasure: too many shards lost, cannot recover")
	ErrInvalidConfig = errors.New("erasure: invalid data/parity configuration")
)

// Codec provides Reed-Solomon encoding/decoding of one message's shards.
type Codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

// NewCodec creates a codec that survives the loss of any parityShards
// of the dataShards+parityShards shards.
func NewCodec(dataShards, parityShards int) (*Codec, error) {
	if dataShards <= 0 || parityShards <= 0 || dataShards+parityShards > MaxShards {
		return nil, ErrInvalidConfig
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Codec{
		enc:          enc,
		dataShards:   dataShards,
		parityShards: parityShards,
	}, nil
}

func (c *Codec) DataShards() int { return c.dataShards }

func (c *Codec) ParityShards() int { return c.parityShards }

func (c *Codec) TotalShards() int { return c.dataShards + c.parityShards }

// EncodeData splits data into equal, zero padded data shards and
// computes the parity shards.
func (c *Codec) EncodeData(data []byte) ([][]byte, error) {
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// ReconstructData fills in missing (nil) data shards.
func (c *Codec) ReconstructData(shards [][]byte) error {
	err := c.enc.ReconstructData(shards)
	if errors.Is(err, reedsolomon.ErrTooFewShards) {
		return ErrTooManyLost
	}
	return err
}

// Join concatenates the data shards and strips the padding.
func (c *Codec) Join(shards [][]byte, outSize int) []byte {
	data := make([]byte, 0, outSize)
	for i := 0; i < c.dataShards && len(data) < outSize; i++ {
		remaining := outSize - len(data)
		if remaining >= len(shards[i]) {
			data = append(data, shards[i]...)
		} else {
			data = append(data, shards[i][:remaining]...)
		}
	}
	return data
}
