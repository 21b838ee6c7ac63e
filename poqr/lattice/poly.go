package lattice

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// poly is an element of Z_q[x]/(x^n+1) with coefficients in [0, q).
type poly [n]uint16

type polyVec [k]poly

// csubq returns x - q if x >= q, else x. Requires x < 2^31.
func csubq(x uint32) uint32 {
	x -= q
	x += uint32(int32(x)>>31) & q
	return x
}

// reduce returns x mod q without branching on x.
func reduce(x uint32) uint16 {
	quo := uint32((uint64(x) * barrettMul) >> 32)
	// quo is floor(x/q) or one less, so the remainder is below 2q.
	return uint16(csubq(x - quo*q))
}

func (p *poly) add(a, b *poly) {
	for i := range p {
		p[i] = uint16(csubq(uint32(a[i]) + uint32(b[i])))
	}
}

func (p *poly) sub(a, b *poly) {
	for i := range p {
		p[i] = uint16(csubq(uint32(a[i]) + q - uint32(b[i])))
	}
}

// mul sets p = a*b. Negacyclic schoolbook convolution; p may alias a or b.
func (p *poly) mul(a, b *poly) {
	// Each accumulator holds at most n products below q^2, which fits 32 bits.
	var acc [2 * n]uint32
	for i := 0; i < n; i++ {
		ai := uint32(a[i])
		for j := 0; j < n; j++ {
			acc[i+j] += ai * uint32(b[j])
		}
	}
	for i := 0; i < n; i++ {
		p[i] = uint16(csubq(uint32(reduce(acc[i])) + q - uint32(reduce(acc[i+n]))))
	}
}

// dot sets p to the inner product of a and b.
func (p *poly) dot(a, b *polyVec) {
	var t poly
	*p = poly{}
	for i := 0; i < k; i++ {
		t.mul(&a[i], &b[i])
		p.add(p, &t)
	}
}

// compress maps x to round(2^d * x / q) mod 2^d in constant time.
func compress(x uint16, d uint) uint16 {
	num := uint32(x)<<d + q/2
	quo := uint32((uint64(num) * barrettMul) >> 32)
	rem := num - quo*q
	quo -= uint32(int32(q-1-rem) >> 31)
	return uint16(quo & (1<<d - 1))
}

func decompress(y uint16, d uint) uint16 {
	return uint16((uint32(y)*q + 1<<(d-1)) >> d)
}

func (p *poly) compress(d uint) {
	for i := range p {
		p[i] = compress(p[i], d)
	}
}

func (p *poly) decompress(d uint) {
	for i := range p {
		p[i] = decompress(p[i], d)
	}
}

// pack writes the low d bits of every coefficient, little-endian, into out.
func (p *poly) pack(d uint, out []byte) {
	var acc uint32
	var bits uint
	j := 0
	for i := 0; i < n; i++ {
		acc |= uint32(p[i]) << bits
		bits += d
		for bits >= 8 {
			out[j] = byte(acc)
			j++
			acc >>= 8
			bits -= 8
		}
	}
}

func (p *poly) unpack(d uint, in []byte) {
	var acc uint32
	var bits uint
	mask := uint32(1)<<d - 1
	j := 0
	for i := 0; i < n; i++ {
		for bits < d {
			acc |= uint32(in[j]) << bits
			j++
			bits += 8
		}
		p[i] = uint16(acc & mask)
		acc >>= d
		bits -= d
	}
}

// inRange reports whether all coefficients are reduced. Only used on public data.
func (p *poly) inRange() bool {
	for _, c := range p {
		if c >= q {
			return false
		}
	}
	return true
}

func (p *poly) fromMsg(m []byte) {
	for i := 0; i < n/8; i++ {
		for j := 0; j < 8; j++ {
			mask := -uint16((m[i] >> j) & 1)
			p[8*i+j] = mask & ((q + 1) / 2)
		}
	}
}

func (p *poly) toMsg(m []byte) {
	for i := 0; i < n/8; i++ {
		var b byte
		for j := 0; j < 8; j++ {
			b |= byte(compress(p[8*i+j], 1)) << j
		}
		m[i] = b
	}
}

// sampleUniform fills p from SHAKE128(rho || j || i) by rejection sampling.
// rho is public, so the data-dependent loop leaks nothing.
func (p *poly) sampleUniform(rho []byte, i, j byte) {
	xof := sha3.NewShake128()
	_, _ = xof.Write(rho)
	_, _ = xof.Write([]byte{j, i})

	var buf [168]byte
	ctr := 0
	for ctr < n {
		_, _ = xof.Read(buf[:])
		for off := 0; off+3 <= len(buf) && ctr < n; off += 3 {
			d1 := uint16(buf[off]) | uint16(buf[off+1]&0x0f)<<8
			d2 := uint16(buf[off+1]>>4) | uint16(buf[off+2])<<4
			if d1 < q {
				p[ctr] = d1
				ctr++
			}
			if d2 < q && ctr < n {
				p[ctr] = d2
				ctr++
			}
		}
	}
}

// sampleNoise fills p from the centered binomial distribution with eta = 2,
// using SHAKE256(seed || nonce) as the PRF.
func (p *poly) sampleNoise(seed []byte, nonce byte) {
	var buf [eta * n / 4]byte
	prf := sha3.NewShake256()
	_, _ = prf.Write(seed)
	_, _ = prf.Write([]byte{nonce})
	_, _ = prf.Read(buf[:])

	for i := 0; i < n/8; i++ {
		t := binary.LittleEndian.Uint32(buf[4*i:])
		d := t&0x55555555 + (t>>1)&0x55555555
		for j := 0; j < 8; j++ {
			a := (d >> (4 * j)) & 3
			b := (d >> (4*j + 2)) & 3
			p[8*i+j] = uint16(csubq(a + q - b))
		}
	}
}

// expandMatrix returns A with A[i][j] sampled from rho.
func expandMatrix(rho []byte) (a [k]polyVec) {
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			a[i][j].sampleUniform(rho, byte(i), byte(j))
		}
	}
	return a
}

func transpose(a *[k]polyVec) (t [k]polyVec) {
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			t[i][j] = a[j][i]
		}
	}
	return t
}
