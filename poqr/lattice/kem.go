package lattice

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/pem"
	"golang.org/x/crypto/sha3"
)

// Name is the registered name of the lattice scheme.
const Name = "LATTICE768"

var (
	// ErrDecapsulation is returned for malformed ciphertexts and for
	// ciphertexts that do not re-encrypt to themselves. Both cases are
	// reported identically.
	ErrDecapsulation = errors.New("lattice: decapsulation failed")
	ErrPrivateKey    = errors.New("lattice: invalid private key")
)

// PublicKey is a lattice KEM public key.
type PublicKey struct {
	t   polyVec
	rho [symSize]byte

	// at is the transposed public matrix, cached for encryption.
	at [k]polyVec

	packed [PublicKeySize]byte
	hash   [symSize]byte
}

func (pk *PublicKey) pack() {
	for i := 0; i < k; i++ {
		pk.t[i].pack(12, pk.packed[i*polyBytes:])
	}
	copy(pk.packed[polyVecBytes:], pk.rho[:])
	pk.hash = sha3.Sum256(pk.packed[:])
}

func (pk *PublicKey) Scheme() kem.Scheme { return sch }

func (pk *PublicKey) MarshalBinary() ([]byte, error) {
	out := make([]byte, PublicKeySize)
	copy(out, pk.packed[:])
	return out, nil
}

func (pk *PublicKey) MarshalText() ([]byte, error) {
	return pem.ToPublicPEMBytes(pk), nil
}

func (pk *PublicKey) Equal(other kem.PublicKey) bool {
	o, ok := other.(*PublicKey)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare(pk.packed[:], o.packed[:]) == 1
}

// PrivateKey is a lattice KEM private key.
type PrivateKey struct {
	s  polyVec
	pk *PublicKey
	z  [symSize]byte
}

func (sk *PrivateKey) Scheme() kem.Scheme { return sch }

func (sk *PrivateKey) MarshalBinary() ([]byte, error) {
	out := make([]byte, PrivateKeySize)
	for i := 0; i < k; i++ {
		sk.s[i].pack(12, out[i*polyBytes:])
	}
	off := polyVecBytes
	off += copy(out[off:], sk.pk.packed[:])
	off += copy(out[off:], sk.pk.hash[:])
	copy(out[off:], sk.z[:])
	return out, nil
}

func (sk *PrivateKey) Equal(other kem.PrivateKey) bool {
	o, ok := other.(*PrivateKey)
	if !ok {
		return false
	}
	a, _ := sk.MarshalBinary()
	b, _ := o.MarshalBinary()
	return subtle.ConstantTimeCompare(a, b) == 1
}

func (sk *PrivateKey) Public() kem.PublicKey { return sk.pk }

// Reset overwrites the secret polynomial and the rejection key.
func (sk *PrivateKey) Reset() {
	sk.s = polyVec{}
	for i := range sk.z {
		sk.z[i] = 0
	}
}

type scheme struct{}

var sch kem.Scheme = &scheme{}

// Scheme returns the lattice KEM.
func Scheme() kem.Scheme { return sch }

func (*scheme) Name() string { return Name }

func (s *scheme) GenerateKeyPair() (kem.PublicKey, kem.PrivateKey, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, nil, err
	}
	pk, sk := s.DeriveKeyPair(seed)
	return pk, sk, nil
}

func (*scheme) DeriveKeyPair(seed []byte) (kem.PublicKey, kem.PrivateKey) {
	if len(seed) != SeedSize {
		panic(kem.ErrSeedSize)
	}
	pk, s := cpaKeyGen(seed[:symSize])
	sk := &PrivateKey{s: s, pk: pk}
	copy(sk.z[:], seed[symSize:])
	return pk, sk
}

func (s *scheme) Encapsulate(pk kem.PublicKey) (ct, ss []byte, err error) {
	m := make([]byte, EncapsulationSeedSize)
	if _, err := io.ReadFull(rand.Reader, m); err != nil {
		return nil, nil, err
	}
	return s.EncapsulateDeterministically(pk, m)
}

// EncapsulateDeterministically encapsulates to pk using seed as the message.
func (*scheme) EncapsulateDeterministically(pk kem.PublicKey, seed []byte) (ct, ss []byte, err error) {
	pub, ok := pk.(*PublicKey)
	if !ok {
		return nil, nil, kem.ErrTypeMismatch
	}
	if len(seed) != EncapsulationSeedSize {
		return nil, nil, kem.ErrSeedSize
	}
	g := hashG(seed, pub.hash[:])
	ct = cpaEncrypt(pub, seed, g[symSize:])
	return ct, kdf(g[:symSize], ct), nil
}

func (*scheme) Decapsulate(sk kem.PrivateKey, ct []byte) ([]byte, error) {
	priv, ok := sk.(*PrivateKey)
	if !ok {
		return nil, kem.ErrTypeMismatch
	}
	if len(ct) != CiphertextSize {
		return nil, ErrDecapsulation
	}

	m := cpaDecrypt(&priv.s, ct)
	g := hashG(m, priv.pk.hash[:])
	ct2 := cpaEncrypt(priv.pk, m, g[symSize:])

	ok1 := subtle.ConstantTimeCompare(ct, ct2)
	kbar := make([]byte, symSize)
	copy(kbar, g[:symSize])
	subtle.ConstantTimeCopy(1-ok1, kbar, priv.z[:])
	ss := kdf(kbar, ct)

	// Every value above is computed whatever the comparison returned.
	if ok1 != 1 {
		return nil, ErrDecapsulation
	}
	return ss, nil
}

func (*scheme) UnmarshalBinaryPublicKey(b []byte) (kem.PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, kem.ErrPubKeySize
	}
	pk := new(PublicKey)
	for i := 0; i < k; i++ {
		pk.t[i].unpack(12, b[i*polyBytes:])
		if !pk.t[i].inRange() {
			return nil, kem.ErrPubKey
		}
	}
	copy(pk.rho[:], b[polyVecBytes:])
	a := expandMatrix(pk.rho[:])
	pk.at = transpose(&a)
	pk.pack()
	return pk, nil
}

func (s *scheme) UnmarshalBinaryPrivateKey(b []byte) (kem.PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, kem.ErrPrivKeySize
	}
	sk := new(PrivateKey)
	for i := 0; i < k; i++ {
		sk.s[i].unpack(12, b[i*polyBytes:])
		if !sk.s[i].inRange() {
			return nil, ErrPrivateKey
		}
	}
	off := polyVecBytes
	pk, err := s.UnmarshalBinaryPublicKey(b[off : off+PublicKeySize])
	if err != nil {
		return nil, err
	}
	off += PublicKeySize
	sk.pk = pk.(*PublicKey)
	if subtle.ConstantTimeCompare(sk.pk.hash[:], b[off:off+symSize]) != 1 {
		return nil, ErrPrivateKey
	}
	off += symSize
	copy(sk.z[:], b[off:])
	return sk, nil
}

func (s *scheme) UnmarshalTextPublicKey(text []byte) (kem.PublicKey, error) {
	return pem.FromPublicPEMBytes(text, s)
}

func (s *scheme) UnmarshalTextPrivateKey(text []byte) (kem.PrivateKey, error) {
	return pem.FromPrivatePEMBytes(text, s)
}

func (*scheme) CiphertextSize() int { return CiphertextSize }
func (*scheme) SharedKeySize() int  { return SharedKeySize }
func (*scheme) PrivateKeySize() int { return PrivateKeySize }
func (*scheme) PublicKeySize() int  { return PublicKeySize }
func (*scheme) SeedSize() int       { return SeedSize }

// hashG is SHA3-512(m || h), split into (K̄, r).
func hashG(m, h []byte) [64]byte {
	g := sha3.New512()
	_, _ = g.Write(m)
	_, _ = g.Write(h)
	var out [64]byte
	copy(out[:], g.Sum(nil))
	return out
}

// kdf is SHAKE256(K̄ || SHA3-256(ct)).
func kdf(kbar, ct []byte) []byte {
	hc := sha3.Sum256(ct)
	x := sha3.NewShake256()
	_, _ = x.Write(kbar)
	_, _ = x.Write(hc[:])
	ss := make([]byte, SharedKeySize)
	_, _ = x.Read(ss)
	return ss
}
