package lattice

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/pem"
	"github.com/stretchr/testify/require"
)

func TestKEMCorrectness(t *testing.T) {
	require := require.New(t)
	s := Scheme()

	for i := 0; i < 20; i++ {
		pk, sk, err := s.GenerateKeyPair()
		require.NoError(err)

		ct, ss, err := s.Encapsulate(pk)
		require.NoError(err)
		require.Len(ct, CiphertextSize)
		require.Len(ss, SharedKeySize)

		ss2, err := s.Decapsulate(sk, ct)
		require.NoError(err)
		require.Equal(ss, ss2)
	}
}

func TestKEMSizes(t *testing.T) {
	require := require.New(t)
	s := Scheme()

	require.Equal(1184, s.PublicKeySize())
	require.Equal(2400, s.PrivateKeySize())
	require.Equal(1088, s.CiphertextSize())

	pk, sk, err := s.GenerateKeyPair()
	require.NoError(err)
	pkb, err := pk.MarshalBinary()
	require.NoError(err)
	require.Len(pkb, s.PublicKeySize())
	skb, err := sk.MarshalBinary()
	require.NoError(err)
	require.Len(skb, s.PrivateKeySize())
}

func TestDecapsulateTamperedCiphertext(t *testing.T) {
	require := require.New(t)
	s := Scheme()

	pk, sk, err := s.GenerateKeyPair()
	require.NoError(err)
	ct, _, err := s.Encapsulate(pk)
	require.NoError(err)

	for _, pos := range []int{0, 100, uBytes - 1, uBytes, CiphertextSize - 1} {
		bad := append([]byte(nil), ct...)
		bad[pos] ^= 0x01
		ss, err := s.Decapsulate(sk, bad)
		require.ErrorIs(err, ErrDecapsulation, "bit flip at %d", pos)
		require.Nil(ss)
	}
}

func TestDecapsulateMalformed(t *testing.T) {
	require := require.New(t)
	s := Scheme()

	_, sk, err := s.GenerateKeyPair()
	require.NoError(err)

	_, err = s.Decapsulate(sk, make([]byte, CiphertextSize-1))
	require.ErrorIs(err, ErrDecapsulation)
	_, err = s.Decapsulate(sk, make([]byte, CiphertextSize+1))
	require.ErrorIs(err, ErrDecapsulation)
	_, err = s.Decapsulate(sk, nil)
	require.ErrorIs(err, ErrDecapsulation)
}

func TestDecapsulateWrongKey(t *testing.T) {
	require := require.New(t)
	s := Scheme()

	pk, _, err := s.GenerateKeyPair()
	require.NoError(err)
	_, other, err := s.GenerateKeyPair()
	require.NoError(err)

	ct, _, err := s.Encapsulate(pk)
	require.NoError(err)
	_, err = s.Decapsulate(other, ct)
	require.ErrorIs(err, ErrDecapsulation)
}

func TestDeriveKeyPairDeterministic(t *testing.T) {
	require := require.New(t)
	s := Scheme()

	seed := bytes.Repeat([]byte{0x42}, SeedSize)
	pk1, sk1 := s.DeriveKeyPair(seed)
	pk2, sk2 := s.DeriveKeyPair(seed)
	require.True(pk1.Equal(pk2))
	require.True(sk1.Equal(sk2))
	require.True(sk1.Public().Equal(pk1))

	m := bytes.Repeat([]byte{0x07}, EncapsulationSeedSize)
	det := s.(*scheme)
	ct1, ss1, err := det.EncapsulateDeterministically(pk1, m)
	require.NoError(err)
	ct2, ss2, err := det.EncapsulateDeterministically(pk2, m)
	require.NoError(err)
	require.Equal(ct1, ct2)
	require.Equal(ss1, ss2)

	require.PanicsWithValue(kem.ErrSeedSize, func() {
		s.DeriveKeyPair(seed[:10])
	})
}

func TestKeyMarshalRoundTrip(t *testing.T) {
	require := require.New(t)
	s := Scheme()

	pk, sk, err := s.GenerateKeyPair()
	require.NoError(err)

	pkb, _ := pk.MarshalBinary()
	pk2, err := s.UnmarshalBinaryPublicKey(pkb)
	require.NoError(err)
	require.True(pk.Equal(pk2))

	skb, _ := sk.MarshalBinary()
	sk2, err := s.UnmarshalBinaryPrivateKey(skb)
	require.NoError(err)
	require.True(sk.Equal(sk2))

	ct, ss, err := s.Encapsulate(pk2)
	require.NoError(err)
	ss2, err := s.Decapsulate(sk2, ct)
	require.NoError(err)
	require.Equal(ss, ss2)

	text, err := pk.MarshalText()
	require.NoError(err)
	require.Contains(string(text), "LATTICE768 PUBLIC KEY")
	pk3, err := s.UnmarshalTextPublicKey(text)
	require.NoError(err)
	require.True(pk.Equal(pk3))

	_, err = s.UnmarshalBinaryPublicKey(pkb[:10])
	require.ErrorIs(err, kem.ErrPubKeySize)

	// Coefficient 0xfff is out of range.
	bad := append([]byte(nil), pkb...)
	bad[0], bad[1] = 0xff, bad[1]|0x0f
	_, err = s.UnmarshalBinaryPublicKey(bad)
	require.ErrorIs(err, kem.ErrPubKey)

	skb[polyVecBytes+PublicKeySize] ^= 0xff
	_, err = s.UnmarshalBinaryPrivateKey(skb)
	require.ErrorIs(err, ErrPrivateKey)
}

func TestKeyFiles(t *testing.T) {
	require := require.New(t)
	s := Scheme()
	dir := t.TempDir()

	pk, sk, err := s.GenerateKeyPair()
	require.NoError(err)

	pubFile := filepath.Join(dir, "kem.public.pem")
	privFile := filepath.Join(dir, "kem.private.pem")
	require.NoError(pem.PublicKeyToFile(pubFile, pk))
	require.NoError(pem.PrivateKeyToFile(privFile, sk))

	info, err := os.Stat(privFile)
	require.NoError(err)
	require.Equal(os.FileMode(0600), info.Mode().Perm())

	pk2, err := pem.FromPublicPEMFile(pubFile, s)
	require.NoError(err)
	require.True(pk.Equal(pk2))
	sk2, err := pem.FromPrivatePEMFile(privFile, s)
	require.NoError(err)
	require.True(sk.Equal(sk2))
}

func TestSchemeByName(t *testing.T) {
	require := require.New(t)

	for _, name := range []string{"", Name, "lattice768", NameX25519, NameHybrid, NameMLKEM, NameXWing} {
		s, err := SchemeByName(name)
		require.NoError(err, name)

		pk, sk, err := s.GenerateKeyPair()
		require.NoError(err, name)
		ct, ss, err := s.Encapsulate(pk)
		require.NoError(err, name)
		require.Len(ct, s.CiphertextSize(), name)
		ss2, err := s.Decapsulate(sk, ct)
		require.NoError(err, name)
		require.Equal(ss, ss2, name)
	}

	_, err := SchemeByName("rot13")
	require.True(errors.Is(err, ErrUnknownScheme))
}

func TestHybridRejectsTamperedLatticePart(t *testing.T) {
	require := require.New(t)

	s, err := SchemeByName(NameHybrid)
	require.NoError(err)
	pk, sk, err := s.GenerateKeyPair()
	require.NoError(err)
	ct, _, err := s.Encapsulate(pk)
	require.NoError(err)

	ct[0] ^= 0x80
	_, err = s.Decapsulate(sk, ct)
	require.ErrorIs(err, ErrDecapsulation)
}

func BenchmarkEncapsulate(b *testing.B) {
	s := Scheme()
	pk, _, _ := s.GenerateKeyPair()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = s.Encapsulate(pk)
	}
}

func BenchmarkDecapsulate(b *testing.B) {
	s := Scheme()
	pk, sk, _ := s.GenerateKeyPair()
	ct, _, _ := s.Encapsulate(pk)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Decapsulate(sk, ct)
	}
}
