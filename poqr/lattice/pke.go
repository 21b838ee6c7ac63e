package lattice

import (
	"golang.org/x/crypto/sha3"
)

// cpaKeyGen derives the IND-CPA key pair from d.
func cpaKeyGen(d []byte) (pk *PublicKey, s polyVec) {
	g := sha3.Sum512(d)
	rho, sigma := g[:symSize], g[symSize:]

	a := expandMatrix(rho)
	var e polyVec
	for i := 0; i < k; i++ {
		s[i].sampleNoise(sigma, byte(i))
		e[i].sampleNoise(sigma, byte(k+i))
	}

	pk = &PublicKey{at: transpose(&a)}
	copy(pk.rho[:], rho)
	for i := 0; i < k; i++ {
		pk.t[i].dot(&a[i], &s)
		pk.t[i].add(&pk.t[i], &e[i])
	}
	pk.pack()
	return pk, s
}

// cpaEncrypt encrypts the 32-byte message m under pk with the given coins.
func cpaEncrypt(pk *PublicKey, m, coins []byte) []byte {
	var r, e1 polyVec
	var e2 poly
	for i := 0; i < k; i++ {
		r[i].sampleNoise(coins, byte(i))
		e1[i].sampleNoise(coins, byte(k+i))
	}
	e2.sampleNoise(coins, byte(2*k))

	var u polyVec
	for i := 0; i < k; i++ {
		u[i].dot(&pk.at[i], &r)
		u[i].add(&u[i], &e1[i])
	}

	var v, mp poly
	v.dot(&pk.t, &r)
	v.add(&v, &e2)
	mp.fromMsg(m)
	v.add(&v, &mp)

	ct := make([]byte, CiphertextSize)
	for i := 0; i < k; i++ {
		u[i].compress(du)
		u[i].pack(du, ct[i*n*du/8:])
	}
	v.compress(dv)
	v.pack(dv, ct[uBytes:])
	return ct
}

// cpaDecrypt recovers the message encrypted in ct.
func cpaDecrypt(s *polyVec, ct []byte) []byte {
	var u polyVec
	for i := 0; i < k; i++ {
		u[i].unpack(du, ct[i*n*du/8:])
		u[i].decompress(du)
	}
	var v, w poly
	v.unpack(dv, ct[uBytes:])
	v.decompress(dv)

	w.dot(s, &u)
	w.sub(&v, &w)

	m := make([]byte, symSize)
	w.toMsg(m)
	return m
}
