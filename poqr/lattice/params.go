package lattice

const (
	n   = 256
	q   = 3329
	k   = 3
	eta = 2
	du  = 10
	dv  = 4

	symSize      = 32
	polyBytes    = n * 12 / 8
	polyVecBytes = k * polyBytes
	uBytes       = k * n * du / 8
	vBytes       = n * dv / 8

	// barrettMul is floor(2^32 / q).
	barrettMul = (1 << 32) / q
)

const (
	// PublicKeySize is the size of a packed public key: t || rho.
	PublicKeySize = polyVecBytes + symSize

	// PrivateKeySize is the size of a packed private key: s || pk || H(pk) || z.
	PrivateKeySize = polyVecBytes + PublicKeySize + 2*symSize

	// CiphertextSize is the size of an encapsulation: Compress(u) || Compress(v).
	CiphertextSize = uBytes + vBytes

	// SharedKeySize is the size of the established shared key.
	SharedKeySize = 32

	// SeedSize is the size of the seed accepted by DeriveKeyPair: d || z.
	SeedSize = 2 * symSize

	// EncapsulationSeedSize is the size of the seed accepted by
	// EncapsulateDeterministically.
	EncapsulationSeedSize = symSize
)
