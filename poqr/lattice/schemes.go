package lattice

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/adapter"
	"github.com/katzenpost/hpqc/kem/combiner"
	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/katzenpost/hpqc/kem/xwing"
	"github.com/katzenpost/hpqc/nike/x25519"
)

const (
	// NameX25519 selects the classical Diffie-Hellman fallback.
	NameX25519 = "X25519"
	// NameHybrid combines the lattice KEM with X25519.
	NameHybrid = "LATTICE768-X25519"
	NameMLKEM  = "MLKEM768"
	NameXWing  = "XWING"
)

var ErrUnknownScheme = errors.New("lattice: unknown KEM scheme")

// SchemeByName resolves a configured KEM name. The empty name selects
// the lattice scheme.
func SchemeByName(name string) (kem.Scheme, error) {
	switch strings.ToUpper(name) {
	case "", Name:
		return Scheme(), nil
	case NameX25519:
		return classical(), nil
	case NameHybrid:
		return combiner.New(NameHybrid, []kem.Scheme{Scheme(), classical()}), nil
	case NameMLKEM:
		return mlkem768.Scheme(), nil
	case NameXWing:
		return xwing.Scheme(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

func classical() kem.Scheme {
	return adapter.FromNIKE(x25519.Scheme(rand.Reader))
}
