package poqr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/pem"

	"github.com/TheusHen/poqr/poqr/identity"
)

const (
	IdentityKeyFile   = "identity.pem"
	KEMPrivateKeyFile = "kem.private.pem"
	KEMPublicKeyFile  = "kem.public.pem"
)

var ErrKeyFiles = errors.New("poqr: found only one KEM key file")

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadOrGenerateKeys loads the relay identity and KEM keys from dataDir,
// generating and saving whichever do not exist yet.
func LoadOrGenerateKeys(dataDir string, scheme kem.Scheme) (identity.KeyPair, kem.PrivateKey, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return identity.KeyPair{}, nil, err
	}
	kp, err := identity.LoadOrGenerate(filepath.Join(dataDir, IdentityKeyFile))
	if err != nil {
		return identity.KeyPair{}, nil, err
	}

	privFile := filepath.Join(dataDir, KEMPrivateKeyFile)
	pubFile := filepath.Join(dataDir, KEMPublicKeyFile)
	switch {
	case exists(privFile) && exists(pubFile):
		sk, err := pem.FromPrivatePEMFile(privFile, scheme)
		if err != nil {
			return identity.KeyPair{}, nil, err
		}
		pk, err := pem.FromPublicPEMFile(pubFile, scheme)
		if err != nil {
			return identity.KeyPair{}, nil, err
		}
		if !pk.Equal(sk.Public()) {
			return identity.KeyPair{}, nil, fmt.Errorf("poqr: %s does not match %s", pubFile, privFile)
		}
		return kp, sk, nil
	case !exists(privFile) && !exists(pubFile):
		pk, sk, err := scheme.GenerateKeyPair()
		if err != nil {
			return identity.KeyPair{}, nil, err
		}
		if err := pem.PrivateKeyToFile(privFile, sk); err != nil {
			return identity.KeyPair{}, nil, err
		}
		if err := pem.PublicKeyToFile(pubFile, pk); err != nil {
			return identity.KeyPair{}, nil, err
		}
		return kp, sk, nil
	default:
		return identity.KeyPair{}, nil, fmt.Errorf("%w in %s", ErrKeyFiles, dataDir)
	}
}
