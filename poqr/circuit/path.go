package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/identity"
)

// SelectPath picks n distinct relays at random. The last one is an exit.
// Descriptors that do not verify or are stale are skipped. Two relays
// sharing an address are never both chosen.
func SelectPath(relays []directory.Descriptor, n int) ([]directory.Descriptor, error) {
	if n < 1 || n > cell.MaxHops {
		return nil, fmt.Errorf("%w: %d hops", ErrBadPath, n)
	}

	now := time.Now()
	var exits, all []directory.Descriptor
	seen := make(map[identity.PeerID]bool)
	for _, d := range relays {
		if seen[d.PeerID] || d.VerifyAt(now) != nil {
			continue
		}
		seen[d.PeerID] = true
		all = append(all, d)
		if d.Exit {
			exits = append(exits, d)
		}
	}
	if len(exits) == 0 || len(all) < n {
		return nil, fmt.Errorf("%w: need %d relays, have %d (%d exits)", ErrPathExhausted, n, len(all), len(exits))
	}
	if err := shuffle(exits); err != nil {
		return nil, err
	}
	if err := shuffle(all); err != nil {
		return nil, err
	}

	for _, exit := range exits {
		path := make([]directory.Descriptor, 0, n)
		used := map[string]bool{exit.Addr: true}
		for _, d := range all {
			if len(path) == n-1 {
				break
			}
			if d.PeerID == exit.PeerID || used[d.Addr] {
				continue
			}
			used[d.Addr] = true
			path = append(path, d)
		}
		if len(path) == n-1 {
			return append(path, exit), nil
		}
	}
	return nil, fmt.Errorf("%w: not enough distinct addresses for %d hops", ErrPathExhausted, n)
}

func shuffle(ds []directory.Descriptor) error {
	var b [8]byte
	for i := len(ds) - 1; i > 0; i-- {
		if _, err := rand.Read(b[:]); err != nil {
			return err
		}
		j := int(binary.BigEndian.Uint64(b[:]) % uint64(i+1))
		ds[i], ds[j] = ds[j], ds[i]
	}
	return nil
}

// validatePath checks a caller supplied path before any cell is sent.
func validatePath(path []directory.Descriptor) error {
	if len(path) < 1 || len(path) > cell.MaxHops {
		return fmt.Errorf("%w: %d hops", ErrBadPath, len(path))
	}
	seen := make(map[identity.PeerID]bool, len(path))
	for i, d := range path {
		if seen[d.PeerID] {
			return fmt.Errorf("%w: relay %s appears twice", ErrBadPath, d.PeerID.Short())
		}
		seen[d.PeerID] = true
		if err := d.Verify(); err != nil {
			return fmt.Errorf("circuit: hop %d: %w", i+1, err)
		}
	}
	return nil
}
