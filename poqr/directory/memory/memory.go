package memory

import (
	"sync"

	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/identity"
)

// Store is an in-memory directory.
// It is useful for tests, examples and as the backing store of httpdir.
type Store struct {
	mu     sync.RWMutex
	relays map[identity.PeerID]directory.Descriptor
}

func New() *Store {
	return &Store{relays: map[identity.PeerID]directory.Descriptor{}}
}

// Announce stores d if its signature verifies. A newer descriptor
// replaces an older one for the same relay.
func (s *Store) Announce(d directory.Descriptor) error {
	if err := d.Verify(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.relays[d.PeerID]; ok && old.Published > d.Published {
		return nil
	}
	s.relays[d.PeerID] = d.Clone()
	return nil
}

func (s *Store) Lookup(peerID identity.PeerID) (directory.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.relays[peerID]
	if !ok {
		return directory.Descriptor{}, directory.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) List() ([]directory.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]directory.Descriptor, 0, len(s.relays))
	for _, d := range s.relays {
		out = append(out, d.Clone())
	}
	return out, nil
}

// Remove drops a relay, e.g. when it shuts down.
func (s *Store) Remove(peerID identity.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.relays, peerID)
}

var _ directory.Resolver = (*Store)(nil)
