package relay

import (
	"sync"

	"github.com/TheusHen/poqr/poqr/link"
)

const numShards = 16

type circKey struct {
	l  *link.Link
	id uint32
}

type shard struct {
	mu sync.RWMutex
	m  map[circKey]*entry
}

// table maps (link, circuit ID) to circuit entries. Every entry is
// reachable from its previous and, once extended, its next side. The
// shard lock only guards the map; cells are processed under the entry's
// own lock.
type table struct {
	shards [numShards]shard
}

func newTable() *table {
	t := &table{}
	for i := range t.shards {
		t.shards[i].m = make(map[circKey]*entry)
	}
	return t
}

func (t *table) shard(id uint32) *shard {
	return &t.shards[id%numShards]
}

func (t *table) get(l *link.Link, id uint32) *entry {
	s := t.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[circKey{l, id}]
}

// insert adds e unless the key is taken.
func (t *table) insert(l *link.Link, id uint32, e *entry) bool {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := circKey{l, id}
	if _, ok := s.m[k]; ok {
		return false
	}
	s.m[k] = e
	return true
}

func (t *table) remove(l *link.Link, id uint32) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, circKey{l, id})
}

// onLink returns every entry with a side on l.
func (t *table) onLink(l *link.Link) []*entry {
	seen := make(map[*entry]struct{})
	var out []*entry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for k, e := range s.m {
			if k.l != l {
				continue
			}
			if _, ok := seen[e]; !ok {
				seen[e] = struct{}{}
				out = append(out, e)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// entries returns each entry once.
func (t *table) entries() []*entry {
	seen := make(map[*entry]struct{})
	var out []*entry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, e := range s.m {
			if _, ok := seen[e]; !ok {
				seen[e] = struct{}{}
				out = append(out, e)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func (t *table) size() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
