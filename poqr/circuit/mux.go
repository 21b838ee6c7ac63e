package circuit

import (
	"sync"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/instrument"
	"github.com/TheusHen/poqr/poqr/link"
)

// Mux dispatches the cells of one host link to its circuits. It is the
// link.Handler for every link a host dials.
type Mux struct {
	mu       sync.RWMutex
	circuits map[uint32]*Circuit
}

func NewMux() *Mux {
	return &Mux{circuits: make(map[uint32]*Circuit)}
}

func (m *Mux) add(id uint32, c *Circuit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuits[id] = c
}

func (m *Mux) remove(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.circuits, id)
}

// Len returns the number of live circuits.
func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.circuits)
}

// HandleCell implements link.Handler.
func (m *Mux) HandleCell(_ *link.Link, c *cell.Cell) {
	m.mu.RLock()
	circ := m.circuits[c.CircID]
	m.mu.RUnlock()
	if circ == nil {
		instrument.CellDropped("unknown circuit")
		return
	}
	circ.handle(c)
}

// LinkClosed implements link.Handler. Every circuit on the link ends.
func (m *Mux) LinkClosed(_ *link.Link, err error) {
	m.mu.RLock()
	circs := make([]*Circuit, 0, len(m.circuits))
	for _, c := range m.circuits {
		circs = append(circs, c)
	}
	m.mu.RUnlock()
	for _, c := range circs {
		c.linkFailed(err)
	}
}
