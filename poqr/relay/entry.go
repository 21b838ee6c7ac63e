package relay

import (
	"sync"
	"time"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/link"
	"github.com/TheusHen/poqr/poqr/onion"
)

// State is the life cycle of a circuit at one relay.
type State int

const (
	// StateNew: CREATE received, handshake in progress.
	StateNew State = iota
	// Linked: keys agreed with the host; this relay is the end of the
	// circuit (possibly extending).
	Linked
	// Relaying: a next hop exists; cells are forwarded.
	Relaying
	// TornDown: removed from the table. Late cells are dropped.
	TornDown
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case Linked:
		return "linked"
	case Relaying:
		return "relaying"
	case TornDown:
		return "torn down"
	default:
		return "unknown"
	}
}

type direction int

const (
	fromNone direction = iota
	fromPrev
	fromNext
)

type trigger struct {
	state     State
	extending bool
	dir       direction
	cmd       cell.Command
}

// transitions lists every (state, source, command) a relay accepts after
// CREATE. Anything else is a protocol violation and the cell is dropped.
var transitions = map[trigger]bool{
	{Linked, false, fromPrev, cell.CommandRelay}:   true,
	{Linked, false, fromPrev, cell.CommandDestroy}: true,

	{Linked, true, fromPrev, cell.CommandDestroy}: true,
	{Linked, true, fromNext, cell.CommandCreated}: true,
	{Linked, true, fromNext, cell.CommandDestroy}: true,

	{Relaying, false, fromPrev, cell.CommandRelay}:   true,
	{Relaying, false, fromPrev, cell.CommandDestroy}: true,
	{Relaying, false, fromNext, cell.CommandRelay}:   true,
	{Relaying, false, fromNext, cell.CommandDestroy}: true,
}

// entry is one circuit at this relay. It only knows its two neighbors.
type entry struct {
	mu sync.Mutex

	state     State
	extending bool

	prev   *link.Link
	prevID uint32
	next   *link.Link
	nextID uint32

	hop          *onion.Hop
	authFailures int
	extendTimer  *time.Timer
	exit         *ExitCircuit
}

func (e *entry) direction(l *link.Link, id uint32) direction {
	if l == e.prev && id == e.prevID {
		return fromPrev
	}
	if l == e.next && id == e.nextID {
		return fromNext
	}
	return fromNone
}

func (e *entry) accepts(dir direction, cmd cell.Command) bool {
	return transitions[trigger{e.state, e.extending, dir, cmd}]
}
