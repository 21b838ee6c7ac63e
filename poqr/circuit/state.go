package circuit

import "github.com/TheusHen/poqr/poqr/cell"

// State is the host's view of a circuit.
type State int

const (
	Idle State = iota
	// AwaitingHop: a CREATE or EXTEND is out for the next hop.
	AwaitingHop
	// Established: every hop answered; no application data yet.
	Established
	// Active: application data has been sent.
	Active
	// Closing: Close was called and DESTROY is on its way.
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingHop:
		return "awaiting hop"
	case Established:
		return "established"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type trigger struct {
	state State
	cmd   cell.Command
	// body is the command inside a RELAY body once it is opened.
	body cell.Command
}

// transitions lists every inbound cell the host accepts. CREATED is only
// valid while waiting for the first hop and EXTENDED for later hops;
// Circuit.handle checks that.
var transitions = map[trigger]bool{
	{AwaitingHop, cell.CommandCreated, 0}:                 true,
	{AwaitingHop, cell.CommandRelay, cell.CommandExtended}: true,
	{AwaitingHop, cell.CommandDestroy, 0}:                 true,

	{Established, cell.CommandRelay, cell.CommandRelay}: true,
	{Established, cell.CommandDestroy, 0}:               true,

	{Active, cell.CommandRelay, cell.CommandRelay}: true,
	{Active, cell.CommandDestroy, 0}:               true,

	{Closing, cell.CommandDestroy, 0}: true,
}

func accepts(s State, cmd, body cell.Command) bool {
	return transitions[trigger{s, cmd, body}]
}

// canSend reports whether application cells may be sent in s.
func canSend(s State) bool {
	return s == Established || s == Active
}
