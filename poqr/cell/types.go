package cell

type Command uint8

const (
	CommandCreate   Command = 1
	CommandCreated  Command = 2
	CommandExtend   Command = 3
	CommandExtended Command = 4
	CommandRelay    Command = 5
	CommandDestroy  Command = 6
)

func (c Command) Valid() bool {
	return c >= CommandCreate && c <= CommandDestroy
}

func (c Command) String() string {
	switch c {
	case CommandCreate:
		return "CREATE"
	case CommandCreated:
		return "CREATED"
	case CommandExtend:
		return "EXTEND"
	case CommandExtended:
		return "EXTENDED"
	case CommandRelay:
		return "RELAY"
	case CommandDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// RelayCommand selects the application action of a RELAY body.
type RelayCommand uint8

const (
	RelayData      RelayCommand = 1
	RelayBegin     RelayCommand = 2
	RelayConnected RelayCommand = 3
	RelayEnd       RelayCommand = 4
)

func (r RelayCommand) Valid() bool {
	return r >= RelayData && r <= RelayEnd
}

func (r RelayCommand) String() string {
	switch r {
	case RelayData:
		return "DATA"
	case RelayBegin:
		return "BEGIN"
	case RelayConnected:
		return "CONNECTED"
	case RelayEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// Reason is carried by DESTROY cells.
type Reason uint8

const (
	ReasonNone          Reason = 0
	ReasonRequested     Reason = 1
	ReasonProtocol      Reason = 2
	ReasonDecapsulation Reason = 3
	ReasonLinkFailure   Reason = 4
	ReasonAuthFailure   Reason = 5
	ReasonExtendFailed  Reason = 6
	ReasonResource      Reason = 7
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRequested:
		return "requested"
	case ReasonProtocol:
		return "protocol violation"
	case ReasonDecapsulation:
		return "decapsulation failed"
	case ReasonLinkFailure:
		return "link failure"
	case ReasonAuthFailure:
		return "authentication failures"
	case ReasonExtendFailed:
		return "extend failed"
	case ReasonResource:
		return "resource limit"
	default:
		return "unknown"
	}
}
