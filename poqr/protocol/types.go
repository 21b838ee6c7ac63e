package protocol

type MessageType uint8

const (
	MessageTypeChallenge MessageType = 1
	MessageTypeHello     MessageType = 2
	MessageTypeError     MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeChallenge:
		return "CHALLENGE"
	case MessageTypeHello:
		return "HELLO"
	case MessageTypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
