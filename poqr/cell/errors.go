package cell

import (
	"errors"
	"fmt"
)

var (
	ErrPayloadTooLarge = errors.New("cell: payload too large")
)

// FormatError reports a malformed cell or cell body. A single FormatError
// never closes a link by itself.
type FormatError struct {
	Reason string
	Length int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("cell: malformed cell (%s, %d bytes)", e.Reason, e.Length)
}

// IsFormatError reports whether err is or wraps a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
