package link

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/identity"
	"github.com/TheusHen/poqr/poqr/protocol"
)

var (
	ErrHandshakeExpectedHello     = errors.New("link: handshake expected HELLO")
	ErrHandshakeExpectedChallenge = errors.New("link: handshake expected CHALLENGE")
	ErrUnexpectedPeer             = errors.New("link: relay identity does not match descriptor")
	ErrCellLengthMismatch         = errors.New("link: relay uses a different cell length")
	ErrHandshakeRefused           = errors.New("link: relay refused the handshake")
)

// DefaultHandshakeTimeout bounds the HELLO exchange when ctx has no deadline.
const DefaultHandshakeTimeout = 10 * time.Second

const capCellLength = "cell_length"

// Transport opens raw connections to relays.
type Transport interface {
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

// Listener accepts raw connections for a relay.
type Listener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Addr() string
	Close() error
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// withDeadline applies ctx's deadline to conn for the duration of the
// handshake, if conn supports deadlines.
func withDeadline(ctx context.Context, conn io.ReadWriteCloser) func() {
	d, ok := conn.(deadliner)
	if !ok {
		return func() {}
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultHandshakeTimeout)
	}
	_ = d.SetDeadline(deadline)
	return func() { _ = d.SetDeadline(time.Time{}) }
}

// Dial connects to the relay described by desc, verifies its identity
// and starts the link. The host side stays anonymous: it never signs
// anything.
func Dial(ctx context.Context, t Transport, desc directory.Descriptor, cfg Config, h Handler, log *logging.Logger) (*Link, error) {
	conn, err := t.Dial(ctx, desc.Addr)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", desc.Addr, err)
	}
	if err := handshakeClient(ctx, conn, desc); err != nil {
		conn.Close()
		return nil, err
	}
	l := newLink(conn, true, desc.PeerID, cfg, h, log)
	l.start()
	log.Debugf("Link %s: established to %s", l, desc.Addr)
	return l, nil
}

func handshakeClient(ctx context.Context, conn io.ReadWriteCloser, desc directory.Descriptor) error {
	defer withDeadline(ctx, conn)()

	challenge := make([]byte, protocol.ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, protocol.Frame{Type: protocol.MessageTypeChallenge, Payload: challenge}); err != nil {
		return err
	}

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return err
	}
	switch frame.Type {
	case protocol.MessageTypeHello:
	case protocol.MessageTypeError:
		return fmt.Errorf("%w: %s", ErrHandshakeRefused, frame.Payload)
	default:
		return ErrHandshakeExpectedHello
	}
	hello, err := protocol.DecodeHello(frame.Payload)
	if err != nil {
		return err
	}
	if err := hello.VerifyResponse(challenge, time.Now()); err != nil {
		return err
	}
	if hello.PeerID != desc.PeerID.String() {
		return fmt.Errorf("%w: got %s", ErrUnexpectedPeer, hello.PeerID)
	}
	if cl := hello.Capabilities[capCellLength]; cl != strconv.Itoa(cell.CellLength) {
		return fmt.Errorf("%w: %q", ErrCellLengthMismatch, cl)
	}
	return nil
}

// Accept answers a dialer's challenge with a HELLO signed by kp and
// starts the link.
func Accept(ctx context.Context, conn io.ReadWriteCloser, kp identity.KeyPair, cfg Config, h Handler, log *logging.Logger) (*Link, error) {
	if err := handshakeServer(ctx, conn, kp); err != nil {
		conn.Close()
		return nil, err
	}
	l := newLink(conn, false, identity.PeerID{}, cfg, h, log)
	l.start()
	log.Debugf("Link %s: accepted", l)
	return l, nil
}

func handshakeServer(ctx context.Context, conn io.ReadWriteCloser, kp identity.KeyPair) error {
	defer withDeadline(ctx, conn)()

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return err
	}
	if frame.Type != protocol.MessageTypeChallenge || len(frame.Payload) != protocol.ChallengeSize {
		// Best effort: tell the dialer why before hanging up.
		_ = protocol.WriteFrame(conn, protocol.Frame{Type: protocol.MessageTypeError, Payload: []byte("expected challenge")})
		return ErrHandshakeExpectedChallenge
	}

	hello := protocol.NewHello(kp, frame.Payload, map[string]string{
		capCellLength: strconv.Itoa(cell.CellLength),
	})
	if err := hello.Sign(kp); err != nil {
		return err
	}
	payload, err := protocol.EncodeHello(hello)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(conn, protocol.Frame{Type: protocol.MessageTypeHello, Payload: payload})
}
