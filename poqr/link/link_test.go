package link

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/identity"
	"github.com/TheusHen/poqr/poqr/lattice"
	"github.com/TheusHen/poqr/poqr/log"
	"github.com/TheusHen/poqr/poqr/protocol"
)

type recorder struct {
	cells  chan *cell.Cell
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{cells: make(chan *cell.Cell, 64), closed: make(chan error, 1)}
}

func (r *recorder) HandleCell(_ *Link, c *cell.Cell) { r.cells <- c }
func (r *recorder) LinkClosed(_ *Link, err error)    { r.closed <- err }

func newRelayIdentity(t *testing.T, addr string) (identity.KeyPair, directory.Descriptor) {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	pk, _, err := lattice.Scheme().GenerateKeyPair()
	require.NoError(t, err)
	d, err := directory.NewDescriptor(kp, pk, addr, false)
	require.NoError(t, err)
	require.NoError(t, d.Sign(kp))
	return kp, d
}

// connect dials addr on n and accepts on ln, returning both ends.
func connect(t *testing.T, n *PipeNetwork, ln *PipeListener, kp identity.KeyPair, desc directory.Descriptor, dialH, acceptH Handler) (*Link, *Link, error) {
	t.Helper()
	logger := log.NewDiscard().GetLogger("link")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		l   *Link
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			accepted <- result{err: err}
			return
		}
		l, err := Accept(ctx, conn, kp, Config{}, acceptH, logger)
		accepted <- result{l, err}
	}()

	dialed, err := Dial(ctx, n, desc, Config{}, dialH, logger)
	r := <-accepted
	if err != nil {
		return nil, r.l, err
	}
	require.NoError(t, r.err)
	return dialed, r.l, nil
}

func TestLinkExchangesCellsInOrder(t *testing.T) {
	require := require.New(t)

	n := NewPipeNetwork()
	ln, err := n.Listen("r1")
	require.NoError(err)
	defer ln.Close()
	kp, desc := newRelayIdentity(t, "r1")

	dialH, acceptH := newRecorder(), newRecorder()
	client, server, err := connect(t, n, ln, kp, desc, dialH, acceptH)
	require.NoError(err)
	defer client.Close()

	require.True(client.Initiator())
	require.False(server.Initiator())
	require.Equal(kp.PeerID(), client.Remote())
	require.True(server.Remote().IsZero())

	for i := uint32(1); i <= 10; i++ {
		require.NoError(client.Send(cell.New(i, cell.CommandRelay)))
	}
	for i := uint32(1); i <= 10; i++ {
		select {
		case c := <-acceptH.cells:
			require.Equal(i, c.CircID)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for cell")
		}
	}

	require.NoError(server.SendContext(context.Background(), cell.NewDestroy(3, cell.ReasonRequested)))
	select {
	case c := <-dialH.cells:
		require.Equal(cell.CommandDestroy, c.Command)
		require.Equal(cell.ReasonRequested, c.Reason())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for DESTROY")
	}

	// Closing one end is seen by both handlers.
	require.NoError(client.Close())
	select {
	case err := <-acceptH.closed:
		require.Error(err)
	case <-time.After(5 * time.Second):
		t.Fatal("server handler not told about close")
	}
	select {
	case <-dialH.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("client handler not told about close")
	}
	require.ErrorIs(client.Send(cell.New(1, cell.CommandRelay)), ErrLinkClosed)
	client.Wait()
}

func TestLinkRejectsWrongRelay(t *testing.T) {
	n := NewPipeNetwork()
	ln, err := n.Listen("r1")
	require.NoError(t, err)
	defer ln.Close()

	kp, _ := newRelayIdentity(t, "r1")
	_, impostorDesc := newRelayIdentity(t, "r1")

	_, server, err := connect(t, n, ln, kp, impostorDesc, newRecorder(), newRecorder())
	require.ErrorIs(t, err, ErrUnexpectedPeer)
	if server != nil {
		server.Close()
	}
}

func TestDialUnknownAddress(t *testing.T) {
	_, desc := newRelayIdentity(t, "nowhere")
	_, err := Dial(context.Background(), NewPipeNetwork(), desc, Config{}, newRecorder(), log.NewDiscard().GetLogger("link"))
	require.ErrorIs(t, err, ErrNoListener)
}

func TestBadCellThreshold(t *testing.T) {
	require := require.New(t)

	local, remote := net.Pipe()
	defer remote.Close()
	h := newRecorder()
	l := newLink(local, false, identity.PeerID{}, Config{BadCellThreshold: 3}, h, log.NewDiscard().GetLogger("link"))
	l.start()

	good, err := cell.Encode(cell.New(5, cell.CommandRelay))
	require.NoError(err)
	bad := make([]byte, cell.CellLength) // circuit ID 0

	go func() {
		remote.Write(good)
		for i := 0; i < 3; i++ {
			remote.Write(bad)
		}
		remote.Write(good)
		remote.Write(bad)
	}()

	for i := 0; i < 2; i++ {
		select {
		case c := <-h.cells:
			require.Equal(uint32(5), c.CircID)
		case <-time.After(5 * time.Second):
			t.Fatal("good cell not delivered")
		}
	}
	select {
	case err := <-h.closed:
		require.True(errors.Is(err, ErrTooManyBadCells), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("link not closed after threshold")
	}
}

func TestSendRejectsInvalidCell(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	l := newLink(local, true, identity.PeerID{}, Config{}, newRecorder(), log.NewDiscard().GetLogger("link"))
	require.True(t, cell.IsFormatError(l.Send(cell.New(0, cell.CommandRelay))))
}

func TestSendQueueFull(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	// Not started: nothing drains the queue.
	l := newLink(local, true, identity.PeerID{}, Config{WriteQueue: 2}, newRecorder(), log.NewDiscard().GetLogger("link"))
	require.NoError(t, l.Send(cell.New(1, cell.CommandRelay)))
	require.NoError(t, l.Send(cell.New(1, cell.CommandRelay)))
	require.ErrorIs(t, l.Send(cell.New(1, cell.CommandRelay)), ErrQueueFull)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.SendContext(ctx, cell.New(1, cell.CommandRelay)), context.DeadlineExceeded)
}

func TestNewCircID(t *testing.T) {
	require := require.New(t)

	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()
	l := newLink(local, true, identity.PeerID{}, Config{}, newRecorder(), log.NewDiscard().GetLogger("link"))

	seen := map[uint32]bool{}
	for i := 0; i < 1000; i++ {
		id, err := l.NewCircID()
		require.NoError(err)
		require.NotZero(id)
		require.False(seen[id])
		seen[id] = true
	}
	for id := range seen {
		l.ReleaseCircID(id)
	}
	require.Empty(l.ids)
}

func TestHandshakeRefusesBadChallenge(t *testing.T) {
	require := require.New(t)

	kp, _ := newRelayIdentity(t, "r1")
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- handshakeServer(ctx, remote, kp) }()

	require.NoError(protocol.WriteFrame(local, protocol.Frame{Type: protocol.MessageTypeChallenge, Payload: []byte("short")}))
	frame, err := protocol.ReadFrame(local)
	require.NoError(err)
	require.Equal(protocol.MessageTypeError, frame.Type)
	require.ErrorIs(<-errc, ErrHandshakeExpectedChallenge)
}

func TestDialSeesRefusal(t *testing.T) {
	require := require.New(t)

	_, desc := newRelayIdentity(t, "r1")
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		if _, err := protocol.ReadFrame(remote); err != nil {
			return
		}
		_ = protocol.WriteFrame(remote, protocol.Frame{Type: protocol.MessageTypeError, Payload: []byte("busy")})
	}()

	err := handshakeClient(ctx, local, desc)
	require.ErrorIs(err, ErrHandshakeRefused)
	require.Contains(err.Error(), "busy")
}
