package circuit

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/identity"
	"github.com/TheusHen/poqr/poqr/lattice"
	"github.com/TheusHen/poqr/poqr/link"
	"github.com/TheusHen/poqr/poqr/log"
	"github.com/TheusHen/poqr/poqr/relay"
)

const waitFor = 5 * time.Second

type testNet struct {
	net    *link.PipeNetwork
	relays []*relay.Relay
	keys   []identity.KeyPair
	descs  []directory.Descriptor

	// hostLink configures the host's link to the first hop.
	hostLink link.Config
}

// newTestNet starts n relays on a pipe network. The last one is an exit.
func newTestNet(t *testing.T, n int, mutate func(i int, cfg *relay.Config)) *testNet {
	t.Helper()
	tn := &testNet{net: link.NewPipeNetwork()}
	for i := 0; i < n; i++ {
		kp, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		_, sk, err := lattice.Scheme().GenerateKeyPair()
		require.NoError(t, err)

		cfg := relay.Config{
			Identity:  kp,
			KEMKey:    sk,
			Transport: tn.net,
			Exit:      i == n-1,
			Log:       log.NewDiscard().GetLogger(fmt.Sprintf("R%d", i+1)),
		}
		if mutate != nil {
			mutate(i, &cfg)
		}
		r, err := relay.New(cfg)
		require.NoError(t, err)

		addr := fmt.Sprintf("r%d", i+1)
		ln, err := tn.net.Listen(addr)
		require.NoError(t, err)
		go r.Serve(ln)
		t.Cleanup(func() { r.Close() })

		d, err := r.Descriptor(addr)
		require.NoError(t, err)
		tn.relays = append(tn.relays, r)
		tn.keys = append(tn.keys, kp)
		tn.descs = append(tn.descs, d)
	}
	return tn
}

// build dials the first hop of path and builds a circuit over it.
func (tn *testNet) build(t *testing.T, path []directory.Descriptor, cfg Config) (*Circuit, *Mux, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	m := NewMux()
	l, err := link.Dial(ctx, tn.net, path[0], tn.hostLink, m, log.NewDiscard().GetLogger("host"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	c, err := Build(ctx, l, m, path, cfg)
	return c, m, err
}

func (tn *testNet) circuits() int {
	n := 0
	for _, r := range tn.relays {
		n += r.NumCircuits()
	}
	return n
}

func TestEndToEndHelloAck(t *testing.T) {
	require := require.New(t)

	delivered := make(chan []byte, 1)
	tn := newTestNet(t, 3, func(i int, cfg *relay.Config) {
		cfg.Deliverer = relay.DelivererFunc(func(x *relay.ExitCircuit, msg []byte) error {
			delivered <- msg
			return x.Reply(x.Context(), []byte("ack"))
		})
	})

	c, _, err := tn.build(t, tn.descs, Config{})
	require.NoError(err)
	require.Equal(Established, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(c.Send(ctx, []byte("hello-poqr")))
	require.Equal(Active, c.State())

	select {
	case msg := <-delivered:
		require.Equal([]byte("hello-poqr"), msg)
	case <-ctx.Done():
		t.Fatal("exit did not deliver")
	}

	reply, err := c.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("ack"), reply)
}

func TestLargeMessageEcho(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 3, func(i int, cfg *relay.Config) {
		cfg.Deliverer = relay.EchoDeliverer{}
		cfg.ParityShards = 2
	})
	c, _, err := tn.build(t, tn.descs, Config{Compress: true, ParityShards: 2})
	require.NoError(err)

	msg := make([]byte, 100<<10)
	_, err = rand.Read(msg[:len(msg)/2])
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(c.Send(ctx, msg))
	got, err := c.Receive(ctx)
	require.NoError(err)
	require.True(bytes.Equal(msg, got))
}

func TestBackToBackMessagesOverShortQueues(t *testing.T) {
	require := require.New(t)

	// One-cell write queues everywhere: relays must wait for room rather
	// than drop, or the hop ratchets fall out of step.
	tn := newTestNet(t, 3, func(i int, cfg *relay.Config) {
		cfg.Deliverer = relay.EchoDeliverer{}
		cfg.Link.WriteQueue = 1
	})
	tn.hostLink = link.Config{WriteQueue: 1}
	c, _, err := tn.build(t, tn.descs, Config{})
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs := make([][]byte, 4)
	for i := range msgs {
		msgs[i] = make([]byte, 200<<10)
		_, err := rand.Read(msgs[i])
		require.NoError(err)
		require.NoError(c.Send(ctx, msgs[i]), "message %d", i)
	}
	for i := range msgs {
		got, err := c.Receive(ctx)
		require.NoError(err, "message %d", i)
		require.True(bytes.Equal(msgs[i], got), "message %d", i)
	}
	require.NoError(c.Err())
}

func TestReceiveOverflowDestroysCircuit(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 1, func(i int, cfg *relay.Config) {
		cfg.Deliverer = relay.DelivererFunc(func(x *relay.ExitCircuit, msg []byte) error {
			for j := 0; j < 3; j++ {
				if err := x.Reply(x.Context(), msg); err != nil {
					return err
				}
			}
			return nil
		})
	})
	c, _, err := tn.build(t, tn.descs, Config{ReceiveQueue: 1})
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(c.Send(ctx, []byte("hi")))

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("circuit survived an overflowing receive queue")
	}
	require.ErrorIs(c.Err(), ErrReceiveOverflow)

	// What was queued before the overflow is still delivered.
	got, err := c.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("hi"), got)
	_, err = c.Receive(ctx)
	require.ErrorIs(err, ErrReceiveOverflow)
}

func TestTeardownCascade(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 3, nil)
	c, m, err := tn.build(t, tn.descs, Config{})
	require.NoError(err)
	for _, r := range tn.relays {
		require.Len(r.Circuits(), 1)
	}

	require.NoError(c.Close())
	require.Equal(Closed, c.State())
	require.Zero(m.Len())
	require.Eventually(func() bool { return tn.circuits() == 0 }, waitFor, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.ErrorIs(c.Send(ctx, []byte("late")), ErrCircuitClosed)
	_, err = c.Receive(ctx)
	require.ErrorIs(err, ErrCircuitClosed)
	require.NoError(c.Close())
}

func TestKnowledgeConfinement(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 3, nil)
	c, _, err := tn.build(t, tn.descs, Config{})
	require.NoError(err)

	var path []identity.PeerID
	for _, d := range tn.descs {
		path = append(path, d.PeerID)
	}
	require.Equal(path, c.Path())

	infos := tn.relays[1].Circuits()
	require.Len(infos, 1)
	mid := infos[0]
	require.Equal(relay.Relaying, mid.State)
	require.False(mid.Exit)
	// The predecessor dialed in anonymously and the successor is the only
	// identity the middle relay learns.
	require.Equal("inbound", mid.Prev)
	require.Equal(tn.descs[2].PeerID, mid.Next)
	require.NotEqual(tn.descs[0].PeerID, mid.Next)

	first := tn.relays[0].Circuits()[0]
	require.Equal(tn.descs[1].PeerID, first.Next)
	require.Equal(c.ID(), first.PrevCircID)

	exit := tn.relays[2].Circuits()[0]
	require.Equal(relay.Linked, exit.State)
	require.True(exit.Next.IsZero())
}

func TestDecapsulationFailure(t *testing.T) {
	for hop := 0; hop < 3; hop++ {
		t.Run(fmt.Sprintf("hop%d", hop+1), func(t *testing.T) {
			require := require.New(t)

			tn := newTestNet(t, 3, nil)
			path := append([]directory.Descriptor(nil), tn.descs...)

			// The relay advertises a KEM key it does not hold.
			pk, _, err := lattice.Scheme().GenerateKeyPair()
			require.NoError(err)
			d, err := directory.NewDescriptor(tn.keys[hop], pk, path[hop].Addr, path[hop].Exit)
			require.NoError(err)
			require.NoError(d.Sign(tn.keys[hop]))
			path[hop] = d

			c, m, err := tn.build(t, path, Config{})
			require.Nil(c)
			require.ErrorIs(err, ErrDecapsulation)
			require.ErrorIs(err, lattice.ErrDecapsulation)
			require.Zero(m.Len())
			require.Eventually(func() bool { return tn.circuits() == 0 }, waitFor, 10*time.Millisecond)
		})
	}
}

func TestRelayFailureDestroysCircuit(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 3, nil)
	c, _, err := tn.build(t, tn.descs, Config{})
	require.NoError(err)

	tn.relays[2].Close()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("circuit survived exit failure")
	}
	require.ErrorIs(c.Err(), ErrCircuitDestroyed)
	require.Eventually(func() bool { return tn.circuits() == 0 }, waitFor, 10*time.Millisecond)
}

func TestBegin(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 2, func(i int, cfg *relay.Config) {
		cfg.Opener = refuseOpener{}
	})
	c, _, err := tn.build(t, tn.descs, Config{})
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(c.Begin(ctx, "example.org:80"))
	err = c.Begin(ctx, "refused:80")
	require.ErrorIs(err, ErrStreamEnded)
	require.NoError(c.End(ctx))
}

type refuseOpener struct{}

func (refuseOpener) Open(_ *relay.ExitCircuit, target string) error {
	if target == "refused:80" {
		return errors.New("connection refused")
	}
	return nil
}

func (refuseOpener) Close(*relay.ExitCircuit) {}

func TestBuildRejectsBadPath(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 2, nil)

	_, _, err := tn.build(t, []directory.Descriptor{tn.descs[0], tn.descs[0]}, Config{})
	require.ErrorIs(err, ErrBadPath)

	forged := tn.descs[1]
	forged.Addr = "elsewhere"
	_, _, err = tn.build(t, []directory.Descriptor{tn.descs[0], forged}, Config{})
	require.ErrorIs(err, directory.ErrBadSignature)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	m := NewMux()
	l, err := link.Dial(ctx, tn.net, tn.descs[0], link.Config{}, m, log.NewDiscard().GetLogger("host"))
	require.NoError(err)
	defer l.Close()
	_, err = Build(ctx, l, m, []directory.Descriptor{tn.descs[1]}, Config{})
	require.ErrorIs(err, ErrBadPath)
	require.Zero(tn.circuits())
}

func TestSingleHopCircuit(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 1, nil)
	c, _, err := tn.build(t, tn.descs, Config{})
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(c.Send(ctx, []byte("hi")))
	reply, err := c.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("ack"), reply)
}
