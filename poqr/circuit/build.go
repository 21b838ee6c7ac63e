package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/crypto"
	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/instrument"
	"github.com/TheusHen/poqr/poqr/link"
	"github.com/TheusHen/poqr/poqr/onion"
)

// Build constructs a circuit along path, one hop at a time. l must be a
// link to path[0] whose handler is m.
//
// A failed build is not retried; the caller picks a new path. The error
// wraps ErrDecapsulation when a hop could not agree on keys and
// ErrCircuitDestroyed when a relay tore the circuit down.
func Build(ctx context.Context, l *link.Link, m *Mux, path []directory.Descriptor, cfg Config) (*Circuit, error) {
	cfg.applyDefaults()
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if l.Remote() != path[0].PeerID {
		return nil, fmt.Errorf("%w: link goes to %s, not the first hop", ErrBadPath, l.Remote().Short())
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.BuildTimeout)
	defer cancel()

	id, err := l.NewCircID()
	if err != nil {
		return nil, err
	}
	c := newCircuit(l, m, id, cfg)
	for _, d := range path {
		c.path = append(c.path, d.PeerID)
	}
	m.add(id, c)

	start := time.Now()
	for i, d := range path {
		if err := c.extendTo(ctx, i, d); err != nil {
			instrument.CircuitBuildFailed()
			c.abort(err)
			c.log.Debugf("Circuit %d: build failed at hop %d: %v", id, i+1, err)
			return nil, err
		}
	}

	c.mu.Lock()
	c.state = Established
	c.mu.Unlock()
	instrument.CircuitBuilt(start)
	c.log.Debugf("Circuit %d: built through %d hops", id, len(path))
	return c, nil
}

// extendTo adds hop i+1: CREATE for the first hop, EXTEND through the
// existing hops for the rest.
func (c *Circuit) extendTo(ctx context.Context, i int, d directory.Descriptor) error {
	pk, err := d.KEMKey()
	if err != nil {
		return err
	}
	ct, ss, err := pk.Scheme().Encapsulate(pk)
	if err != nil {
		return err
	}
	keys, err := crypto.DeriveHopKeys(ss, ct)
	crypto.Zero(ss)
	if err != nil {
		return err
	}
	defer keys.Wipe()
	hop, err := onion.NewOriginatorHop(&keys, c.cfg.ReceiveWindow)
	if err != nil {
		return err
	}

	var out *cell.Cell
	if i == 0 {
		out = cell.New(c.id, cell.CommandCreate)
		if err := out.SetHandshake(ct); err != nil {
			return err
		}
	} else {
		ext, err := cell.Extend{PeerID: d.PeerID, Addr: d.Addr, Ciphertext: ct}.MarshalBinary()
		if err != nil {
			return err
		}
		out = cell.New(c.id, cell.CommandRelay)
		b := cell.Body{Command: cell.CommandExtend, Data: ext}
		if err := b.EncodeTo(out.Body()); err != nil {
			return err
		}
	}

	result := make(chan error, 1)
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return c.closedErr()
	}
	if i > 0 {
		if err := onion.WrapForward(c.hops, out.Payload[:]); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.state = AwaitingHop
	c.pending = &pendingHop{hop: hop, confirm: keys.Confirm, result: result}
	c.mu.Unlock()

	if err := c.link.SendContext(ctx, out); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort tears down a circuit whose build failed.
func (c *Circuit) abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	if len(c.hops) > 0 || c.pending != nil {
		_ = c.link.Send(cell.NewDestroy(c.id, cell.ReasonRequested))
	}
	c.finish(err)
}

func equalConfirm(got, want []byte) bool {
	return len(got) == len(want) && crypto.Equal(got, want)
}
