package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/crypto/ratchet"
	"github.com/TheusHen/poqr/poqr/identity"
	"github.com/TheusHen/poqr/poqr/instrument"
	"github.com/TheusHen/poqr/poqr/lattice"
	"github.com/TheusHen/poqr/poqr/link"
	"github.com/TheusHen/poqr/poqr/log"
	"github.com/TheusHen/poqr/poqr/onion"
	"github.com/TheusHen/poqr/poqr/transfer"
)

var (
	ErrPathExhausted    = errors.New("circuit: not enough relays for path")
	ErrBadPath          = errors.New("circuit: invalid path")
	ErrCircuitClosed    = errors.New("circuit: closed")
	ErrCircuitDestroyed = errors.New("circuit: destroyed by relay")
	ErrDecapsulation    = errors.New("circuit: hop failed key agreement")
	ErrUnexpectedCell   = errors.New("circuit: unexpected cell")
	ErrStreamEnded      = errors.New("circuit: stream ended by exit")
	ErrReceiveOverflow  = errors.New("circuit: messages not received in time")
	ErrCellNotQueued    = errors.New("circuit: sealed cell not queued")
)

const (
	DefaultBuildTimeout      = 30 * time.Second
	DefaultAuthFailureBudget = 8
	DefaultReceiveQueue      = 64
)

// Config tunes circuits built by the host.
type Config struct {
	ReceiveWindow     int
	AuthFailureBudget int
	BuildTimeout      time.Duration

	// ReceiveQueue is how many whole messages wait for Receive. A
	// circuit whose queue overflows is destroyed with ErrReceiveOverflow.
	ReceiveQueue int
	Compress     bool
	ParityShards int
	Log          *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.ReceiveWindow <= 0 {
		c.ReceiveWindow = ratchet.DefaultWindow
	}
	if c.AuthFailureBudget <= 0 {
		c.AuthFailureBudget = DefaultAuthFailureBudget
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = DefaultBuildTimeout
	}
	if c.ReceiveQueue <= 0 {
		c.ReceiveQueue = DefaultReceiveQueue
	}
	if c.Log == nil {
		c.Log = log.NewDiscard().GetLogger("circuit")
	}
}

// Circuit is the host end of a circuit. Only the host holds the full
// path and every hop's keys.
type Circuit struct {
	cfg  Config
	log  *logging.Logger
	link *link.Link
	mux  *Mux
	id   uint32
	path []identity.PeerID

	mu           sync.Mutex
	state        State
	hops         []*onion.Hop
	pending      *pendingHop
	authFailures int
	reasm        *transfer.Reassembler
	err          error

	packer *transfer.Packer
	// sendMu keeps forward cells in ratchet order between sealing and
	// queueing.
	sendMu sync.Mutex

	inbox chan []byte
	begun chan error
	done  chan struct{}
}

// pendingHop is a hop whose CREATED or EXTENDED has not arrived yet.
type pendingHop struct {
	hop     *onion.Hop
	confirm [32]byte
	result  chan error
}

func newCircuit(l *link.Link, m *Mux, id uint32, cfg Config) *Circuit {
	return &Circuit{
		cfg:    cfg,
		log:    cfg.Log,
		link:   l,
		mux:    m,
		id:     id,
		state:  Idle,
		reasm:  transfer.NewReassembler(),
		packer: transfer.NewPacker(cfg.Compress, cfg.ParityShards),
		inbox:  make(chan []byte, cfg.ReceiveQueue),
		begun:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (c *Circuit) ID() uint32 { return c.id }

// Path returns the relays of the circuit in order.
func (c *Circuit) Path() []identity.PeerID {
	return append([]identity.PeerID(nil), c.path...)
}

func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the circuit is closed or destroyed.
func (c *Circuit) Done() <-chan struct{} { return c.done }

// Err returns why the circuit ended, or nil while it is usable.
func (c *Circuit) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// handle processes a cell for this circuit. It runs on the link reader
// and never blocks.
func (c *Circuit) handle(in *cell.Cell) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch in.Command {
	case cell.CommandDestroy:
		if !accepts(c.state, in.Command, 0) {
			instrument.CellDropped("unexpected command")
			return
		}
		c.destroyed(in.Reason())
	case cell.CommandCreated:
		if !accepts(c.state, in.Command, 0) || len(c.hops) != 0 {
			instrument.CellDropped("unexpected command")
			return
		}
		confirm, err := in.Handshake()
		if err != nil {
			c.stepDone(fmt.Errorf("%w: %v", ErrUnexpectedCell, err))
			return
		}
		c.confirmHop(confirm)
	case cell.CommandRelay:
		c.onRelay(in)
	default:
		instrument.CellDropped("unexpected command")
	}
}

func (c *Circuit) onRelay(in *cell.Cell) {
	if len(c.hops) == 0 || c.state == Closing || c.state == Closed {
		instrument.CellDropped("unexpected command")
		return
	}
	if err := onion.PeelBackward(c.hops, in.Payload[:]); err != nil {
		instrument.AuthFailure()
		c.authFailures++
		c.log.Debugf("Circuit %d: unauthenticated reply (%d/%d): %v", c.id, c.authFailures, c.cfg.AuthFailureBudget, err)
		if c.authFailures > c.cfg.AuthFailureBudget {
			_ = c.link.Send(cell.NewDestroy(c.id, cell.ReasonAuthFailure))
			c.finish(fmt.Errorf("%w: too many unauthenticated cells", ErrCircuitDestroyed))
		}
		return
	}
	b, err := cell.DecodeBody(in.Body())
	if err != nil {
		instrument.CellDropped("malformed body")
		return
	}
	if !accepts(c.state, cell.CommandRelay, b.Command) {
		instrument.CellDropped("unexpected body")
		if c.state == AwaitingHop {
			c.stepDone(fmt.Errorf("%w: %s while extending", ErrUnexpectedCell, b.Command))
		}
		return
	}

	if b.Command == cell.CommandExtended {
		c.confirmHop(b.Data)
		return
	}
	switch b.Relay {
	case cell.RelayData:
		msg, err := c.reasm.Add(b.Data)
		if err != nil {
			instrument.CellDropped("bad fragment")
			return
		}
		if msg == nil {
			return
		}
		select {
		case c.inbox <- msg:
		default:
			// The reader never waits on the application; the circuit goes
			// instead of the message.
			instrument.CellDropped("circuit inbox full")
			_ = c.link.Send(cell.NewDestroy(c.id, cell.ReasonResource))
			c.finish(ErrReceiveOverflow)
		}
	case cell.RelayConnected:
		c.beginResult(nil)
	case cell.RelayEnd:
		err := fmt.Errorf("%w: %s", ErrStreamEnded, b.Data)
		c.beginResult(err)
	default:
		instrument.CellDropped("unexpected relay command")
	}
}

func (c *Circuit) beginResult(err error) {
	select {
	case c.begun <- err:
	default:
	}
}

// confirmHop completes the pending hop if the relay echoed the key
// confirmation. c.mu is held.
func (c *Circuit) confirmHop(confirm []byte) {
	p := c.pending
	if p == nil {
		instrument.CellDropped("unexpected command")
		return
	}
	if !equalConfirm(confirm, p.confirm[:]) {
		c.stepDone(fmt.Errorf("%w: hop %d: %w", ErrDecapsulation, len(c.hops)+1, lattice.ErrDecapsulation))
		return
	}
	c.hops = append(c.hops, p.hop)
	c.pending = nil
	p.result <- nil
}

// stepDone fails the pending hop. c.mu is held.
func (c *Circuit) stepDone(err error) {
	if c.pending == nil {
		return
	}
	c.pending.hop.Wipe()
	c.pending.result <- err
	c.pending = nil
}

// destroyed handles DESTROY from the first hop. c.mu is held.
func (c *Circuit) destroyed(reason cell.Reason) {
	var err error
	if reason == cell.ReasonDecapsulation {
		err = fmt.Errorf("%w: hop %d: %w", ErrDecapsulation, len(c.hops)+1, lattice.ErrDecapsulation)
	} else {
		err = fmt.Errorf("%w: %s", ErrCircuitDestroyed, reason)
	}
	c.log.Debugf("Circuit %d: destroyed (%s)", c.id, reason)
	c.stepDone(err)
	c.finish(err)
}

// finish releases everything the circuit holds. c.mu is held.
func (c *Circuit) finish(err error) {
	if c.state == Closed {
		return
	}
	c.stepDone(err)
	c.state = Closed
	c.err = err
	for _, h := range c.hops {
		h.Wipe()
	}
	c.beginResult(err)
	close(c.done)
	c.mux.remove(c.id)
	c.link.ReleaseCircID(c.id)
}

func (c *Circuit) linkFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish(fmt.Errorf("%w: link: %v", ErrCircuitDestroyed, err))
}

// sendBody seals b through every established hop and queues it.
func (c *Circuit) sendBody(ctx context.Context, b *cell.Body) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if !canSend(c.state) {
		err := c.closedErr()
		c.mu.Unlock()
		return err
	}
	out := cell.New(c.id, cell.CommandRelay)
	if err := b.EncodeTo(out.Body()); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := onion.WrapForward(c.hops, out.Payload[:]); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = Active
	c.mu.Unlock()

	if err := c.link.SendContext(ctx, out); err != nil {
		// Every hop ratchet has moved past this cell.
		c.mu.Lock()
		if c.state != Closed {
			_ = c.link.Send(cell.NewDestroy(c.id, cell.ReasonResource))
			c.finish(fmt.Errorf("%w: %v", ErrCellNotQueued, err))
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// closedErr is the error for operations on an unusable circuit. c.mu
// is held.
func (c *Circuit) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return ErrCircuitClosed
}

// Send delivers msg to the exit relay's application.
func (c *Circuit) Send(ctx context.Context, msg []byte) error {
	frags, err := c.packer.Pack(msg)
	if err != nil {
		return err
	}
	for _, f := range frags {
		b := cell.Body{Command: cell.CommandRelay, Relay: cell.RelayData, Data: f}
		if err := c.sendBody(ctx, &b); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the next message from the exit relay.
func (c *Circuit) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Begin asks the exit to open a stream to target and waits for its
// answer.
func (c *Circuit) Begin(ctx context.Context, target string) error {
	select {
	case <-c.begun:
	default:
	}
	b := cell.Body{Command: cell.CommandRelay, Relay: cell.RelayBegin, Data: []byte(target)}
	if err := c.sendBody(ctx, &b); err != nil {
		return err
	}
	select {
	case err := <-c.begun:
		return err
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End tells the exit the stream is finished. The circuit stays up.
func (c *Circuit) End(ctx context.Context) error {
	b := cell.Body{Command: cell.CommandRelay, Relay: cell.RelayEnd}
	return c.sendBody(ctx, &b)
}

// Close tears the circuit down. DESTROY is sent to the first hop and
// cascades from there; Close does not wait for it.
func (c *Circuit) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed || c.state == Closing {
		return nil
	}
	c.state = Closing
	if err := c.link.Send(cell.NewDestroy(c.id, cell.ReasonRequested)); err != nil {
		c.log.Debugf("Circuit %d: DESTROY not sent: %v", c.id, err)
	}
	c.finish(ErrCircuitClosed)
	return nil
}
