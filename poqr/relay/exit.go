package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/instrument"
	"github.com/TheusHen/poqr/poqr/onion"
	"github.com/TheusHen/poqr/poqr/transfer"
)

var ErrCircuitClosed = errors.New("relay: circuit closed")

const exitInbox = 64

// Deliverer receives application messages that reached the end of a
// circuit at this relay.
type Deliverer interface {
	Deliver(x *ExitCircuit, msg []byte) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(x *ExitCircuit, msg []byte) error

func (f DelivererFunc) Deliver(x *ExitCircuit, msg []byte) error { return f(x, msg) }

// Opener handles BEGIN. Open returning nil answers CONNECTED; an error
// answers END with the error text. Close is called once the circuit is
// gone if Open succeeded.
type Opener interface {
	Open(x *ExitCircuit, target string) error
	Close(x *ExitCircuit)
}

// EchoDeliverer replies with every message it receives.
type EchoDeliverer struct{}

func (EchoDeliverer) Deliver(x *ExitCircuit, msg []byte) error {
	return x.Reply(x.Context(), msg)
}

// AckDeliverer answers every message with "ack".
type AckDeliverer struct{}

func (AckDeliverer) Deliver(x *ExitCircuit, _ []byte) error {
	return x.Reply(x.Context(), []byte("ack"))
}

type exitEvent struct {
	cmd  cell.RelayCommand
	data []byte
}

var exitIDs atomic.Uint64

// ExitCircuit is the application end of a circuit at an exit relay.
type ExitCircuit struct {
	r *Relay
	e *entry

	id     uint64
	packer *transfer.Packer
	// reasm is only used under e.mu.
	reasm *transfer.Reassembler

	inbox  chan exitEvent
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu keeps backward cells in ratchet order between sealing and
	// queueing.
	sendMu sync.Mutex
}

func newExitCircuit(r *Relay, e *entry) *ExitCircuit {
	ctx, cancel := context.WithCancel(r.ctx)
	x := &ExitCircuit{
		r:      r,
		e:      e,
		id:     exitIDs.Add(1),
		packer: transfer.NewPacker(r.cfg.Compress, r.cfg.ParityShards),
		reasm:  transfer.NewReassembler(),
		inbox:  make(chan exitEvent, exitInbox),
		ctx:    ctx,
		cancel: cancel,
	}
	r.wg.Add(1)
	go x.run()
	return x
}

// ID is a process-local number for logging. It is not on the wire.
func (x *ExitCircuit) ID() uint64 { return x.id }

// Context is cancelled when the circuit is torn down.
func (x *ExitCircuit) Context() context.Context { return x.ctx }

// Reply sends msg back to the host that built the circuit.
func (x *ExitCircuit) Reply(ctx context.Context, msg []byte) error {
	frags, err := x.packer.Pack(msg)
	if err != nil {
		return err
	}
	for _, f := range frags {
		if err := x.send(ctx, cell.RelayData, f); err != nil {
			return err
		}
	}
	return nil
}

// End tells the host the stream is finished.
func (x *ExitCircuit) End(ctx context.Context, reason string) error {
	return x.send(ctx, cell.RelayEnd, []byte(reason))
}

func (x *ExitCircuit) send(ctx context.Context, rc cell.RelayCommand, data []byte) error {
	x.sendMu.Lock()
	defer x.sendMu.Unlock()

	e := x.e
	e.mu.Lock()
	if e.state == TornDown {
		e.mu.Unlock()
		return ErrCircuitClosed
	}
	c := cell.New(e.prevID, cell.CommandRelay)
	b := cell.Body{Command: cell.CommandRelay, Relay: rc, Data: data}
	if err := b.EncodeTo(c.Body()); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := onion.OriginateBackward(e.hop, c.Payload[:]); err != nil {
		x.r.teardown(e, fromNone, cell.ReasonResource)
		e.mu.Unlock()
		return err
	}
	prev := e.prev
	e.mu.Unlock()

	if err := prev.SendContext(ctx, c); err != nil {
		// The cell is sealed; the host's ratchet will never see it.
		e.mu.Lock()
		x.r.teardown(e, fromNone, cell.ReasonResource)
		e.mu.Unlock()
		return err
	}
	return nil
}

// post hands an event to the delivery goroutine, waiting while it is
// busy. e.mu must not be held: the delivery goroutine takes it to reply.
func (x *ExitCircuit) post(ev exitEvent) {
	select {
	case x.inbox <- ev:
	case <-x.ctx.Done():
		instrument.CellDropped("exit closed")
	}
}

func (x *ExitCircuit) close() { x.cancel() }

func (x *ExitCircuit) run() {
	defer x.r.wg.Done()
	opened := false
	defer func() {
		if opened && x.r.cfg.Opener != nil {
			x.r.cfg.Opener.Close(x)
		}
	}()

	for {
		select {
		case <-x.ctx.Done():
			return
		case ev := <-x.inbox:
			switch ev.cmd {
			case cell.RelayBegin:
				if err := x.open(string(ev.data)); err != nil {
					x.r.log.Debugf("Exit %d: BEGIN %q refused: %v", x.id, ev.data, err)
					_ = x.End(x.ctx, err.Error())
					continue
				}
				opened = true
				_ = x.send(x.ctx, cell.RelayConnected, nil)
			case cell.RelayData:
				if err := x.r.cfg.Deliverer.Deliver(x, ev.data); err != nil {
					x.r.log.Debugf("Exit %d: delivery failed: %v", x.id, err)
				}
			case cell.RelayEnd:
				if opened && x.r.cfg.Opener != nil {
					x.r.cfg.Opener.Close(x)
				}
				opened = false
			}
		}
	}
}

func (x *ExitCircuit) open(target string) error {
	if x.r.cfg.Opener == nil {
		return nil
	}
	return x.r.cfg.Opener.Open(x, target)
}

// onExit handles a RELAY body addressed to this relay. e.mu is held.
func (r *Relay) onExit(e *entry, b cell.Body) outgoing {
	if !r.cfg.Exit {
		return r.refuse(e, "not an exit")
	}
	if e.exit == nil {
		e.exit = newExitCircuit(r, e)
		r.log.Debugf("Circuit %d on %s: exit %d opened", e.prevID, e.prev, e.exit.id)
	}
	x := e.exit
	switch b.Relay {
	case cell.RelayData:
		msg, err := x.reasm.Add(b.Data)
		if err != nil {
			instrument.CellDropped("bad fragment")
			return outgoing{}
		}
		if msg != nil {
			return outgoing{exit: x, ev: exitEvent{cmd: cell.RelayData, data: msg}}
		}
	case cell.RelayBegin, cell.RelayEnd:
		return outgoing{exit: x, ev: exitEvent{cmd: b.Relay, data: b.Data}}
	default:
		instrument.CellDropped("unexpected relay command")
	}
	return outgoing{}
}

// refuse answers END on a circuit that cannot deliver. e.mu is held.
func (r *Relay) refuse(e *entry, reason string) outgoing {
	c := cell.New(e.prevID, cell.CommandRelay)
	b := cell.Body{Command: cell.CommandRelay, Relay: cell.RelayEnd, Data: []byte(reason)}
	if err := b.EncodeTo(c.Body()); err != nil {
		return outgoing{}
	}
	if err := onion.OriginateBackward(e.hop, c.Payload[:]); err != nil {
		r.teardown(e, fromNone, cell.ReasonResource)
		return outgoing{}
	}
	return outgoing{to: e.prev, cell: c}
}
