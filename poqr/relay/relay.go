package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/kem"
	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/crypto"
	"github.com/TheusHen/poqr/poqr/crypto/ratchet"
	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/identity"
	"github.com/TheusHen/poqr/poqr/instrument"
	"github.com/TheusHen/poqr/poqr/link"
	"github.com/TheusHen/poqr/poqr/log"
	"github.com/TheusHen/poqr/poqr/onion"
)

var (
	ErrRelayClosed    = errors.New("relay: closed")
	ErrSchemeTooLarge = errors.New("relay: KEM ciphertext does not fit a cell")
	ErrNoKEMKey       = errors.New("relay: no KEM private key")
)

const (
	DefaultReceiveWindow     = ratchet.DefaultWindow
	DefaultAuthFailureBudget = 8
	DefaultExtendTimeout     = 15 * time.Second
	DefaultForwardTimeout    = 30 * time.Second
)

// Config configures a Relay.
type Config struct {
	Identity identity.KeyPair
	KEMKey   kem.PrivateKey

	// Transport dials next hops on EXTEND.
	Transport link.Transport
	Link      link.Config

	// ReceiveWindow is how many cells a hop may skip ahead.
	ReceiveWindow int
	// AuthFailureBudget is how many unauthenticated cells a circuit
	// absorbs before it is torn down.
	AuthFailureBudget int
	ExtendTimeout     time.Duration
	// ForwardTimeout bounds how long a relayed cell waits for room on
	// the next link. A circuit whose cell cannot be queued in time is
	// torn down.
	ForwardTimeout time.Duration

	// Exit enables application delivery at the end of circuits.
	Exit      bool
	Deliverer Deliverer
	Opener    Opener

	// Compress and ParityShards apply to replies sent by the exit.
	Compress     bool
	ParityShards int

	Log *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.ReceiveWindow <= 0 {
		c.ReceiveWindow = DefaultReceiveWindow
	}
	if c.AuthFailureBudget <= 0 {
		c.AuthFailureBudget = DefaultAuthFailureBudget
	}
	if c.ExtendTimeout <= 0 {
		c.ExtendTimeout = DefaultExtendTimeout
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = DefaultForwardTimeout
	}
	if c.Exit && c.Deliverer == nil {
		c.Deliverer = AckDeliverer{}
	}
	if c.Log == nil {
		c.Log = log.NewDiscard().GetLogger("relay")
	}
}

// Relay forwards cells for circuits that pass through it. It implements
// link.Handler for every link it accepts or dials.
type Relay struct {
	cfg    Config
	scheme kem.Scheme
	log    *logging.Logger
	table  *table

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	links     map[*link.Link]struct{}
	outbound  map[identity.PeerID]*link.Link
	listeners []link.Listener
	closed    bool
}

// New creates a relay. It does not listen until Serve is called.
func New(cfg Config) (*Relay, error) {
	cfg.applyDefaults()
	if cfg.KEMKey == nil {
		return nil, ErrNoKEMKey
	}
	scheme := cfg.KEMKey.Scheme()
	if scheme.CiphertextSize() > cell.MaxExtendCiphertext || scheme.CiphertextSize() > cell.MaxHandshakeData {
		return nil, fmt.Errorf("%w: %s needs %d bytes", ErrSchemeTooLarge, scheme.Name(), scheme.CiphertextSize())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:      cfg,
		scheme:   scheme,
		log:      cfg.Log,
		table:    newTable(),
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[*link.Link]struct{}),
		outbound: make(map[identity.PeerID]*link.Link),
	}, nil
}

// PeerID is the relay's identity.
func (r *Relay) PeerID() identity.PeerID { return r.cfg.Identity.PeerID() }

// Descriptor returns a signed descriptor announcing the relay at addr.
func (r *Relay) Descriptor(addr string) (directory.Descriptor, error) {
	d, err := directory.NewDescriptor(r.cfg.Identity, r.cfg.KEMKey.Public(), addr, r.cfg.Exit)
	if err != nil {
		return directory.Descriptor{}, err
	}
	if err := d.Sign(r.cfg.Identity); err != nil {
		return directory.Descriptor{}, err
	}
	return d, nil
}

// Serve accepts links on ln until the relay is closed or ln fails.
func (r *Relay) Serve(ln link.Listener) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	r.listeners = append(r.listeners, ln)
	r.mu.Unlock()

	r.log.Noticef("Listening on %s as %s", ln.Addr(), r.PeerID().Short())
	for {
		conn, err := ln.Accept(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return ErrRelayClosed
			}
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			l, err := link.Accept(r.ctx, conn, r.cfg.Identity, r.cfg.Link, r, r.log)
			if err != nil {
				r.log.Debugf("Link handshake failed: %v", err)
				return
			}
			if !r.track(l) {
				l.Close()
			}
		}()
	}
}

func (r *Relay) track(l *link.Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.links[l] = struct{}{}
	return true
}

// linkTo returns the outbound link to id, dialing it if needed. Links
// are shared by all circuits going to the same relay.
func (r *Relay) linkTo(ctx context.Context, id identity.PeerID, addr string) (*link.Link, error) {
	r.mu.Lock()
	if l, ok := r.outbound[id]; ok && l.Err() == nil {
		r.mu.Unlock()
		return l, nil
	}
	r.mu.Unlock()

	l, err := link.Dial(ctx, r.cfg.Transport, directory.Descriptor{PeerID: id, Addr: addr}, r.cfg.Link, r, r.log)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		l.Close()
		return nil, ErrRelayClosed
	}
	if other, ok := r.outbound[id]; ok && other.Err() == nil {
		l.Close()
		return other, nil
	}
	r.outbound[id] = l
	r.links[l] = struct{}{}
	return l, nil
}

// Close stops accepting links, closes every link and waits for the
// relay's goroutines. Circuits are torn down through LinkClosed.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	for _, ln := range r.listeners {
		ln.Close()
	}
	links := make([]*link.Link, 0, len(r.links))
	for l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	for _, l := range links {
		l.Close()
		l.Wait()
	}
	r.wg.Wait()
	return nil
}

// outgoing is what a cell handler leaves to do once e.mu is released:
// a cell to queue and an event for the exit. Both may block, and holding
// e.mu across them would stall the opposite direction of the circuit.
type outgoing struct {
	to   *link.Link
	cell *cell.Cell

	exit *ExitCircuit
	ev   exitEvent
}

// HandleCell implements link.Handler. It runs on the link's reader and
// blocks while the link a cell goes out on is full, so a slow neighbor
// slows its upstream link down instead of losing cells.
func (r *Relay) HandleCell(l *link.Link, c *cell.Cell) {
	if c.Command == cell.CommandCreate {
		e, out := r.onCreate(l, c)
		r.flush(e, out)
		return
	}
	e := r.table.get(l, c.CircID)
	if e == nil {
		if c.Command != cell.CommandDestroy {
			instrument.CellDropped("unknown circuit")
		}
		return
	}

	e.mu.Lock()
	dir := e.direction(l, c.CircID)
	if e.state == TornDown || !e.accepts(dir, c.Command) {
		e.mu.Unlock()
		instrument.CellDropped("unexpected command")
		r.log.Debugf("Circuit %d on %s: dropping %s", c.CircID, l, c.Command)
		return
	}

	var out outgoing
	switch c.Command {
	case cell.CommandDestroy:
		r.log.Debugf("Circuit %d on %s: DESTROY (%s)", c.CircID, l, c.Reason())
		r.teardown(e, dir, c.Reason())
	case cell.CommandCreated:
		out = r.onCreated(e, c)
	case cell.CommandRelay:
		if dir == fromPrev {
			out = r.onForward(e, c)
		} else {
			out = r.onBackward(e, c)
		}
	}
	e.mu.Unlock()
	r.flush(e, out)
}

// flush carries out what a handler left to do. A cell that cannot be
// queued leaves the hop ratchets out of step, so the circuit goes.
func (r *Relay) flush(e *entry, out outgoing) {
	if out.cell != nil {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ForwardTimeout)
		err := out.to.SendContext(ctx, out.cell)
		cancel()
		if err != nil {
			r.log.Debugf("Circuit %d: %s to %s not queued: %v", out.cell.CircID, out.cell.Command, out.to, err)
			instrument.CellDropped("forward failed")
			e.mu.Lock()
			r.teardown(e, fromNone, cell.ReasonResource)
			e.mu.Unlock()
			return
		}
	}
	if out.exit != nil {
		out.exit.post(out.ev)
	}
}

// LinkClosed implements link.Handler.
func (r *Relay) LinkClosed(l *link.Link, err error) {
	r.mu.Lock()
	delete(r.links, l)
	for id, o := range r.outbound {
		if o == l {
			delete(r.outbound, id)
		}
	}
	r.mu.Unlock()

	entries := r.table.onLink(l)
	if len(entries) > 0 {
		r.log.Debugf("Link %s closed (%v): tearing down %d circuits", l, err, len(entries))
	}
	for _, e := range entries {
		e.mu.Lock()
		dir := fromNone
		switch l {
		case e.prev:
			dir = fromPrev
		case e.next:
			dir = fromNext
		}
		r.teardown(e, dir, cell.ReasonLinkFailure)
		e.mu.Unlock()
	}
}

func (r *Relay) onCreate(l *link.Link, c *cell.Cell) (*entry, outgoing) {
	if l.Initiator() {
		instrument.CellDropped("create on outbound link")
		return nil, outgoing{}
	}
	e := &entry{state: StateNew, prev: l, prevID: c.CircID}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !r.table.insert(l, c.CircID, e) {
		instrument.CellDropped("duplicate circuit")
		return nil, outgoing{}
	}

	keys, err := r.handshake(c)
	if err != nil {
		instrument.DecapsulationFailure()
		r.log.Debugf("Circuit %d on %s: CREATE failed: %v", c.CircID, l, err)
		e.state = TornDown
		r.table.remove(l, c.CircID)
		_ = l.Send(cell.NewDestroy(c.CircID, cell.ReasonDecapsulation))
		return nil, outgoing{}
	}
	defer keys.Wipe()

	hop, err := onion.NewRelayHop(keys, r.cfg.ReceiveWindow)
	if err != nil {
		e.state = TornDown
		r.table.remove(l, c.CircID)
		_ = l.Send(cell.NewDestroy(c.CircID, cell.ReasonResource))
		return nil, outgoing{}
	}
	e.hop = hop
	e.state = Linked
	instrument.CircuitCreated()

	created := cell.New(c.CircID, cell.CommandCreated)
	_ = created.SetHandshake(keys.Confirm[:])
	return e, outgoing{to: l, cell: created}
}

// handshake decapsulates the CREATE ciphertext and derives the hop keys.
func (r *Relay) handshake(c *cell.Cell) (*crypto.HopKeys, error) {
	ct, err := c.Handshake()
	if err != nil {
		return nil, err
	}
	ss, err := r.scheme.Decapsulate(r.cfg.KEMKey, ct)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(ss)
	keys, err := crypto.DeriveHopKeys(ss, ct)
	if err != nil {
		return nil, err
	}
	return &keys, nil
}

func (r *Relay) onForward(e *entry, c *cell.Cell) outgoing {
	if err := onion.PeelForward(e.hop, c.Payload[:]); err != nil {
		r.authFailed(e, err)
		return outgoing{}
	}
	if e.state == Relaying {
		c.CircID = e.nextID
		return outgoing{to: e.next, cell: c}
	}

	b, err := cell.DecodeBody(c.Body())
	if err != nil {
		instrument.CellDropped("malformed body")
		return outgoing{}
	}
	switch b.Command {
	case cell.CommandExtend:
		r.onExtend(e, b.Data)
	case cell.CommandRelay:
		return r.onExit(e, b)
	default:
		instrument.CellDropped("unexpected body")
	}
	return outgoing{}
}

func (r *Relay) onBackward(e *entry, c *cell.Cell) outgoing {
	if err := onion.WrapBackward(e.hop, c.Payload[:]); err != nil {
		r.teardown(e, fromNone, cell.ReasonResource)
		return outgoing{}
	}
	c.CircID = e.prevID
	return outgoing{to: e.prev, cell: c}
}

func (r *Relay) authFailed(e *entry, err error) {
	instrument.AuthFailure()
	if errors.Is(err, ratchet.ErrRatchetExhausted) {
		r.teardown(e, fromNone, cell.ReasonResource)
		return
	}
	e.authFailures++
	r.log.Debugf("Circuit %d: unauthenticated cell (%d/%d)", e.prevID, e.authFailures, r.cfg.AuthFailureBudget)
	if e.authFailures > r.cfg.AuthFailureBudget {
		r.teardown(e, fromNone, cell.ReasonAuthFailure)
	}
}

func (r *Relay) onExtend(e *entry, data []byte) {
	ext, err := cell.ParseExtend(data)
	if err != nil || ext.PeerID == r.PeerID() || e.exit != nil {
		r.teardown(e, fromNone, cell.ReasonExtendFailed)
		return
	}
	e.extending = true
	e.extendTimer = time.AfterFunc(r.cfg.ExtendTimeout, func() {
		r.abortExtend(e, context.DeadlineExceeded)
	})
	r.wg.Add(1)
	go r.extend(e, ext)
}

func (r *Relay) extend(e *entry, ext cell.Extend) {
	defer r.wg.Done()
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ExtendTimeout)
	defer cancel()

	next, err := r.linkTo(ctx, ext.PeerID, ext.Addr)
	if err != nil {
		r.abortExtend(e, err)
		return
	}
	id, err := next.NewCircID()
	if err != nil {
		r.abortExtend(e, err)
		return
	}
	create := cell.New(id, cell.CommandCreate)
	if err := create.SetHandshake(ext.Ciphertext); err != nil {
		next.ReleaseCircID(id)
		r.abortExtend(e, err)
		return
	}

	e.mu.Lock()
	if e.state == TornDown || !e.extending {
		e.mu.Unlock()
		next.ReleaseCircID(id)
		return
	}
	e.next, e.nextID = next, id
	r.table.insert(next, id, e)
	e.mu.Unlock()

	if err := next.SendContext(ctx, create); err != nil {
		r.abortExtend(e, err)
	}
}

func (r *Relay) abortExtend(e *entry, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == TornDown || !e.extending {
		return
	}
	r.log.Debugf("Circuit %d: extend failed: %v", e.prevID, err)
	r.teardown(e, fromNone, cell.ReasonExtendFailed)
}

func (r *Relay) onCreated(e *entry, c *cell.Cell) outgoing {
	e.extendTimer.Stop()
	e.extending = false

	confirm, err := c.Handshake()
	if err != nil {
		r.teardown(e, fromNone, cell.ReasonProtocol)
		return outgoing{}
	}
	out := cell.New(e.prevID, cell.CommandRelay)
	b := cell.Body{Command: cell.CommandExtended, Data: confirm}
	if err := b.EncodeTo(out.Body()); err != nil {
		r.teardown(e, fromNone, cell.ReasonProtocol)
		return outgoing{}
	}
	if err := onion.OriginateBackward(e.hop, out.Payload[:]); err != nil {
		r.teardown(e, fromNone, cell.ReasonResource)
		return outgoing{}
	}
	e.state = Relaying
	return outgoing{to: e.prev, cell: out}
}

// teardown removes e and sends DESTROY to the sides the teardown did not
// come from. It never waits for the neighbors. e.mu must be held.
func (r *Relay) teardown(e *entry, from direction, reason cell.Reason) {
	if e.state == TornDown {
		return
	}
	e.state = TornDown
	e.extending = false
	if e.extendTimer != nil {
		e.extendTimer.Stop()
	}

	r.table.remove(e.prev, e.prevID)
	if from != fromPrev {
		_ = e.prev.Send(cell.NewDestroy(e.prevID, reason))
	}
	if e.next != nil {
		r.table.remove(e.next, e.nextID)
		if from != fromNext {
			_ = e.next.Send(cell.NewDestroy(e.nextID, reason))
		}
		e.next.ReleaseCircID(e.nextID)
	}
	if e.hop != nil {
		e.hop.Wipe()
	}
	if e.exit != nil {
		e.exit.close()
	}
	instrument.CircuitDestroyed(reason)
}

// CircuitInfo is what the relay holds about one circuit: its two
// neighbors and its own hop state, nothing about the rest of the path.
type CircuitInfo struct {
	State      State
	Extending  bool
	Prev       string
	PrevCircID uint32
	Next       identity.PeerID
	NextCircID uint32
	Exit       bool

	SendGeneration uint64
	RecvGeneration uint64
}

// Circuits lists the live circuits.
func (r *Relay) Circuits() []CircuitInfo {
	var out []CircuitInfo
	for _, e := range r.table.entries() {
		e.mu.Lock()
		if e.state == TornDown {
			e.mu.Unlock()
			continue
		}
		info := CircuitInfo{
			State:      e.state,
			Extending:  e.extending,
			Prev:       e.prev.String(),
			PrevCircID: e.prevID,
			NextCircID: e.nextID,
			Exit:       e.exit != nil,
		}
		if e.next != nil {
			info.Next = e.next.Remote()
		}
		if e.hop != nil {
			info.SendGeneration, info.RecvGeneration = e.hop.Generations()
		}
		e.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// NumCircuits returns the number of circuit table keys in use.
func (r *Relay) NumCircuits() int { return r.table.size() }
