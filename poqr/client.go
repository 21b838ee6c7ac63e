package poqr

import (
	"context"
	"errors"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/poqr/poqr/circuit"
	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/identity"
	"github.com/TheusHen/poqr/poqr/link"
	"github.com/TheusHen/poqr/poqr/log"
)

var (
	ErrClientClosed = errors.New("poqr: client closed")
	ErrNoDirectory  = errors.New("poqr: no directory configured")
)

// Client is the host side helper: it dials first hops, builds circuits
// and picks paths from a directory. It never announces itself.
type Client struct {
	transport link.Transport
	dir       directory.Resolver
	circCfg   circuit.Config
	linkCfg   link.Config
	log       *logging.Logger

	mu     sync.Mutex
	links  map[identity.PeerID]*firstHop
	closed bool
}

type firstHop struct {
	l   *link.Link
	mux *circuit.Mux
}

// NewClient creates a client. dir may be nil if every circuit is opened
// with an explicit path.
func NewClient(t link.Transport, dir directory.Resolver, circCfg circuit.Config, linkCfg link.Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = log.NewDiscard().GetLogger("client")
	}
	circCfg.Log = logger
	return &Client{
		transport: t,
		dir:       dir,
		circCfg:   circCfg,
		linkCfg:   linkCfg,
		log:       logger,
		links:     make(map[identity.PeerID]*firstHop),
	}
}

// OpenCircuit builds a circuit through path. The last relay is the exit.
func (c *Client) OpenCircuit(ctx context.Context, path []directory.Descriptor) (*circuit.Circuit, error) {
	if len(path) == 0 {
		return nil, circuit.ErrBadPath
	}
	hop, err := c.firstHop(ctx, path[0])
	if err != nil {
		return nil, err
	}
	return circuit.Build(ctx, hop.l, hop.mux, path, c.circCfg)
}

// OpenRandomCircuit lists the directory once, selects a path of the
// given length and builds it. A failed build is not retried.
func (c *Client) OpenRandomCircuit(ctx context.Context, hops int) (*circuit.Circuit, error) {
	if c.dir == nil {
		return nil, ErrNoDirectory
	}
	relays, err := c.dir.List()
	if err != nil {
		return nil, err
	}
	path, err := circuit.SelectPath(relays, hops)
	if err != nil {
		return nil, err
	}
	return c.OpenCircuit(ctx, path)
}

// firstHop returns a live link to d, dialing one if needed. Circuits to
// the same first hop share the link. The dial runs without c.mu so a slow
// relay holds up only the circuits going through it.
func (c *Client) firstHop(ctx context.Context, d directory.Descriptor) (*firstHop, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if h, ok := c.links[d.PeerID]; ok && h.l.Err() == nil {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	mux := circuit.NewMux()
	l, err := link.Dial(ctx, c.transport, d, c.linkCfg, mux, c.log)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		l.Close()
		return nil, ErrClientClosed
	}
	if other, ok := c.links[d.PeerID]; ok && other.l.Err() == nil {
		l.Close()
		return other, nil
	}
	h := &firstHop{l: l, mux: mux}
	c.links[d.PeerID] = h
	return h, nil
}

// Close closes every link. Circuits over them end with
// circuit.ErrCircuitDestroyed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	links := c.links
	c.links = make(map[identity.PeerID]*firstHop)
	c.mu.Unlock()

	for _, h := range links {
		h.l.Close()
		h.l.Wait()
	}
	return nil
}
