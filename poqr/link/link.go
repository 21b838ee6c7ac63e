package link

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/identity"
	"github.com/TheusHen/poqr/poqr/instrument"
)

var (
	ErrLinkClosed       = errors.New("link: closed")
	ErrQueueFull        = errors.New("link: write queue full")
	ErrTooManyBadCells  = errors.New("link: too many malformed cells")
	ErrCircIDsExhausted = errors.New("link: no free circuit IDs")
)

const (
	DefaultBadCellThreshold = 16
	DefaultWriteQueue       = 256
)

// Handler receives the cells of a link. HandleCell is called from the
// link's single reader goroutine, so cells arrive in order. LinkClosed is
// called exactly once, after the last HandleCell.
type Handler interface {
	HandleCell(l *Link, c *cell.Cell)
	LinkClosed(l *Link, err error)
}

type Config struct {
	// BadCellThreshold is how many malformed cells are tolerated before
	// the link is closed.
	BadCellThreshold int
	// WriteQueue is the number of cells buffered for the writer.
	WriteQueue int
}

func (c *Config) applyDefaults() {
	if c.BadCellThreshold <= 0 {
		c.BadCellThreshold = DefaultBadCellThreshold
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = DefaultWriteQueue
	}
}

// Link carries fixed-size cells between two neighbors.
//
// Only the dialer of a link sends CREATE on it and so it owns the circuit
// ID space of the link.
type Link struct {
	conn      io.ReadWriteCloser
	initiator bool
	remote    identity.PeerID
	cfg       Config
	handler   Handler
	log       *logging.Logger

	queue     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
	badCells  atomic.Int32

	idMu sync.Mutex
	ids  map[uint32]struct{}
}

func newLink(conn io.ReadWriteCloser, initiator bool, remote identity.PeerID, cfg Config, h Handler, log *logging.Logger) *Link {
	cfg.applyDefaults()
	return &Link{
		conn:      conn,
		initiator: initiator,
		remote:    remote,
		cfg:       cfg,
		handler:   h,
		log:       log,
		queue:     make(chan []byte, cfg.WriteQueue),
		closed:    make(chan struct{}),
		ids:       make(map[uint32]struct{}),
	}
}

func (l *Link) start() {
	instrument.LinkOpened()
	l.wg.Add(2)
	go l.reader()
	go l.writer()
}

// Initiator reports whether the local node dialed this link.
func (l *Link) Initiator() bool { return l.initiator }

// Remote is the verified relay identity on the far end. It is zero on
// links accepted from unauthenticated dialers.
func (l *Link) Remote() identity.PeerID { return l.remote }

func (l *Link) String() string {
	if l.remote.IsZero() {
		return "inbound"
	}
	return l.remote.Short()
}

func (l *Link) reader() {
	defer l.wg.Done()
	buf := make([]byte, cell.CellLength)
	for {
		if _, err := io.ReadFull(l.conn, buf); err != nil {
			l.fail(err)
			break
		}
		c, err := cell.Decode(buf)
		if err != nil {
			instrument.BadCell()
			n := l.badCells.Add(1)
			l.log.Debugf("Link %s: dropping malformed cell (%d): %v", l, n, err)
			if int(n) > l.cfg.BadCellThreshold {
				l.log.Warningf("Link %s: closing after %d malformed cells", l, n)
				l.fail(ErrTooManyBadCells)
				break
			}
			continue
		}
		instrument.CellIn(c.Command)
		l.handler.HandleCell(l, c)
	}
	instrument.LinkClosed()
	l.handler.LinkClosed(l, l.Err())
}

func (l *Link) writer() {
	defer l.wg.Done()
	for {
		select {
		case <-l.closed:
			return
		case b := <-l.queue:
			if _, err := l.conn.Write(b); err != nil {
				l.fail(err)
				return
			}
		}
	}
}

// Send queues c without blocking. A full queue drops the cell and
// returns ErrQueueFull.
func (l *Link) Send(c *cell.Cell) error {
	b, err := cell.Encode(c)
	if err != nil {
		return err
	}
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	select {
	case l.queue <- b:
		instrument.CellOut(c.Command)
		return nil
	case <-l.closed:
		return ErrLinkClosed
	default:
		instrument.CellDropped("queue full")
		return ErrQueueFull
	}
}

// SendContext queues c, waiting for room until ctx is done.
func (l *Link) SendContext(ctx context.Context, c *cell.Cell) error {
	b, err := cell.Encode(c)
	if err != nil {
		return err
	}
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	select {
	case l.queue <- b:
		instrument.CellOut(c.Command)
		return nil
	case <-l.closed:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewCircID reserves a random unused circuit ID on this link.
func (l *Link) NewCircID() (uint32, error) {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	var b [4]byte
	for i := 0; i < 64; i++ {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(b[:])
		if id == 0 {
			continue
		}
		if _, taken := l.ids[id]; taken {
			continue
		}
		l.ids[id] = struct{}{}
		return id, nil
	}
	return 0, ErrCircIDsExhausted
}

// ReleaseCircID returns id to the pool.
func (l *Link) ReleaseCircID(id uint32) {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	delete(l.ids, id)
}

func (l *Link) fail(err error) {
	l.closeOnce.Do(func() {
		if err == nil || errors.Is(err, io.EOF) {
			err = ErrLinkClosed
		}
		l.err = err
		close(l.closed)
		l.conn.Close()
	})
}

// Close shuts the link down. Pending cells may be lost.
func (l *Link) Close() error {
	l.fail(ErrLinkClosed)
	return nil
}

// Done is closed when the link is closed.
func (l *Link) Done() <-chan struct{} { return l.closed }

// Err returns why the link closed, or nil while it is open.
func (l *Link) Err() error {
	select {
	case <-l.closed:
		return l.err
	default:
		return nil
	}
}

// Wait blocks until both link goroutines have exited.
func (l *Link) Wait() { l.wg.Wait() }
