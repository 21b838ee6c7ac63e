package quic

import (
	"context"
	"io"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/poqr/poqr/link"
)

// A link is one bidirectional stream on its own QUIC connection.
var defaultConfig = &q.Config{
	KeepAlivePeriod: 15 * time.Second,
	MaxIdleTimeout:  60 * time.Second,
}

// streamConn closes the whole connection with the stream so the peer's
// reader sees the link go away.
type streamConn struct {
	q.Stream
	conn q.Connection
}

func (s *streamConn) Close() error {
	s.Stream.CancelRead(0)
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "link closed")
}

// DefaultStreamTimeout is how long an accepted connection has to open
// its link stream.
const DefaultStreamTimeout = 10 * time.Second

// Listener accepts links. Every connection waits for its stream on its own
// goroutine, so a peer that connects and stays silent holds up nobody.
type Listener struct {
	inner         *q.Listener
	streamTimeout time.Duration

	streams chan io.ReadWriteCloser
	ctx     context.Context
	cancel  context.CancelFunc
	// err is written before done is closed.
	err  error
	done chan struct{}
}

func Listen(addr string) (*Listener, error) {
	return listen(addr, DefaultStreamTimeout)
}

func listen(addr string, streamTimeout time.Duration) (*Listener, error) {
	tlsConf, err := NewServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, defaultConfig)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		inner:         ln,
		streamTimeout: streamTimeout,
		streams:       make(chan io.ReadWriteCloser),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.inner.Accept(l.ctx)
		if err != nil {
			l.err = err
			return
		}
		go l.acceptStream(conn)
	}
}

func (l *Listener) acceptStream(conn q.Connection) {
	ctx, cancel := context.WithTimeout(l.ctx, l.streamTimeout)
	defer cancel()
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no link stream")
		return
	}
	sc := &streamConn{Stream: st, conn: conn}
	select {
	case l.streams <- sc:
	case <-l.ctx.Done():
		_ = sc.Close()
	}
}

// Accept returns the next connection that opened its link stream.
func (l *Listener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case sc := <-l.streams:
		return sc, nil
	case <-l.done:
		return nil, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *Listener) Close() error {
	l.cancel()
	return l.inner.Close()
}

// Transport dials relays over QUIC.
type Transport struct{}

func (Transport) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	tlsConf, err := NewClientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := q.DialAddr(ctx, addr, tlsConf, defaultConfig)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "open stream")
		return nil, err
	}
	return &streamConn{Stream: st, conn: conn}, nil
}

var (
	_ link.Transport = Transport{}
	_ link.Listener  = (*Listener)(nil)
)
