package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

var ErrNoListener = errors.New("link: no pipe listener at address")

// PipeNetwork is an in-process Transport built on net.Pipe. Relays
// Listen on names; hosts and relays Dial them.
type PipeNetwork struct {
	mu        sync.Mutex
	listeners map[string]*PipeListener
}

func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{listeners: make(map[string]*PipeListener)}
}

func (n *PipeNetwork) Listen(addr string) (*PipeListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("link: pipe address %q in use", addr)
	}
	l := &PipeListener{net: n, addr: addr, conns: make(chan net.Conn), done: make(chan struct{})}
	n.listeners[addr] = l
	return l, nil
}

func (n *PipeNetwork) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, addr)
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: %s", ErrNoListener, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type PipeListener struct {
	net   *PipeNetwork
	addr  string
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *PipeListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Addr() string { return l.addr }

func (l *PipeListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
	})
	return nil
}

var (
	_ Transport = (*PipeNetwork)(nil)
	_ Listener  = (*PipeListener)(nil)
)
