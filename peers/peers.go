// Package peers provides support code for connecting and testing nodes.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/channel"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// Local is a pair of in-memory connected nodes, suitable for testing.
type Local struct {
	A *datashare.Node
	B *datashare.Node
}

// Stop shuts down both the nodes and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of nodes with the given IDs, linked to each other
// via a direct channel without encoding.
func NewLocal(a, b datashare.HostID) *Local {
	a2b, b2a := channel.Direct()
	p := &Local{A: datashare.NewNode(a), B: datashare.NewNode(b)}
	p.A.Attach(b, a2b)
	p.B.Attach(a, b2a)
	return p
}

// An Accepter produces channels for incoming connections.
type Accepter interface {
	Accept(context.Context) (datashare.Channel, error)
}

// Loop accepts connections from acc and attaches each one to node after the
// peers exchange introductions. Loop continues until acc closes or ctx ends.
//
// Links started by Loop belong to node, and keep running after Loop returns.
// A connection from a host that is already linked is refused.
func Loop(ctx context.Context, acc Accepter, node *datashare.Node) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			if _, err := Attach(node, ch); err != nil {
				ch.Close()
			}
			return nil
		})
	}
}

// Attach exchanges introductions on ch and attaches it to node. It reports
// the ID of the remote host.
func Attach(node *datashare.Node, ch datashare.Channel) (datashare.HostID, error) {
	host, err := datashare.Handshake(ch, node.Self())
	if err != nil {
		return "", err
	}
	if err := node.Attach(host, ch); err != nil {
		return "", err
	}
	return host, nil
}

// Dial connects node to the datashare peer at addr, and reports the ID of the
// remote host. The address is interpreted by [datashare.SplitAddress].
func Dial(ctx context.Context, node *datashare.Node, addr string) (datashare.HostID, error) {
	var d net.Dialer
	network, address := datashare.SplitAddress(addr)
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return "", err
	}
	host, err := Attach(node, channel.IO(conn, conn))
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("dial %q: %w", addr, err)
	}
	return host, nil
}

// DialWebSocket connects node to the datashare peer serving websockets at
// the given ws:// or wss:// URL, and reports the ID of the remote host.
func DialWebSocket(ctx context.Context, node *datashare.Node, url string) (datashare.HostID, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", err
	}
	host, err := Attach(node, channel.WebSocket(conn))
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("dial %q: %w", url, err)
	}
	return host, nil
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (datashare.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// WebSocketAccepter is an http.Handler that upgrades requests to websockets,
// and an Accepter that delivers the resulting channels.
type WebSocketAccepter struct {
	up    websocket.Upgrader
	conns chan datashare.Channel

	once sync.Once
	done chan struct{}
}

// NewWebSocketAccepter constructs a new WebSocketAccepter. If up == nil, a
// default upgrader is used.
func NewWebSocketAccepter(up *websocket.Upgrader) *WebSocketAccepter {
	a := &WebSocketAccepter{conns: make(chan datashare.Channel), done: make(chan struct{})}
	if up != nil {
		a.up = *up
	}
	return a
}

// ServeHTTP implements the http.Handler interface.
func (a *WebSocketAccepter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.up.Upgrade(w, r, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	select {
	case a.conns <- channel.WebSocket(conn):
	case <-a.done:
		conn.Close()
	case <-r.Context().Done():
		conn.Close()
	}
}

// Accept implements the Accepter interface.
func (a *WebSocketAccepter) Accept(ctx context.Context) (datashare.Channel, error) {
	select {
	case ch := <-a.conns:
		return ch, nil
	case <-a.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops a from accepting further connections.
func (a *WebSocketAccepter) Close() error {
	a.once.Do(func() { close(a.done) })
	return nil
}
