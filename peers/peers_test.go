// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/channel"
	"github.com/creachadair/datashare/client"
	"github.com/creachadair/datashare/peers"
	"github.com/creachadair/datashare/server"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(channel.IOChannel); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, channel.IOChannel{})
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ch, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", ch)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

// newServer returns a node serving "report" with a fixed content.
func newServer(t *testing.T) *datashare.Node {
	t.Helper()
	node := datashare.NewNode("server")
	srv := server.New(node, &server.Options{Permissions: server.AllowAll})
	node.Handle(srv, datashare.ServerPackets...)
	if err := srv.ShareBytes("report", []byte("HelloWorld"), datashare.Description{Mime: "text/plain"}); err != nil {
		t.Fatalf("ShareBytes: %v", err)
	}
	t.Cleanup(func() { srv.Close(); node.Stop() })
	return node
}

// runClient connects a new client node with dial, and reads the report the
// given number of times.
func runClient(ctx context.Context, name string, calls int, dial func(*datashare.Node) (datashare.HostID, error)) error {
	node := datashare.NewNode(datashare.HostID(name))
	defer node.Stop()
	cli := client.New(node, nil)
	defer cli.Close()
	node.Handle(cli, datashare.ClientPackets...)

	host, err := dial(node)
	if err != nil {
		return err
	} else if host != "server" {
		return fmt.Errorf("%s: connected to %q, want server", name, host)
	}
	for j := range calls {
		data, _, err := cli.Get(ctx, host, "report")
		if err != nil {
			return fmt.Errorf("%s: get %d: %w", name, j+1, err)
		} else if string(data) != "HelloWorld" {
			return fmt.Errorf("%s: get %d: got %q", name, j+1, data)
		}
	}
	return nil
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	node := newServer(t)
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst), node)
	})
	t.Log("Started peer loop...")

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for i := range numClients {
		g.Go(func() error {
			return runClient(ctx, fmt.Sprintf("client-%d", i), numCalls, func(n *datashare.Node) (datashare.HostID, error) {
				return peers.Dial(ctx, n, addr)
			})
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}

func TestWebSocketLoop(t *testing.T) {
	node := newServer(t)
	acc := peers.NewWebSocketAccepter(nil)
	hs := httptest.NewServer(acc)
	defer hs.Close()

	loop := taskgroup.Go(func() error {
		return peers.Loop(t.Context(), acc, node)
	})
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	err := runClient(t.Context(), "wsclient", 3, func(n *datashare.Node) (datashare.HostID, error) {
		return peers.DialWebSocket(t.Context(), n, url)
	})
	if err != nil {
		t.Errorf("Client: %v", err)
	}

	acc.Close()
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
	if _, err := acc.Accept(t.Context()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal("A", "B")
	if got := fmt.Sprint(loc.A.Hosts(), loc.B.Hosts()); got != "[B] [A]" {
		t.Errorf("Hosts: got %s, want [B] [A]", got)
	}

	var offline []datashare.HostID
	done := make(chan struct{})
	loc.B.OnPeerExit(func(host datashare.HostID, err error) {
		offline = append(offline, host)
		if err != nil {
			t.Errorf("Peer exit: unexpected error: %v", err)
		}
		close(done)
	})

	// Detaching one side takes down the link on both.
	loc.A.Detach("B")
	<-done
	if len(offline) != 1 || offline[0] != "A" {
		t.Errorf("Offline: got %v, want [A]", offline)
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	if hosts := loc.A.Hosts(); len(hosts) != 0 {
		t.Errorf("Hosts after stop: %v", hosts)
	}
}
