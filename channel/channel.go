// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the datashare.Channel interface.
package channel

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/datashare"
	"github.com/gorilla/websocket"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
func Direct() (A, B datashare.Channel) {
	a2b := make(chan *datashare.Packet)
	b2a := make(chan *datashare.Packet)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *datashare.Packet
	b2a <-chan *datashare.Packet
}

// Send implements a method of the [datashare.Channel] interface.
func (d direct) Send(pkt *datashare.Packet) (err error) {
	defer safeClose(&err)
	d.a2b <- pkt
	return nil
}

// Recv implements a method of the [datashare.Channel] interface.
func (d direct) Recv() (*datashare.Packet, error) {
	pkt, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [datashare.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [datashare.Channel] interface.
func (c IOChannel) Send(pkt *datashare.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [datashare.Channel] interface.
func (c IOChannel) Recv() (*datashare.Packet, error) {
	var pkt datashare.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [datashare.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// closeGrace bounds the time spent sending a close message.
const closeGrace = time.Second

// WebSocket constructs a channel that exchanges packets as binary messages on
// conn, one packet per message.
func WebSocket(conn *websocket.Conn) *WSChannel { return &WSChannel{conn: conn} }

// A WSChannel sends and receives packets on a websocket connection.
type WSChannel struct {
	conn *websocket.Conn

	μ      sync.Mutex
	closed bool
}

// Send implements a method of the [datashare.Channel] interface.
func (c *WSChannel) Send(pkt *datashare.Packet) error {
	if c.isClosed() {
		return net.ErrClosed
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, pkt.Encode())
}

// Recv implements a method of the [datashare.Channel] interface.
func (c *WSChannel) Recv() (*datashare.Packet, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue // text messages do not carry packets
		}
		var pkt datashare.Packet
		r := bytes.NewReader(data)
		if _, err := pkt.ReadFrom(r); err != nil {
			return nil, err
		} else if r.Len() != 0 {
			return nil, fmt.Errorf("%w: %d extra bytes after packet", datashare.BadDeserialization, r.Len())
		}
		return &pkt, nil
	}
}

// Close implements a method of the [datashare.Channel] interface. It sends a
// close message to the peer before closing the connection.
func (c *WSChannel) Close() error {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return net.ErrClosed
	}
	c.closed = true
	c.μ.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.conn.Close()
}

func (c *WSChannel) isClosed() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.closed
}
