// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package client

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/creachadair/datashare"
	"github.com/creachadair/mds/queue"
)

// A Reply is one reply to a request, with its data payload.
type Reply struct {
	*datashare.RequestReply
	Data []byte
}

// A Call is the stream of replies to one request. A plain request has one
// reply. A transmission has a start reply, one reply per chunk, and ends with
// a reply marked [datashare.TransmissionFinish] or
// [datashare.TransmissionCancel], or with any reply that reports an error.
type Call struct {
	c      *Client
	id     uint64
	host   datashare.HostID
	path   datashare.Path
	follow bool

	μ     sync.Mutex
	q     *queue.Queue[*Reply]
	ready chan struct{}
	end   error // io.EOF after a terminal reply, else why the call stopped
}

func newCall(c *Client, id uint64, host datashare.HostID, req *datashare.Request) *Call {
	return &Call{
		c:      c,
		id:     id,
		host:   host,
		path:   req.Path,
		follow: req.Mark == datashare.Transmission,
		q:      queue.New[*Reply](),
		ready:  make(chan struct{}, 1),
	}
}

// ID reports the request ID assigned to the call.
func (c *Call) ID() uint64 { return c.id }

// Host reports the host the request was sent to.
func (c *Call) Host() datashare.HostID { return c.host }

// Next blocks until the next reply is available, the call ends, or ctx ends.
// When the call has ended and all its replies have been read, Next reports
// io.EOF if it ended with a terminal reply, or else the reason it stopped:
// an error wrapping TimeOut, TargetOffline, or Canceled.
func (c *Call) Next(ctx context.Context) (*Reply, error) {
	for {
		c.μ.Lock()
		if r, ok := c.q.Pop(); ok {
			c.μ.Unlock()
			return r, nil
		}
		end := c.end
		c.μ.Unlock()
		if end != nil {
			return nil, end
		}

		select {
		case <-c.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Replies returns an iterator over the replies of c. If the call stops for any
// reason other than a terminal reply, the iterator yields a final nil reply
// with the error.
func (c *Call) Replies(ctx context.Context) iter.Seq2[*Reply, error] {
	return func(yield func(*Reply, error) bool) {
		for {
			r, err := c.Next(ctx)
			if err == io.EOF {
				return
			} else if err != nil {
				yield(nil, err)
				return
			} else if !yield(r, nil) {
				return
			}
		}
	}
}

// Cancel abandons the call. If it is a transmission, the server is asked to
// stop sending. Replies already received can still be read.
func (c *Call) Cancel() {
	if c.follow {
		c.c.CancelTransmission(c.host, c.id, c.path)
	} else {
		c.c.ops.Cancel(opID(c.id), datashare.Canceled)
	}
}

// deliver adds r to the stream, and reports whether the stream has ended.
func (c *Call) deliver(r *Reply) bool {
	terminal := !c.follow || r.Err != datashare.OK ||
		r.Mark == datashare.TransmissionFinish || r.Mark == datashare.TransmissionCancel
	c.μ.Lock()
	if c.end == nil {
		c.q.Add(r)
		if terminal {
			c.end = io.EOF
		}
	}
	c.μ.Unlock()
	c.signal()
	return terminal
}

// stop ends the stream with the given reason, unless it has already ended.
func (c *Call) stop(reason error) {
	c.μ.Lock()
	if c.end == nil {
		c.end = reason
	}
	c.μ.Unlock()
	c.signal()
}

func (c *Call) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// A Future is the eventual result of an operation with a single reply.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] { return &Future[T]{done: make(chan struct{})} }

// Done returns a channel that is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx ends. If the remote host
// replied with an error code, Wait returns the reply together with that code
// as its error.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}
