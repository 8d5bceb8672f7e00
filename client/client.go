// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package client implements the client role of the datashare protocol.
//
// A [Client] sends requests, subscriptions, and pushes to remote servers and
// correlates their replies. It sends through a [datashare.Sender], normally a
// [datashare.Node], and must be registered to receive the client packets:
//
//	n := datashare.NewNode("beta")
//	cli := client.New(n, nil)
//	n.Handle(cli, datashare.ClientPackets...)
//
//	data, err := cli.Get(ctx, "alpha", "report")
package client

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/asyncop"
	"github.com/creachadair/taskgroup"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Default settings for a Client.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultFollowTimeout  = 10 * time.Second
	DefaultRecentCancels  = 256
)

// Options are optional settings for a Client. A nil *Options is ready for use
// and provides default values.
type Options struct {
	// Logger receives log output. If nil, the default logger is used.
	Logger *slog.Logger

	// RequestTimeout is used for a request whose timeout is zero or negative.
	// If zero, DefaultRequestTimeout is used.
	RequestTimeout time.Duration

	// FollowTimeout bounds the wait between successive replies of a
	// transmission. If zero, DefaultFollowTimeout is used.
	FollowTimeout time.Duration

	// RecentCancels is the number of transmissions the client remembers
	// having asked a server to stop, so that it asks only once.
	// If zero, DefaultRecentCancels is used.
	RecentCancels int
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) requestTimeout() time.Duration {
	if o == nil || o.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return o.RequestTimeout
}

func (o *Options) followTimeout() time.Duration {
	if o == nil || o.FollowTimeout <= 0 {
		return DefaultFollowTimeout
	}
	return o.FollowTimeout
}

func (o *Options) recentCancels() int {
	if o == nil || o.RecentCancels <= 0 {
		return DefaultRecentCancels
	}
	return o.RecentCancels
}

// A Notification is a change notice delivered to a [NotificationSink].
type Notification struct {
	Host datashare.HostID
	*datashare.Notify

	// Err is nil for a notice sent by the server. For a notice generated
	// locally because the subscription can no longer be served, such as when
	// the host goes offline, it reports why.
	Err error
}

// A NotificationSink receives the notifications for a subscription. Notify is
// called in the order notifications arrive from each host, and must not block.
type NotificationSink interface {
	Notify(Notification)
}

// NotifyFunc adapts a function to the [NotificationSink] interface.
type NotifyFunc func(Notification)

// Notify implements the [NotificationSink] interface.
func (f NotifyFunc) Notify(n Notification) { f(n) }

// A Client issues requests to remote servers. It implements the
// [datashare.Handler] and [datashare.PeerWatcher] interfaces.
type Client struct {
	send   datashare.Sender
	log    *slog.Logger
	reqTO  time.Duration
	follow time.Duration

	ops     *asyncop.Registry
	tasks   *taskgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	recent  *lru.Cache[cancelKey, struct{}]
	cancelμ sync.Mutex // serializes checks of recent

	μ    sync.Mutex
	subs map[subKey]*subscription
}

type cancelKey struct {
	host datashare.HostID
	id   uint64
}

type subKey struct {
	host datashare.HostID
	path datashare.Path
}

type subscription struct {
	desc datashare.Description
	sink NotificationSink
}

// New constructs a new client that sends its messages with send.
func New(send datashare.Sender, opts *Options) *Client {
	recent, err := lru.New[cancelKey, struct{}](opts.recentCancels())
	if err != nil {
		panic(fmt.Sprintf("client: invalid cache size: %v", err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		send:   send,
		log:    opts.logger(),
		reqTO:  opts.requestTimeout(),
		follow: opts.followTimeout(),
		ops:    asyncop.New(nil),
		tasks:  taskgroup.New(nil),
		ctx:    ctx,
		cancel: cancel,
		recent: recent,
		subs:   make(map[subKey]*subscription),
	}
}

// Metrics returns a metrics map for clients. It is safe for the caller to add
// additional metrics to the map while the client is active.
func (c *Client) Metrics() *expvar.Map { return clientMetrics.emap }

func opID(id uint64) asyncop.ID { return asyncop.ID(id) }

// callOp is the registry entry of a Call.
type callOp struct {
	call    *Call
	timeout time.Duration
}

func (o *callOp) Cancel(reason error) { o.call.c.stopCall(o.call, reason) }

type subscribeOp struct {
	host    datashare.HostID
	path    datashare.Path
	sink    NotificationSink
	timeout time.Duration
	fut     *Future[*datashare.SubscribeReply]
}

func (o *subscribeOp) Cancel(reason error) { o.fut.resolve(nil, reason) }

type pushOp struct {
	host    datashare.HostID
	timeout time.Duration
	fut     *Future[*datashare.PushReply]
}

func (o *pushOp) Cancel(reason error) { o.fut.resolve(nil, reason) }

func (c *Client) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return c.reqTO
	}
	return d
}

// register reserves a fresh ID for op and sends the message built for that
// ID. If the send fails, the reservation is withdrawn and nothing is ever
// delivered for it.
func (c *Client) register(host datashare.HostID, timeout time.Duration, newOp func(uint64) (asyncop.Op, datashare.Message, []byte)) (uint64, error) {
	id := c.ops.NextID()
	op, msg, data := newOp(uint64(id))
	if err := c.ops.Add(id, op, host, timeout); err != nil {
		return 0, fmt.Errorf("register %v: %w", msg.PacketType(), err)
	}
	if err := c.send.Send(c.ctx, host, msg, data); err != nil {
		c.ops.Remove(id)
		clientMetrics.sendFailed.Add(1)
		return 0, err
	}
	clientMetrics.sent.Add(1)
	return uint64(id), nil
}

// Request sends req to host and returns a Call delivering its replies. The ID
// of req is assigned by the client. If req is marked as a transmission, the
// call follows all of its chunks. A timeout ≤ 0 uses the default request
// timeout.
func (c *Client) Request(host datashare.HostID, req *datashare.Request, timeout time.Duration) (*Call, error) {
	if req.Mark != datashare.NoMark && req.Mark != datashare.Transmission {
		return nil, fmt.Errorf("request mark %v: %w", req.Mark, datashare.InvalidArgument)
	}
	var call *Call
	_, err := c.register(host, c.timeout(timeout), func(id uint64) (asyncop.Op, datashare.Message, []byte) {
		out := *req
		out.ID = id
		call = newCall(c, id, host, &out)
		return &callOp{call: call, timeout: c.timeout(timeout)}, &out, nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Debug("request sent", "to", host, "path", req.Path, "id", call.id, "transmission", call.follow)
	return call, nil
}

// Get reads the whole of path from host with a plain request.
func (c *Client) Get(ctx context.Context, host datashare.HostID, path datashare.Path) ([]byte, *datashare.RequestReply, error) {
	call, err := c.Request(host, &datashare.Request{Path: path}, 0)
	if err != nil {
		return nil, nil, err
	}
	r, err := call.Next(ctx)
	if err != nil {
		call.Cancel()
		return nil, nil, err
	} else if r.Err != datashare.OK {
		return nil, r.RequestReply, fmt.Errorf("get %q: %w", path, r.Err)
	}
	return r.Data, r.RequestReply, nil
}

// Download streams req from host as a transmission, writing the chunks to w
// in order. It returns the start reply, and the number of bytes written.
// The request is sent with the transmission mark regardless of req.Mark.
func (c *Client) Download(ctx context.Context, host datashare.HostID, req *datashare.Request, w io.Writer) (*datashare.RequestReply, int64, error) {
	tx := *req
	tx.Mark = datashare.Transmission
	call, err := c.Request(host, &tx, 0)
	if err != nil {
		return nil, 0, err
	}

	var start *datashare.RequestReply
	var nw int64
	for r, err := range call.Replies(ctx) {
		if err != nil {
			call.Cancel()
			return start, nw, err
		} else if r.Err != datashare.OK {
			return start, nw, fmt.Errorf("download %q: %w", req.Path, r.Err)
		}
		switch r.Mark {
		case datashare.TransmissionStart:
			start = r.RequestReply
		case datashare.Transmission, datashare.TransmissionFinish:
			n, err := w.Write(r.Data)
			nw += int64(n)
			if err != nil {
				call.Cancel()
				return start, nw, err
			}
		case datashare.TransmissionCancel:
			return start, nw, fmt.Errorf("download %q: %w", req.Path, datashare.Canceled)
		}
	}
	return start, nw, nil
}

// Fetch is a convenience wrapper for Download that collects the data in
// memory.
func (c *Client) Fetch(ctx context.Context, host datashare.HostID, path datashare.Path) ([]byte, error) {
	var buf bytes.Buffer
	_, _, err := c.Download(ctx, host, &datashare.Request{Path: path}, &buf)
	return buf.Bytes(), err
}

// CancelTransmission abandons the transmission with the given request ID, and
// asks host to stop sending it. It is safe to call this for a transmission
// that has already ended.
func (c *Client) CancelTransmission(host datashare.HostID, id uint64, path datashare.Path) {
	c.ops.Cancel(opID(id), datashare.Canceled)
	c.sendCancel(host, id, path)
}

// sendCancel asks host to stop transmission id, unless it has already been
// asked recently.
func (c *Client) sendCancel(host datashare.HostID, id uint64, path datashare.Path) {
	key := cancelKey{host: host, id: id}
	c.cancelμ.Lock()
	seen := c.recent.Contains(key)
	if !seen {
		c.recent.Add(key, struct{}{})
	}
	c.cancelμ.Unlock()
	if seen {
		return
	}
	clientMetrics.cancelsSent.Add(1)
	msg := &datashare.Request{ID: id, Path: path, Mark: datashare.TransmissionCancel}
	if err := c.send.Send(c.ctx, host, msg, nil); err != nil {
		c.log.Debug("cancel not sent", "to", host, "id", id, "err", err)
	}
}

// stopCall is the cancellation hook for a call.
func (c *Client) stopCall(call *Call, reason error) {
	call.stop(reason)
	if call.follow && !errors.Is(reason, datashare.TargetOffline) {
		// The server may still be sending; ask it to stop.
		c.tasks.Go(func() error {
			c.sendCancel(call.host, call.id, call.path)
			return nil
		})
	}
}

// Subscribe asks host to notify sink of changes to path. The subscription is
// installed when the server accepts it. The path is cleaned, as the server
// reports it that way in notifications. A timeout ≤ 0 uses the default
// request timeout.
func (c *Client) Subscribe(host datashare.HostID, path datashare.Path, sink NotificationSink, timeout time.Duration) (*Future[*datashare.SubscribeReply], error) {
	path = path.Clean()
	if sink == nil {
		return nil, fmt.Errorf("subscribe %q: nil sink: %w", path, datashare.InvalidArgument)
	}
	fut := newFuture[*datashare.SubscribeReply]()
	_, err := c.register(host, c.timeout(timeout), func(id uint64) (asyncop.Op, datashare.Message, []byte) {
		op := &subscribeOp{host: host, path: path, sink: sink, timeout: c.timeout(timeout), fut: fut}
		return op, &datashare.Subscribe{ID: id, Path: path}, nil
	})
	if err != nil {
		return nil, err
	}
	return fut, nil
}

// CancelSubscription removes the subscription to path on host, and tells the
// host to stop sending notifications for it.
func (c *Client) CancelSubscription(host datashare.HostID, path datashare.Path) error {
	path = path.Clean()
	key := subKey{host: host, path: path}
	c.μ.Lock()
	_, ok := c.subs[key]
	delete(c.subs, key)
	c.μ.Unlock()
	if !ok {
		return fmt.Errorf("subscription %q on %q: %w", path, host, datashare.NotFound)
	}
	c.send.Send(c.ctx, host, &datashare.Subscribe{Path: path, Mark: datashare.SubscriptionCancel}, nil)
	return nil
}

// SubscriptionInfo describes an installed subscription.
type SubscriptionInfo struct {
	Host        datashare.HostID
	Path        datashare.Path
	Description datashare.Description
}

// Subscriptions reports the installed subscriptions, ordered by host and path.
func (c *Client) Subscriptions() []SubscriptionInfo {
	c.μ.Lock()
	out := make([]SubscriptionInfo, 0, len(c.subs))
	for key, sub := range c.subs {
		out = append(out, SubscriptionInfo{Host: key.host, Path: key.path, Description: sub.desc})
	}
	c.μ.Unlock()
	slices.SortFunc(out, func(a, b SubscriptionInfo) int {
		return cmp.Or(cmp.Compare(a.Host, b.Host), cmp.Compare(a.Path, b.Path))
	})
	return out
}

// Push sends data to be stored under push.Path on host. The ID of push is
// assigned by the client. Ranged pushes are not supported. A timeout ≤ 0 uses
// the default request timeout.
func (c *Client) Push(host datashare.HostID, push *datashare.Push, data []byte, timeout time.Duration) (*Future[*datashare.PushReply], error) {
	if !push.Range.IsDefault() {
		return nil, fmt.Errorf("push %q with range %v: %w", push.Path, push.Range, datashare.NotSupported)
	}
	fut := newFuture[*datashare.PushReply]()
	_, err := c.register(host, c.timeout(timeout), func(id uint64) (asyncop.Op, datashare.Message, []byte) {
		out := *push
		out.ID = id
		return &pushOp{host: host, timeout: c.timeout(timeout), fut: fut}, &out, data
	})
	if err != nil {
		return nil, err
	}
	return fut, nil
}

// Shutdown cancels every subscription, telling each host to stop sending
// notifications. The client remains usable.
func (c *Client) Shutdown() {
	c.μ.Lock()
	keys := make([]subKey, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	clear(c.subs)
	c.μ.Unlock()

	for _, key := range keys {
		c.send.Send(c.ctx, key.host, &datashare.Subscribe{Path: key.path, Mark: datashare.SubscriptionCancel}, nil)
	}
}

// Close shuts down the client: it cancels every subscription and every
// pending operation, and waits for cleanup to finish.
func (c *Client) Close() error {
	c.Shutdown()
	n := c.ops.CancelAll(datashare.Canceled)
	c.log.Debug("client closing", "pending", n)
	c.tasks.Wait()
	c.ops.Close()
	c.cancel()
	return nil
}

// HandleMessage implements the [datashare.Handler] interface.
func (c *Client) HandleMessage(ctx context.Context, from datashare.HostID, msg datashare.Message, data []byte) {
	clientMetrics.received.Add(1)
	switch m := msg.(type) {
	case *datashare.RequestReply:
		c.handleReply(from, m, data)
	case *datashare.SubscribeReply:
		c.handleSubscribeReply(from, m)
	case *datashare.PushReply:
		c.handlePushReply(from, m)
	case *datashare.Notify:
		c.handleNotify(ctx, from, m)
	default:
		c.log.Debug("client ignored message", "from", from, "type", msg.PacketType())
	}
}

// take claims the pending operation for a reply from host. If the operation
// belongs to another host it is put back and take reports false.
func take[T interface {
	asyncop.Op
	owner() (datashare.HostID, time.Duration)
}](c *Client, from datashare.HostID, id uint64) (T, bool) {
	op, err := asyncop.TakeAs[T](c.ops, opID(id))
	if err != nil {
		c.log.Debug("reply not matched", "from", from, "id", id, "err", err)
		var zero T
		return zero, false
	}
	if host, timeout := op.owner(); host != from {
		c.log.Warn("reply from wrong host", "from", from, "id", id, "want", host)
		c.ops.Rearm(opID(id), timeout)
		var zero T
		return zero, false
	}
	return op, true
}

func (o *callOp) owner() (datashare.HostID, time.Duration)      { return o.call.host, o.timeout }
func (o *subscribeOp) owner() (datashare.HostID, time.Duration) { return o.host, o.timeout }
func (o *pushOp) owner() (datashare.HostID, time.Duration)      { return o.host, o.timeout }

func (c *Client) handleReply(from datashare.HostID, rr *datashare.RequestReply, data []byte) {
	op, ok := take[*callOp](c, from, rr.ID)
	if !ok {
		clientMetrics.orphans.Add(1)
		// The call may have timed out while the server is still sending.
		if rr.Err == datashare.OK && (rr.Mark == datashare.TransmissionStart || rr.Mark == datashare.Transmission) {
			c.sendCancel(from, rr.ID, rr.Path)
		}
		return
	}
	if op.call.deliver(&Reply{RequestReply: rr, Data: data}) {
		c.ops.Done(opID(rr.ID))
	} else {
		op.timeout = c.follow // from here on, each chunk gets the follow window
		c.ops.Rearm(opID(rr.ID), op.timeout)
	}
}

func (c *Client) handleSubscribeReply(from datashare.HostID, sr *datashare.SubscribeReply) {
	op, ok := take[*subscribeOp](c, from, sr.ID)
	if !ok {
		clientMetrics.orphans.Add(1)
		return
	}
	c.ops.Done(opID(sr.ID))
	if sr.Err == datashare.OK {
		c.μ.Lock()
		c.subs[subKey{host: from, path: op.path}] = &subscription{desc: sr.Description, sink: op.sink}
		c.μ.Unlock()
	}
	op.fut.resolve(sr, sr.Err.Err())
}

func (c *Client) handlePushReply(from datashare.HostID, pr *datashare.PushReply) {
	op, ok := take[*pushOp](c, from, pr.ID)
	if !ok {
		clientMetrics.orphans.Add(1)
		return
	}
	c.ops.Done(opID(pr.ID))
	op.fut.resolve(pr, pr.Err.Err())
}

// handleNotify delivers a notification to its subscription. A cancellation is
// delivered but the subscription is kept, so that the caller decides when to
// drop it.
func (c *Client) handleNotify(ctx context.Context, from datashare.HostID, n *datashare.Notify) {
	c.μ.Lock()
	sub, ok := c.subs[subKey{host: from, path: n.Path.Clean()}]
	c.μ.Unlock()
	if !ok {
		if n.Mark != datashare.SubscriptionCancel {
			c.log.Debug("notify for unknown subscription", "from", from, "path", n.Path)
			c.send.Send(ctx, from, &datashare.Subscribe{Path: n.Path, Mark: datashare.SubscriptionCancel}, nil)
		}
		return
	}
	sub.sink.Notify(Notification{Host: from, Notify: n})
}

// PeerOffline implements the [datashare.PeerWatcher] interface. Every pending
// operation for host fails with TargetOffline, and every subscription to host
// is removed after its sink receives a final cancellation.
func (c *Client) PeerOffline(host datashare.HostID) {
	n := c.ops.CancelKey(host, datashare.TargetOffline)

	type lost struct {
		path datashare.Path
		sink NotificationSink
	}
	var subs []lost
	c.μ.Lock()
	for key, sub := range c.subs {
		if key.host == host {
			subs = append(subs, lost{key.path, sub.sink})
			delete(c.subs, key)
		}
	}
	c.μ.Unlock()

	c.log.Info("server offline", "host", host, "pending", n, "subscriptions", len(subs))
	for _, s := range subs {
		s.sink.Notify(Notification{
			Host:   host,
			Notify: &datashare.Notify{Path: s.path, Size: -1, Mark: datashare.SubscriptionCancel},
			Err:    datashare.TargetOffline,
		})
	}
}
