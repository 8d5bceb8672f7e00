// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package server implements the server role of the datashare protocol.
//
// A [Server] publishes resources under top-level paths. Remote clients read
// them with plain requests, stream them as transmissions, and subscribe to
// change notifications. The server sends its replies through a
// [datashare.Sender], normally a [datashare.Node]:
//
//	n := datashare.NewNode("alpha")
//	srv := server.New(n, &server.Options{Permissions: server.AllowAll})
//	n.Handle(srv, datashare.ServerPackets...)
//
//	srv.ShareBytes("report", []byte("HelloWorld"), datashare.Description{Mime: "text/plain"})
package server

import (
	"cmp"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/asyncop"
	"github.com/creachadair/datashare/source"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"golang.org/x/time/rate"
)

// Default settings for a Server.
const (
	DefaultChunkSize    = 8192
	DefaultIdleTimeout  = 60 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// A PermissionChecker decides whether a host may access a path.
type PermissionChecker interface {
	Allow(host datashare.HostID, path datashare.Path) bool
}

// PermissionFunc adapts a function to the [PermissionChecker] interface.
type PermissionFunc func(host datashare.HostID, path datashare.Path) bool

// Allow implements the [PermissionChecker] interface.
func (f PermissionFunc) Allow(host datashare.HostID, path datashare.Path) bool { return f(host, path) }

// AllowAll is a PermissionChecker that permits every access.
var AllowAll PermissionChecker = PermissionFunc(func(datashare.HostID, datashare.Path) bool { return true })

// A PushHandler accepts data pushed by a remote host. It returns the error
// code to report to the sender.
type PushHandler interface {
	HandlePush(ctx context.Context, from datashare.HostID, push *datashare.Push, data []byte) datashare.Code
}

// Options are optional settings for a Server. A nil *Options is ready for use
// and provides default values.
type Options struct {
	// Logger receives log output. If nil, the default logger is used.
	Logger *slog.Logger

	// Permissions decides access to shared paths. If nil, all access is
	// denied.
	Permissions PermissionChecker

	// Pusher handles inbound pushes. If nil, pushes are answered with
	// NotSupported.
	Pusher PushHandler

	// ChunkSize is the maximum payload of a transmission chunk.
	// If zero, DefaultChunkSize is used.
	ChunkSize int

	// IdleTimeout bounds the time a transmission may go without progress.
	// If zero, DefaultIdleTimeout is used.
	IdleTimeout time.Duration

	// PollInterval is how long a transmission waits before checking again on
	// a source that is not ready. If zero, DefaultPollInterval is used.
	PollInterval time.Duration

	// RateLimit, if positive, bounds the total rate of transmission chunk
	// payloads in bytes per second.
	RateLimit float64
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) permissions() PermissionChecker {
	if o == nil {
		return nil
	}
	return o.Permissions
}

func (o *Options) pusher() PushHandler {
	if o == nil {
		return nil
	}
	return o.Pusher
}

func (o *Options) chunkSize() int {
	if o == nil || o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

func (o *Options) idleTimeout() time.Duration {
	if o == nil || o.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return o.IdleTimeout
}

func (o *Options) pollInterval() time.Duration {
	if o == nil || o.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return o.PollInterval
}

func (o *Options) limiter() *rate.Limiter {
	if o == nil || o.RateLimit <= 0 {
		return nil
	}
	burst := max(o.chunkSize(), int(math.Min(o.RateLimit, math.MaxInt32)))
	return rate.NewLimiter(rate.Limit(o.RateLimit), burst)
}

// A Server publishes resources to remote hosts. It implements the
// [datashare.Handler] and [datashare.PeerWatcher] interfaces.
//
// The server lock is ordered before the lock of its operation registry, and
// no lock is held while sending.
type Server struct {
	send    datashare.Sender
	log     *slog.Logger
	perm    PermissionChecker
	pusher  PushHandler
	chunk   int
	idle    time.Duration
	poll    time.Duration
	limiter *rate.Limiter

	ops    *asyncop.Registry
	tasks  *taskgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	μ      sync.Mutex
	shares map[datashare.Path]*share
	closed bool
}

// share is the state of one published resource.
type share struct {
	res         source.Resource // nil if shared without content
	revision    int64
	subscribers mapset.Set[datashare.HostID]
}

// root returns the source for the resource itself, or nil.
func (s *share) root() source.Source {
	if s.res == nil {
		return nil
	}
	return s.res.Data("", "")
}

func (s *share) size() int64 {
	if src := s.root(); src != nil {
		return src.Size()
	}
	return -1
}

// New constructs a new server that sends its messages with send.
func New(send datashare.Sender, opts *Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		send:    send,
		log:     opts.logger(),
		perm:    opts.permissions(),
		pusher:  opts.pusher(),
		chunk:   opts.chunkSize(),
		idle:    opts.idleTimeout(),
		poll:    opts.pollInterval(),
		limiter: opts.limiter(),
		ops:     asyncop.New(nil),
		tasks:   taskgroup.New(nil),
		ctx:     ctx,
		cancel:  cancel,
		shares:  make(map[datashare.Path]*share),
	}
}

// Metrics returns a metrics map for servers. It is safe for the caller to add
// additional metrics to the map while the server is active.
func (s *Server) Metrics() *expvar.Map { return serverMetrics.emap }

// Share publishes res under path. The path must be a single segment; nested
// addressing is resolved by the resource. If res is non-nil the initial
// revision is 1, otherwise 0.
func (s *Server) Share(path datashare.Path, res source.Resource) error {
	path = path.Clean()
	if path.IsEmpty() {
		return fmt.Errorf("share: empty path: %w", datashare.InvalidArgument)
	} else if path.HasSubPath() {
		return fmt.Errorf("share %q: nested path: %w", path, datashare.NotSupported)
	}

	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return fmt.Errorf("share %q: server is closed: %w", path, datashare.NotSupported)
	} else if _, ok := s.shares[path]; ok {
		return fmt.Errorf("share %q: %w", path, datashare.ExistsAlready)
	}
	sh := &share{res: res, subscribers: mapset.New[datashare.HostID]()}
	if res != nil {
		sh.revision = 1
	}
	s.shares[path] = sh
	serverMetrics.shares.Add(1)
	s.log.Info("shared", "path", path, "revision", sh.revision)
	return nil
}

// ShareSource publishes src under path as a resource with no sub-paths.
func (s *Server) ShareSource(path datashare.Path, src source.Source) error {
	return s.Share(path, source.Single(src))
}

// ShareBytes publishes a copy of data under path.
func (s *Server) ShareBytes(path datashare.Path, data []byte, desc datashare.Description) error {
	return s.ShareSource(path, source.NewBytes(slices.Clone(data), desc))
}

// Update replaces the resource published under path, increments its
// revision, and sends a notification to every subscriber. Transmissions
// already in progress continue to read the data they started with.
func (s *Server) Update(path datashare.Path, res source.Resource) error {
	path = path.Clean()
	if res == nil {
		return fmt.Errorf("update %q: nil resource: %w", path, datashare.InvalidArgument)
	}

	s.μ.Lock()
	sh, ok := s.shares[path]
	if !ok {
		s.μ.Unlock()
		return fmt.Errorf("update %q: %w", path, datashare.NotFound)
	}
	sh.res = res
	sh.revision = max(sh.revision, 0) + 1
	msg := &datashare.Notify{Path: path, Revision: sh.revision, Size: sh.size()}
	subs := sh.subscribers.Slice()
	s.μ.Unlock()

	s.log.Info("updated", "path", path, "revision", msg.Revision, "subscribers", len(subs))
	s.notify(s.ctx, subs, msg)
	return nil
}

// UpdateSource replaces the content of path with src. See [Server.Update].
func (s *Server) UpdateSource(path datashare.Path, src source.Source) error {
	if src == nil {
		return fmt.Errorf("update %q: nil source: %w", path, datashare.InvalidArgument)
	}
	return s.Update(path, source.Single(src))
}

// UpdateBytes replaces the content of path with a copy of data.
// See [Server.Update].
func (s *Server) UpdateBytes(path datashare.Path, data []byte, desc datashare.Description) error {
	return s.UpdateSource(path, source.NewBytes(slices.Clone(data), desc))
}

// UnShare withdraws the resource published under path, and sends a
// subscription cancellation to every subscriber.
func (s *Server) UnShare(path datashare.Path) error {
	path = path.Clean()
	s.μ.Lock()
	sh, ok := s.shares[path]
	if !ok {
		s.μ.Unlock()
		return fmt.Errorf("unshare %q: %w", path, datashare.NotFound)
	}
	delete(s.shares, path)
	subs := sh.subscribers.Slice()
	msg := &datashare.Notify{Path: path, Revision: sh.revision, Size: -1, Mark: datashare.SubscriptionCancel}
	s.μ.Unlock()

	serverMetrics.shares.Add(-1)
	s.log.Info("unshared", "path", path, "subscribers", len(subs))
	s.notify(s.ctx, subs, msg)
	return nil
}

// Shutdown withdraws every published resource, sending subscription
// cancellations to all subscribers. The server remains usable.
func (s *Server) Shutdown() {
	type cancel struct {
		subs []datashare.HostID
		msg  *datashare.Notify
	}
	var cancels []cancel

	s.μ.Lock()
	for path, sh := range s.shares {
		cancels = append(cancels, cancel{
			subs: sh.subscribers.Slice(),
			msg:  &datashare.Notify{Path: path, Revision: sh.revision, Size: -1, Mark: datashare.SubscriptionCancel},
		})
	}
	serverMetrics.shares.Add(-int64(len(s.shares)))
	clear(s.shares)
	s.μ.Unlock()

	for _, c := range cancels {
		s.notify(s.ctx, c.subs, c.msg)
	}
}

// Close shuts down the server: it withdraws all resources, cancels every
// transmission, and waits for them to finish.
func (s *Server) Close() error {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return nil
	}
	s.closed = true
	s.μ.Unlock()

	s.Shutdown()
	n := s.ops.CancelAll(datashare.Canceled)
	s.log.Debug("server closing", "transmissions", n)
	s.tasks.Wait()
	s.ops.Close()
	s.cancel()
	return nil
}

// Info describes the state of a published resource.
type Info struct {
	Revision    int64
	Size        int64 // -1 if unknown
	Subscribers []datashare.HostID
}

// Shared reports the state of every published resource.
func (s *Server) Shared() map[datashare.Path]Info {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make(map[datashare.Path]Info, len(s.shares))
	for path, sh := range s.shares {
		out[path] = sh.info()
	}
	return out
}

// SharedPath reports the state of the resource published under path.
func (s *Server) SharedPath(path datashare.Path) (Info, error) {
	path = path.Clean()
	s.μ.Lock()
	defer s.μ.Unlock()
	sh, ok := s.shares[path]
	if !ok {
		return Info{}, fmt.Errorf("shared %q: %w", path, datashare.NotFound)
	}
	return sh.info(), nil
}

func (s *share) info() Info {
	var subs []datashare.HostID
	if s.subscribers.Len() != 0 {
		subs = s.subscribers.Slice()
		slices.Sort(subs)
	}
	return Info{Revision: s.revision, Size: s.size(), Subscribers: subs}
}

// HandleMessage implements the [datashare.Handler] interface.
func (s *Server) HandleMessage(ctx context.Context, from datashare.HostID, msg datashare.Message, data []byte) {
	switch m := msg.(type) {
	case *datashare.Request:
		serverMetrics.requestsIn.Add(1)
		if m.Mark == datashare.TransmissionCancel {
			s.cancelRequest(from, m)
			return
		}
		s.handleRequest(ctx, from, m)
	case *datashare.Subscribe:
		s.handleSubscribe(ctx, from, m)
	case *datashare.Push:
		s.handlePush(ctx, from, m, data)
	default:
		s.log.Debug("server ignored message", "from", from, "type", msg.PacketType())
	}
}

// PeerOffline implements the [datashare.PeerWatcher] interface. It removes
// host from every subscriber set, and stops all transmissions to it.
func (s *Server) PeerOffline(host datashare.HostID) {
	var paths []datashare.Path
	s.μ.Lock()
	for path, sh := range s.shares {
		if sh.subscribers.Has(host) {
			sh.subscribers.Remove(host)
			paths = append(paths, path)
		}
	}
	s.μ.Unlock()

	n := s.ops.CancelKey(host, datashare.TargetOffline)
	s.log.Info("client offline", "host", host, "subscriptions", len(paths), "transmissions", n)

	// The host is probably gone, but tell it anyway in case it is not.
	for _, path := range paths {
		s.sendTo(s.ctx, host, &datashare.Notify{Path: path, Size: -1, Mark: datashare.SubscriptionCancel}, nil)
	}
}

// resolve performs the permission, existence, and revision checks common to
// plain and transmission requests, and returns the source to serve.
func (s *Server) resolve(from datashare.HostID, req *datashare.Request) (source.Source, int64, datashare.Code) {
	path := req.Path.Clean()
	if s.perm == nil || !s.perm.Allow(from, path) {
		return nil, 0, datashare.NoPerm
	}

	s.μ.Lock()
	sh, ok := s.shares[path.Head()]
	var res source.Resource
	var current int64
	if ok {
		res, current = sh.res, sh.revision
	}
	s.μ.Unlock()
	if !ok {
		return nil, 0, datashare.NotFound
	}

	used := current
	if req.Revision > 0 {
		used = req.Revision
	}
	if used != current {
		return nil, 0, datashare.RevisionNotFound
	}
	if res == nil {
		return nil, 0, datashare.NotFound
	}
	src := res.Data(path.Rest(), req.User)
	if src == nil {
		return nil, 0, datashare.NotFound
	}
	if want, have := req.User, src.Description().User; want != "" && have != "" && want != have {
		s.log.Warn("subtype mismatch", "path", path, "from", from, "want", want, "have", have)
	}
	return src, used, datashare.OK
}

// describe returns the description of src as seen by the requester.
func describe(src source.Source, req *datashare.Request) datashare.Description {
	desc := src.Description()
	desc.User = cmp.Or(req.User, desc.User)
	return desc
}

func (s *Server) handleRequest(ctx context.Context, from datashare.HostID, req *datashare.Request) {
	reply := &datashare.RequestReply{ID: req.ID, Path: req.Path, Range: req.Range}
	src, rev, code := s.resolve(from, req)
	if code != datashare.OK {
		s.fail(ctx, from, reply, code)
		return
	}
	if req.Mark == datashare.Transmission {
		s.startTransmission(ctx, from, req, src, rev)
		return
	}

	// Plain requests are served synchronously from ready sources only.
	if !src.Ready() {
		s.fail(ctx, from, reply, datashare.NotSupported)
		return
	} else if err := src.Err(); err != nil {
		s.log.Warn("source failed", "path", req.Path, "err", err)
		s.fail(ctx, from, reply, datashare.ReadError)
		return
	}

	size := src.Size()
	want := req.Range
	if want.IsDefault() {
		want = datashare.Range{From: 0, To: size}
		if size < 0 {
			want.To = math.MaxInt64 // whatever is available
		}
	} else if !want.Valid() || size >= 0 && !want.Within(size) {
		s.fail(ctx, from, reply, datashare.InvalidArgument)
		return
	}

	data, err := src.ReadRange(want)
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Warn("read failed", "path", req.Path, "range", want, "err", err)
		s.fail(ctx, from, reply, datashare.ReadError)
		return
	}
	reply.Description = describe(src, req)
	reply.Revision = rev
	s.sendTo(ctx, from, reply, data)
}

// fail sends reply to host with the given error code.
func (s *Server) fail(ctx context.Context, host datashare.HostID, reply *datashare.RequestReply, code datashare.Code) {
	serverMetrics.requestsFailed.Add(1)
	s.log.Debug("request failed", "from", host, "path", reply.Path, "id", reply.ID, "err", code)
	reply.Err = code
	s.sendTo(ctx, host, reply, nil)
}

func (s *Server) handleSubscribe(ctx context.Context, from datashare.HostID, sub *datashare.Subscribe) {
	path := sub.Path.Clean()
	if sub.Mark == datashare.SubscriptionCancel {
		s.μ.Lock()
		sh, found := s.shares[path]
		if found {
			sh.subscribers.Remove(from)
		}
		s.μ.Unlock()
		s.log.Debug("subscription canceled", "from", from, "path", path, "found", found)
		return
	}

	reply := &datashare.SubscribeReply{ID: sub.ID, Path: sub.Path}
	if s.perm == nil || !s.perm.Allow(from, path) {
		reply.Err = datashare.NoPerm
	} else {
		s.μ.Lock()
		if sh, ok := s.shares[path]; !ok {
			reply.Err = datashare.NotFound
		} else {
			sh.subscribers.Add(from)
			if src := sh.root(); src != nil {
				reply.Description = src.Description()
			}
		}
		s.μ.Unlock()
	}
	s.log.Debug("subscribe", "from", from, "path", path, "err", reply.Err)
	s.sendTo(ctx, from, reply, nil)
}

func (s *Server) handlePush(ctx context.Context, from datashare.HostID, push *datashare.Push, data []byte) {
	reply := &datashare.PushReply{ID: push.ID, Path: push.Path, Err: datashare.NotSupported}
	if s.pusher != nil {
		reply.Err = s.pusher.HandlePush(ctx, from, push, data)
	}
	s.sendTo(ctx, from, reply, nil)
}

// notify sends msg to each of the given subscribers.
func (s *Server) notify(ctx context.Context, subs []datashare.HostID, msg *datashare.Notify) {
	for _, host := range subs {
		if s.sendTo(ctx, host, msg, nil) == nil {
			serverMetrics.notifiesSent.Add(1)
		}
	}
}

// sendTo sends a message to host, logging but otherwise ignoring a failure.
func (s *Server) sendTo(ctx context.Context, host datashare.HostID, msg datashare.Message, data []byte) error {
	err := s.send.Send(ctx, host, msg, data)
	if err != nil {
		s.log.Debug("send failed", "to", host, "type", msg.PacketType(), "err", err)
	}
	return err
}
