// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package datashare

import (
	"cmp"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Handler processes messages received from remote hosts. A handler can
// obtain the node from its context argument using the ContextNode helper.
type Handler interface {
	HandleMessage(ctx context.Context, from HostID, msg Message, data []byte)
}

// A PeerWatcher is notified when the link to a remote host goes away.
type PeerWatcher interface {
	PeerOffline(host HostID)
}

// A Sender delivers messages to remote hosts. Send returns once the message
// has been accepted by the transport, so successive sends to the same host
// arrive in order.
type Sender interface {
	Send(ctx context.Context, to HostID, msg Message, data []byte) error
}

// A PacketLogger logs a packet exchanged with a remote host.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet with the host it was exchanged with, and a
// flag indicating whether the packet was sent or received.
type PacketInfo struct {
	*Packet        // the packet being logged
	Host    HostID // the remote host
	Sent    bool   // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %q %v", p.dir(), p.Host, p.Packet)
}

// A Node is the local endpoint of a datashare process. It holds one link per
// remote host, routes inbound messages to the registered handlers, and
// delivers outbound messages on behalf of the server and client roles.
//
// Each link runs a receive routine and a dispatch routine. The receive routine
// only queues inbound packets, so a handler that sends to the same host never
// stalls the remote side. Messages from one host are dispatched in order.
//
// When a link closes, or a protocol fatal error occurs on it, every handler
// that implements [PeerWatcher] is notified.
type Node struct {
	self  HostID
	tasks *taskgroup.Group
	base  context.Context
	stop  context.CancelFunc

	μ        sync.Mutex
	stopped  bool
	links    map[HostID]*link
	mux      map[PacketType][]Handler
	watchers []PeerWatcher
	plog     PacketLogger
	log      *slog.Logger
	onExit   func(HostID, error)
}

// NewNode constructs a new node identified to its peers as self.
func NewNode(self HostID) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		self:  self,
		tasks: taskgroup.New(nil),
		stop:  cancel,
		links: make(map[HostID]*link),
		mux:   make(map[PacketType][]Handler),
		log:   slog.Default(),
	}
	n.base = context.WithValue(ctx, nodeContextKey{}, n)
	return n
}

// Self reports the HostID of n.
func (n *Node) Self() HostID { return n.self }

// Metrics returns a metrics map for nodes. It is safe for the caller to add
// additional metrics to the map while the node is active.
func (n *Node) Metrics() *expvar.Map { return nodeMetrics.emap }

// WithLogger sets the logger used by n. If lg == nil, the default logger is
// used. WithLogger returns n to permit chaining.
func (n *Node) WithLogger(lg *slog.Logger) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.log = cmp.Or(lg, slog.Default())
	return n
}

// Handle registers h to receive inbound messages of the given packet types.
// If h implements [PeerWatcher] it is also notified when links close. Handle
// returns n to permit chaining. It panics if h == nil.
func (n *Node) Handle(h Handler, types ...PacketType) *Node {
	if h == nil {
		panic("datashare: nil handler")
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	for _, t := range types {
		n.mux[t] = append(n.mux[t], h)
	}
	if w, ok := h.(PeerWatcher); ok && !slices.Contains(n.watchers, w) {
		n.watchers = append(n.watchers, w)
	}
	return n
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with any remote host, including packets to be discarded.
//
// Passing a nil callback disables packet logging. The packet logger is invoked
// synchronously with dispatch, prior to sending or calling a handler.
func (n *Node) LogPackets(log PacketLogger) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.plog = log
	return n
}

// OnPeerExit registers a callback to be invoked when a link terminates. The
// callback receives the host and the error that ended the link, which is nil
// if the channel closed normally. It runs after the watchers have been told.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (n *Node) OnPeerExit(f func(HostID, error)) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.onExit = f
	return n
}

// Hosts reports the remote hosts currently linked to n, in order.
func (n *Node) Hosts() []HostID {
	n.μ.Lock()
	defer n.μ.Unlock()
	out := make([]HostID, 0, len(n.links))
	for h := range n.links {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// Attach starts a link to host over ch. The link runs until the channel
// closes, Detach or Stop is called, or a protocol fatal error occurs.
// It is an error to attach a host that is already linked.
func (n *Node) Attach(host HostID, ch Channel) error {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.stopped {
		return fmt.Errorf("attach %q: node is stopped: %w", host, net.ErrClosed)
	} else if _, ok := n.links[host]; ok {
		return fmt.Errorf("attach %q: %w", host, ExistsAlready)
	}

	l := &link{
		host:  host,
		ch:    ch,
		inq:   queue.New[*Packet](),
		ready: make(chan struct{}, 1),
	}
	n.links[host] = l
	nodeMetrics.linksActive.Add(1)

	n.tasks.Go(func() error {
		for {
			pkt, err := l.ch.Recv()
			if err != nil {
				l.closeOut()
				l.finish(err)
				return nil
			}
			nodeMetrics.packetRecv.Add(1)
			l.push(pkt)
		}
	})
	n.tasks.Go(func() error {
		n.runDispatch(l)
		return nil
	})
	return nil
}

// Detach closes the link to host, if one exists. The link shuts down
// asynchronously, and watchers are notified when it has done so.
func (n *Node) Detach(host HostID) {
	n.μ.Lock()
	l := n.links[host]
	n.μ.Unlock()
	if l != nil {
		l.closeOut()
	}
}

// Stop closes all links and blocks until they have exited. After Stop, no
// further links can be attached.
func (n *Node) Stop() error {
	n.μ.Lock()
	n.stopped = true
	links := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.μ.Unlock()

	for _, l := range links {
		l.closeOut()
	}
	err := n.tasks.Wait()
	n.stop()
	return err
}

// Send implements the [Sender] interface. It reports an error wrapping
// TargetOffline if no link to host exists, and ConnectionError if the
// channel fails. A send failure is fatal to the link.
func (n *Node) Send(ctx context.Context, host HostID, msg Message, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.μ.Lock()
	l, plog := n.links[host], n.plog
	n.μ.Unlock()
	if l == nil {
		return fmt.Errorf("send to %q: %w", host, TargetOffline)
	}
	if err := l.sendOut(NewPacket(msg, data), plog); err != nil {
		l.closeOut()
		return fmt.Errorf("send to %q: %w: %w", host, ConnectionError, err)
	}
	return nil
}

// runDispatch delivers inbound packets on l to their handlers until the link
// closes, then removes l and notifies the watchers.
func (n *Node) runDispatch(l *link) {
	ctx := context.WithValue(n.base, hostContextKey{}, l.host)
	var fatal error
	for {
		pkt, ok := l.next()
		if !ok {
			break
		} else if fatal != nil {
			nodeMetrics.packetDropped.Add(1)
			continue // drain until the receiver exits
		}
		if err := n.dispatchPacket(ctx, l, pkt); err != nil {
			fatal = err
			l.closeOut()
		}
	}

	n.μ.Lock()
	if n.links[l.host] == l {
		delete(n.links, l.host)
	}
	watchers := slices.Clone(n.watchers)
	onExit, log := n.onExit, n.log
	n.μ.Unlock()
	nodeMetrics.linksActive.Add(-1)

	err := cmp.Or(fatal, l.err)
	if treatErrorAsSuccess(err) {
		err = nil
	} else {
		nodeMetrics.linksFailed.Add(1)
	}
	log.Info("peer offline", "host", l.host, "err", err)
	for _, w := range watchers {
		w.PeerOffline(l.host)
	}
	if onExit != nil {
		onExit(l.host, err)
	}
}

// dispatchPacket routes an inbound packet from a remote host.
// Any error it reports is protocol fatal.
func (n *Node) dispatchPacket(ctx context.Context, l *link, pkt *Packet) (err error) {
	n.μ.Lock()
	plog, handlers := n.plog, n.mux[pkt.Type]
	n.μ.Unlock()

	if plog != nil {
		plog(PacketInfo{Packet: pkt, Host: l.host, Sent: false})
	}
	if pkt.Type == PacketHello {
		return nil // late or repeated introduction, ignore
	}
	msg, data, err := pkt.Message()
	if err != nil {
		return fmt.Errorf("invalid %v packet: %w", pkt.Type, err)
	}
	if len(handlers) == 0 {
		nodeMetrics.packetDropped.Add(1)
		return nil
	}

	// Ensure a panic out of a handler is turned into a protocol fatal.
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	nodeMetrics.messagesIn.Add(1)
	for _, h := range handlers {
		h.HandleMessage(ctx, l.host, msg, data)
	}
	return nil
}

// Handshake introduces self to the peer on the other end of ch, and reports
// the HostID the peer introduced itself with. Both ends must call Handshake
// before attaching the channel to a node.
func Handshake(ch Channel, self HostID) (HostID, error) {
	errc := make(chan error, 1)
	go func() { errc <- ch.Send(&Packet{Type: PacketHello, Payload: []byte(self)}) }()

	pkt, err := ch.Recv()
	if err != nil {
		ch.Close()
		<-errc
		return "", fmt.Errorf("handshake: %w", err)
	}
	if err := <-errc; err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	if pkt.Type != PacketHello || len(pkt.Payload) == 0 {
		return "", fmt.Errorf("handshake: unexpected %v packet: %w", pkt.Type, BadDeserialization)
	}
	return HostID(pkt.Payload), nil
}

// A link is the state of one channel to a remote host.
type link struct {
	host HostID
	ch   Channel
	out  sync.Mutex // held while sending on ch

	μ      sync.Mutex
	inq    *queue.Queue[*Packet]
	ready  chan struct{} // signals inq or closed changed
	closed bool
	err    error // set when closed
}

func (l *link) push(pkt *Packet) {
	l.μ.Lock()
	l.inq.Add(pkt)
	l.μ.Unlock()
	l.signal()
}

func (l *link) finish(err error) {
	l.μ.Lock()
	l.closed = true
	l.err = err
	l.μ.Unlock()
	l.signal()
}

func (l *link) signal() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// next blocks until a packet is available or the link is closed and drained.
func (l *link) next() (*Packet, bool) {
	for {
		l.μ.Lock()
		if pkt, ok := l.inq.Pop(); ok {
			l.μ.Unlock()
			return pkt, true
		}
		closed := l.closed
		l.μ.Unlock()
		if closed {
			return nil, false
		}
		<-l.ready
	}
}

func (l *link) sendOut(pkt *Packet, plog PacketLogger) error {
	l.out.Lock()
	defer l.out.Unlock()
	nodeMetrics.packetSent.Add(1)
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Host: l.host, Sent: true})
	}
	return l.ch.Send(pkt)
}

func (l *link) closeOut() { l.ch.Close() }

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

type nodeContextKey struct{}
type hostContextKey struct{}

// ContextNode returns the Node associated with the given context, or nil if
// none is defined. The context passed to a Handler has this value.
func ContextNode(ctx context.Context) *Node {
	if v := ctx.Value(nodeContextKey{}); v != nil {
		return v.(*Node)
	}
	return nil
}

// ContextHost returns the remote host associated with the given context, or
// "" if none is defined. The context passed to a Handler has this value.
func ContextHost(ctx context.Context) HostID {
	if v := ctx.Value(hostContextKey{}); v != nil {
		return v.(HostID)
	}
	return ""
}

// SplitAddress parses an address string to guess a network type and target.
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. For our purposes that includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
