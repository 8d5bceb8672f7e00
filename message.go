// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package datashare

import (
	"fmt"
	"slices"

	"github.com/creachadair/datashare/packet"
)

// A Mark qualifies a message. Each message type admits only some marks.
type Mark byte

const (
	NoMark Mark = 0

	// Request marks.
	Transmission       Mark = 1 // request: stream as chunks; reply: an intermediate chunk
	TransmissionCancel Mark = 2 // request: stop a transmission; reply: transmission aborted

	// RequestReply marks (besides Transmission and TransmissionCancel).
	TransmissionStart  Mark = 3 // first reply of a transmission, carries no data
	TransmissionFinish Mark = 4 // final chunk of a transmission

	// Subscribe and Notify marks.
	SubscriptionCancel Mark = 5
)

func (m Mark) String() string {
	switch m {
	case NoMark:
		return "none"
	case Transmission:
		return "transmission"
	case TransmissionCancel:
		return "transmission-cancel"
	case TransmissionStart:
		return "transmission-start"
	case TransmissionFinish:
		return "transmission-finish"
	case SubscriptionCancel:
		return "subscription-cancel"
	default:
		return fmt.Sprintf("mark %d", byte(m))
	}
}

// IsTransmission reports whether m marks a reply that belongs to a transmission.
func (m Mark) IsTransmission() bool {
	return m == TransmissionStart || m == Transmission || m == TransmissionFinish || m == TransmissionCancel
}

// A Message is one of the protocol messages exchanged between a client and a
// server. Every message may be accompanied by a binary data payload.
type Message interface {
	// PacketType reports the packet type used to carry the message.
	PacketType() PacketType

	encode(*packet.Writer)
	decode(*packet.Reader) error
}

// Request asks a server for the content of a resource.
type Request struct {
	ID       uint64
	Path     Path
	User     string // expected data subtype, if any
	Revision int64  // 0 means the current revision
	Range    Range  // the zero range means the whole object
	Mark     Mark   // NoMark, Transmission, or TransmissionCancel
}

// RequestReply answers a Request. A transmission produces a sequence of
// replies with the same ID.
type RequestReply struct {
	ID          uint64
	Path        Path
	Err         Code
	Description Description
	Revision    int64
	Range       Range
	Mark        Mark
}

// Subscribe asks a server for change notifications on a resource.
type Subscribe struct {
	ID   uint64
	Path Path
	Mark Mark // NoMark or SubscriptionCancel
}

// SubscribeReply answers a Subscribe.
type SubscribeReply struct {
	ID          uint64
	Path        Path
	Err         Code
	Description Description
}

// Notify reports a change in a subscribed resource. It carries no data.
type Notify struct {
	Path     Path
	Revision int64
	Size     int64
	Mark     Mark // NoMark or SubscriptionCancel
}

// Push offers data to a server.
type Push struct {
	ID       uint64
	Path     Path
	Revision int64
	Range    Range
}

// PushReply answers a Push.
type PushReply struct {
	ID   uint64
	Path Path
	Err  Code
}

func (*Request) PacketType() PacketType        { return PacketRequest }
func (*RequestReply) PacketType() PacketType   { return PacketRequestReply }
func (*Subscribe) PacketType() PacketType      { return PacketSubscribe }
func (*SubscribeReply) PacketType() PacketType { return PacketSubscribeReply }
func (*Notify) PacketType() PacketType         { return PacketNotify }
func (*Push) PacketType() PacketType           { return PacketPush }
func (*PushReply) PacketType() PacketType      { return PacketPushReply }

func putRange(w *packet.Writer, r Range) { w.Int64(r.From); w.Int64(r.To) }

func putDescription(w *packet.Writer, d Description) {
	w.String(d.Mime)
	w.String(d.Storage)
	w.String(d.User)
}

func (m *Request) encode(w *packet.Writer) {
	w.Uint64(m.ID)
	w.String(string(m.Path))
	w.String(m.User)
	w.Int64(m.Revision)
	putRange(w, m.Range)
	w.Byte(byte(m.Mark))
}

func (m *RequestReply) encode(w *packet.Writer) {
	w.Uint64(m.ID)
	w.String(string(m.Path))
	w.Byte(byte(m.Err))
	putDescription(w, m.Description)
	w.Int64(m.Revision)
	putRange(w, m.Range)
	w.Byte(byte(m.Mark))
}

func (m *Subscribe) encode(w *packet.Writer) {
	w.Uint64(m.ID)
	w.String(string(m.Path))
	w.Byte(byte(m.Mark))
}

func (m *SubscribeReply) encode(w *packet.Writer) {
	w.Uint64(m.ID)
	w.String(string(m.Path))
	w.Byte(byte(m.Err))
	putDescription(w, m.Description)
}

func (m *Notify) encode(w *packet.Writer) {
	w.String(string(m.Path))
	w.Int64(m.Revision)
	w.Int64(m.Size)
	w.Byte(byte(m.Mark))
}

func (m *Push) encode(w *packet.Writer) {
	w.Uint64(m.ID)
	w.String(string(m.Path))
	w.Int64(m.Revision)
	putRange(w, m.Range)
}

func (m *PushReply) encode(w *packet.Writer) {
	w.Uint64(m.ID)
	w.String(string(m.Path))
	w.Byte(byte(m.Err))
}

func getPath(r *packet.Reader) Path { return Path(r.String()) }

func getRange(r *packet.Reader) Range { return Range{From: r.Int64(), To: r.Int64()} }

func getDescription(r *packet.Reader) Description {
	return Description{Mime: r.String(), Storage: r.String(), User: r.String()}
}

func getCode(r *packet.Reader) Code {
	c := Code(r.Byte())
	if c > maxCode {
		r.Fail(fmt.Errorf("invalid error code %d", c))
	}
	return c
}

// getMark reads a mark and fails r unless it is one of those allowed.
func getMark(r *packet.Reader, allowed ...Mark) Mark {
	m := Mark(r.Byte())
	if r.Err() == nil && !slices.Contains(allowed, m) {
		r.Fail(fmt.Errorf("unexpected %v", m))
	}
	return m
}

func (m *Request) decode(r *packet.Reader) error {
	*m = Request{
		ID:       r.Uint64(),
		Path:     getPath(r),
		User:     r.String(),
		Revision: r.Int64(),
		Range:    getRange(r),
		Mark:     getMark(r, NoMark, Transmission, TransmissionCancel),
	}
	return r.Err()
}

func (m *RequestReply) decode(r *packet.Reader) error {
	*m = RequestReply{
		ID:          r.Uint64(),
		Path:        getPath(r),
		Err:         getCode(r),
		Description: getDescription(r),
		Revision:    r.Int64(),
		Range:       getRange(r),
		Mark:        getMark(r, NoMark, TransmissionStart, Transmission, TransmissionFinish, TransmissionCancel),
	}
	return r.Err()
}

func (m *Subscribe) decode(r *packet.Reader) error {
	*m = Subscribe{ID: r.Uint64(), Path: getPath(r), Mark: getMark(r, NoMark, SubscriptionCancel)}
	return r.Err()
}

func (m *SubscribeReply) decode(r *packet.Reader) error {
	*m = SubscribeReply{ID: r.Uint64(), Path: getPath(r), Err: getCode(r), Description: getDescription(r)}
	return r.Err()
}

func (m *Notify) decode(r *packet.Reader) error {
	*m = Notify{Path: getPath(r), Revision: r.Int64(), Size: r.Int64(), Mark: getMark(r, NoMark, SubscriptionCancel)}
	return r.Err()
}

func (m *Push) decode(r *packet.Reader) error {
	*m = Push{ID: r.Uint64(), Path: getPath(r), Revision: r.Int64(), Range: getRange(r)}
	return r.Err()
}

func (m *PushReply) decode(r *packet.Reader) error {
	*m = PushReply{ID: r.Uint64(), Path: getPath(r), Err: getCode(r)}
	return r.Err()
}

// EncodeMessage encodes msg and its accompanying data as a packet payload.
// The data follow the message fields without framing.
func EncodeMessage(msg Message, data []byte) []byte {
	var w packet.Writer
	msg.encode(&w)
	w.Grow(len(data))
	w.Raw(data)
	return w.Data()
}

// DecodeMessage decodes a packet payload of the given type into a message and
// its accompanying data. The data alias payload. Errors wrap BadDeserialization.
func DecodeMessage(ptype PacketType, payload []byte) (Message, []byte, error) {
	var msg Message
	switch ptype {
	case PacketRequest:
		msg = new(Request)
	case PacketRequestReply:
		msg = new(RequestReply)
	case PacketSubscribe:
		msg = new(Subscribe)
	case PacketSubscribeReply:
		msg = new(SubscribeReply)
	case PacketNotify:
		msg = new(Notify)
	case PacketPush:
		msg = new(Push)
	case PacketPushReply:
		msg = new(PushReply)
	default:
		return nil, nil, fmt.Errorf("%w: %v is not a message", BadDeserialization, ptype)
	}
	r := packet.NewReader(payload)
	if err := msg.decode(r); err != nil {
		return nil, nil, fmt.Errorf("%w: %v: %w", BadDeserialization, ptype, err)
	}
	data := r.Rest()
	if len(data) == 0 {
		data = nil
	}
	return msg, data, nil
}
