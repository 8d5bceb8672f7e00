// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package datashare

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Packet is the framed format of a datashare packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// maxPayload bounds the size of a packet payload accepted by ReadFrom.
const maxPayload = 64 << 20

// NewPacket returns a packet carrying msg and its accompanying data.
func NewPacket(msg Message, data []byte) *Packet {
	return &Packet{Type: msg.PacketType(), Payload: EncodeMessage(msg, data)}
}

// Message decodes the message and data carried by p.
func (p *Packet) Message() (Message, []byte, error) { return DecodeMessage(p.Type, p.Payload) }

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'D', 'S', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		if err == io.EOF {
			return int64(nr), err // clean end of stream
		}
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if p := string(buf[:3]); p != "DS\x00" {
		return int64(nr), fmt.Errorf("%w: invalid protocol version %q", BadDeserialization, p)
	}

	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])
	p.Payload = nil

	psize := binary.BigEndian.Uint32(buf[4:])
	if psize > maxPayload {
		return int64(nr), fmt.Errorf("%w: payload too large (%d bytes)", BadDeserialization, psize)
	} else if psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}

	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	if p.Type == PacketHello {
		pay = fmt.Sprintf("Hello(%q)", p.Payload)
	} else if msg, data, err := p.Message(); err == nil {
		pay = fmt.Sprintf("%T%+v", msg, msg)
		if len(data) > 16 {
			pay += fmt.Sprintf(" Data=%q ...", data[:16])
		} else if len(data) != 0 {
			pay += fmt.Sprintf(" Data=%q", data)
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(DS%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a datashare packet.
type PacketType byte

const (
	PacketRequest        PacketType = 1
	PacketRequestReply   PacketType = 2
	PacketSubscribe      PacketType = 3
	PacketSubscribeReply PacketType = 4
	PacketNotify         PacketType = 5
	PacketPush           PacketType = 6
	PacketPushReply      PacketType = 7

	// PacketHello introduces a peer at the start of a connection. Its payload
	// is the HostID of the sender.
	PacketHello PacketType = 16
)

// ServerPackets are the packet types addressed to the server role.
var ServerPackets = []PacketType{PacketRequest, PacketSubscribe, PacketPush}

// ClientPackets are the packet types addressed to the client role.
var ClientPackets = []PacketType{PacketRequestReply, PacketSubscribeReply, PacketNotify, PacketPushReply}

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketRequestReply:
		return "REQUEST_REPLY"
	case PacketSubscribe:
		return "SUBSCRIBE"
	case PacketSubscribeReply:
		return "SUBSCRIBE_REPLY"
	case PacketNotify:
		return "NOTIFY"
	case PacketPush:
		return "PUSH"
	case PacketPushReply:
		return "PUSH_REPLY"
	case PacketHello:
		return "HELLO"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}
