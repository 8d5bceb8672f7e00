// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package datashare implements a peer-to-peer data sharing protocol.
//
// One peer, in the server role, publishes named and versioned resources.
// Other peers, in the client role, read them synchronously, stream them as
// chunked transmissions, subscribe to change notifications, or push data.
// Every process may play both roles at once.
//
// # Messages
//
// Peers exchange the messages defined in this package: [Request] and
// [RequestReply], [Subscribe] and [SubscribeReply], [Notify], and [Push] and
// [PushReply]. Each message may carry a binary data payload. Replies are
// correlated with requests by ID, and carry an error [Code] in their Err field.
//
// A request with the [Transmission] mark asks the server to stream the data.
// The server answers with a [TransmissionStart] reply, then one reply per
// chunk, the last marked [TransmissionFinish]. Either side can abort a
// transmission with [TransmissionCancel].
//
// # Nodes
//
// A [Node] is the local endpoint of a process. It links to remote hosts over
// [Channel] values, and routes inbound messages to handlers:
//
//	n := datashare.NewNode("alpha")
//	srv := server.New(n, &server.Options{Permissions: server.AllowAll})
//	cli := client.New(n, nil)
//	n.Handle(srv, datashare.ServerPackets...).
//	  Handle(cli, datashare.ClientPackets...)
//
// To connect to a remote host, exchange introductions and attach the channel:
//
//	host, err := datashare.Handshake(ch, n.Self())
//	...
//	n.Attach(host, ch)
//
// When a link closes, the server and client roles are told so that they can
// cancel whatever was in flight with that host.
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive packets.
// A Channel implementation must allow concurrent use by one sender and one
// receiver. The channel package provides some basic implementations.
//
// # Packets
//
// On a byte stream each packet is framed by an 8-byte header:
//
//	'D' 'S' <version> <type> <payload-length:uint32>
//
// The payload holds the encoded message fields followed by the data.
package datashare
