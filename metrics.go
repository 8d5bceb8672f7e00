// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package datashare

import "expvar"

// linkMetrics record node activity counters.
type linkMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	messagesIn    expvar.Int // messages delivered to handlers
	linksActive   expvar.Int
	linksFailed   expvar.Int // links that ended with a protocol fatal error

	emap *expvar.Map
}

var nodeMetrics = newLinkMetrics()

func newLinkMetrics() *linkMetrics {
	lm := &linkMetrics{emap: new(expvar.Map)}
	lm.emap.Set("packets_received", &lm.packetRecv)
	lm.emap.Set("packets_sent", &lm.packetSent)
	lm.emap.Set("packets_dropped", &lm.packetDropped)
	lm.emap.Set("messages_in", &lm.messagesIn)
	lm.emap.Set("links_active", &lm.linksActive)
	lm.emap.Set("links_failed", &lm.linksFailed)
	return lm
}
