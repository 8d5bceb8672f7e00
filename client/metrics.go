// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package client

import "expvar"

type metrics struct {
	sent        expvar.Int
	sendFailed  expvar.Int
	received    expvar.Int
	orphans     expvar.Int // replies with no pending operation
	cancelsSent expvar.Int

	emap *expvar.Map
}

var clientMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("messages_sent", &m.sent)
	m.emap.Set("send_failed", &m.sendFailed)
	m.emap.Set("messages_received", &m.received)
	m.emap.Set("replies_orphaned", &m.orphans)
	m.emap.Set("cancels_sent", &m.cancelsSent)
	return m
}
