// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package server

import "expvar"

type metrics struct {
	shares         expvar.Int
	transmissions  expvar.Int // in flight
	requestsIn     expvar.Int
	requestsFailed expvar.Int
	chunksSent     expvar.Int
	bytesSent      expvar.Int
	notifiesSent   expvar.Int

	emap *expvar.Map
}

var serverMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("shares", &m.shares)
	m.emap.Set("transmissions_active", &m.transmissions)
	m.emap.Set("requests_received", &m.requestsIn)
	m.emap.Set("requests_failed", &m.requestsFailed)
	m.emap.Set("chunks_sent", &m.chunksSent)
	m.emap.Set("bytes_sent", &m.bytesSent)
	m.emap.Set("notifications_sent", &m.notifiesSent)
	return m
}
