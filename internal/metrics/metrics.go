// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package metrics exports the expvar counters of datashare components to a
// Prometheus registry.
package metrics

import (
	"expvar"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewRegistry returns a registry that reports the given expvar maps, keyed by
// subsystem name, together with the standard Go runtime and process metrics.
func NewRegistry(namespace string, maps map[string]*expvar.Map) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for sub, m := range maps {
		reg.MustRegister(NewCollector(namespace, sub, m))
	}
	return reg
}

// NewCollector returns a collector that reports each numeric value in m as a
// gauge named namespace_subsystem_key. Values that are not numbers are
// skipped. The contents of m are read at each collection, so keys added to m
// later are also reported.
func NewCollector(namespace, subsystem string, m *expvar.Map) prometheus.Collector {
	return &collector{ns: namespace, sub: subsystem, m: m}
}

type collector struct {
	ns, sub string
	m       *expvar.Map
}

// Describe implements part of prometheus.Collector. It reports no
// descriptors, which makes the collector unchecked, since the set of keys in
// the map may change.
func (c *collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements part of prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.m.Do(func(kv expvar.KeyValue) {
		var v float64
		switch t := kv.Value.(type) {
		case *expvar.Int:
			v = float64(t.Value())
		case *expvar.Float:
			v = t.Value()
		default:
			f, err := strconv.ParseFloat(kv.Value.String(), 64)
			if err != nil {
				return
			}
			v = f
		}
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(c.ns, c.sub, kv.Key),
			"Mirror of expvar "+c.sub+"."+kv.Key,
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	})
}
