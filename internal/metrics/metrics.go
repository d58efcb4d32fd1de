package metrics

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// UnknownZone is the metric bucket for queries outside every authoritative
// zone. It is registered at startup and never unregistered.
const UnknownZone = "UNKNOWN"

const namespace = "cetus_"

// Metrics owns the prometheus registry and the per-zone counter vectors. Zone
// registration follows the authority cache: a zone's counters are created when
// the cache first sees the zone and removed when it disappears.
type Metrics struct {
	registry   *prometheus.Registry
	registerer prometheus.Registerer
	zones      sync.Map // zone name -> *zoneMetrics

	totalQueries   prometheus.Counter
	cpuUsage       prometheus.Gauge
	memoryUsage    prometheus.Gauge
	goroutineCount prometheus.Gauge

	stop chan struct{}
}

type zoneMetrics struct {
	responseCodes   *prometheus.CounterVec
	queryTypes      *prometheus.CounterVec
	queryClasses    *prometheus.CounterVec
	connectionTypes *prometheus.CounterVec
	countryQueries  *prometheus.CounterVec
}

func (z *zoneMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		z.responseCodes,
		z.queryTypes,
		z.queryClasses,
		z.connectionTypes,
		z.countryQueries,
	}
}

// New creates the metric fabric. Every metric carries the instance_name label
// and lives under the cetus_ namespace. The UNKNOWN bucket is registered
// immediately.
func New(instanceName string) *Metrics {
	registry := prometheus.NewRegistry()
	registerer := prometheus.WrapRegistererWith(
		prometheus.Labels{"instance_name": instanceName},
		prometheus.WrapRegistererWithPrefix(namespace, registry),
	)

	m := &Metrics{
		registry:   registry,
		registerer: registerer,
		totalQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "total_queries",
			Help: "Total number of DNS queries handled.",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "Current CPU usage percentage.",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_percent",
			Help: "Current memory usage percentage.",
		}),
		goroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goroutine_count",
			Help: "Current number of goroutines.",
		}),
		stop: make(chan struct{}),
	}

	registerer.MustRegister(m.totalQueries, m.cpuUsage, m.memoryUsage, m.goroutineCount)

	m.RegisterZone(UnknownZone)
	go m.systemCollector()

	return m
}

// RegisterZone creates the five counter vectors for a zone and pre-fills the
// known label values, so series appear at 0 on the first scrape. Registering a
// zone that is already present is a no-op, which makes cache refreshes
// idempotent.
func (m *Metrics) RegisterZone(zone string) {
	if _, ok := m.zones.Load(zone); ok {
		return
	}

	zoneLabel := prometheus.Labels{"zone": zone}
	zm := &zoneMetrics{
		responseCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "response_code",
			Help:        "Response codes returned by queries to zones in the given authority.",
			ConstLabels: zoneLabel,
		}, []string{"code"}),
		queryTypes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "query_type",
			Help:        "Record types requested by queries in the given authority.",
			ConstLabels: zoneLabel,
		}, []string{"record"}),
		queryClasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "query_class",
			Help:        "Query classes requested by queries in the given authority.",
			ConstLabels: zoneLabel,
		}, []string{"class"}),
		connectionTypes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "connection_types",
			Help:        "Transports used by queries in the given authority.",
			ConstLabels: zoneLabel,
		}, []string{"ip_version", "protocol"}),
		countryQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "country_queries",
			Help:        "Source countries of queries in the given authority.",
			ConstLabels: zoneLabel,
		}, []string{"country"}),
	}

	for _, rcode := range []int{
		dns.RcodeSuccess,
		dns.RcodeNotImplemented,
		dns.RcodeServerFailure,
		dns.RcodeNameError,
		dns.RcodeRefused,
	} {
		zm.responseCodes.WithLabelValues(dns.RcodeToString[rcode])
	}
	for _, record := range dns.TypeToString {
		zm.queryTypes.WithLabelValues(record)
	}
	for _, class := range []string{"IN", "CH", "HS", "NONE", "ANY"} {
		zm.queryClasses.WithLabelValues(class)
	}
	for _, ipVersion := range []string{"IPv4", "IPv6"} {
		for _, protocol := range []string{"UDP", "TCP"} {
			zm.connectionTypes.WithLabelValues(ipVersion, protocol)
		}
	}

	if _, loaded := m.zones.LoadOrStore(zone, zm); loaded {
		// Raced with a concurrent registration; the stored one wins.
		return
	}
	for _, c := range zm.collectors() {
		m.registerer.MustRegister(c)
	}
}

// UnregisterZone removes a zone's counters from the registry. The UNKNOWN
// bucket stays registered for the lifetime of the process.
func (m *Metrics) UnregisterZone(zone string) {
	if zone == UnknownZone {
		return
	}
	value, ok := m.zones.LoadAndDelete(zone)
	if !ok {
		return
	}
	for _, c := range value.(*zoneMetrics).collectors() {
		m.registerer.Unregister(c)
	}
}

func (m *Metrics) zone(zone string) (*zoneMetrics, bool) {
	value, ok := m.zones.Load(zone)
	if !ok {
		return nil, false
	}
	return value.(*zoneMetrics), true
}

// IncResponseCode counts an outbound response code for a zone.
func (m *Metrics) IncResponseCode(zone string, rcode int) {
	m.totalQueries.Inc()
	if zm, ok := m.zone(zone); ok {
		zm.responseCodes.WithLabelValues(dns.RcodeToString[rcode]).Inc()
	}
}

// IncQueryType counts an inbound query type for a zone.
func (m *Metrics) IncQueryType(zone string, qtype uint16) {
	if zm, ok := m.zone(zone); ok {
		zm.queryTypes.WithLabelValues(dns.TypeToString[qtype]).Inc()
	}
}

// IncQueryClass counts an inbound query class for a zone.
func (m *Metrics) IncQueryClass(zone string, qclass uint16) {
	if zm, ok := m.zone(zone); ok {
		zm.queryClasses.WithLabelValues(dns.ClassToString[qclass]).Inc()
	}
}

// IncConnection counts the transport of an inbound query for a zone.
func (m *Metrics) IncConnection(zone, ipVersion, protocol string) {
	if zm, ok := m.zone(zone); ok {
		zm.connectionTypes.WithLabelValues(ipVersion, protocol).Inc()
	}
}

// IncCountry counts the source country of an inbound query for a zone. Country
// series are created lazily from geo lookups.
func (m *Metrics) IncCountry(zone, country string) {
	if zm, ok := m.zone(zone); ok {
		zm.countryQueries.WithLabelValues(country).Inc()
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Close stops the background system collector.
func (m *Metrics) Close() {
	close(m.stop)
}

// systemCollector samples process health every few seconds.
func (m *Metrics) systemCollector() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
				m.cpuUsage.Set(percentages[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				m.memoryUsage.Set(vm.UsedPercent)
			}
			m.goroutineCount.Set(float64(runtime.NumGoroutine()))
		case <-m.stop:
			return
		}
	}
}
