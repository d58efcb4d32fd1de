package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cetus-dns/cetus/internal/authority"
	"github.com/cetus-dns/cetus/internal/metrics"
	"github.com/cetus-dns/cetus/internal/storage"
)

// mockResponseWriter captures written messages instead of hitting a socket.
type mockResponseWriter struct {
	remote   net.Addr
	written  []*dns.Msg
	writeErr error
}

func newMockWriter() *mockResponseWriter {
	return &mockResponseWriter{
		remote: &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 4242},
	}
}

func (m *mockResponseWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53}
}
func (m *mockResponseWriter) RemoteAddr() net.Addr { return m.remote }
func (m *mockResponseWriter) WriteMsg(msg *dns.Msg) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = append(m.written, msg)
	return nil
}
func (m *mockResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (m *mockResponseWriter) Close() error                { return nil }
func (m *mockResponseWriter) TsigStatus() error           { return nil }
func (m *mockResponseWriter) TsigTimersOnly(bool)         {}
func (m *mockResponseWriter) Hijack()                     {}

// stubLocator returns a fixed country or a fixed error.
type stubLocator struct {
	country   string
	continent string
	err       error
}

func (s *stubLocator) LookupIP(ip net.IP) (string, string, error) {
	return s.country, s.continent, s.err
}

// failingStorage wraps a working store and injects record lookup errors.
type failingStorage struct {
	storage.Storage
}

func (f *failingStorage) LookupRecords(ctx context.Context, name, zone string, rtype uint16) ([]storage.Record, bool, error) {
	return nil, false, errors.New("injected storage error")
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

type fixture struct {
	handler *Handler
	store   *storage.MemoryStorage
	metrics *metrics.Metrics
	cache   *authority.Cache
	geo     *stubLocator
}

// newFixture builds a handler over the canonical test zone: example.com. with
// a SOA and NS at the apex and an A record at www.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStorage()
	require.NoError(t, store.AddZone(ctx, "example.com."))
	require.NoError(t, store.AddRecord(ctx, "example.com.", "example.com.",
		storage.NewRecord(mustRR(t, "example.com. 3600 IN SOA ns1.example.com. admin.example.com. 1 7200 3600 1209600 300"))))
	require.NoError(t, store.AddRecord(ctx, "example.com.", "example.com.",
		storage.NewRecord(mustRR(t, "example.com. 3600 IN NS ns1.example.com."))))
	require.NoError(t, store.AddRecord(ctx, "example.com.", "www.example.com.",
		storage.NewRecord(mustRR(t, "www.example.com. 300 IN A 1.2.3.4"))))

	m := metrics.New("test")
	t.Cleanup(m.Close)

	cache := authority.NewCache(store, m, zap.NewNop(), time.Minute)
	require.NoError(t, cache.Refresh(ctx))

	locator := &stubLocator{country: "BE", continent: "EU"}
	return &fixture{
		handler: NewHandler(store, cache, locator, m, zap.NewNop()),
		store:   store,
		metrics: m,
		cache:   cache,
		geo:     locator,
	}
}

func (f *fixture) withStorage(t *testing.T, store storage.Storage) {
	t.Helper()
	f.handler = NewHandler(store, f.cache, f.geo, f.metrics, zap.NewNop())
}

func query(name string, qtype uint16) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(name, qtype)
	return req
}

func serve(t *testing.T, h *Handler, req *dns.Msg) *dns.Msg {
	t.Helper()
	w := newMockWriter()
	h.ServeDNS(w, req)
	require.Len(t, w.written, 1)
	return w.written[0]
}

func counterValue(t *testing.T, m *metrics.Metrics, family string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != family {
			continue
		}
		for _, metric := range f.GetMetric() {
			if matchesLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return -1
}

func matchesLabels(metric *dto.Metric, want map[string]string) bool {
	have := make(map[string]string)
	for _, label := range metric.GetLabel() {
		have[label.GetName()] = label.GetValue()
	}
	for name, value := range want {
		if have[name] != value {
			return false
		}
	}
	return true
}

func TestNXDomainCarriesSOA(t *testing.T) {
	f := newFixture(t)

	res := serve(t, f.handler, query("nope.example.com.", dns.TypeA))

	assert.Equal(t, dns.RcodeNameError, res.Rcode)
	assert.True(t, res.Response)
	assert.True(t, res.Authoritative)
	assert.Empty(t, res.Answer)
	require.Len(t, res.Ns, 1)
	_, isSOA := res.Ns[0].(*dns.SOA)
	assert.True(t, isSOA)

	assert.Equal(t, 1.0, counterValue(t, f.metrics, "cetus_response_code", map[string]string{
		"zone": "example.com.", "code": "NXDOMAIN",
	}))
}

func TestNoDataCarriesSOA(t *testing.T) {
	f := newFixture(t)

	res := serve(t, f.handler, query("www.example.com.", dns.TypeMX))

	assert.Equal(t, dns.RcodeSuccess, res.Rcode)
	assert.True(t, res.Authoritative)
	assert.Empty(t, res.Answer)
	require.Len(t, res.Ns, 1)
	_, isSOA := res.Ns[0].(*dns.SOA)
	assert.True(t, isSOA)
}

func TestPositiveAnswerPreservesQueryCase(t *testing.T) {
	f := newFixture(t)

	res := serve(t, f.handler, query("WwW.ExAmPle.COM.", dns.TypeA))

	assert.Equal(t, dns.RcodeSuccess, res.Rcode)
	assert.True(t, res.Authoritative)
	assert.Empty(t, res.Ns)
	require.Len(t, res.Answer, 1)
	a, ok := res.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "WwW.ExAmPle.COM.", a.Hdr.Name)
	assert.Equal(t, "1.2.3.4", a.A.String())
}

func TestOutOfZoneRefused(t *testing.T) {
	f := newFixture(t)

	before := counterValue(t, f.metrics, "cetus_response_code", map[string]string{
		"zone": metrics.UnknownZone, "code": "REFUSED",
	})

	res := serve(t, f.handler, query("example.org.", dns.TypeA))

	assert.Equal(t, dns.RcodeRefused, res.Rcode)
	assert.False(t, res.Authoritative)
	assert.Empty(t, res.Answer)

	after := counterValue(t, f.metrics, "cetus_response_code", map[string]string{
		"zone": metrics.UnknownZone, "code": "REFUSED",
	})
	assert.Equal(t, before+1, after)

	// Nothing may land in the real zone's buckets.
	assert.Equal(t, 0.0, counterValue(t, f.metrics, "cetus_response_code", map[string]string{
		"zone": "example.com.", "code": "REFUSED",
	}))
}

func TestNonINClassRefused(t *testing.T) {
	f := newFixture(t)

	req := new(dns.Msg)
	req.Question = []dns.Question{{
		Name:   "example.com.",
		Qtype:  dns.TypeTXT,
		Qclass: dns.ClassCHAOS,
	}}
	req.Id = dns.Id()

	res := serve(t, f.handler, req)
	assert.Equal(t, dns.RcodeRefused, res.Rcode)
	assert.False(t, res.Authoritative)
	assert.Empty(t, res.Answer)
}

func TestStorageErrorServFail(t *testing.T) {
	f := newFixture(t)
	f.withStorage(t, &failingStorage{Storage: f.store})

	res := serve(t, f.handler, query("www.example.com.", dns.TypeA))

	assert.Equal(t, dns.RcodeServerFailure, res.Rcode)
	assert.False(t, res.Authoritative)
	assert.Equal(t, 1.0, counterValue(t, f.metrics, "cetus_response_code", map[string]string{
		"zone": "example.com.", "code": "SERVFAIL",
	}))
}

func TestResponseMessageNotImp(t *testing.T) {
	f := newFixture(t)

	req := query("www.example.com.", dns.TypeA)
	req.Response = true

	res := serve(t, f.handler, req)
	assert.Equal(t, dns.RcodeNotImplemented, res.Rcode)
	assert.False(t, res.Authoritative)
}

func TestNonQueryOpcodeNotImp(t *testing.T) {
	f := newFixture(t)

	for _, opcode := range []int{dns.OpcodeStatus, dns.OpcodeNotify, dns.OpcodeUpdate} {
		req := query("www.example.com.", dns.TypeA)
		req.Opcode = opcode

		res := serve(t, f.handler, req)
		assert.Equal(t, dns.RcodeNotImplemented, res.Rcode, "opcode %d", opcode)
	}
}

func TestEmptyQuestionFormErr(t *testing.T) {
	f := newFixture(t)

	res := serve(t, f.handler, new(dns.Msg))
	assert.Equal(t, dns.RcodeFormatError, res.Rcode)
}

func TestEDNSEchoedOnAuthoritativeAnswer(t *testing.T) {
	f := newFixture(t)

	req := query("www.example.com.", dns.TypeA)
	req.SetEdns0(4096, true)

	res := serve(t, f.handler, req)
	require.Equal(t, dns.RcodeSuccess, res.Rcode)
	opt := res.IsEdns0()
	require.NotNil(t, opt)
	assert.True(t, opt.Do())
}

func TestGeoFailureServFailOnZonePath(t *testing.T) {
	f := newFixture(t)
	f.geo.err = errors.New("corrupt database")

	res := serve(t, f.handler, query("www.example.com.", dns.TypeA))
	assert.Equal(t, dns.RcodeServerFailure, res.Rcode)
	assert.Equal(t, 1.0, counterValue(t, f.metrics, "cetus_response_code", map[string]string{
		"zone": "example.com.", "code": "SERVFAIL",
	}))
}

func TestGeoFailureStillRefusesUnknownZone(t *testing.T) {
	f := newFixture(t)
	f.geo.err = errors.New("corrupt database")

	res := serve(t, f.handler, query("example.org.", dns.TypeA))
	assert.Equal(t, dns.RcodeRefused, res.Rcode)
}

func TestCountrySampleRecordedOnZonePath(t *testing.T) {
	f := newFixture(t)

	serve(t, f.handler, query("www.example.com.", dns.TypeA))

	assert.Equal(t, 1.0, counterValue(t, f.metrics, "cetus_country_queries", map[string]string{
		"zone": "example.com.", "country": "BE",
	}))
	assert.Equal(t, 1.0, counterValue(t, f.metrics, "cetus_connection_types", map[string]string{
		"zone": "example.com.", "ip_version": "IPv4", "protocol": "UDP",
	}))
	assert.Equal(t, 1.0, counterValue(t, f.metrics, "cetus_query_type", map[string]string{
		"zone": "example.com.", "record": "A",
	}))
}

func TestMissingSOAIsServFail(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.AddZone(ctx, "broken.example."))

	m := metrics.New("test")
	t.Cleanup(m.Close)
	cache := authority.NewCache(store, m, zap.NewNop(), time.Minute)
	require.NoError(t, cache.Refresh(ctx))

	h := NewHandler(store, cache, &stubLocator{country: "BE"}, m, zap.NewNop())
	res := serve(t, h, query("broken.example.", dns.TypeA))
	assert.Equal(t, dns.RcodeServerFailure, res.Rcode)
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)

	w := newMockWriter()
	w.writeErr = errors.New("connection reset")
	// Must not panic; the framework accounts for the request either way.
	f.handler.ServeDNS(w, query("www.example.com.", dns.TypeA))
	assert.Empty(t, w.written)
}

func TestMultipleRecordsAllReturned(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AddRecord(context.Background(), "example.com.", "www.example.com.",
		storage.NewRecord(mustRR(t, "www.example.com. 300 IN A 5.6.7.8"))))

	res := serve(t, f.handler, query("www.example.com.", dns.TypeA))
	assert.Len(t, res.Answer, 2)
}
