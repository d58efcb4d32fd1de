package metrics

import (
	"testing"

	"github.com/miekg/dns"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m := New("test-instance")
	t.Cleanup(m.Close)
	return m
}

// counterValue finds a counter by family name and label subset. Returns -1
// when no matching series exists.
func counterValue(t *testing.T, m *Metrics, family string, labels map[string]string) float64 {
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

func TestUnknownBucketRegisteredAtStartup(t *testing.T) {
	m := newTestMetrics(t)

	value := counterValue(t, m, "cetus_response_code", map[string]string{
		"zone": UnknownZone,
		"code": "REFUSED",
	})
	assert.Equal(t, 0.0, value)
}

func TestInstanceNameLabelOnUnknownBucketSeries(t *testing.T) {
	m := newTestMetrics(t)

	value := counterValue(t, m, "cetus_response_code", map[string]string{
		"zone":          UnknownZone,
		"code":          "NOERROR",
		"instance_name": "test-instance",
	})
	assert.Equal(t, 0.0, value)
}

func TestRegisterZonePrefillsSeries(t *testing.T) {
	m := newTestMetrics(t)
	m.RegisterZone("example.com.")

	for _, code := range []string{"NOERROR", "NOTIMP", "SERVFAIL", "NXDOMAIN", "REFUSED"} {
		value := counterValue(t, m, "cetus_response_code", map[string]string{
			"zone": "example.com.",
			"code": code,
		})
		assert.Equal(t, 0.0, value, "response code %s should be pre-filled", code)
	}

	assert.Equal(t, 0.0, counterValue(t, m, "cetus_query_type", map[string]string{
		"zone":   "example.com.",
		"record": "A",
	}))
	assert.Equal(t, 0.0, counterValue(t, m, "cetus_query_class", map[string]string{
		"zone":  "example.com.",
		"class": "IN",
	}))
	assert.Equal(t, 0.0, counterValue(t, m, "cetus_connection_types", map[string]string{
		"zone":       "example.com.",
		"ip_version": "IPv4",
		"protocol":   "UDP",
	}))
}

func TestIncrementCounters(t *testing.T) {
	m := newTestMetrics(t)
	m.RegisterZone("example.com.")

	m.IncResponseCode("example.com.", dns.RcodeNameError)
	m.IncQueryType("example.com.", dns.TypeMX)
	m.IncQueryClass("example.com.", dns.ClassINET)
	m.IncConnection("example.com.", "IPv6", "TCP")
	m.IncCountry("example.com.", "BE")

	assert.Equal(t, 1.0, counterValue(t, m, "cetus_response_code", map[string]string{
		"zone": "example.com.", "code": "NXDOMAIN",
	}))
	assert.Equal(t, 1.0, counterValue(t, m, "cetus_query_type", map[string]string{
		"zone": "example.com.", "record": "MX",
	}))
	assert.Equal(t, 1.0, counterValue(t, m, "cetus_query_class", map[string]string{
		"zone": "example.com.", "class": "IN",
	}))
	assert.Equal(t, 1.0, counterValue(t, m, "cetus_connection_types", map[string]string{
		"zone": "example.com.", "ip_version": "IPv6", "protocol": "TCP",
	}))
	assert.Equal(t, 1.0, counterValue(t, m, "cetus_country_queries", map[string]string{
		"zone": "example.com.", "country": "BE",
	}))
	assert.Equal(t, 1.0, counterValue(t, m, "cetus_total_queries", nil))
}

func TestIncrementUnregisteredZoneIsDropped(t *testing.T) {
	m := newTestMetrics(t)

	// Must not panic or create series for an unregistered zone.
	m.IncResponseCode("ghost.example.", dns.RcodeSuccess)
	assert.Equal(t, -1.0, counterValue(t, m, "cetus_response_code", map[string]string{
		"zone": "ghost.example.",
	}))
}

func TestUnregisterZoneRemovesSeries(t *testing.T) {
	m := newTestMetrics(t)
	m.RegisterZone("example.com.")
	require.Equal(t, 0.0, counterValue(t, m, "cetus_response_code", map[string]string{
		"zone": "example.com.", "code": "NOERROR",
	}))

	m.UnregisterZone("example.com.")
	assert.Equal(t, -1.0, counterValue(t, m, "cetus_response_code", map[string]string{
		"zone": "example.com.",
	}))

	// Unregistering twice is harmless.
	m.UnregisterZone("example.com.")
}

func TestUnknownBucketCannotBeUnregistered(t *testing.T) {
	m := newTestMetrics(t)
	m.UnregisterZone(UnknownZone)

	assert.Equal(t, 0.0, counterValue(t, m, "cetus_response_code", map[string]string{
		"zone": UnknownZone,
		"code": "REFUSED",
	}))
}

func TestRegisterZoneIsIdempotent(t *testing.T) {
	m := newTestMetrics(t)
	m.RegisterZone("example.com.")
	m.IncResponseCode("example.com.", dns.RcodeSuccess)

	// A second registration must not reset or duplicate the series.
	m.RegisterZone("example.com.")
	assert.Equal(t, 1.0, counterValue(t, m, "cetus_response_code", map[string]string{
		"zone": "example.com.", "code": "NOERROR",
	}))
}
