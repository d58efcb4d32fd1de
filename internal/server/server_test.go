package server

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func TestConnectionInfo(t *testing.T) {
	cases := []struct {
		name        string
		addr        net.Addr
		wantVersion string
		wantProto   string
	}{
		{"udp v4", &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 53}, "IPv4", "UDP"},
		{"udp v6", &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 53}, "IPv6", "UDP"},
		{"tcp v4", &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 53}, "IPv4", "TCP"},
		{"tcp v6", &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 53}, "IPv6", "TCP"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			version, proto, ip := connectionInfo(tc.addr)
			assert.Equal(t, tc.wantVersion, version)
			assert.Equal(t, tc.wantProto, proto)
			assert.NotNil(t, ip)
		})
	}
}

type countingHandler struct {
	current atomic.Int32
	max     atomic.Int32
}

func (h *countingHandler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	cur := h.current.Add(1)
	for {
		max := h.max.Load()
		if cur <= max || h.max.CompareAndSwap(max, cur) {
			break
		}
	}
	h.current.Add(-1)
}

func TestLimitingHandlerCapsConcurrency(t *testing.T) {
	inner := &countingHandler{}
	limited := &limitingHandler{inner: inner, sem: make(chan struct{}, 4)}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limited.ServeDNS(newMockWriter(), new(dns.Msg))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, inner.max.Load(), int32(4))
}
